// Package middleware holds the pipeline HTTP API's gin middleware,
// grounded on internal/http/middleware's AuthMiddleware/CORS/
// AttachRequestContext.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipelineapi/auth"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

type AuthMiddleware struct {
	log    *logger.Logger
	issuer *auth.Issuer
}

func NewAuthMiddleware(issuer *auth.Issuer, baseLog *logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{log: baseLog.With("Middleware", "PipelineAuthMiddleware"), issuer: issuer}
}

// RequireAuth verifies the bearer token and stashes the authenticated
// user id into request context, in the same query-param / Authorization-
// header / JSON-body extraction order as internal/middleware/auth.go's
// extractTokenFromAll.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractTokenFromAll(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"}})
			return
		}
		userID, err := am.issuer.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": err.Error(), "code": "unauthorized"}})
			return
		}
		if userID == uuid.Nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": gin.H{"message": "forbidden", "code": "forbidden"}})
			return
		}
		c.Request = c.Request.WithContext(auth.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func extractTokenFromAll(c *gin.Context) string {
	if qToken := c.Query("token"); qToken != "" {
		return qToken
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err == nil && body.Token != "" {
		return body.Token
	}
	return ""
}

// CORS mirrors internal/http/middleware/cors.go's local-dev allow-list.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:5173",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	})
}
