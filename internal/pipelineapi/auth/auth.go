// Package auth is the pipeline HTTP API's JWT boundary: issue and verify
// access tokens scoped to a user id, stashing the verified id into request
// context for handlers to read. Grounded on internal/services/auth.go's
// JWTClaims/generateAccessToken/SetContextFromToken, simplified for the
// pipeline domain: no refresh-token/session row, since the pipeline API
// trusts tokens issued by the main auth service rather than owning user
// accounts itself — verifying the signature and subject is enough.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the pipeline API's JWT payload: just the registered claims,
// with Subject holding the user id, mirroring JWTClaims in
// internal/services/auth.go.
type Claims struct {
	jwt.RegisteredClaims
}

type Issuer struct {
	secret    []byte
	accessTTL time.Duration
}

func NewIssuer(secret string, accessTTL time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), accessTTL: accessTTL}
}

// IssueAccessToken signs a token for userID, used by tests and by any
// internal service-to-service caller minting its own short-lived token.
func (i *Issuer) IssueAccessToken(userID uuid.UUID) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses and validates tokenString, returning the authenticated
// user id on success.
func (i *Issuer) Verify(tokenString string) (uuid.UUID, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("auth: parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("auth: invalid or expired token")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("auth: invalid user id in token: %w", err)
	}
	return userID, nil
}

type requestUserKey struct{}

// WithUserID stashes the authenticated user id into ctx, the pipeline
// API's analogue of ctxutil.WithRequestData.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, requestUserKey{}, userID)
}

// UserIDFromContext returns the authenticated user id, or uuid.Nil if none
// was stashed (unauthenticated or middleware not installed).
func UserIDFromContext(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(requestUserKey{}).(uuid.UUID)
	return v
}
