package pipelineapi

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-backend/internal/pipelineapi/handlers"
	pipelinemw "github.com/yungbote/neurobridge-backend/internal/pipelineapi/middleware"
)

// RouterConfig mirrors internal/http/router.go's RouterConfig shape: one
// field per handler/middleware, nil-checked so a partially-wired config
// (e.g. in tests) still produces a working router.
type RouterConfig struct {
	AuthMiddleware *pipelinemw.AuthMiddleware
	JobHandler     *handlers.JobHandler
	HealthHandler  *handlers.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(pipelinemw.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	protected := api.Group("/")
	if cfg.AuthMiddleware != nil {
		protected.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if cfg.JobHandler != nil {
		protected.GET("/jobs/:id", cfg.JobHandler.GetJob)
		protected.GET("/jobs/:id/debug", cfg.JobHandler.GetDebugInfo)
		protected.POST("/jobs/:id/run", cfg.JobHandler.RunJob)
		protected.POST("/jobs/:id/replay", cfg.JobHandler.ReplayJob)
	}

	return r
}
