package webapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine with all API routes registered.
func NewRouter(h *Handlers, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))

	api := r.Group("/api")
	{
		api.GET("/health", h.Health)
		api.GET("/goals", h.ListGoals)
		api.POST("/goals/:id/test", h.RunSingleTest)

		api.POST("/projects/:projectID/batch-runs", h.StartBatch)
		api.GET("/batch-runs", h.ListBatchRuns)
		api.GET("/batch-runs/:id", h.GetBatchRun)
		api.GET("/batch-runs/:id/progress", h.GetProgress)
		api.POST("/batch-runs/:id/stop", h.StopBatch)
		api.GET("/batch-runs/:id/events", h.StreamEvents)
		api.GET("/batch-runs/:id/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
	}

	return r
}

// LoggerMiddleware logs one line per request with latency and status.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)))
	}
}
