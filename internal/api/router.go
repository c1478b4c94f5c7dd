package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))

	v1 := r.Group("/api/v1")
	{
		uploads := v1.Group("/uploads")
		uploads.POST("", h.AddUpload)
		uploads.GET("", h.ListUploads)
		uploads.GET("/:id", h.GetUpload)
		uploads.DELETE("/:id", h.DeleteUpload)

		v1.POST("/sync", h.TriggerSync)
		v1.GET("/sync", h.SyncStatus)
	}
	return r
}

// RequestLogger logs one line per request once it has been served.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("http request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
