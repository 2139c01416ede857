package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/chunk-extractor/api/handlers"
	"github.com/feichai0017/chunk-extractor/api/middleware"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

func SetupRoutes(r *gin.Engine, h *handlers.Handlers, corsOrigins []string, log logger.Logger) {
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(corsOrigins))

	r.GET("/health", handlers.HealthCheck)

	v1 := r.Group("/api/v1")
	docs := v1.Group("/documents")
	{
		docs.POST("", h.Document.ProcessDocument)
		docs.POST("/batch", h.Document.ProcessBatch)
		docs.GET("/:id/status", h.Document.GetStatus)
		docs.GET("/:id/progress", h.Document.GetProgress)
		docs.GET("/:id/progress/stream", h.Document.StreamProgress)
		docs.GET("/:id/chunks", h.Document.GetChunks)
		docs.GET("/:id/result", h.Document.GetResult)
		docs.DELETE("/:id", h.Document.CancelTask)
	}
}
