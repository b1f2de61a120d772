package api

import "github.com/gin-gonic/gin"

// RegisterRoutes registers the export API routes.
//
//	/api/v1/exports
//	├── POST   /               - Queue an export (?wait=true blocks)
//	├── GET    /               - List recent jobs
//	├── GET    /:id            - Job state
//	├── DELETE /:id            - Cancel a job
//	└── GET    /:id/progress   - Websocket progress stream
func RegisterRoutes(router *gin.Engine, handler *APIHandler) {
	v1 := router.Group("/api/v1/exports")
	{
		v1.POST("", handler.CreateExport)
		v1.GET("", handler.ListExports)
		v1.GET("/:id", handler.GetExport)
		v1.DELETE("/:id", handler.CancelExport)
		v1.GET("/:id/progress", handler.StreamProgress)
	}
}
