package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the worker API on the engine. The auth middleware
// guards everything under /api; health stays open for probes.
func RegisterRoutes(r *gin.Engine, auth gin.HandlerFunc, status *StatusController, logs *LogsController) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1/worker")
	if auth != nil {
		api.Use(auth)
	}
	api.GET("/jobs/:id", status.GetStatus)
	api.GET("/jobs/:id/logs", logs.StreamLogs)
}
