package api

import (
	"github.com/gin-gonic/gin"
)

func SetupRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(h.log), gin.Recovery())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(h.cfg))
	{
		v1.POST("/campaigns", h.handleStartCampaign)
		v1.POST("/campaigns/budget-optimization", h.handleBudgetOptimization)

		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.POST("/tasks/:taskId/cancel", h.handleCancelTask)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)

		v1.GET("/events", h.handleEvents)
		v1.GET("/events/ws", h.handleEventStream)
	}
	return r
}
