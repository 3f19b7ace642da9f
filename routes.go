package main

import (
	"amicable-orchestrator/handlers"
	"amicable-orchestrator/websocket"

	"github.com/gin-gonic/gin"
)

func registerRoutes(api *handlers.API, ws *websocket.Handler) func(r *gin.Engine) {
	return func(r *gin.Engine) {
		apiGroup := r.Group("/api")
		{
			apiGroup.GET("/projects", api.ListProjects)
			apiGroup.POST("/projects", api.CreateProject)
			apiGroup.GET("/projects/:id", api.GetProject)
			apiGroup.DELETE("/projects/:id", api.DeleteProject)

			apiGroup.GET("/projects/:id/messages", api.GetMessages)
			apiGroup.POST("/projects/:id/git/pull", api.PullGit)

			apiGroup.GET("/projects/:id/ws", ws.Serve)
		}

		// Health check endpoint
		r.GET("/health", handlers.Health)
	}
}
