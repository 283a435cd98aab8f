package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"splat-pipeline/internal/realtime"
)

// NewRouter wires the REST and WebSocket surface.
func NewRouter(h *Handlers, hub *realtime.Hub, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	api := router.Group("/api")
	{
		api.GET("/health", h.Health)
		api.POST("/upload", h.Upload)
		api.GET("/projects", h.ListProjects)
		api.GET("/status/:id", h.Status)

		project := api.Group("/project/:id")
		{
			project.POST("/retry", h.Retry)
			project.POST("/cancel", h.Cancel)
			project.POST("/delete", h.Delete)
			project.GET("/result", h.Result)
		}
	}

	router.GET("/ws", gin.WrapH(hub))

	return router
}
