package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay/internal/config"
	"relay/internal/server/app"
	"relay/internal/server/ports"
)

// NewRouter wires all endpoints onto a gin engine.
func NewRouter(cfg *config.ServerConfig, registry *app.Registry, store ports.MessageStore) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.Debug {
		engine.Use(gin.Logger())
	}

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	apiHandler := NewAPIHandler(registry, store, cfg.SubscriberBuffer)
	sseHandler := NewSSEHandler(registry, cfg.SubscriberBuffer)
	wsHandler := NewWSHandler(registry, store, cfg.SubscriberBuffer)

	api := engine.Group("/api")
	api.GET("/health", apiHandler.HandleHealth)

	sessions := api.Group("/sessions")
	{
		sessions.POST("/:id/messages", apiHandler.HandleSendMessage)
		sessions.POST("/:id/stop", apiHandler.HandleStop)
		sessions.DELETE("/:id", apiHandler.HandleDeleteSession)
		sessions.GET("/:id/stream", sseHandler.HandleStream)
	}

	api.GET("/ws", wsHandler.HandleWS)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}
