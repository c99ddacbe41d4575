package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"blingwatch/internal/api/handlers"
	"blingwatch/internal/api/middleware"
)

// RouterConfig holds dependencies for the API router
type RouterConfig struct {
	Monitor      handlers.StockMonitor
	Agent        handlers.MessageAgent
	Sender       handlers.Sender
	TokenManager handlers.TokenManager
	APIKey       string
	Logger       *slog.Logger
}

// NewRouter creates and configures the Gin router
func NewRouter(config RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Apply global middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(config.Logger))
	router.Use(middleware.Logging(config.Logger))
	// Registered after Logging so its verdict is available when the log
	// line is written. Webhook endpoints are internet-facing and attract
	// scanner traffic.
	router.Use(middleware.NoiseFilter(config.Logger))

	// Health check (no auth)
	healthHandler := handlers.NewHealthHandler()
	router.GET("/health", healthHandler.GetHealth)

	// Bling stock webhooks, one route per warehouse. Bling cannot carry
	// credentials, so these stay unauthenticated like the health check.
	stockHandler := handlers.NewStockHandler(config.Monitor, config.Logger)
	router.POST("/full", stockHandler.Full)
	router.POST("/principal", stockHandler.Principal)

	// Inbound WhatsApp messages from the Evolution API.
	if config.Agent != nil {
		whatsappHandler := handlers.NewWhatsAppHandler(config.Agent, config.Sender, config.Logger)
		router.POST("/whatsapp", whatsappHandler.Receive)
	}

	tokenHandler := handlers.NewTokenHandler(config.TokenManager, config.Logger)

	// OAuth redirect landing for the authorization-code bootstrap.
	router.GET("/callback", tokenHandler.Callback)

	// API v1 routes (with authentication)
	v1 := router.Group("/v1")
	v1.Use(authMiddleware(config.APIKey))
	{
		v1.GET("/admin/token/status", tokenHandler.GetStatus)
		v1.POST("/admin/token/refresh", tokenHandler.ForceRefresh)
		v1.POST("/admin/token/authorize", tokenHandler.Authorize)
	}

	return router
}

// authMiddleware verifies API key authentication
func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-Admin-Key")
		if providedKey != apiKey {
			c.JSON(401, gin.H{
				"error": "Unauthorized",
				"code":  "UNAUTHORIZED",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
