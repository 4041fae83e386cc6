package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/ports"
)

// RouterOptions configures optional routes.
type RouterOptions struct {
	MetricsPath    string
	MetricsHandler http.Handler
}

// SetupRouter sets up the Gin router
func SetupRouter(gate ports.Gate, policy core.Policy, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Create handlers
	handlers := NewGateHandlers(gate, policy)

	router.GET("/healthz", handlers.Health)
	if opts.MetricsHandler != nil && opts.MetricsPath != "" {
		router.GET(opts.MetricsPath, gin.WrapH(opts.MetricsHandler))
	}

	// Payment routes
	payments := router.Group("/payments")
	{
		payments.POST("/challenge", handlers.Challenge)
		payments.POST("/redeem", handlers.Redeem)
		payments.GET("/receipt", handlers.Receipt)
	}

	// Paid API routes
	api := router.Group("/api")
	api.Use(PaymentMiddleware(gate, policy))
	{
		api.GET("/resource", handlers.Resource)
	}

	return router
}
