package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainledger/chainledger/internal/api/handlers"
	"github.com/chainledger/chainledger/pkg/logger"
)

// SetupRoutes configures all application routes
func SetupRoutes(core *handlers.CoreHandler, webhook *handlers.WebhookHandler, status *handlers.StatusHandler, registry *prometheus.Registry, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/health", core.Health)
	router.GET("/live", core.Live)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/webhooks/transfers", webhook.ReceiveTransfers)

		statusGroup := v1.Group("/status")
		{
			statusGroup.GET("/events", status.ListEvents)
			statusGroup.GET("/requests", status.ListRequests)
			statusGroup.GET("/withdrawals", status.ListWithdrawals)
			statusGroup.GET("/workers", status.ListWorkers)
		}
	}

	return router
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= 400 {
			log.Warn("Request failed",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"status", c.Writer.Status())
		}
	}
}
