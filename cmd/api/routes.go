package main

import (
	"database/sql"
	"net/http"
	"time"

	"consultline/internal/httpapi"
	"consultline/internal/metrics"
	"consultline/internal/tasks"
	"consultline/internal/webhooks"
	"consultline/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	db      *sql.DB
	rdb     *redis.Client
	metrics *metrics.Metrics

	authMW    gin.HandlerFunc
	twilioSig gin.HandlerFunc

	webhooks *webhooks.Handler
	tasks    *tasks.CallbackHandler
	api      httpapi.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := utils.HealthCheck(ctx, d.db, 2*time.Second); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "postgres unavailable"})
			return
		}
		if err := d.rdb.Ping(ctx).Err(); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "redis unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(d.metrics.Handler()))

	// Provider webhooks. Twilio requests are signature checked; Stripe
	// verifies its own signature header in the handler.
	d.webhooks.Register(r, d.twilioSig)

	// Task queue callback, authenticated by shared secret.
	r.POST("/tasks/execute-call", d.tasks.ExecuteCall)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	d.api.Register(v1)
}
