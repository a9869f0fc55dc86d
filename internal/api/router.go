// Package api is the HTTP surface: authenticated /v1 routes for the tenant,
// the public webhook receiver, health and metrics.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	JWTSecret string
	// Gatherer backs /metrics; nil uses the prometheus default registry.
	Gatherer prometheus.Gatherer
	// Ready reports whether backing stores are reachable; nil means always.
	Ready func(ctx context.Context) error
}

// Handlers left nil are not routed.
type Handlers struct {
	Feedback  *FeedbackHandler
	Webhooks  *WebhookHandler
	Snapshots *SnapshotHandler
	Usage     *UsageHandler
	Events    *EventsHandler
}

func NewRouter(cfg RouterConfig, h Handlers, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger.Named("http")))

	// Health and metrics stay public so load balancers and scrapers need no
	// token.
	r.GET("/v1/health", func(c *gin.Context) {
		if cfg.Ready != nil {
			if err := cfg.Ready(c.Request.Context()); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if h.Webhooks != nil {
		r.POST("/webhooks/:integration_id", h.Webhooks.Receive)
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	if h.Feedback != nil {
		v1.POST("/feedback", h.Feedback.Create)
		v1.POST("/feedback/import", h.Feedback.Import)
		v1.GET("/feedback", h.Feedback.List)
		v1.GET("/feedback/:id", h.Feedback.GetByID)
		v1.PATCH("/feedback/:id/category", h.Feedback.OverrideCategory)
		v1.POST("/feedback/:id/requeue", h.Feedback.Requeue)
	}
	if h.Snapshots != nil {
		v1.POST("/snapshots", h.Snapshots.Generate)
		v1.GET("/snapshots", h.Snapshots.List)
	}
	if h.Usage != nil {
		v1.GET("/usage", h.Usage.Get)
	}
	if h.Events != nil {
		v1.GET("/events", h.Events.Stream)
	}
	return r
}

// requestLogger logs one line per request through zap in place of
// gin.Logger.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Int("bytes", c.Writer.Size()),
			zap.String("client_ip", c.ClientIP()),
		}
		if ws := middleware.GetWorkspaceID(c); ws != uuid.Nil {
			fields = append(fields, zap.String("workspace_id", ws.String()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Info("request", fields...)
		default:
			logger.Debug("request", fields...)
		}
	}
}
