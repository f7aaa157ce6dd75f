package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PratikDhanave/journal-sync-service/internal/auth"
	"github.com/PratikDhanave/journal-sync-service/internal/handlers"
	"github.com/PratikDhanave/journal-sync-service/internal/store"
)

// Deps are the components the router serves.
type Deps struct {
	Store    *store.EventStore
	Feed     handlers.LiveFeed
	Gatherer prometheus.Gatherer
	APIKeys  map[string]string // apiKey -> viewer; empty runs in guest mode
}

// NewRouter wires public endpoints and the viewer-scoped APIs.
// Public: /health, /ready, /metrics
// Viewer: /events, /events/count, /events/search, /events/stats, /events/stream
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the store is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	viewer := r.Group("/")
	viewer.Use(auth.APIKeyMiddleware(d.APIKeys))

	handlers.RegisterEventRoutes(viewer, d.Store)
	handlers.RegisterStatsRoutes(viewer, d.Store)
	if d.Feed != nil {
		handlers.RegisterStreamRoutes(viewer, d.Feed)
	}

	return r
}
