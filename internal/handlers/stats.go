package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
	"github.com/PratikDhanave/journal-sync-service/internal/stats"
	"github.com/PratikDhanave/journal-sync-service/internal/store"
)

// RegisterStatsRoutes registers the aggregate endpoints.
//
// GET /events/count  cached store count
// GET /events/stats  EventStats recomputed over every stored event
func RegisterStatsRoutes(r gin.IRoutes, st *store.EventStore) {
	r.GET("/events/count", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.CountResponse{Count: st.Count()})
	})

	r.GET("/events/stats", func(c *gin.Context) {
		events, err := st.All(c.Request.Context())
		if err != nil {
			log.Printf("handlers: stats: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		c.JSON(http.StatusOK, stats.ComputeStats(events))
	})
}
