package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
	"github.com/PratikDhanave/journal-sync-service/internal/store"
)

const defaultSearchLimit = 50

// intQuery reads a non-negative integer query parameter. present reports
// whether the parameter was supplied at all.
func intQuery(c *gin.Context, name string) (v int, present bool, ok bool) {
	raw, present := c.GetQuery(name)
	if !present || raw == "" {
		return 0, false, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, true, false
	}
	return n, true, true
}

// RegisterEventRoutes registers the read paths over the event store.
//
// GET /events            all events, newest first
// GET /events?limit=&offset=  one window of the same ordering
// GET /events/search?q=&page=&limit=
func RegisterEventRoutes(r gin.IRoutes, st *store.EventStore) {
	r.GET("/events", func(c *gin.Context) {
		limit, hasLimit, ok := intQuery(c, "limit")
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		offset, hasOffset, ok := intQuery(c, "offset")
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return
		}

		if !hasLimit && !hasOffset {
			events, err := st.All(c.Request.Context())
			if err != nil {
				log.Printf("handlers: list all: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
				return
			}
			c.JSON(http.StatusOK, models.EventPage{Data: events, Total: int64(len(events))})
			return
		}

		if !hasLimit {
			limit = defaultSearchLimit
		}
		events, err := st.Recent(c.Request.Context(), limit, offset)
		if err != nil {
			log.Printf("handlers: list recent: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		c.JSON(http.StatusOK, models.EventPage{Data: events, Total: st.Count(), Limit: limit})
	})

	r.GET("/events/search", func(c *gin.Context) {
		page, _, ok := intQuery(c, "page")
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a positive integer"})
			return
		}
		if page == 0 {
			page = 1
		}
		limit, _, ok := intQuery(c, "limit")
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if limit == 0 {
			limit = defaultSearchLimit
		}

		events, total, err := st.Search(c.Request.Context(), c.Query("q"), limit, (page-1)*limit)
		if err != nil {
			log.Printf("handlers: search: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		c.JSON(http.StatusOK, models.EventPage{Data: events, Total: total, Page: page, Limit: limit})
	})
}
