package handlers

import (
	"io"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/journal-sync-service/internal/auth"
	"github.com/PratikDhanave/journal-sync-service/internal/broadcast"
	"github.com/PratikDhanave/journal-sync-service/internal/models"
)

// LiveFeed is the part of the ingest service the stream endpoint needs.
// Join must subscribe and read the backfill status atomically with respect to
// the backfill:complete publish.
type LiveFeed interface {
	Join() (sub *broadcast.Subscription, done bool, total int64)
	Unsubscribe(*broadcast.Subscription)
	Snapshot() models.StatsUpdateMessage
}

// RegisterStreamRoutes registers GET /events/stream, a server-sent events
// feed of journal:event, stats:update and backfill:complete messages.
func RegisterStreamRoutes(r gin.IRoutes, feed LiveFeed) {
	r.GET("/events/stream", func(c *gin.Context) {
		// subscribe before the snapshot so nothing committed in between is lost
		sub, backfilled, total := feed.Join()
		defer feed.Unsubscribe(sub)

		viewer := auth.ViewerID(c)
		log.Printf("stream: %s connected", viewer)
		defer log.Printf("stream: %s disconnected", viewer)

		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		c.SSEvent(models.KindStatsUpdate, feed.Snapshot())
		if backfilled {
			c.SSEvent(models.KindBackfillComplete, models.BackfillCompleteMessage{TotalEvents: total})
		}
		c.Writer.Flush()

		ctx := c.Request.Context()
		c.Stream(func(w io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case msg, ok := <-sub.C:
				if !ok {
					return false
				}
				c.SSEvent(msg.Kind, msg.Data)
				return true
			}
		})
	})
}
