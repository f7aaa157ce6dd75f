package models

import "time"

// Live channel message names.
const (
	KindJournalEvent     = "journal:event"
	KindStatsUpdate      = "stats:update"
	KindBackfillComplete = "backfill:complete"
)

// EventPage is returned by GET /events and GET /events/search.
// Older servers return a bare array; clients must accept both.
type EventPage struct {
	Data  []Event `json:"data"`
	Total int64   `json:"total"`
	Page  int     `json:"page,omitempty"`
	Limit int     `json:"limit,omitempty"`
}

// CountResponse is returned by GET /events/count.
type CountResponse struct {
	Count int64 `json:"count"`
}

// JournalEventMessage is the journal:event payload, one per newly stored event.
type JournalEventMessage struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
}

// NewJournalEventMessage converts a stored event to its live-channel form.
func NewJournalEventMessage(e Event) JournalEventMessage {
	return JournalEventMessage{ID: e.ID, Timestamp: e.Timestamp, Event: e.Type, Data: e.Payload}
}

// StatsUpdateMessage is the periodic stats:update snapshot.
type StatsUpdateMessage struct {
	Stats         EventStats `json:"stats"`
	LastEventTime *time.Time `json:"lastEventTime,omitempty"`
}

// BackfillCompleteMessage is emitted once the initial bulk load finishes.
type BackfillCompleteMessage struct {
	TotalEvents int64 `json:"totalEvents"`
}
