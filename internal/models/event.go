package models

import "time"

// Event is one journal record after normalization.
// ID is either supplied by the source line or derived from (SourceFile, Timestamp, Type).
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       string         `json:"event"`
	Payload    map[string]any `json:"data"`
	RawText    string         `json:"raw,omitempty"`
	SourceFile string         `json:"source_file,omitempty"`
}

// SystemName returns the well-known star system field of the payload, if any.
func (e Event) SystemName() string {
	for _, k := range []string{"StarSystem", "System"} {
		if s, ok := e.Payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// EventStats is derived from a set of events and never mutated on its own.
type EventStats struct {
	TotalEvents    int            `json:"totalEvents"`
	EventTypes     map[string]int `json:"eventTypes"`
	Jumps          int            `json:"jumps"`
	Combat         int            `json:"combat"`
	Trading        int            `json:"trading"`
	Exploration    int            `json:"exploration"`
	SystemsVisited int            `json:"systemsVisited"`
	FirstEvent     *time.Time     `json:"firstEvent,omitempty"`
	LastEvent      *time.Time     `json:"lastEvent,omitempty"`
}
