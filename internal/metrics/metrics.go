// Package metrics holds the Prometheus collectors shared by the ingestion pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	EventsInserted   prometheus.Counter
	EventsDuplicate  prometheus.Counter
	LinesSkipped     prometheus.Counter
	FilesLoaded      *prometheus.CounterVec
	FilesOpen        prometheus.Gauge
	WriteFailures    prometheus.Counter
	WriteRetries     prometheus.Counter
	BroadcastDropped prometheus.Counter
	Subscribers      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "journal",
			Name:      "events_inserted_total",
			Help:      "Events newly committed to the store",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "journal",
			Name:      "events_duplicate_total",
			Help:      "Events ignored because their id was already stored",
		}),
		LinesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "journal",
			Name:      "lines_skipped_total",
			Help:      "Journal lines that could not be parsed",
		}),
		FilesLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "journal",
			Name:      "files_loaded_total",
			Help:      "Journal files processed by the loader, by result",
		}, []string{"result"}),
		FilesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "journal",
			Name:      "loader_files_open",
			Help:      "Journal files currently open by loader workers",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "journal",
			Name:      "store_write_failures_total",
			Help:      "Batches that failed to commit after retry",
		}),
		WriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "journal",
			Name:      "store_write_retries_total",
			Help:      "Batches retried after a failed commit",
		}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "journal",
			Name:      "broadcast_dropped_total",
			Help:      "Live messages dropped for slow subscribers",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "journal",
			Name:      "broadcast_subscribers",
			Help:      "Currently connected live-channel subscribers",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsInserted, m.EventsDuplicate, m.LinesSkipped, m.FilesLoaded, m.FilesOpen,
			m.WriteFailures, m.WriteRetries, m.BroadcastDropped, m.Subscribers,
		)
	}
	return m
}

func (m *Metrics) Inserted(n int) {
	if m != nil && n > 0 {
		m.EventsInserted.Add(float64(n))
	}
}

func (m *Metrics) Duplicates(n int) {
	if m != nil && n > 0 {
		m.EventsDuplicate.Add(float64(n))
	}
}

func (m *Metrics) Skipped(n int) {
	if m != nil && n > 0 {
		m.LinesSkipped.Add(float64(n))
	}
}

func (m *Metrics) FileDone(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.FilesLoaded.WithLabelValues(result).Inc()
}

func (m *Metrics) FileOpened() {
	if m != nil {
		m.FilesOpen.Inc()
	}
}

func (m *Metrics) FileClosed() {
	if m != nil {
		m.FilesOpen.Dec()
	}
}

func (m *Metrics) WriteFailed() {
	if m != nil {
		m.WriteFailures.Inc()
	}
}

func (m *Metrics) WriteRetried() {
	if m != nil {
		m.WriteRetries.Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.BroadcastDropped.Inc()
	}
}

func (m *Metrics) SubscriberAdded() {
	if m != nil {
		m.Subscribers.Inc()
	}
}

func (m *Metrics) SubscriberRemoved() {
	if m != nil {
		m.Subscribers.Dec()
	}
}
