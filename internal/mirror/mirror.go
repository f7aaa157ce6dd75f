// Package mirror keeps a client-side copy of the server's event set: one bulk
// load for accurate statistics, a progressively revealed display prefix, and
// small incremental merges from polling or the live channel.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
	"github.com/PratikDhanave/journal-sync-service/internal/stats"
)

// State is the loader lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateScanning    State = "scanning"
	StateBulkLoading State = "bulk-loading"
	StateReady       State = "ready"
	StateError       State = "error"
)

var (
	// ErrLoadInProgress rejects a load while another one is scanning or bulk-loading.
	ErrLoadInProgress = errors.New("mirror: load already in progress")
	// ErrTransport wraps every failed fetch from a Source.
	ErrTransport = errors.New("mirror: transport error")
)

// Source is the server as the mirror sees it.
type Source interface {
	Count(ctx context.Context) (int64, error)
	All(ctx context.Context) ([]models.Event, error)
	Recent(ctx context.Context, limit int) ([]models.Event, error)
}

// Options size the display prefix and the poll. Zero values take defaults.
type Options struct {
	InitialDisplayCount int
	LoadMoreCount       int
	PollInterval        time.Duration
	PollWindow          int
	ChangeBuffer        int
}

func (o *Options) setDefaults() {
	if o.InitialDisplayCount <= 0 {
		o.InitialDisplayCount = 50
	}
	if o.LoadMoreCount <= 0 {
		o.LoadMoreCount = 50
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.PollWindow <= 0 {
		o.PollWindow = 20
	}
	if o.ChangeBuffer <= 0 {
		o.ChangeBuffer = 16
	}
}

// Change is delivered on Changes after every state transition or merge.
type Change struct {
	State   State
	Added   int
	Visible int
	Total   int
	Err     error
}

// Mirror is safe for concurrent use.
type Mirror struct {
	src  Source
	opts Options

	mu        sync.Mutex
	state     State
	events    []models.Event // newest first
	ids       map[string]struct{}
	displayed int
	expected  int64
	lastErr   error
	gen       uint64
	pending   []models.Event

	changes chan Change
}

// New returns an idle mirror over src.
func New(src Source, opts Options) *Mirror {
	opts.setDefaults()
	return &Mirror{
		src:     src,
		opts:    opts,
		state:   StateIdle,
		ids:     make(map[string]struct{}),
		changes: make(chan Change, opts.ChangeBuffer),
	}
}

// Load performs the bulk path: count for progress, then fetch everything.
// A failure passes through StateError and settles in a degraded StateReady
// that keeps whatever was held before.
func (m *Mirror) Load(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateScanning || m.state == StateBulkLoading {
		m.mu.Unlock()
		return ErrLoadInProgress
	}
	prev := m.state
	m.gen++
	m.setStateLocked(StateScanning, 0, nil)
	m.mu.Unlock()

	expected, countErr := m.src.Count(ctx)
	if ctx.Err() != nil {
		m.abandon(prev)
		return ctx.Err()
	}
	if countErr != nil {
		// the count only drives progress; keep going and report it
		log.Printf("mirror: count: %v", countErr)
		expected = -1
	}

	m.mu.Lock()
	m.expected = expected
	m.setStateLocked(StateBulkLoading, 0, nil)
	m.mu.Unlock()

	events, err := m.src.All(ctx)
	if ctx.Err() != nil {
		m.abandon(prev)
		return ctx.Err()
	}
	if err != nil {
		m.fail(err)
		return err
	}

	m.mu.Lock()
	m.replaceLocked(events)
	added := len(m.events)
	if len(m.pending) > 0 {
		added += m.mergeLocked(m.pending)
		m.pending = nil
	}
	m.setStateLocked(StateReady, added, countErr)
	m.mu.Unlock()
	return nil
}

// Refresh discards the held set and repeats the bulk path. The old set stays
// visible until the new one has arrived.
func (m *Mirror) Refresh(ctx context.Context) error {
	return m.Load(ctx)
}

func (m *Mirror) abandon(prev State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	if prev == StateReady || len(m.events) > 0 {
		m.setStateLocked(StateReady, 0, m.lastErr)
		return
	}
	m.setStateLocked(StateIdle, 0, nil)
}

func (m *Mirror) fail(err error) {
	log.Printf("mirror: bulk load: %v", err)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(StateError, 0, err)
	if len(m.pending) > 0 {
		m.mergeLocked(m.pending)
		m.pending = nil
	}
	m.setStateLocked(StateReady, 0, err)
}

func (m *Mirror) replaceLocked(events []models.Event) {
	sorted := make([]models.Event, 0, len(events))
	ids := make(map[string]struct{}, len(events))
	for _, e := range events {
		if _, dup := ids[e.ID]; dup {
			continue
		}
		ids[e.ID] = struct{}{}
		sorted = append(sorted, e)
	}
	sortNewestFirst(sorted)
	m.events = sorted
	m.ids = ids
	m.displayed = min(m.opts.InitialDisplayCount, len(sorted))
}

// mergeLocked prepends events whose id is unknown and grows the displayed
// prefix by the same amount. It returns how many were added.
func (m *Mirror) mergeLocked(events []models.Event) int {
	var fresh []models.Event
	for _, e := range events {
		if _, known := m.ids[e.ID]; known {
			continue
		}
		m.ids[e.ID] = struct{}{}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return 0
	}
	sortNewestFirst(fresh)
	m.events = append(fresh, m.events...)
	m.displayed = min(m.displayed+len(fresh), len(m.events))
	return len(fresh)
}

// Poll fetches the most recent window and merges what is new. It is a no-op
// until the first load finished, and results that arrive after ctx is
// canceled or after a newer load started are discarded.
func (m *Mirror) Poll(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return 0, nil
	}
	gen := m.gen
	m.mu.Unlock()

	recent, err := m.src.Recent(ctx, m.opts.PollWindow)
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateReady {
		return 0, nil
	}
	if err != nil {
		m.lastErr = err
		m.notifyLocked(0, err)
		return 0, err
	}
	m.lastErr = nil
	added := m.mergeLocked(recent)
	if added > 0 {
		m.notifyLocked(added, nil)
	}
	return added, nil
}

// Apply merges events pushed over the live channel. Pushes that arrive while
// a load is running are held and merged when it finishes.
func (m *Mirror) Apply(events ...models.Event) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateScanning, StateBulkLoading:
		m.pending = append(m.pending, events...)
		return 0
	case StateIdle:
		return 0
	}
	added := m.mergeLocked(events)
	if added > 0 {
		m.notifyLocked(added, nil)
	}
	return added
}

// Run polls every PollInterval until ctx is canceled.
func (m *Mirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
				log.Printf("mirror: poll: %v", err)
			}
		}
	}
}

// RevealMore advances the displayed prefix by LoadMoreCount without touching
// the network, and returns the new prefix length.
func (m *Mirror) RevealMore() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.displayed
	m.displayed = min(m.displayed+m.opts.LoadMoreCount, len(m.events))
	if m.displayed != before {
		m.notifyLocked(0, nil)
	}
	return m.displayed
}

// HasMore reports whether part of the held set is still hidden. It is based on
// what was actually fetched, never on the server's count.
func (m *Mirror) HasMore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.displayed < len(m.events)
}

// Visible returns a copy of the displayed prefix, newest first.
func (m *Mirror) Visible() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Event, m.displayed)
	copy(out, m.events[:m.displayed])
	return out
}

// Len is the number of events held in memory.
func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Progress returns the loaded count and the server count seen at load start
// (-1 when the count call failed).
func (m *Mirror) Progress() (loaded int, expected int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events), m.expected
}

// Stats recomputes statistics over the full held set.
func (m *Mirror) Stats() models.EventStats {
	m.mu.Lock()
	events := m.events
	m.mu.Unlock()
	// events is only ever replaced or prepended to via a new slice
	return stats.ComputeStats(events)
}

// State returns the current lifecycle state.
func (m *Mirror) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the last transport error, cleared by the next successful fetch.
func (m *Mirror) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Changes delivers notifications. Slow readers miss notifications; the
// mirror never blocks on them.
func (m *Mirror) Changes() <-chan Change {
	return m.changes
}

func (m *Mirror) setStateLocked(s State, added int, err error) {
	m.state = s
	m.lastErr = err
	m.notifyLocked(added, err)
}

func (m *Mirror) notifyLocked(added int, err error) {
	c := Change{State: m.state, Added: added, Visible: m.displayed, Total: len(m.events), Err: err}
	select {
	case m.changes <- c:
	default:
	}
}

func sortNewestFirst(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
}
