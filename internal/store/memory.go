package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
)

type memRow struct {
	event  models.Event
	seq    int64
	search string
}

// newerFirst orders rows by timestamp descending, then by insertion descending.
func newerFirst(a, b memRow) bool {
	if !a.event.Timestamp.Equal(b.event.Timestamp) {
		return a.event.Timestamp.After(b.event.Timestamp)
	}
	return a.seq > b.seq
}

// MemoryStore keeps events in process memory. It is the fast path for tests
// and disposable runs; nothing survives a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	ids  map[string]struct{}
	rows []memRow // kept sorted newest first
	seq  int64
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (m *MemoryStore) InsertBatch(ctx context.Context, events []models.Event) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := make([]models.Event, 0, len(events))
	batch := make([]memRow, 0, len(events))
	for _, e := range events {
		if _, ok := m.ids[e.ID]; ok {
			continue
		}
		m.ids[e.ID] = struct{}{}
		m.seq++
		batch = append(batch, memRow{event: e, seq: m.seq, search: searchText(e)})
		inserted = append(inserted, e)
	}
	if len(batch) == 0 {
		return inserted, nil
	}

	sort.Slice(batch, func(i, j int) bool { return newerFirst(batch[i], batch[j]) })
	merged := make([]memRow, 0, len(m.rows)+len(batch))
	i, j := 0, 0
	for i < len(m.rows) && j < len(batch) {
		if newerFirst(batch[j], m.rows[i]) {
			merged = append(merged, batch[j])
			j++
		} else {
			merged = append(merged, m.rows[i])
			i++
		}
	}
	merged = append(merged, m.rows[i:]...)
	merged = append(merged, batch[j:]...)
	m.rows = merged
	return inserted, nil
}

func (m *MemoryStore) Recent(ctx context.Context, limit, offset int) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return window(m.rows, limit, offset), nil
}

func (m *MemoryStore) All(ctx context.Context) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return window(m.rows, len(m.rows), 0), nil
}

func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.rows)), nil
}

func (m *MemoryStore) Search(ctx context.Context, query string, limit, offset int) ([]models.Event, int64, error) {
	q := strings.ToLower(query)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []memRow
	for _, r := range m.rows {
		if q == "" || strings.Contains(r.search, q) {
			matched = append(matched, r)
		}
	}
	return window(matched, limit, offset), int64(len(matched)), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Close() error { return nil }

func window(rows []memRow, limit, offset int) []models.Event {
	if offset >= len(rows) {
		return []models.Event{}
	}
	end := offset + limit
	if end > len(rows) || end < offset {
		end = len(rows)
	}
	out := make([]models.Event, 0, end-offset)
	for _, r := range rows[offset:end] {
		out = append(out, r.event)
	}
	return out
}

func searchText(e models.Event) string {
	payload, _ := json.Marshal(e.Payload)
	return strings.ToLower(e.Type + "\n" + string(payload) + "\n" + e.RawText)
}
