// Package store is the durable, deduplicating holder of journal events.
//
// EventStore is the single write path: it serializes commits, retries a failed
// batch once, keeps the O(1) count, and runs post-commit hooks in commit order.
// Storage itself is delegated to a Backend (memory, SQLite or Postgres).
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/PratikDhanave/journal-sync-service/internal/metrics"
	"github.com/PratikDhanave/journal-sync-service/internal/models"
)

// ErrWrite wraps a batch commit that failed after its retry.
var ErrWrite = errors.New("store write failed")

// Backend is a persistence medium. InsertBatch must be all-or-nothing and must
// return only the events it actually inserted, in input order.
type Backend interface {
	InsertBatch(ctx context.Context, events []models.Event) ([]models.Event, error)
	Recent(ctx context.Context, limit, offset int) ([]models.Event, error)
	All(ctx context.Context) ([]models.Event, error)
	Count(ctx context.Context) (int64, error)
	Search(ctx context.Context, query string, limit, offset int) ([]models.Event, int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and tunes the backend.
type Options struct {
	Driver         string
	SQLitePath     string
	DBURL          string
	DedupCacheSize int
	RetryDelay     time.Duration
	Metrics        *metrics.Metrics
}

// SaveResult reports the outcome of one Save call.
type SaveResult struct {
	Inserted   []models.Event
	Duplicates int
	Failed     int
}

// CommitHook observes newly inserted events. Hooks run under the write lock
// and must not block.
type CommitHook func(inserted []models.Event)

// EventStore is the single synchronization point for writes over a Backend.
type EventStore struct {
	backend    Backend
	writeMu    sync.Mutex
	count      atomic.Int64
	committed  *lru.Cache
	retryDelay time.Duration
	metrics    *metrics.Metrics

	hooksMu sync.RWMutex
	hooks   []CommitHook
}

// Open builds the backend named by opts.Driver and wraps it.
func Open(ctx context.Context, opts Options) (*EventStore, error) {
	var (
		backend Backend
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverMemory, "":
		backend = NewMemoryStore()
	case DriverSQLite:
		backend, err = OpenSQLite(opts.SQLitePath)
	case DriverPostgres:
		backend, err = NewPostgresStore(ctx, opts.DBURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	return New(ctx, backend, opts)
}

// New wraps an already open backend.
func New(ctx context.Context, backend Backend, opts Options) (*EventStore, error) {
	size := opts.DedupCacheSize
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	n, err := backend.Count(ctx)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("initial count: %w", err)
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	s := &EventStore{
		backend:    backend,
		committed:  cache,
		retryDelay: delay,
		metrics:    opts.Metrics,
	}
	s.count.Store(n)
	return s, nil
}

// OnCommit registers a hook called after every commit that inserted events.
func (s *EventStore) OnCommit(h CommitHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Save inserts events idempotently. Known ids are skipped and excluded from
// Inserted. A batch that fails twice is reported in Failed with ErrWrite.
func (s *EventStore) Save(ctx context.Context, events []models.Event) (SaveResult, error) {
	if len(events) == 0 {
		return SaveResult{}, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	candidates := make([]models.Event, 0, len(events))
	batchSeen := make(map[string]struct{}, len(events))
	dups := 0
	for _, e := range events {
		if e.ID == "" {
			dups++
			continue
		}
		if _, ok := batchSeen[e.ID]; ok || s.committed.Contains(e.ID) {
			dups++
			continue
		}
		batchSeen[e.ID] = struct{}{}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		s.metrics.Duplicates(dups)
		return SaveResult{Duplicates: dups}, nil
	}

	inserted, err := s.backend.InsertBatch(ctx, candidates)
	if err != nil && ctx.Err() == nil {
		s.metrics.WriteRetried()
		log.Printf("store: batch of %d failed, retrying: %v", len(candidates), err)
		select {
		case <-time.After(s.retryDelay):
			inserted, err = s.backend.InsertBatch(ctx, candidates)
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		s.metrics.WriteFailed()
		return SaveResult{Duplicates: dups, Failed: len(candidates)}, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	dups += len(candidates) - len(inserted)
	for _, e := range candidates {
		// ids rejected by the backend are already stored, so they are safe to cache too
		s.committed.Add(e.ID, struct{}{})
	}
	s.count.Add(int64(len(inserted)))
	s.metrics.Inserted(len(inserted))
	s.metrics.Duplicates(dups)

	if len(inserted) > 0 {
		s.hooksMu.RLock()
		for _, h := range s.hooks {
			h(inserted)
		}
		s.hooksMu.RUnlock()
	}
	return SaveResult{Inserted: inserted, Duplicates: dups}, nil
}

// Recent returns a page of events ordered by timestamp, newest first.
func (s *EventStore) Recent(ctx context.Context, limit, offset int) ([]models.Event, error) {
	if limit <= 0 {
		return []models.Event{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	return s.backend.Recent(ctx, limit, offset)
}

// All returns every stored event, newest first. The result is unbounded.
func (s *EventStore) All(ctx context.Context) ([]models.Event, error) {
	return s.backend.All(ctx)
}

// Count returns the cached number of stored events.
func (s *EventStore) Count() int64 {
	return s.count.Load()
}

// Search matches query against event type, payload and raw text.
func (s *EventStore) Search(ctx context.Context, query string, limit, offset int) ([]models.Event, int64, error) {
	query = strings.TrimSpace(query)
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.backend.Search(ctx, query, limit, offset)
}

// Ping checks the backend is reachable.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases the backend.
func (s *EventStore) Close() error {
	return s.backend.Close()
}
