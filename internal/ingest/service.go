// Package ingest runs the server side of the pipeline: backfill from the
// journal directory, then tail the newest file, with live messages fanned out
// through the broadcast hub.
package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/journal-sync-service/internal/broadcast"
	"github.com/PratikDhanave/journal-sync-service/internal/loader"
	"github.com/PratikDhanave/journal-sync-service/internal/models"
	"github.com/PratikDhanave/journal-sync-service/internal/stats"
	"github.com/PratikDhanave/journal-sync-service/internal/store"
)

// Options configure the Service. Zero intervals take defaults.
type Options struct {
	Dir           string
	Loader        loader.Options
	TailInterval  time.Duration
	StatsInterval time.Duration
}

// Service owns backfill, tailing and the live messages they produce.
type Service struct {
	store *store.EventStore
	hub   *broadcast.Hub
	opts  Options

	// joinMu orders Join against the backfill:complete publish, so a joining
	// subscriber sees the marker exactly once: in the status or on the channel.
	joinMu sync.Mutex

	mu            sync.Mutex
	acc           *stats.Accumulator
	backfilled    bool
	backfillTotal int64
	started       bool
}

// New returns a Service writing to st and publishing on hub.
func New(st *store.EventStore, hub *broadcast.Hub, opts Options) *Service {
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 10 * time.Second
	}
	return &Service{store: st, hub: hub, opts: opts, acc: stats.NewAccumulator()}
}

// Run backfills, announces backfill:complete, then tails and publishes
// periodic stats:update snapshots until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.attach(ctx); err != nil {
		return err
	}

	report, err := s.backfill(ctx)
	if err != nil {
		return err
	}

	tailer := loader.NewTailer(s.store, s.opts.Dir, s.opts.Loader, s.opts.TailInterval, report.Offsets)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tailer.Run(gctx) })
	g.Go(func() error { return s.publishSnapshots(gctx) })
	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// attach seeds the accumulator from what is already stored and starts
// observing commits. Must run before any writer.
func (s *Service) attach(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("ingest service already started")
	}
	existing, err := s.store.All(ctx)
	if err != nil {
		return fmt.Errorf("seed stats: %w", err)
	}
	s.acc.Add(existing...)
	s.store.OnCommit(s.onCommit)
	s.started = true
	return nil
}

// backfill runs the bulk load once and emits backfill:complete.
func (s *Service) backfill(ctx context.Context) (loader.Report, error) {
	start := time.Now()
	report, err := loader.New(s.store, s.opts.Loader).LoadDir(ctx, s.opts.Dir)
	if err != nil && ctx.Err() != nil {
		return report, err
	}
	if err != nil {
		// an unreadable directory still lets the server serve what is stored
		log.Printf("ingest: backfill: %v", err)
	}

	total := s.store.Count()
	s.joinMu.Lock()
	s.mu.Lock()
	s.backfilled = true
	s.backfillTotal = total
	s.mu.Unlock()
	s.hub.Publish(broadcast.Message{
		Kind: models.KindBackfillComplete,
		Data: models.BackfillCompleteMessage{TotalEvents: total},
	})
	s.joinMu.Unlock()
	log.Printf("ingest: backfill complete in %s, %d events stored", time.Since(start).Truncate(time.Millisecond), total)
	return report, nil
}

// onCommit runs under the store's write lock, so messages leave in commit order.
func (s *Service) onCommit(inserted []models.Event) {
	s.mu.Lock()
	s.acc.Add(inserted...)
	s.mu.Unlock()
	for _, e := range inserted {
		s.hub.Publish(broadcast.Message{Kind: models.KindJournalEvent, Data: models.NewJournalEventMessage(e)})
	}
}

// Snapshot returns the current aggregate.
func (s *Service) Snapshot() models.StatsUpdateMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.StatsUpdateMessage{Stats: s.acc.Snapshot(), LastEventTime: s.acc.LastEventTime()}
}

// BackfillStatus reports whether the initial load finished and its total.
func (s *Service) BackfillStatus() (bool, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backfilled, s.backfillTotal
}

// Join subscribes to the hub and reports the backfill status in one step.
// When done is true the subscription will not also carry backfill:complete.
func (s *Service) Join() (sub *broadcast.Subscription, done bool, total int64) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	sub = s.hub.Subscribe()
	done, total = s.BackfillStatus()
	return sub, done, total
}

// Unsubscribe releases a subscription obtained from Join.
func (s *Service) Unsubscribe(sub *broadcast.Subscription) { s.hub.Unsubscribe(sub) }

func (s *Service) publishSnapshots(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.hub.Publish(broadcast.Message{Kind: models.KindStatsUpdate, Data: s.Snapshot()})
		}
	}
}
