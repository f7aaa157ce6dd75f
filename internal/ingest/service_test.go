package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/journal-sync-service/internal/broadcast"
	"github.com/PratikDhanave/journal-sync-service/internal/models"
	"github.com/PratikDhanave/journal-sync-service/internal/stats"
	"github.com/PratikDhanave/journal-sync-service/internal/store"
)

func line(sec int, typ string) string {
	return fmt.Sprintf(`{"timestamp":"2024-03-01T12:00:%02dZ","event":"%s","StarSystem":"Sol"}`+"\n", sec, typ)
}

func next(t *testing.T, sub *broadcast.Subscription) broadcast.Message {
	t.Helper()
	select {
	case m, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for live message")
		return broadcast.Message{}
	}
}

// nextKind skips messages of other kinds, such as periodic stats updates.
func nextKind(t *testing.T, sub *broadcast.Subscription, kind string) broadcast.Message {
	t.Helper()
	for {
		if m := next(t, sub); m.Kind == kind {
			return m
		}
	}
}

func TestServiceBackfillThenLive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Journal.01.log")
	require.NoError(t, os.WriteFile(path, []byte(line(1, "FSDJump")+line(2, "Scan")), 0o644))

	st, err := store.New(context.Background(), store.NewMemoryStore(), store.Options{})
	require.NoError(t, err)
	hub := broadcast.NewHub(64, 0, nil)
	svc := New(st, hub, Options{Dir: dir, TailInterval: 10 * time.Millisecond, StatsInterval: 20 * time.Millisecond})

	sub := hub.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// history replays as journal:event messages, then the backfill marker
	first := next(t, sub)
	assert.Equal(t, models.KindJournalEvent, first.Kind)
	second := next(t, sub)
	assert.Equal(t, models.KindJournalEvent, second.Kind)
	marker := nextKind(t, sub, models.KindBackfillComplete)
	assert.Equal(t, models.BackfillCompleteMessage{TotalEvents: 2}, marker.Data)

	ok, total := svc.BackfillStatus()
	assert.True(t, ok)
	assert.Equal(t, int64(2), total)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line(3, "Bounty") + line(1, "FSDJump"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	live := nextKind(t, sub, models.KindJournalEvent)
	msg := live.Data.(models.JournalEventMessage)
	assert.Equal(t, "Bounty", msg.Event)

	snap := nextKind(t, sub, models.KindStatsUpdate).Data.(models.StatsUpdateMessage)
	all, err := st.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stats.ComputeStats(all), snap.Stats)
	assert.Equal(t, 3, snap.Stats.TotalEvents, "the duplicate FSDJump line is not counted")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestServiceSeedsStatsFromExistingStore(t *testing.T) {
	st, err := store.New(context.Background(), store.NewMemoryStore(), store.Options{})
	require.NoError(t, err)
	_, err = st.Save(context.Background(), []models.Event{
		{ID: "old", Type: "FSDJump", Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Payload: map[string]any{}},
	})
	require.NoError(t, err)

	svc := New(st, broadcast.NewHub(8, 0, nil), Options{Dir: t.TempDir()})
	require.NoError(t, svc.attach(context.Background()))
	assert.Equal(t, 1, svc.Snapshot().Stats.Jumps)
	assert.Error(t, svc.attach(context.Background()), "second start is rejected")
}

func TestJoinSeesBackfillMarkerExactlyOnce(t *testing.T) {
	st, err := store.New(context.Background(), store.NewMemoryStore(), store.Options{})
	require.NoError(t, err)
	hub := broadcast.NewHub(8, 0, nil)
	svc := New(st, hub, Options{Dir: t.TempDir()})
	require.NoError(t, svc.attach(context.Background()))

	early, done, _ := svc.Join()
	assert.False(t, done)

	_, err = svc.backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.KindBackfillComplete, next(t, early).Kind, "an early joiner gets the marker on its channel")

	late, done, total := svc.Join()
	assert.True(t, done)
	assert.Equal(t, int64(0), total)
	select {
	case m := <-late.C:
		t.Fatalf("late joiner got %s on its channel as well", m.Kind)
	default:
	}
	svc.Unsubscribe(early)
	svc.Unsubscribe(late)
}
