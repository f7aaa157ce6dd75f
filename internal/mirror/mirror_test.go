package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
	"github.com/PratikDhanave/journal-sync-service/internal/stats"
)

// fakeSource serves a fixed history and a configurable recent window.
type fakeSource struct {
	mu       sync.Mutex
	all      []models.Event
	recent   []models.Event
	count    int64
	allErr   error
	countErr error
	recentFn func(ctx context.Context) error
	block    chan struct{}
	allCalls int
}

func (f *fakeSource) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.countErr
}

func (f *fakeSource) All(ctx context.Context) ([]models.Event, error) {
	f.mu.Lock()
	block := f.block
	f.allCalls++
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Event(nil), f.all...), f.allErr
}

func (f *fakeSource) Recent(ctx context.Context, limit int) ([]models.Event, error) {
	f.mu.Lock()
	fn := f.recentFn
	out := append([]models.Event(nil), f.recent...)
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func ev(i int, typ string) models.Event {
	return models.Event{
		ID:        fmt.Sprintf("e%d", i),
		Type:      typ,
		Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Second),
		Payload:   map[string]any{},
	}
}

func history(n int) []models.Event {
	out := make([]models.Event, n)
	for i := range out {
		out[i] = ev(i+1, "FSDJump")
	}
	return out
}

func drain(m *Mirror) []Change {
	var out []Change
	for {
		select {
		case c := <-m.Changes():
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestLoadTransitionsToReady(t *testing.T) {
	src := &fakeSource{all: history(3), count: 3}
	m := New(src, Options{ChangeBuffer: 8})
	assert.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Load(context.Background()))
	assert.Equal(t, StateReady, m.State())

	var states []State
	for _, c := range drain(m) {
		states = append(states, c.State)
	}
	assert.Equal(t, []State{StateScanning, StateBulkLoading, StateReady}, states)

	loaded, expected := m.Progress()
	assert.Equal(t, 3, loaded)
	assert.Equal(t, int64(3), expected)

	visible := m.Visible()
	require.Len(t, visible, 3)
	assert.Equal(t, "e3", visible[0].ID, "newest first")
}

func TestProgressiveReveal(t *testing.T) {
	for _, total := range []int{0, 30, 50, 120, 175} {
		t.Run(fmt.Sprint(total), func(t *testing.T) {
			m := New(&fakeSource{all: history(total), count: int64(total)}, Options{InitialDisplayCount: 50, LoadMoreCount: 50})
			require.NoError(t, m.Load(context.Background()))

			for n := 0; n <= 5; n++ {
				want := min(50+50*n, total)
				assert.Len(t, m.Visible(), want, "after %d reveals", n)
				assert.Equal(t, want < total, m.HasMore(), "after %d reveals", n)
				m.RevealMore()
			}
		})
	}
}

func TestPollPrependsOnlyNewEvents(t *testing.T) {
	all := history(60)
	src := &fakeSource{all: all, count: 60}
	m := New(src, Options{InitialDisplayCount: 50, LoadMoreCount: 50})
	require.NoError(t, m.Load(context.Background()))
	require.Len(t, m.Visible(), 50)

	src.mu.Lock()
	src.recent = []models.Event{ev(62, "Scan"), ev(61, "Bounty"), all[59]}
	src.mu.Unlock()

	added, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 62, m.Len())

	visible := m.Visible()
	assert.Len(t, visible, 52)
	assert.Equal(t, "e62", visible[0].ID)
	assert.Equal(t, "e61", visible[1].ID)
	assert.Equal(t, "e60", visible[2].ID)

	added, err = m.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added, "a repeated window adds nothing")
	assert.Equal(t, 1, src.allCalls, "polling never refetches history")
}

func TestPollErrorKeepsData(t *testing.T) {
	src := &fakeSource{all: history(2), count: 2}
	m := New(src, Options{})
	require.NoError(t, m.Load(context.Background()))

	src.recentFn = func(context.Context) error { return transportErr("/events", errors.New("connection refused")) }
	_, err := m.Poll(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateReady, m.State())
	assert.Equal(t, 2, m.Len())
	assert.ErrorIs(t, m.Err(), ErrTransport)
}

func TestPollBeforeLoadIsNoop(t *testing.T) {
	src := &fakeSource{recent: history(3)}
	m := New(src, Options{})
	added, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Zero(t, m.Len())
}

func TestBulkErrorSettlesInDegradedReady(t *testing.T) {
	src := &fakeSource{all: history(4), count: 4}
	m := New(src, Options{ChangeBuffer: 16})
	require.NoError(t, m.Load(context.Background()))
	drain(m)

	src.allErr = transportErr("/events", errors.New("timeout"))
	err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateReady, m.State())
	assert.Equal(t, 4, m.Len(), "previous data stays visible")

	var states []State
	for _, c := range drain(m) {
		states = append(states, c.State)
	}
	assert.Equal(t, []State{StateScanning, StateBulkLoading, StateError, StateReady}, states)
}

func TestFirstLoadErrorIsReadyAndEmpty(t *testing.T) {
	src := &fakeSource{allErr: transportErr("/events", errors.New("refused")), countErr: transportErr("/events/count", errors.New("refused"))}
	m := New(src, Options{})
	assert.Error(t, m.Load(context.Background()))
	assert.Equal(t, StateReady, m.State())
	assert.Zero(t, m.Len())
	assert.False(t, m.HasMore())

	_, expected := m.Progress()
	assert.Equal(t, int64(-1), expected)
}

func TestLoadRejectsReentry(t *testing.T) {
	src := &fakeSource{all: history(2), count: 2, block: make(chan struct{})}
	m := New(src, Options{})

	done := make(chan error, 1)
	go func() { done <- m.Load(context.Background()) }()
	require.Eventually(t, func() bool { return m.State() == StateBulkLoading }, time.Second, time.Millisecond)

	assert.ErrorIs(t, m.Load(context.Background()), ErrLoadInProgress)
	assert.ErrorIs(t, m.Refresh(context.Background()), ErrLoadInProgress)

	close(src.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateReady, m.State())
}

func TestApplyDuringLoadIsMergedAfterwards(t *testing.T) {
	src := &fakeSource{all: history(2), count: 2, block: make(chan struct{})}
	m := New(src, Options{})

	done := make(chan error, 1)
	go func() { done <- m.Load(context.Background()) }()
	require.Eventually(t, func() bool { return m.State() == StateBulkLoading }, time.Second, time.Millisecond)

	assert.Zero(t, m.Apply(ev(9, "Docked"), ev(2, "FSDJump")))
	close(src.block)
	require.NoError(t, <-done)

	assert.Equal(t, 3, m.Len(), "the pushed duplicate of e2 is dropped")
	assert.Equal(t, "e9", m.Visible()[0].ID)
}

func TestApplyMergesPushes(t *testing.T) {
	m := New(&fakeSource{all: history(1), count: 1}, Options{})
	assert.Zero(t, m.Apply(ev(5, "Scan")), "ignored before the first load")
	require.NoError(t, m.Load(context.Background()))

	assert.Equal(t, 1, m.Apply(ev(5, "Scan")))
	assert.Zero(t, m.Apply(ev(5, "Scan")))
	assert.Equal(t, 2, m.Len())
}

func TestCanceledLoadReturnsToIdle(t *testing.T) {
	src := &fakeSource{all: history(2), count: 2, block: make(chan struct{})}
	m := New(src, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Load(ctx) }()
	require.Eventually(t, func() bool { return m.State() == StateBulkLoading }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateIdle, m.State())
	assert.Zero(t, m.Len())
}

func TestPollResultAfterCancelIsDiscarded(t *testing.T) {
	src := &fakeSource{all: history(1), count: 1, recent: []models.Event{ev(7, "Scan")}}
	m := New(src, Options{})
	require.NoError(t, m.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	src.recentFn = func(context.Context) error {
		cancel()
		return nil
	}
	added, err := m.Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, added)
	assert.Equal(t, 1, m.Len())
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{all: history(1), count: 1}
	m := New(src, Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, m.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	src.mu.Lock()
	src.recent = []models.Event{ev(3, "Scan")}
	src.mu.Unlock()
	require.Eventually(t, func() bool { return m.Len() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poll loop did not stop")
	}

	src.mu.Lock()
	src.recent = []models.Event{ev(4, "Scan")}
	src.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, m.Len(), "no polling after cancel")
}

func TestStatsCoverTheWholeSetNotTheVisiblePrefix(t *testing.T) {
	all := append(history(80), ev(100, "Scan"))
	m := New(&fakeSource{all: all, count: int64(len(all))}, Options{InitialDisplayCount: 10})
	require.NoError(t, m.Load(context.Background()))

	assert.Len(t, m.Visible(), 10)
	got := m.Stats()
	assert.Equal(t, stats.ComputeStats(all), got)
	assert.Equal(t, 81, got.TotalEvents)
	assert.Equal(t, 80, got.Jumps)
}
