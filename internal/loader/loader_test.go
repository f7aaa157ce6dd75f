package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
	"github.com/PratikDhanave/journal-sync-service/internal/stats"
	"github.com/PratikDhanave/journal-sync-service/internal/store"
)

func journalLine(sec int, typ string) string {
	return fmt.Sprintf(`{"timestamp":"2024-03-01T12:%02d:%02dZ","event":"%s","StarSystem":"Sys%d"}`, sec/60, sec%60, typ, sec%7)
}

func writeJournal(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func appendJournal(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func memStore(t *testing.T) *store.EventStore {
	t.Helper()
	s, err := store.New(context.Background(), store.NewMemoryStore(), store.Options{})
	require.NoError(t, err)
	return s
}

func TestLoadDirReportsCounts(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, "Journal.2024-03-01T120000.01.log",
		journalLine(1, "FSDJump"),
		"",
		`{"timestamp":"2024-03-01T12:00:02Z","event":"Sc`,
		journalLine(3, "Scan"),
	)
	writeJournal(t, dir, "Journal.2024-03-02T120000.01.log", journalLine(4, "Bounty"))
	writeJournal(t, dir, "notes.txt", "not a journal")

	s := memStore(t)
	report, err := New(s, Options{Concurrency: 2}).LoadDir(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 2, report.FilesAttempted)
	assert.Equal(t, 2, report.FilesSucceeded)
	assert.Equal(t, 3, report.EventsParsed)
	assert.Equal(t, 3, report.EventsLoaded)
	assert.Equal(t, 1, report.LinesSkipped)
	assert.Empty(t, report.Errors)
	assert.Equal(t, int64(3), s.Count())
}

func TestIngestingTwiceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, journalLine(i, []string{"FSDJump", "Scan", "Bounty", "MarketSell", "Music"}[i%5]))
	}
	writeJournal(t, dir, "Journal.01.log", lines[:25]...)
	writeJournal(t, dir, "Journal.02.log", lines[25:]...)

	s := memStore(t)
	l := New(s, Options{ChunkSize: 7})
	ctx := context.Background()

	first, err := l.LoadDir(ctx, dir)
	require.NoError(t, err)
	all, err := s.All(ctx)
	require.NoError(t, err)
	count, want := s.Count(), stats.ComputeStats(all)

	second, err := l.LoadDir(ctx, dir)
	require.NoError(t, err)
	all, err = s.All(ctx)
	require.NoError(t, err)

	assert.Equal(t, 40, first.EventsLoaded)
	assert.Equal(t, 0, second.EventsLoaded)
	assert.Equal(t, 40, second.Duplicates)
	assert.Equal(t, count, s.Count())
	assert.Equal(t, want, stats.ComputeStats(all))
}

func TestSelectFilesKeepsMostRecent(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Journal.2024-01-03T000000.01.log", "Journal.2024-01-01T000000.01.log", "Journal.2024-01-02T000000.01.log"} {
		writeJournal(t, dir, name, journalLine(1, "Scan"))
	}

	files, err := New(memStore(t), Options{MaxFiles: 2}).SelectFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "Journal.2024-01-02T000000.01.log", filepath.Base(files[0]))
	assert.Equal(t, "Journal.2024-01-03T000000.01.log", filepath.Base(files[1]))
}

func TestLoadDirMissingDirectory(t *testing.T) {
	_, err := New(memStore(t), Options{}).LoadDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

// slowFile holds each read briefly so workers overlap.
type slowFile struct {
	io.ReadSeekCloser
	onClose func()
}

func (f *slowFile) Read(p []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	return f.ReadSeekCloser.Read(p)
}

func (f *slowFile) Close() error {
	f.onClose()
	return f.ReadSeekCloser.Close()
}

func TestLoaderBoundsOpenFiles(t *testing.T) {
	const k = 3
	dir := t.TempDir()
	for i := 0; i < 12; i++ {
		writeJournal(t, dir, fmt.Sprintf("Journal.%02d.log", i), journalLine(i, "Scan"), journalLine(i+100, "FSDJump"))
	}

	var open, peak atomic.Int32
	l := New(memStore(t), Options{Concurrency: k})
	l.openFile = func(path string) (io.ReadSeekCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		n := open.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return &slowFile{ReadSeekCloser: f, onClose: func() { open.Add(-1) }}, nil
	}

	report, err := l.LoadDir(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 12, report.FilesSucceeded)
	assert.Equal(t, 24, report.EventsLoaded)
	assert.LessOrEqual(t, peak.Load(), int32(k))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
	assert.Zero(t, open.Load())
}

func TestFileErrorDoesNotAbortOthers(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, "Journal.01.log", journalLine(1, "Scan"))
	bad := writeJournal(t, dir, "Journal.02.log", journalLine(2, "Scan"))
	writeJournal(t, dir, "Journal.03.log", journalLine(3, "Scan"))

	l := New(memStore(t), Options{})
	l.openFile = func(path string) (io.ReadSeekCloser, error) {
		if path == bad {
			return nil, os.ErrPermission
		}
		return os.Open(path)
	}

	report, err := l.LoadDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, report.FilesAttempted)
	assert.Equal(t, 2, report.FilesSucceeded)
	assert.Equal(t, 2, report.EventsLoaded)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, bad, report.Errors[0].Path)
	assert.True(t, errors.Is(report.Errors[0], os.ErrPermission))
}

type recordingSaver struct {
	mu      sync.Mutex
	batches []int
	fail    bool
}

func (r *recordingSaver) Save(ctx context.Context, events []models.Event) (store.SaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, len(events))
	if r.fail {
		return store.SaveResult{Failed: len(events)}, store.ErrWrite
	}
	return store.SaveResult{Inserted: events}, nil
}

func TestEventsCommittedInFixedChunks(t *testing.T) {
	dir := t.TempDir()
	var lines []string
	for i := 0; i < 7; i++ {
		lines = append(lines, journalLine(i, "Scan"))
	}
	writeJournal(t, dir, "Journal.01.log", lines...)

	saver := &recordingSaver{}
	report, err := New(saver, Options{ChunkSize: 3}).LoadDir(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 3, 1}, saver.batches)
	assert.Equal(t, 7, report.EventsLoaded)
}

func TestWriteFailuresAreCountedNotFatal(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, "Journal.01.log", journalLine(1, "Scan"), journalLine(2, "Scan"))

	report, err := New(&recordingSaver{fail: true}, Options{}).LoadDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesSucceeded)
	assert.Equal(t, 2, report.EventsFailed)
	assert.Zero(t, report.EventsLoaded)
}

func TestPartialTrailingLineIsNotConsumed(t *testing.T) {
	dir := t.TempDir()
	path := writeJournal(t, dir, "Journal.01.log", journalLine(1, "Scan"))
	complete := int64(len(journalLine(1, "Scan")) + 1)
	appendJournal(t, path, `{"timestamp":"2024-03-01T12:00:02Z","ev`)

	s := memStore(t)
	report, err := New(s, Options{}).LoadDir(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, complete, report.Offsets[path])
	assert.Zero(t, report.LinesSkipped, "an unfinished line is not a parse error")
	assert.Equal(t, int64(1), s.Count())
}
