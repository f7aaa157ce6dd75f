package loader

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"time"
)

// Tailer follows the newest journal file for appended lines. Only complete
// lines are consumed; a line still being written is picked up on a later poll.
// When a newer file appears the current one is drained first, then the new
// one is followed from its start. A file that shrinks is re-read from zero.
type Tailer struct {
	saver    Saver
	dir      string
	opts     Options
	interval time.Duration
	openFile func(path string) (io.ReadSeekCloser, error)

	current string
	offset  int64
	start   map[string]int64
}

// TailResult counts the work done by one poll.
type TailResult struct {
	Parsed  int
	Loaded  int
	Skipped int
}

// NewTailer creates a tailer. start carries per-file offsets already read,
// typically Report.Offsets from the bulk load.
func NewTailer(saver Saver, dir string, opts Options, interval time.Duration, start map[string]int64) *Tailer {
	if interval <= 0 {
		interval = time.Second
	}
	if start == nil {
		start = map[string]int64{}
	}
	l := New(saver, opts)
	return &Tailer{
		saver:    saver,
		dir:      dir,
		opts:     l.opts,
		interval: interval,
		openFile: l.openFile,
		start:    start,
	}
}

// Current returns the file being followed and the offset reached.
func (t *Tailer) Current() (string, int64) {
	return t.current, t.offset
}

// Poll reads whatever has been appended since the previous poll.
func (t *Tailer) Poll(ctx context.Context) (TailResult, error) {
	var total TailResult
	files, err := listJournals(t.dir, t.opts.Pattern)
	if err != nil || len(files) == 0 {
		return total, err
	}
	if t.current == "" {
		t.follow(files[len(files)-1])
	}

	for _, path := range files {
		if path < t.current {
			continue
		}
		if path != t.current {
			log.Printf("tail: rotated %s -> %s", filepath.Base(t.current), filepath.Base(path))
			t.follow(path)
		}
		res, err := t.readCurrent(ctx)
		total.Parsed += res.Parsed
		total.Loaded += res.Loaded
		total.Skipped += res.Skipped
		if err != nil {
			return total, FileError{Path: path, Err: err}
		}
	}
	return total, nil
}

// Run polls until ctx is canceled.
func (t *Tailer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		if _, err := t.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Printf("tail: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tailer) follow(path string) {
	t.current = path
	t.offset = t.start[path]
}

func (t *Tailer) readCurrent(ctx context.Context) (TailResult, error) {
	f, err := t.openFile(t.current)
	if err != nil {
		return TailResult{}, err
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return TailResult{}, err
	}
	if size < t.offset {
		log.Printf("tail: %s truncated, re-reading", filepath.Base(t.current))
		t.offset = 0
	}
	if size == t.offset {
		return TailResult{}, nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return TailResult{}, err
	}

	b := newBatcher(t.saver, t.opts.ChunkSize, t.current, t.opts.Metrics)
	consumed, _, err := readLines(f, func(line []byte) {
		b.add(ctx, line)
	})
	b.flush(ctx)
	t.offset += consumed

	return TailResult{Parsed: b.parsed, Loaded: b.loaded, Skipped: b.skipped}, err
}
