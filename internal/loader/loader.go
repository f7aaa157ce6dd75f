// Package loader reads journal files into the event store.
//
// Loader does the one-shot bulk load with a bounded worker pool; Tailer then
// follows the newest file for appended lines.
package loader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/journal-sync-service/internal/metrics"
	"github.com/PratikDhanave/journal-sync-service/internal/models"
	"github.com/PratikDhanave/journal-sync-service/internal/parser"
	"github.com/PratikDhanave/journal-sync-service/internal/store"
)

// Saver is the write side of the event store.
type Saver interface {
	Save(ctx context.Context, events []models.Event) (store.SaveResult, error)
}

// Options configures file selection and batching.
type Options struct {
	Pattern     string // glob matched against file names in the directory
	MaxFiles    int    // most recent N files by name; 0 means all
	Concurrency int    // K, files processed at once
	ChunkSize   int    // events per Save call
	Metrics     *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Pattern == "" {
		o.Pattern = "Journal.*.log"
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 500
	}
	return o
}

// FileError records a file that could not be read.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return fmt.Sprintf("read %s: %v", e.Path, e.Err) }

func (e FileError) Unwrap() error { return e.Err }

// Report summarizes a bulk load. A run with failed files still returns a
// report; operators compare FilesAttempted with FilesSucceeded.
type Report struct {
	FilesAttempted int
	FilesSucceeded int
	EventsParsed   int
	EventsLoaded   int
	Duplicates     int
	LinesSkipped   int
	EventsFailed   int
	Errors         []FileError
	// Offsets holds, per file path, the byte offset just past the last complete line read.
	Offsets map[string]int64
}

func (r *Report) merge(f fileResult) {
	r.FilesAttempted++
	if f.err != nil {
		r.Errors = append(r.Errors, FileError{Path: f.path, Err: f.err})
	} else {
		r.FilesSucceeded++
	}
	r.EventsParsed += f.parsed
	r.EventsLoaded += f.loaded
	r.Duplicates += f.duplicates
	r.LinesSkipped += f.skipped
	r.EventsFailed += f.failed
	r.Offsets[f.path] = f.offset
}

// Loader bulk-loads journal files into a Saver.
type Loader struct {
	saver    Saver
	opts     Options
	openFile func(path string) (io.ReadSeekCloser, error)
}

// New returns a Loader with opts defaults applied.
func New(saver Saver, opts Options) *Loader {
	return &Loader{
		saver: saver,
		opts:  opts.withDefaults(),
		openFile: func(path string) (io.ReadSeekCloser, error) {
			return os.Open(path)
		},
	}
}

// SelectFiles returns the most relevant journal files in dir, oldest first.
func (l *Loader) SelectFiles(dir string) ([]string, error) {
	files, err := listJournals(dir, l.opts.Pattern)
	if err != nil {
		return nil, err
	}
	if n := l.opts.MaxFiles; n > 0 && len(files) > n {
		files = files[len(files)-n:]
	}
	return files, nil
}

// LoadDir selects files in dir and loads them. The error is non-nil only when
// the directory itself cannot be listed or ctx is canceled.
func (l *Loader) LoadDir(ctx context.Context, dir string) (Report, error) {
	files, err := l.SelectFiles(dir)
	if err != nil {
		return Report{Offsets: map[string]int64{}}, err
	}
	return l.LoadFiles(ctx, files)
}

// LoadFiles processes each file end-to-end on one worker, at most
// Concurrency files at a time. One file's failure never aborts the others.
func (l *Loader) LoadFiles(ctx context.Context, files []string) (Report, error) {
	report := Report{Offsets: make(map[string]int64, len(files))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(l.opts.Concurrency)
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		path := path
		g.Go(func() error {
			res := l.loadFile(ctx, path)
			l.opts.Metrics.FileDone(res.err == nil)
			if res.err != nil {
				log.Printf("loader: %s: %v", filepath.Base(path), res.err)
			}
			mu.Lock()
			report.merge(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	log.Printf("loader: %d/%d files, %d events loaded, %d duplicates, %d lines skipped, %d failed writes",
		report.FilesSucceeded, report.FilesAttempted, report.EventsLoaded, report.Duplicates,
		report.LinesSkipped, report.EventsFailed)
	return report, ctx.Err()
}

type fileResult struct {
	path       string
	offset     int64
	parsed     int
	loaded     int
	duplicates int
	skipped    int
	failed     int
	err        error
}

func (l *Loader) loadFile(ctx context.Context, path string) fileResult {
	res := fileResult{path: path}
	f, err := l.openFile(path)
	if err != nil {
		res.err = err
		return res
	}
	l.opts.Metrics.FileOpened()
	defer func() {
		_ = f.Close()
		l.opts.Metrics.FileClosed()
	}()

	b := newBatcher(l.saver, l.opts.ChunkSize, path, l.opts.Metrics)
	consumed, partial, err := readLines(f, func(line []byte) {
		b.add(ctx, line)
	})
	// the file may still be written to; a trailing fragment is tried but not consumed
	if len(partial) > 0 {
		if evt, err := parser.ParseLine(path, string(partial)); err == nil {
			b.push(ctx, evt)
		}
	}
	b.flush(ctx)
	b.fill(&res)
	res.offset = consumed
	if err != nil {
		res.err = err
	}
	return res
}

// batcher parses lines for one file and commits them in fixed-size chunks.
type batcher struct {
	saver   Saver
	size    int
	source  string
	metrics *metrics.Metrics
	pending []models.Event

	parsed, loaded, duplicates, skipped, failed int
}

func newBatcher(saver Saver, size int, source string, m *metrics.Metrics) *batcher {
	return &batcher{saver: saver, size: size, source: source, metrics: m, pending: make([]models.Event, 0, size)}
}

func (b *batcher) add(ctx context.Context, line []byte) {
	evt, err := parser.ParseLine(b.source, string(line))
	switch {
	case err == nil:
	case errors.Is(err, parser.ErrBlankLine):
		return
	default:
		b.skipped++
		b.metrics.Skipped(1)
		return
	}
	b.push(ctx, evt)
}

func (b *batcher) push(ctx context.Context, evt models.Event) {
	b.parsed++
	b.pending = append(b.pending, evt)
	if len(b.pending) >= b.size {
		b.flush(ctx)
	}
}

func (b *batcher) flush(ctx context.Context) {
	if len(b.pending) == 0 {
		return
	}
	res, err := b.saver.Save(ctx, b.pending)
	if err != nil {
		log.Printf("loader: %s: commit %d events: %v", filepath.Base(b.source), len(b.pending), err)
	}
	b.loaded += len(res.Inserted)
	b.duplicates += res.Duplicates
	b.failed += res.Failed
	b.pending = make([]models.Event, 0, b.size)
}

func (b *batcher) fill(res *fileResult) {
	res.parsed = b.parsed
	res.loaded = b.loaded
	res.duplicates = b.duplicates
	res.skipped = b.skipped
	res.failed = b.failed
}

// readLines calls fn for every newline-terminated line in r, in order. It
// returns the bytes consumed through the last complete line and any
// unterminated trailing fragment.
func readLines(r io.Reader, fn func(line []byte)) (int64, []byte, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var consumed int64
	for {
		line, err := br.ReadBytes('\n')
		if err == nil {
			consumed += int64(len(line))
			fn(bytes.TrimRight(line, "\r\n"))
			continue
		}
		if err == io.EOF {
			return consumed, bytes.TrimRight(line, "\r"), nil
		}
		return consumed, nil, err
	}
}

func listJournals(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list journal dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := filepath.Match(pattern, e.Name())
		if err != nil {
			return nil, fmt.Errorf("journal pattern: %w", err)
		}
		if ok {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
