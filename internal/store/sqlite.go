package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore persists events in a single SQLite file.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// The path ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	inMemory := path == ":memory:"
	dsn := path
	if !inMemory {
		dsn = "file:" + filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if inMemory {
		// every connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

func (s *SQLiteStore) InsertBatch(ctx context.Context, events []models.Event) ([]models.Event, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO events (id, ts_ns, ts, event_type, payload, raw, source_file)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := make([]models.Event, 0, len(events))
	for _, e := range events {
		payload, err := marshalPayload(e.Payload)
		if err != nil {
			return nil, err
		}
		ts := e.Timestamp.UTC()
		res, err := stmt.ExecContext(ctx, e.ID, ts.UnixNano(), ts.Format(time.RFC3339Nano), e.Type, payload, e.RawText, e.SourceFile)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", e.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			inserted = append(inserted, e)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

const sqliteColumns = `id, ts, event_type, payload, raw, source_file`

func (s *SQLiteStore) Recent(ctx context.Context, limit, offset int) ([]models.Event, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM events ORDER BY ts_ns DESC, seq DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	return scanSQLiteRows(rows)
}

func (s *SQLiteStore) All(ctx context.Context) ([]models.Event, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM events ORDER BY ts_ns DESC, seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("query all: %w", err)
	}
	return scanSQLiteRows(rows)
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Search(ctx context.Context, query string, limit, offset int) ([]models.Event, int64, error) {
	pattern := "%" + escapeLike(query) + "%"
	where := `WHERE event_type LIKE ?1 ESCAPE '\' OR payload LIKE ?1 ESCAPE '\' OR raw LIKE ?1 ESCAPE '\'`

	tx, err := s.sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin search: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events `+where, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search: %w", err)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM events `+where+` ORDER BY ts_ns DESC, seq DESC LIMIT ?2 OFFSET ?3`,
		pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query search: %w", err)
	}
	events, err := scanSQLiteRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func scanSQLiteRows(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()
	out := []models.Event{}
	for rows.Next() {
		var (
			e       models.Event
			ts      string
			payload string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &payload, &e.RawText, &e.SourceFile); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("event %s timestamp: %w", e.ID, err)
		}
		e.Timestamp = t.UTC()
		e.Payload = unmarshalPayload([]byte(payload))
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalPayload(p map[string]any) ([]byte, error) {
	if p == nil {
		p = map[string]any{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// unmarshalPayload keeps numbers as json.Number so 64-bit ids survive a round trip.
func unmarshalPayload(b []byte) map[string]any {
	m := map[string]any{}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
