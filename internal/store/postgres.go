package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
)

// postgresSchema is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema/postgres.sql
var postgresSchema string

// PostgresStore is the durable persistence layer for shared deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool, fails fast if the DB is
// unreachable, and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, errors.New("DB_URL required for postgres store")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p := &PostgresStore{pool: pool}
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return p, nil
}

// EnsureSchema applies postgres.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresSchema)
	return err
}

// InsertBatch inserts events in one transaction. Duplicate detection is
// enforced by the unique constraint on id.
func (p *PostgresStore) InsertBatch(ctx context.Context, events []models.Event) ([]models.Event, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := make([]models.Event, 0, len(events))
	for _, e := range events {
		payload, err := marshalPayload(e.Payload)
		if err != nil {
			return nil, err
		}
		// RETURNING 1 only when inserted; duplicates return no rows.
		var one int
		err = tx.QueryRow(ctx, `
			INSERT INTO journal_events (id, ts, event_type, payload, raw, source_file)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
			RETURNING 1
		`, e.ID, e.Timestamp.UTC(), e.Type, payload, e.RawText, e.SourceFile).Scan(&one)
		switch {
		case err == nil:
			inserted = append(inserted, e)
		case errors.Is(err, pgx.ErrNoRows):
			// duplicate
		default:
			return nil, fmt.Errorf("insert %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

const postgresColumns = `id, ts, event_type, payload, raw, source_file`

func (p *PostgresStore) Recent(ctx context.Context, limit, offset int) ([]models.Event, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+postgresColumns+` FROM journal_events ORDER BY ts DESC, seq DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	return scanPostgresRows(rows)
}

func (p *PostgresStore) All(ctx context.Context) ([]models.Event, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+postgresColumns+` FROM journal_events ORDER BY ts DESC, seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("query all: %w", err)
	}
	return scanPostgresRows(rows)
}

func (p *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM journal_events`).Scan(&n)
	return n, err
}

func (p *PostgresStore) Search(ctx context.Context, query string, limit, offset int) ([]models.Event, int64, error) {
	pattern := "%" + escapeLike(query) + "%"
	const where = `WHERE event_type ILIKE $1 OR payload::text ILIKE $1 OR raw ILIKE $1`

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, 0, fmt.Errorf("begin search: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM journal_events `+where, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search: %w", err)
	}
	rows, err := tx.Query(ctx,
		`SELECT `+postgresColumns+` FROM journal_events `+where+` ORDER BY ts DESC, seq DESC LIMIT $2 OFFSET $3`,
		pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query search: %w", err)
	}
	events, err := scanPostgresRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Ping is used by the readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func scanPostgresRows(rows pgx.Rows) ([]models.Event, error) {
	defer rows.Close()
	out := []models.Event{}
	for rows.Next() {
		var (
			e       models.Event
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &payload, &e.RawText, &e.SourceFile); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		e.Payload = unmarshalPayload(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}
