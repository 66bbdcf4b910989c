package calllog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink is a durable call-log sink backed by a call_records table.
//
// All methods are safe for concurrent use.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// migration creates the call_records table if it does not exist.
const migration = `
CREATE TABLE IF NOT EXISTS call_records (
    id         BIGSERIAL PRIMARY KEY,
    call_id    TEXT        NOT NULL,
    caller     TEXT        NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    mode       TEXT        NOT NULL,
    summary    TEXT        NOT NULL,
    outcome    TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS call_records_started_at_idx ON call_records (started_at DESC);`

// NewPostgresSink establishes a connection pool to the database at dsn and
// ensures the call_records table exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, migration); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: migrate: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Ping verifies the database connection. Used by readiness probes.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append implements [Sink].
func (s *PostgresSink) Append(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO call_records (call_id, caller, started_at, mode, summary, outcome)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		rec.CallID,
		rec.Caller,
		rec.StartedAt,
		rec.Mode,
		rec.Summary,
		rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("calllog: append: %w", err)
	}
	return nil
}

// Recent implements [Sink]. Records are returned newest first.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultKeep
	}
	const q = `
		SELECT call_id, caller, started_at, mode, summary, outcome
		FROM   call_records
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: recent: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.CallID, &r.Caller, &r.StartedAt, &r.Mode, &r.Summary, &r.Outcome)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("calllog: scan records: %w", err)
	}
	return records, nil
}

// Close releases all connections held by the underlying pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}

var _ Sink = (*PostgresSink)(nil)
