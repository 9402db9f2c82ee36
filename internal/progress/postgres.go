package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const progressSchema = `
CREATE TABLE IF NOT EXISTS import_progress (
    job_id     TEXT PRIMARY KEY,
    state      TEXT        NOT NULL,
    percent    INT         NOT NULL DEFAULT 0,
    processed  BIGINT      NOT NULL DEFAULT 0,
    total      BIGINT      NOT NULL DEFAULT 0,
    skipped    BIGINT      NOT NULL DEFAULT 0,
    error      TEXT        NOT NULL DEFAULT '',
    failures   JSONB       NOT NULL DEFAULT '[]',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE import_progress ADD COLUMN IF NOT EXISTS failures JSONB NOT NULL DEFAULT '[]';
CREATE INDEX IF NOT EXISTS import_progress_state_updated_idx ON import_progress (state, updated_at);
`

// PostgresStore keeps progress in a table so every replica sees the same value.
type PostgresStore struct {
	db DB
}

// NewPostgresStore wraps db. Call Migrate before first use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the import_progress table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, progressSchema); err != nil {
		return fmt.Errorf("migrate import_progress: %w", err)
	}
	return nil
}

// Set upserts p. GREATEST keeps percent non-decreasing under concurrent writers.
func (s *PostgresStore) Set(ctx context.Context, p Progress) error {
	const q = `
INSERT INTO import_progress (job_id, state, percent, processed, total, skipped, error, failures, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (job_id) DO UPDATE SET
    state      = EXCLUDED.state,
    percent    = GREATEST(import_progress.percent, EXCLUDED.percent),
    processed  = EXCLUDED.processed,
    total      = EXCLUDED.total,
    skipped    = EXCLUDED.skipped,
    error      = EXCLUDED.error,
    failures   = EXCLUDED.failures,
    updated_at = now()`

	failures := p.Failures
	if failures == nil {
		failures = []RowFailure{}
	}
	raw, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("encode failures %s: %w", p.JobID, err)
	}

	_, err = s.db.Exec(ctx, q, p.JobID, string(p.State), clamp(p.Percent), p.Processed, p.Total, p.Skipped, p.Error, string(raw))
	if err != nil {
		return fmt.Errorf("set progress %s: %w", p.JobID, err)
	}
	return nil
}

// Get loads the progress row for jobID.
func (s *PostgresStore) Get(ctx context.Context, jobID string) (Progress, error) {
	const q = `
SELECT job_id, state, percent, processed, total, skipped, error, failures, updated_at
FROM import_progress WHERE job_id = $1`

	var (
		p        Progress
		state    string
		failures []byte
	)
	err := s.db.QueryRow(ctx, q, jobID).Scan(
		&p.JobID, &state, &p.Percent, &p.Processed, &p.Total, &p.Skipped, &p.Error, &failures, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Progress{}, ErrNotFound
	}
	if err != nil {
		return Progress{}, fmt.Errorf("get progress %s: %w", jobID, err)
	}
	p.State = State(state)
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &p.Failures); err != nil {
			return Progress{}, fmt.Errorf("decode failures %s: %w", jobID, err)
		}
		if len(p.Failures) == 0 {
			p.Failures = nil
		}
	}
	return p, nil
}

// Sweep deletes finished jobs last touched before cutoff.
func (s *PostgresStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM import_progress WHERE state IN ('done', 'failed') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep progress: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
