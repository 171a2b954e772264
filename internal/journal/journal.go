// Package journal keeps an optional Postgres history of job runs for
// operational inspection. The queue service owns job state; this is a
// write-only audit trail and never sits on the processing critical path.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"vq-worker/internal/models"
)

// Journal wraps pgxpool for run-history persistence.
type Journal struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Journal, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Journal{pool: pool}, nil
}

func (j *Journal) Close() {
	if j.pool != nil {
		j.pool.Close()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS job_runs (
	task_uuid    UUID NOT NULL,
	claim_uuid   UUID NOT NULL,
	worker_uuid  UUID NOT NULL,
	job_type     TEXT NOT NULL,
	claimed_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ,
	outcome      TEXT,
	error_kind   TEXT,
	detail       TEXT,
	PRIMARY KEY (task_uuid, claim_uuid)
);
CREATE TABLE IF NOT EXISTS run_events (
	task_uuid  UUID NOT NULL,
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	ts         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS run_events_task_idx ON run_events (task_uuid);
`

// Migrate creates the journal tables when missing.
func (j *Journal) Migrate(ctx context.Context) error {
	if _, err := j.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal schema: %w", err)
	}
	return nil
}

// RecordClaim inserts a run row when a job is claimed.
func (j *Journal) RecordClaim(ctx context.Context, workerUUID string, job models.Job) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO job_runs (task_uuid, claim_uuid, worker_uuid, job_type, claimed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_uuid, claim_uuid) DO NOTHING
	`, job.TaskUUID, job.ClaimUUID, workerUUID, job.Type, time.Now().UTC())
	return err
}

// RecordOutcome stamps a run row with its terminal state.
func (j *Journal) RecordOutcome(ctx context.Context, job models.Job, outcome string, kind models.ErrorKind, detail string) error {
	_, err := j.pool.Exec(ctx, `
		UPDATE job_runs
		SET finished_at = NOW(), outcome = $3, error_kind = $4, detail = $5
		WHERE task_uuid = $1 AND claim_uuid = $2
	`, job.TaskUUID, job.ClaimUUID, outcome, string(kind), detail)
	return err
}

// AppendEvent adds a free-form event row for a task.
func (j *Journal) AppendEvent(ctx context.Context, job models.Job, event, detail string) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO run_events (task_uuid, event, detail)
		VALUES ($1, $2, $3)
	`, job.TaskUUID, event, detail)
	return err
}
