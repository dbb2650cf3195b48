// Package postgres implements the durable job store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
)

// Schema is the expected jobs table:
//
//	CREATE TABLE IF NOT EXISTS jobs (
//	    id            UUID PRIMARY KEY,
//	    type          TEXT NOT NULL,
//	    payload       JSONB,
//	    priority      INT NOT NULL DEFAULT 0,
//	    status        TEXT NOT NULL,
//	    attempts      INT NOT NULL DEFAULT 0,
//	    max_attempts  INT NOT NULL,
//	    scheduled_for TIMESTAMPTZ NOT NULL,
//	    created_at    TIMESTAMPTZ NOT NULL,
//	    started_at    TIMESTAMPTZ,
//	    completed_at  TIMESTAMPTZ,
//	    result        JSONB,
//	    error_message TEXT NOT NULL DEFAULT ''
//	);
//	CREATE INDEX IF NOT EXISTS jobs_claim_idx
//	    ON jobs (status, priority DESC, scheduled_for ASC);

// DB is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// JobStore persists jobs in PostgreSQL.
type JobStore struct {
	db     DB
	logger *zap.Logger
}

// New creates a JobStore over an existing connection pool or mock.
func New(db DB, logger *zap.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

// Connect opens a pgx pool, verifies it, and returns a store backed by it.
func Connect(ctx context.Context, dsn string, maxConns int32, logger *zap.Logger) (*JobStore, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool, logger), pool, nil
}

const enqueueSQL = `
	INSERT INTO jobs (id, type, payload, priority, status, attempts, max_attempts, scheduled_for, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Enqueue inserts a new pending job.
func (s *JobStore) Enqueue(ctx context.Context, job pipeline.Job) error {
	_, err := s.db.Exec(ctx, enqueueSQL,
		job.ID,
		string(job.Type),
		[]byte(job.Payload),
		job.Priority,
		string(job.Status),
		job.Attempts,
		job.MaxAttempts,
		job.ScheduledFor,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert job: %v", pipeline.ErrStoreUnavailable, err)
	}
	return nil
}

const claimSQL = `
	SELECT id, type, payload, priority, status, attempts, max_attempts,
	       scheduled_for, created_at, started_at, completed_at, result, error_message
	FROM jobs
	WHERE status = 'pending'
	  AND scheduled_for <= $1
	  AND attempts < max_attempts
	ORDER BY priority DESC, scheduled_for ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED`

const markClaimedSQL = `
	UPDATE jobs
	SET status = 'processing', attempts = attempts + 1, started_at = $2
	WHERE id = $1`

// ClaimNext picks the best eligible job inside one transaction using
// FOR UPDATE SKIP LOCKED, so concurrent schedulers never claim the same row.
func (s *JobStore) ClaimNext(ctx context.Context, now time.Time) (pipeline.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("%w: begin claim: %v", pipeline.ErrStoreUnavailable, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			s.logger.Warn("claim rollback failed", zap.Error(rerr))
		}
	}()

	job, err := scanJob(tx.QueryRow(ctx, claimSQL, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, pipeline.ErrNoEligibleJob
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("%w: select claim: %v", pipeline.ErrStoreUnavailable, err)
	}

	if _, err := tx.Exec(ctx, markClaimedSQL, job.ID, now); err != nil {
		return pipeline.Job{}, fmt.Errorf("%w: mark claimed: %v", pipeline.ErrStoreUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return pipeline.Job{}, fmt.Errorf("%w: commit claim: %v", pipeline.ErrStoreUnavailable, err)
	}
	committed = true

	job.Status = pipeline.JobStatusProcessing
	job.Attempts++
	started := now
	job.StartedAt = &started
	return job, nil
}

const completeSQL = `
	UPDATE jobs
	SET status = 'completed', result = $2, error_message = '', completed_at = $3
	WHERE id = $1`

// Complete marks a job completed and stores its result.
func (s *JobStore) Complete(ctx context.Context, jobID string, result json.RawMessage, at time.Time) error {
	return s.update(ctx, completeSQL, jobID, []byte(result), at)
}

const failSQL = `
	UPDATE jobs
	SET status = 'failed', error_message = $2, completed_at = $3
	WHERE id = $1`

// Fail marks a job failed with its final error.
func (s *JobStore) Fail(ctx context.Context, jobID string, errMsg string, at time.Time) error {
	return s.update(ctx, failSQL, jobID, errMsg, at)
}

const rescheduleSQL = `
	UPDATE jobs
	SET status = 'pending', error_message = $2, scheduled_for = $3, started_at = NULL
	WHERE id = $1`

// Reschedule returns a job to pending with a new due time.
func (s *JobStore) Reschedule(ctx context.Context, jobID string, errMsg string, scheduledFor time.Time) error {
	return s.update(ctx, rescheduleSQL, jobID, errMsg, scheduledFor)
}

const getSQL = `
	SELECT id, type, payload, priority, status, attempts, max_attempts,
	       scheduled_for, created_at, started_at, completed_at, result, error_message
	FROM jobs
	WHERE id = $1`

// Get returns a job by ID.
func (s *JobStore) Get(ctx context.Context, jobID string) (pipeline.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, getSQL, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, pipeline.ErrJobNotFound
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("%w: get job: %v", pipeline.ErrStoreUnavailable, err)
	}
	return job, nil
}

const purgeSQL = `
	DELETE FROM jobs
	WHERE status IN ('completed', 'failed')
	  AND completed_at IS NOT NULL
	  AND completed_at < $1`

// PurgeOlderThan deletes terminal jobs whose completion predates the cutoff.
func (s *JobStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, purgeSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: purge jobs: %v", pipeline.ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) update(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%w: update job: %v", pipeline.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (pipeline.Job, error) {
	var (
		job       pipeline.Job
		jobType   string
		jobStatus string
		payload   []byte
		result    []byte
	)
	err := row.Scan(
		&job.ID,
		&jobType,
		&payload,
		&job.Priority,
		&jobStatus,
		&job.Attempts,
		&job.MaxAttempts,
		&job.ScheduledFor,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&result,
		&job.ErrorMessage,
	)
	if err != nil {
		return pipeline.Job{}, err
	}
	job.Type = pipeline.JobType(jobType)
	job.Status = pipeline.JobStatus(jobStatus)
	job.Payload = json.RawMessage(payload)
	job.Result = json.RawMessage(result)
	return job, nil
}
