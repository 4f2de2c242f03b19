// Package jobqueue is a durable Postgres-backed job queue. Jobs are leased
// with FOR UPDATE SKIP LOCKED so concurrent workers never double-process, and
// leases expire so a crashed worker's jobs are picked up again.
package jobqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/db"
	"permabundle/internal/errs"
)

// Job is one leased unit of work.
type Job struct {
	ID       uuid.UUID
	Label    string
	Payload  json.RawMessage
	Attempts int
}

// Queue persists and leases jobs.
type Queue struct {
	db          *db.DB
	leaseLength time.Duration
	maxAttempts int
}

// Option configures a Queue.
type Option func(*Queue)

// WithLease overrides the default 2 minute lease length.
func WithLease(d time.Duration) Option {
	return func(q *Queue) { q.leaseLength = d }
}

// WithMaxAttempts overrides the default 8 attempts before a job goes dead.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// New creates a queue over the given database.
func New(database *db.DB, opts ...Option) *Queue {
	q := &Queue{
		db:          database,
		leaseLength: 2 * time.Minute,
		maxAttempts: 8,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a job, optionally delayed. Payload must be JSON-marshalable.
func (q *Queue) Enqueue(ctx context.Context, label string, payload any, delay time.Duration) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, errs.Wrap(errs.KindInternal, "marshal job payload", err)
	}
	id := uuid.New()
	err = q.db.Exec(ctx, `
		INSERT INTO job (job_id, label, payload, run_at)
		VALUES ($1, $2, $3, NOW() + $4)`,
		id, label, body, delay)
	if err != nil {
		return uuid.Nil, errs.Wrap(errs.KindUnavailable, "enqueue job", err)
	}
	return id, nil
}

// EnqueueTx adds a job inside an existing transaction so the job becomes
// visible atomically with the state it refers to.
func (q *Queue) EnqueueTx(ctx context.Context, tx pgx.Tx, label string, payload any, delay time.Duration) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, errs.Wrap(errs.KindInternal, "marshal job payload", err)
	}
	id := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO job (job_id, label, payload, run_at)
		VALUES ($1, $2, $3, NOW() + $4)`,
		id, label, body, delay)
	if err != nil {
		return uuid.Nil, errs.Wrap(errs.KindUnavailable, "enqueue job", err)
	}
	return id, nil
}

// Dequeue leases the oldest runnable job for the label. Returns (nil, nil)
// when the queue is empty. Jobs whose lease expired count as runnable.
func (q *Queue) Dequeue(ctx context.Context, label, owner string) (*Job, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE job SET
			status = 'leased',
			attempts = job.attempts + 1,
			lease_until = NOW() + $3,
			lease_owner = $2
		FROM (
			SELECT job_id FROM job
			WHERE label = $1
			  AND run_at <= NOW()
			  AND (status = 'queued' OR (status = 'leased' AND lease_until < NOW()))
			ORDER BY run_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		) next
		WHERE job.job_id = next.job_id
		RETURNING job.job_id, job.label, job.payload, job.attempts`,
		label, owner, q.leaseLength)

	var j Job
	if err := row.Scan(&j.ID, &j.Label, &j.Payload, &j.Attempts); err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindUnavailable, "dequeue job", err)
	}
	return &j, nil
}

// Heartbeat extends the lease of a job still being worked on.
func (q *Queue) Heartbeat(ctx context.Context, jobID uuid.UUID, owner string) error {
	tag, err := q.db.ExecResult(ctx, `
		UPDATE job SET lease_until = NOW() + $3
		WHERE job_id = $1 AND lease_owner = $2 AND status = 'leased'`,
		jobID, owner, q.leaseLength)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "heartbeat job", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindInternal, "lease on job %s lost", jobID)
	}
	return nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID, owner string) error {
	tag, err := q.db.ExecResult(ctx, `
		UPDATE job SET status = 'done', finished_at = NOW()
		WHERE job_id = $1 AND lease_owner = $2 AND status = 'leased'`,
		jobID, owner)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "complete job", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindInternal, "lease on job %s lost", jobID)
	}
	return nil
}

// Fail records a failed attempt. Transient failures requeue with exponential
// backoff until maxAttempts, then the job goes dead. Permanent failures go
// dead immediately.
func (q *Queue) Fail(ctx context.Context, j *Job, owner string, cause error) error {
	dead := !errs.Transient(cause) || j.Attempts >= q.maxAttempts

	var err error
	if dead {
		_, err = q.db.ExecResult(ctx, `
			UPDATE job SET status = 'dead', last_error = $3, finished_at = NOW()
			WHERE job_id = $1 AND lease_owner = $2`,
			j.ID, owner, cause.Error())
	} else {
		_, err = q.db.ExecResult(ctx, `
			UPDATE job SET status = 'queued', last_error = $3,
				run_at = NOW() + $4, lease_until = NULL, lease_owner = NULL
			WHERE job_id = $1 AND lease_owner = $2`,
			j.ID, owner, cause.Error(), RetryDelay(j.Attempts))
	}
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "fail job", err)
	}
	return nil
}

// RetryDelay returns the backoff before attempt n runs again:
// 5s, 10s, 20s, ... capped at 5 minutes.
func RetryDelay(attempts int) time.Duration {
	delay := 5 * time.Second
	const max = 5 * time.Minute
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	return delay
}
