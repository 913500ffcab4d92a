package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/car-repair/estimator/internal/domain"
)

// ─── Durable Job Queue ──────────────────────────────────────────────────────
// Jobs are claimed by priority, then run_at, then insertion order. A claim
// sets a lease; a job whose lease expires without Complete or Fail becomes
// claimable again, which makes delivery at-least-once.

const jobColumns = `id, task_id, state, priority, attempt, max_attempts, backoff_ms,
	run_at, lease_until, last_error, result, created_at, finished_at`

// Enqueue adds a pending job for taskID.
func (d *DB) Enqueue(ctx context.Context, taskID string, opts domain.EnqueueOptions) (domain.JobHandle, error) {
	opts = d.policy.Apply(opts)
	id := uuid.NewString()
	now := millis(time.Now())

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO jobs (id, task_id, state, priority, attempt, max_attempts, backoff_ms, run_at, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, taskID, string(domain.JobPending), opts.Priority, opts.MaxAttempts,
		opts.Backoff.Milliseconds(), now, now,
	)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	return domain.JobHandle{JobID: id, TaskID: taskID}, nil
}

// Claim atomically leases the next ready job. Returns nil, nil if none is ready.
func (d *DB) Claim(ctx context.Context, lease time.Duration) (*domain.Job, error) {
	now := time.Now()
	row := d.db.QueryRowContext(ctx,
		`UPDATE jobs SET state = ?, attempt = attempt + 1, lease_until = ?
		 WHERE id = (
			SELECT id FROM jobs
			WHERE (state IN (?, ?) AND run_at <= ?)
			   OR (state = ? AND lease_until <= ?)
			ORDER BY priority, run_at, created_at, rowid
			LIMIT 1
		 )
		 RETURNING `+jobColumns,
		string(domain.JobActive), millis(now.Add(lease)),
		string(domain.JobPending), string(domain.JobDelayed), millis(now),
		string(domain.JobActive), millis(now),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete marks a job finished and stores its result summary. attempt is
// the attempt the caller claimed; ErrJobNotActive means the lease was lost
// to another worker and the write was dropped.
func (d *DB) Complete(ctx context.Context, jobID string, attempt int, result string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, result = ?, lease_until = NULL, finished_at = ?
		 WHERE id = ? AND state = ? AND attempt = ?`,
		string(domain.JobCompleted), result, millis(time.Now()),
		jobID, string(domain.JobActive), attempt,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return d.notHeld(ctx, jobID, attempt)
	}
	return nil
}

// Fail records cause and either delays the job for a retry or fails it for good.
// Like Complete, it only applies while attempt still holds the job.
func (d *DB) Fail(ctx context.Context, jobID string, attempt int, cause error, retry bool) (domain.JobOutcome, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobOutcome{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var state string
	var current, maxAttempts int
	var backoffMS int64
	err = tx.QueryRowContext(ctx,
		`SELECT state, attempt, max_attempts, backoff_ms FROM jobs WHERE id = ?`, jobID,
	).Scan(&state, &current, &maxAttempts, &backoffMS)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobOutcome{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return domain.JobOutcome{}, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if state != string(domain.JobActive) || current != attempt {
		return domain.JobOutcome{}, fmt.Errorf("%w: %s attempt %d", domain.ErrJobNotActive, jobID, attempt)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := time.Now()

	var outcome domain.JobOutcome
	var res sql.Result
	if retry && attempt < maxAttempts {
		delay := domain.Backoff(time.Duration(backoffMS)*time.Millisecond, attempt, d.policy.MaxDelay)
		outcome.NextRunAt = now.Add(delay)
		res, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, run_at = ?, lease_until = NULL, last_error = ?
			 WHERE id = ? AND state = ? AND attempt = ?`,
			string(domain.JobDelayed), millis(outcome.NextRunAt), msg,
			jobID, string(domain.JobActive), attempt,
		)
	} else {
		outcome.Final = true
		res, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, lease_until = NULL, last_error = ?, finished_at = ?
			 WHERE id = ? AND state = ? AND attempt = ?`,
			string(domain.JobFailed), msg, millis(now),
			jobID, string(domain.JobActive), attempt,
		)
	}
	if err != nil {
		return domain.JobOutcome{}, fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.JobOutcome{}, fmt.Errorf("%w: %s attempt %d", domain.ErrJobNotActive, jobID, attempt)
	}
	if err := tx.Commit(); err != nil {
		return domain.JobOutcome{}, fmt.Errorf("commit: %w", err)
	}
	return outcome, nil
}

// Extend moves the lease of a held job forward by lease.
func (d *DB) Extend(ctx context.Context, jobID string, attempt int, lease time.Duration) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET lease_until = ? WHERE id = ? AND state = ? AND attempt = ?`,
		millis(time.Now().Add(lease)), jobID, string(domain.JobActive), attempt,
	)
	if err != nil {
		return fmt.Errorf("extend job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return d.notHeld(ctx, jobID, attempt)
	}
	return nil
}

// notHeld explains why a write guarded by state and attempt matched no row.
func (d *DB) notHeld(ctx context.Context, jobID string, attempt int) error {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID).Scan(&n); err != nil {
		return fmt.Errorf("read job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return fmt.Errorf("%w: %s attempt %d", domain.ErrJobNotActive, jobID, attempt)
}

// Prune keeps the newest keepCompleted completed and keepFailed failed jobs.
// A negative keep value disables pruning for that state.
func (d *DB) Prune(ctx context.Context, keepCompleted, keepFailed int) (int64, error) {
	var total int64
	for _, p := range []struct {
		state domain.JobState
		keep  int
	}{
		{domain.JobCompleted, keepCompleted},
		{domain.JobFailed, keepFailed},
	} {
		if p.keep < 0 {
			continue
		}
		res, err := d.db.ExecContext(ctx,
			`DELETE FROM jobs WHERE state = ? AND id NOT IN (
				SELECT id FROM jobs WHERE state = ?
				ORDER BY finished_at DESC, rowid DESC LIMIT ?
			)`,
			string(p.state), string(p.state), p.keep,
		)
		if err != nil {
			return total, fmt.Errorf("prune %s jobs: %w", p.state, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// QueueStats counts jobs per state. Every state is present in the result.
func (d *DB) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(domain.QueueStats, len(domain.JobStates))
	for _, s := range domain.JobStates {
		stats[s] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		stats[domain.JobState(state)] = n
	}
	return stats, rows.Err()
}

// ListJobs returns the newest jobs, optionally filtered by state.
func (d *DB) ListJobs(ctx context.Context, state domain.JobState, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// GetJob returns one job, or ErrJobNotFound.
func (d *DB) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return j, nil
}

func scanJob(s scanner) (*domain.Job, error) {
	var j domain.Job
	var backoffMS, runAt, createdAt int64
	var lease, finished sql.NullInt64
	err := s.Scan(&j.ID, &j.TaskID, &j.State, &j.Priority, &j.Attempt, &j.MaxAttempts,
		&backoffMS, &runAt, &lease, &j.LastError, &j.Result, &createdAt, &finished)
	if err != nil {
		return nil, err
	}
	j.Backoff = time.Duration(backoffMS) * time.Millisecond
	j.RunAt = fromMillis(runAt)
	j.LeaseUntil = fromNullMillis(lease)
	j.CreatedAt = fromMillis(createdAt)
	j.FinishedAt = fromNullMillis(finished)
	return &j, nil
}
