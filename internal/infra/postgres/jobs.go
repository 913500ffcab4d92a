package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/car-repair/estimator/internal/domain"
)

const jobColumns = `id, task_id, state, priority, attempt, max_attempts, backoff_ms,
	run_at, lease_until, last_error, result, created_at, finished_at`

// Enqueue adds a pending job for taskID.
func (s *Store) Enqueue(ctx context.Context, taskID string, opts domain.EnqueueOptions) (domain.JobHandle, error) {
	opts = s.policy.Apply(opts)
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, task_id, state, priority, max_attempts, backoff_ms, run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		id, taskID, string(domain.JobPending), opts.Priority, opts.MaxAttempts,
		opts.Backoff.Milliseconds(), now,
	)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	return domain.JobHandle{JobID: id, TaskID: taskID}, nil
}

// Claim leases the next ready job, skipping rows other workers hold locked.
func (s *Store) Claim(ctx context.Context, lease time.Duration) (*domain.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET state = $1, attempt = attempt + 1, lease_until = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE (state IN ($3, $4) AND run_at <= $5)
			   OR (state = $1 AND lease_until <= $5)
			ORDER BY priority, run_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		string(domain.JobActive), now.Add(lease),
		string(domain.JobPending), string(domain.JobDelayed), now,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete marks a job finished and stores its result summary. attempt is
// the attempt the caller claimed; ErrJobNotActive means the lease was lost.
func (s *Store) Complete(ctx context.Context, jobID string, attempt int, result string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $1, result = $2, lease_until = NULL, finished_at = NOW()
		WHERE id = $3 AND state = $4 AND attempt = $5`,
		string(domain.JobCompleted), result, jobID, string(domain.JobActive), attempt,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notHeld(ctx, jobID, attempt)
	}
	return nil
}

// Fail records cause and either delays the job for a retry or fails it for good.
func (s *Store) Fail(ctx context.Context, jobID string, attempt int, cause error, retry bool) (domain.JobOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.JobOutcome{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var state string
	var current, maxAttempts int
	var backoffMS int64
	err = tx.QueryRow(ctx,
		`SELECT state, attempt, max_attempts, backoff_ms FROM jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&state, &current, &maxAttempts, &backoffMS)
	if errors.Is(err, pgx.ErrNoRows) {
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
	now := time.Now().UTC()

	var outcome domain.JobOutcome
	if retry && attempt < maxAttempts {
		delay := domain.Backoff(time.Duration(backoffMS)*time.Millisecond, attempt, s.policy.MaxDelay)
		outcome.NextRunAt = now.Add(delay)
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET state = $1, run_at = $2, lease_until = NULL, last_error = $3 WHERE id = $4`,
			string(domain.JobDelayed), outcome.NextRunAt, msg, jobID)
	} else {
		outcome.Final = true
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET state = $1, lease_until = NULL, last_error = $2, finished_at = $3 WHERE id = $4`,
			string(domain.JobFailed), msg, now, jobID)
	}
	if err != nil {
		return domain.JobOutcome{}, fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.JobOutcome{}, fmt.Errorf("commit: %w", err)
	}
	return outcome, nil
}

// Extend moves the lease of a held job forward by lease.
func (s *Store) Extend(ctx context.Context, jobID string, attempt int, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET lease_until = $1 WHERE id = $2 AND state = $3 AND attempt = $4`,
		time.Now().UTC().Add(lease), jobID, string(domain.JobActive), attempt,
	)
	if err != nil {
		return fmt.Errorf("extend job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notHeld(ctx, jobID, attempt)
	}
	return nil
}

// notHeld explains why a write guarded by state and attempt matched no row.
func (s *Store) notHeld(ctx context.Context, jobID string, attempt int) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("read job %s: %w", jobID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return fmt.Errorf("%w: %s attempt %d", domain.ErrJobNotActive, jobID, attempt)
}

// Prune keeps the newest keepCompleted completed and keepFailed failed jobs.
func (s *Store) Prune(ctx context.Context, keepCompleted, keepFailed int) (int64, error) {
	var total int64
	for state, keep := range map[domain.JobState]int{
		domain.JobCompleted: keepCompleted,
		domain.JobFailed:    keepFailed,
	} {
		if keep < 0 {
			continue
		}
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM jobs WHERE state = $1 AND id NOT IN (
				SELECT id FROM jobs WHERE state = $1
				ORDER BY finished_at DESC, seq DESC LIMIT $2
			)`, string(state), keep)
		if err != nil {
			return total, fmt.Errorf("prune %s jobs: %w", state, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// QueueStats counts jobs per state.
func (s *Store) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(domain.QueueStats, len(domain.JobStates))
	for _, st := range domain.JobStates {
		stats[st] = 0
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
func (s *Store) ListJobs(ctx context.Context, state domain.JobState, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE $1 = '' OR state = $1
		ORDER BY seq DESC LIMIT $2`, string(state), limit)
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
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var backoffMS int64
	var lease, finished *time.Time
	err := row.Scan(&j.ID, &j.TaskID, &j.State, &j.Priority, &j.Attempt, &j.MaxAttempts,
		&backoffMS, &j.RunAt, &lease, &j.LastError, &j.Result, &j.CreatedAt, &finished)
	if err != nil {
		return nil, err
	}
	j.Backoff = time.Duration(backoffMS) * time.Millisecond
	j.LeaseUntil = derefTime(lease)
	j.FinishedAt = derefTime(finished)
	return &j, nil
}
