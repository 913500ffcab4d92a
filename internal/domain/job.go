package domain

import (
	"time"
)

// ─── Queue Jobs ─────────────────────────────────────────────────────────────
// A job wraps a task id for processing. The queue owns jobs; the domain model
// never references them.

// JobState tracks a job inside the durable queue.
type JobState string

const (
	JobPending   JobState = "pending"   // ready to be claimed
	JobDelayed   JobState = "delayed"   // waiting out a retry backoff
	JobActive    JobState = "active"    // leased by a worker
	JobCompleted JobState = "completed" // finished successfully (kept for audit)
	JobFailed    JobState = "failed"    // attempts exhausted or fatal error
)

// JobStates lists every state in display order.
var JobStates = []JobState{JobPending, JobDelayed, JobActive, JobCompleted, JobFailed}

// DefaultPriority is used when a job is enqueued without one.
// Lower numbers are claimed first.
const DefaultPriority = 1

// Job is one unit of queued work.
type Job struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	State       JobState      `json:"state"`
	Priority    int           `json:"priority"`
	Attempt     int           `json:"attempt"` // attempts started so far
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	RunAt       time.Time     `json:"run_at"`
	LeaseUntil  time.Time     `json:"lease_until,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Result      string        `json:"result,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
}

// IsLastAttempt reports whether a failure of the current attempt is final.
func (j *Job) IsLastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// JobHandle is returned by Enqueue.
type JobHandle struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
}

// EnqueueOptions tune a single job. Zero values take the RetryPolicy defaults.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	Backoff     time.Duration
}

// JobOutcome reports what the queue did with a failed job.
type JobOutcome struct {
	Final     bool      // no further attempts will be made
	NextRunAt time.Time // zero when Final
}

// QueueStats counts jobs per state.
type QueueStats map[JobState]int

// Total returns the number of jobs across all states.
func (s QueueStats) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}

// ─── Retry Policy ───────────────────────────────────────────────────────────

// RetryPolicy configures attempts and exponential backoff for new jobs.
type RetryPolicy struct {
	MaxAttempts int           // attempts before permanent failure
	BaseDelay   time.Duration // delay after the first failure, doubles each retry
	MaxDelay    time.Duration // cap on backoff delay
	Priority    int
}

// DefaultRetryPolicy returns production retry defaults: 3 attempts, 60s doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   60 * time.Second,
		MaxDelay:    time.Hour,
		Priority:    DefaultPriority,
	}
}

// Apply fills zero fields of opts from the policy.
func (p RetryPolicy) Apply(opts EnqueueOptions) EnqueueOptions {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = p.MaxAttempts
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = p.BaseDelay
	}
	if opts.Priority <= 0 {
		opts.Priority = p.Priority
	}
	if opts.Priority <= 0 {
		opts.Priority = DefaultPriority
	}
	return opts
}

// Backoff returns the delay before retrying after the given failed attempt:
// base * 2^(attempt-1), capped at limit. A non-positive limit means one hour.
func Backoff(base time.Duration, attempt int, limit time.Duration) time.Duration {
	if limit <= 0 {
		limit = time.Hour
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// ─── Lifecycle Events ───────────────────────────────────────────────────────

// JobEventType names a job lifecycle event.
type JobEventType string

const (
	JobEventCompleted JobEventType = "completed"
	JobEventFailed    JobEventType = "failed"
)

// ProcessResult is what the task processor returns for a handled job.
type ProcessResult struct {
	Success  bool   `json:"success,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Reason   string `json:"reason,omitempty"`
	ReportID string `json:"report_id,omitempty"`
}

// Skip reasons.
const (
	SkipAlreadyProcessed = "already_processed"
	SkipInProgress       = "in_progress"
	SkipTerminalStatus   = "terminal_status"
)

// JobEvent is the stable shape published for dashboards and logs.
type JobEvent struct {
	Type     JobEventType   `json:"type"`
	JobID    string         `json:"job_id"`
	TaskID   string         `json:"task_id"`
	Attempt  int            `json:"attempt"`
	Final    bool           `json:"final"`
	Result   *ProcessResult `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	At       time.Time      `json:"at"`
}
