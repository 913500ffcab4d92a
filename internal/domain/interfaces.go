package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// TaskStore persists tasks, their owners and images.
type TaskStore interface {
	// LoadTaskGraph returns the task with owner, images and existing report.
	// Returns ErrTaskNotFound if the task does not exist.
	LoadTaskGraph(ctx context.Context, taskID string) (*TaskGraph, error)

	GetTask(ctx context.Context, taskID string) (*Task, error)
	CreateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, taskID string) error // cascades images and reports
	UpsertOwner(ctx context.Context, o *Owner) error
	AddImage(ctx context.Context, img *Image) error

	// MarkPaid sets is_paid. Reports false when the task was already paid.
	MarkPaid(ctx context.Context, taskID string) (bool, error)

	// SetStatus moves the task to status if its current status allows it,
	// and appends to the status history. Returns ErrInvalidTransition when
	// the current status does not allow the move.
	SetStatus(ctx context.Context, taskID string, status TaskStatus) error

	StatusHistory(ctx context.Context, taskID string) ([]StatusChange, error)
}

// StatusRegistry resolves status names to their lookup row ids.
type StatusRegistry interface {
	ResolveStatus(ctx context.Context, name TaskStatus) (int64, error)
}

// ReportStore persists analysis reports.
type ReportStore interface {
	// InsertReport stores r. Returns ErrReportExists if the task already has one.
	InsertReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, reportID string) (*Report, error)
	GetReportByTask(ctx context.Context, taskID string) (*Report, error)
}

// TokenStore persists single-use user tokens.
type TokenStore interface {
	InsertToken(ctx context.Context, t *UserToken) error
	GetToken(ctx context.Context, token string) (*UserToken, error)
	// MarkTokenUsed sets used_at. Reports false if it was already set.
	MarkTokenUsed(ctx context.Context, token string, at time.Time) (bool, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// JobQueue is the durable at-least-once work queue.
type JobQueue interface {
	Enqueue(ctx context.Context, taskID string, opts EnqueueOptions) (JobHandle, error)

	// Claim leases the next ready job. Returns nil, nil when none is ready.
	Claim(ctx context.Context, lease time.Duration) (*Job, error)

	// Complete, Fail and Extend apply only while the job is still active under
	// the claimed attempt; otherwise they return ErrJobNotActive.
	Complete(ctx context.Context, jobID string, attempt int, result string) error

	// Fail records cause. With retry and attempts left the job is delayed by
	// its backoff; otherwise it is marked failed and the outcome is final.
	Fail(ctx context.Context, jobID string, attempt int, cause error, retry bool) (JobOutcome, error)

	// Extend renews the lease of a job being worked on.
	Extend(ctx context.Context, jobID string, attempt int, lease time.Duration) error

	// Prune keeps only the newest keepCompleted completed and keepFailed failed jobs.
	Prune(ctx context.Context, keepCompleted, keepFailed int) (int64, error)

	QueueStats(ctx context.Context) (QueueStats, error)
	ListJobs(ctx context.Context, state JobState, limit int) ([]Job, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
}

// Store is the full persistence surface a backend provides.
type Store interface {
	TaskStore
	StatusRegistry
	ReportStore
	TokenStore
	JobQueue

	Ping(ctx context.Context) error
	Close() error
}

// Analyzer runs the external vision model over a task's images.
type Analyzer interface {
	Analyze(ctx context.Context, images []ImageInput, car CarInfo) (*AnalysisResult, error)
}

// Notifier tells a user that their report is ready.
type Notifier interface {
	Notify(ctx context.Context, to Recipient, ref ReportRef) error
}

// Mailer delivers one email and returns the transport's message id.
type Mailer interface {
	Send(ctx context.Context, msg MailMessage) (string, error)
}

// StatusCache is a fast read-through copy of task statuses.
type StatusCache interface {
	// GetStatus returns ErrCacheMiss when nothing is cached.
	GetStatus(ctx context.Context, taskID string) (TaskStatus, error)
	SetStatus(ctx context.Context, taskID string, status TaskStatus) error
	// FillStatus writes only when no entry exists.
	FillStatus(ctx context.Context, taskID string, status TaskStatus) error
}

// TaskLocker serializes processing of one task.
type TaskLocker interface {
	// Lock returns ErrLockBusy if another holder owns the task.
	Lock(ctx context.Context, taskID string) (unlock func(), err error)
}

// ReportArchive uploads report payloads to object storage.
type ReportArchive interface {
	Put(ctx context.Context, taskID, reportID string, data []byte) (url string, err error)
}

// JobEventSink receives job lifecycle events. Implementations must not block.
type JobEventSink interface {
	HandleJobEvent(ev JobEvent)
}

// ─── Notification & Token Types ─────────────────────────────────────────────

// Recipient is who a notification goes to.
type Recipient struct {
	UserID string
	Email  string
	Name   string
}

// ReportRef identifies the report a notification is about.
type ReportRef struct {
	ReportID string
	TaskID   string
}

// MailMessage is one outgoing email.
type MailMessage struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// TokenType is the purpose of a user token.
type TokenType string

const (
	TokenPasswordReset TokenType = "password_reset"
	TokenDirectAccess  TokenType = "direct_access"
	TokenEmailVerify   TokenType = "email_verify"
)

// UserToken is a single-use credential bound to a user.
type UserToken struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Token     string          `json:"token"`
	Type      TokenType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
	UsedAt    time.Time       `json:"used_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Used reports whether the token has been consumed.
func (t *UserToken) Used() bool { return !t.UsedAt.IsZero() }

// Expired reports whether the token is past its expiry at now.
func (t *UserToken) Expired(now time.Time) bool { return now.After(t.ExpiresAt) }
