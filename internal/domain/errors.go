package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Task errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskNotPaid       = errors.New("task is not paid")
	ErrNoImages          = errors.New("task has no images")
	ErrInvalidTransition = errors.New("illegal task status transition")
	ErrTaskTerminal      = errors.New("task is already completed or failed")
	ErrStatusNotFound    = errors.New("task status not found")
	ErrOwnerNotFound     = errors.New("task owner not found")

	// Report errors
	ErrReportExists   = errors.New("report already exists for task")
	ErrReportNotFound = errors.New("report not found")

	// Queue errors
	ErrJobNotFound  = errors.New("job not found")
	ErrJobNotActive = errors.New("job is not active")

	// Analysis errors
	ErrMalformedAnalysis = errors.New("analysis response is not valid report JSON")
	ErrAnalyzerDisabled  = errors.New("analyzer is not configured")

	// Direct-access token errors
	ErrTokenMissing = errors.New("token missing")
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenUsed    = errors.New("token already used")
	ErrTokenExpired = errors.New("token expired")

	// Cache errors
	ErrCacheMiss = errors.New("cache miss")

	// Lock errors
	ErrLockBusy = errors.New("task lock is held by another worker")
)

// TokenReason maps a token error to the short reason clients receive.
func TokenReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return "missing"
	case errors.Is(err, ErrTokenUsed):
		return "used"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	default:
		return "invalid"
	}
}

// ─── Processing Errors ──────────────────────────────────────────────────────

// ErrorKind tags why processing a task failed.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindNotPaid            ErrorKind = "not_paid"
	KindNoImages           ErrorKind = "no_images"
	KindAdapterFailure     ErrorKind = "adapter_failure"
	KindPersistenceFailure ErrorKind = "persistence_failure"
)

// ProcessingError is the tagged error returned by the task processor.
// The worker runtime decides retry vs. terminal failure from Retryable.
type ProcessingError struct {
	Kind   ErrorKind
	TaskID string
	Err    error
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("task %s: %s", e.TaskID, e.Kind)
	}
	return fmt.Sprintf("task %s: %s: %v", e.TaskID, e.Kind, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *ProcessingError) Retryable() bool {
	switch e.Kind {
	case KindNotFound, KindNoImages:
		return false
	case KindAdapterFailure:
		var ae *AdapterError
		if errors.As(e.Err, &ae) {
			return ae.Retryable
		}
		return true
	default:
		return true
	}
}

// NewProcessingError tags err with kind for taskID.
func NewProcessingError(kind ErrorKind, taskID string, err error) *ProcessingError {
	return &ProcessingError{Kind: kind, TaskID: taskID, Err: err}
}

// AdapterError is a classified failure from the image analysis service.
type AdapterError struct {
	StatusCode int // HTTP status, 0 for transport or parse failures
	Retryable  bool
	Err        error
}

func (e *AdapterError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("analysis service (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("analysis service: %v", e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsRetryable reports whether err warrants another attempt.
// Errors that carry no classification are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return true
}
