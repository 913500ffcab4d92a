// Package status reads and writes task statuses through the store, keeping
// an optional cache in step.
package status

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/domain"
)

// Store is the part of the task store the tracker needs.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	SetStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
}

// Tracker is the single writer of task statuses.
type Tracker struct {
	store  Store
	cache  domain.StatusCache // nil disables caching
	logger *zap.Logger
}

// NewTracker returns a tracker. cache may be nil.
func NewTracker(store Store, cache domain.StatusCache, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, cache: cache, logger: logger.Named("status")}
}

// SetStatus writes status to the store, then refreshes the cache.
// Cache failures are logged, never returned.
func (t *Tracker) SetStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	if err := t.store.SetStatus(ctx, taskID, status); err != nil {
		return err
	}
	t.logger.Debug("status changed", zap.String("task_id", taskID), zap.String("status", string(status)))
	t.remember(ctx, taskID, status)
	return nil
}

// Status returns the task's current status, from the cache when possible.
func (t *Tracker) Status(ctx context.Context, taskID string) (domain.TaskStatus, error) {
	if t.cache != nil {
		s, err := t.cache.GetStatus(ctx, taskID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, domain.ErrCacheMiss) {
			t.logger.Warn("status cache read failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	// A writer may have cached a newer status since the read above.
	if t.cache != nil {
		if err := t.cache.FillStatus(ctx, taskID, task.Status); err != nil {
			t.logger.Warn("status cache fill failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return task.Status, nil
}

func (t *Tracker) remember(ctx context.Context, taskID string, status domain.TaskStatus) {
	if t.cache == nil {
		return
	}
	if err := t.cache.SetStatus(ctx, taskID, status); err != nil {
		t.logger.Warn("status cache write failed", zap.String("task_id", taskID), zap.Error(err))
	}
}
