// Package payment turns payment confirmations into queued inspection jobs.
package payment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/domain"
	"github.com/car-repair/estimator/internal/infra/metrics"
)

// Store is the persistence the service needs.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	MarkPaid(ctx context.Context, taskID string) (bool, error)
	Enqueue(ctx context.Context, taskID string, opts domain.EnqueueOptions) (domain.JobHandle, error)
}

// Waker is told when new work is queued.
type Waker interface {
	Wake()
}

// Confirmation is the outcome of confirming a payment.
type Confirmation struct {
	TaskID      string `json:"task_id"`
	AlreadyPaid bool   `json:"already_paid"`
	JobID       string `json:"job_id"`
}

// Service confirms payments and enqueues tasks.
type Service struct {
	store  Store
	opts   domain.EnqueueOptions
	waker  Waker
	logger *zap.Logger
}

// NewService returns a service. waker may be nil.
func NewService(store Store, opts domain.EnqueueOptions, waker Waker, logger *zap.Logger) *Service {
	return &Service{store: store, opts: opts, waker: waker, logger: logger.Named("payment")}
}

// Confirm marks taskID paid and enqueues it. Confirming an already paid
// task is not an error and enqueues again; duplicates are absorbed by the
// processor. A completed or failed task is not queued and JobID stays empty.
func (s *Service) Confirm(ctx context.Context, taskID, source string) (Confirmation, error) {
	fresh, err := s.store.MarkPaid(ctx, taskID)
	if err != nil {
		return Confirmation{}, err
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Confirmation{}, err
	}
	if task.Status.IsTerminal() {
		s.logger.Info("payment confirmed for finished task, not queued",
			zap.String("task_id", taskID),
			zap.String("source", source),
			zap.String("status", string(task.Status)))
		return Confirmation{TaskID: taskID, AlreadyPaid: !fresh}, nil
	}
	h, err := s.enqueue(ctx, taskID, source)
	if err != nil {
		return Confirmation{}, err
	}
	s.logger.Info("payment confirmed",
		zap.String("task_id", taskID),
		zap.String("source", source),
		zap.Bool("already_paid", !fresh),
		zap.String("job_id", h.JobID))
	return Confirmation{TaskID: taskID, AlreadyPaid: !fresh, JobID: h.JobID}, nil
}

// Enqueue queues a paid task. Unpaid tasks are rejected with ErrTaskNotPaid,
// completed or failed ones with ErrTaskTerminal.
func (s *Service) Enqueue(ctx context.Context, taskID, source string) (domain.JobHandle, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.JobHandle{}, err
	}
	if !task.IsPaid {
		return domain.JobHandle{}, fmt.Errorf("%w: %s", domain.ErrTaskNotPaid, taskID)
	}
	if task.Status.IsTerminal() {
		return domain.JobHandle{}, fmt.Errorf("%w: %s is %s", domain.ErrTaskTerminal, taskID, task.Status)
	}
	return s.enqueue(ctx, taskID, source)
}

func (s *Service) enqueue(ctx context.Context, taskID, source string) (domain.JobHandle, error) {
	h, err := s.store.Enqueue(ctx, taskID, s.opts)
	if err != nil {
		return domain.JobHandle{}, err
	}
	metrics.JobsEnqueued.WithLabelValues(source).Inc()
	if s.waker != nil {
		s.waker.Wake()
	}
	return h, nil
}
