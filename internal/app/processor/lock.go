package processor

import (
	"context"
	"sync"

	"github.com/car-repair/estimator/internal/domain"
)

// LocalLocker is an in-process per-task try-lock.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ domain.TaskLocker = (*LocalLocker)(nil)

// NewLocalLocker returns an empty locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// Lock claims taskID without waiting. Returns domain.ErrLockBusy when held.
func (l *LocalLocker) Lock(_ context.Context, taskID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[taskID]; ok {
		return nil, domain.ErrLockBusy
	}
	l.held[taskID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, taskID)
			l.mu.Unlock()
		})
	}, nil
}
