package worker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/domain"
)

// ─── Event Log ──────────────────────────────────────────────────────────────

// EventLog keeps the last N job events in a ring buffer.
type EventLog struct {
	mu   sync.Mutex
	buf  []domain.JobEvent
	next int
	full bool
}

// NewEventLog returns a log holding up to size events.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = 1
	}
	return &EventLog{buf: make([]domain.JobEvent, size)}
}

// HandleJobEvent records ev, overwriting the oldest entry when full.
func (l *EventLog) HandleJobEvent(ev domain.JobEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns up to limit events, newest first. limit <= 0 means all.
func (l *EventLog) Recent(limit int) []domain.JobEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.JobEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// ─── Log Sink ───────────────────────────────────────────────────────────────

// LogSink writes job events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink logging under "jobs".
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("jobs")}
}

// HandleJobEvent logs ev at info, or warn for failures.
func (s *LogSink) HandleJobEvent(ev domain.JobEvent) {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("job_id", ev.JobID),
		zap.String("task_id", ev.TaskID),
		zap.Int("attempt", ev.Attempt),
		zap.Bool("final", ev.Final),
		zap.Duration("duration", ev.Duration),
	}
	if ev.Result != nil {
		fields = append(fields, zap.Any("result", ev.Result))
	}
	if ev.Type == domain.JobEventFailed {
		s.logger.Warn("job event", append(fields, zap.String("error", ev.Error))...)
		return
	}
	s.logger.Info("job event", fields...)
}
