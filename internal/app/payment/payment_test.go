package payment

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/car-repair/estimator/internal/domain"
	"github.com/car-repair/estimator/internal/infra/sqlite"
)

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

func newTestService(t *testing.T) (*Service, *sqlite.DB, *countingWaker) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	w := &countingWaker{}
	return NewService(db, domain.EnqueueOptions{}, w, zaptest.NewLogger(t)), db, w
}

func createTask(t *testing.T, db *sqlite.DB, paid bool) string {
	t.Helper()
	task := &domain.Task{Vehicle: domain.Vehicle{Brand: "VW", Model: "Golf"}, IsPaid: paid}
	if err := db.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}
	return task.ID
}

func TestConfirm_MarksPaidAndEnqueues(t *testing.T) {
	svc, db, w := newTestService(t)
	ctx := context.Background()
	id := createTask(t, db, false)

	c, err := svc.Confirm(ctx, id, "api")
	if err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	if c.AlreadyPaid || c.JobID == "" {
		t.Errorf("Confirm() = %+v, want fresh payment with job", c)
	}

	task, _ := db.GetTask(ctx, id)
	if !task.IsPaid {
		t.Error("task should be paid")
	}
	job, err := db.GetJob(ctx, c.JobID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if job.TaskID != id || job.State != domain.JobPending || job.Priority != domain.DefaultPriority {
		t.Errorf("job = %+v", job)
	}
	if w.n != 1 {
		t.Errorf("wakes = %d, want 1", w.n)
	}
}

func TestConfirm_AlreadyPaid(t *testing.T) {
	svc, db, _ := newTestService(t)
	id := createTask(t, db, true)

	c, err := svc.Confirm(context.Background(), id, "webhook")
	if err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	if !c.AlreadyPaid {
		t.Error("AlreadyPaid should be true")
	}
}

func TestConfirm_UnknownTask(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Confirm(context.Background(), "missing", "api"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Confirm() error = %v, want ErrTaskNotFound", err)
	}
}

func TestEnqueue_RequiresPaid(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	unpaid := createTask(t, db, false)
	if _, err := svc.Enqueue(ctx, unpaid, "cli"); !errors.Is(err, domain.ErrTaskNotPaid) {
		t.Errorf("Enqueue(unpaid) error = %v, want ErrTaskNotPaid", err)
	}

	paid := createTask(t, db, true)
	h, err := svc.Enqueue(ctx, paid, "cli")
	if err != nil {
		t.Fatalf("Enqueue(paid) error: %v", err)
	}
	if h.TaskID != paid {
		t.Errorf("handle task = %q, want %q", h.TaskID, paid)
	}
}

func TestTerminalTaskIsNotQueued(t *testing.T) {
	svc, db, w := newTestService(t)
	ctx := context.Background()
	id := createTask(t, db, true)
	if err := db.SetStatus(ctx, id, domain.StatusFailed); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}

	if _, err := svc.Enqueue(ctx, id, "cli"); !errors.Is(err, domain.ErrTaskTerminal) {
		t.Errorf("Enqueue(failed task) error = %v, want ErrTaskTerminal", err)
	}

	c, err := svc.Confirm(ctx, id, "webhook")
	if err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	if c.JobID != "" || !c.AlreadyPaid {
		t.Errorf("Confirm() = %+v, want already paid with no job", c)
	}

	stats, _ := db.QueueStats(ctx)
	if stats.Total() != 0 {
		t.Errorf("queued jobs = %d, want 0", stats.Total())
	}
	if w.n != 0 {
		t.Errorf("wakes = %d, want 0", w.n)
	}
}
