package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/car-repair/estimator/internal/app/processor"
	"github.com/car-repair/estimator/internal/app/status"
	"github.com/car-repair/estimator/internal/domain"
	"github.com/car-repair/estimator/internal/infra/sqlite"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type flakyAnalyzer struct {
	mu       sync.Mutex
	calls    int
	failures int   // calls that fail before the first success
	err      error // returned while failing
}

func (f *flakyAnalyzer) Analyze(ctx context.Context, images []domain.ImageInput, car domain.CarInfo) (*domain.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return domain.ParseAnalysis([]byte(`{"damage_detected":false,"summary":"clean"}`))
}

func (f *flakyAnalyzer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (s *recordingSink) HandleJobEvent(ev domain.JobEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Events() []domain.JobEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JobEvent(nil), s.events...)
}

func (s *recordingSink) count(typ domain.JobEventType) int {
	n := 0
	for _, ev := range s.Events() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type processorFunc func(ctx context.Context, taskID string) (domain.ProcessResult, error)

func (f processorFunc) Process(ctx context.Context, taskID string) (domain.ProcessResult, error) {
	return f(ctx, taskID)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type harness struct {
	db       *sqlite.DB
	analyzer *flakyAnalyzer
	sink     *recordingSink
	tracker  *status.Tracker
	rt       *Runtime
}

func testConfig() Config {
	return Config{
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		Lease:        time.Minute,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetRetryPolicy(domain.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Priority:    domain.DefaultPriority,
	})

	logger := zaptest.NewLogger(t)
	h := &harness{
		db:       db,
		analyzer: &flakyAnalyzer{},
		sink:     &recordingSink{},
		tracker:  status.NewTracker(db, nil, logger),
	}
	proc := processor.New(processor.Deps{
		Store:    db,
		Analyzer: h.analyzer,
		Status:   h.tracker,
		Logger:   logger,
	})
	h.rt = New(cfg, db, proc, h.tracker, logger, h.sink)
	return h
}

// seed creates a paid task with one image and enqueues it.
func (h *harness) seed(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	owner := &domain.Owner{Name: "Ana", Email: "ana@example.com"}
	if err := h.db.UpsertOwner(ctx, owner); err != nil {
		t.Fatalf("UpsertOwner() error: %v", err)
	}
	task := &domain.Task{OwnerID: owner.ID, Vehicle: domain.Vehicle{Brand: "Seat", Model: "Ibiza"}, IsPaid: true}
	if err := h.db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}
	if err := h.db.AddImage(ctx, &domain.Image{TaskID: task.ID, Type: domain.ImageFront, Path: "/img.jpg"}); err != nil {
		t.Fatalf("AddImage() error: %v", err)
	}
	if _, err := h.db.Enqueue(ctx, task.ID, domain.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	return task.ID
}

// drain processes jobs synchronously until none are pending, delayed or active.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		found, err := h.rt.ProcessNext(ctx)
		if err != nil {
			t.Fatalf("ProcessNext() error: %v", err)
		}
		if found {
			continue
		}
		stats, err := h.db.QueueStats(ctx)
		if err != nil {
			t.Fatalf("QueueStats() error: %v", err)
		}
		if stats[domain.JobPending]+stats[domain.JobDelayed]+stats[domain.JobActive] == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("queue did not drain")
}

func (h *harness) taskStatus(t *testing.T, id string) domain.TaskStatus {
	t.Helper()
	task, err := h.db.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}
	return task.Status
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── Retry Semantics ────────────────────────────────────────────────────────

func TestRuntime_RetryThenSuccess(t *testing.T) {
	h := newHarness(t, testConfig())
	h.analyzer.failures = 2
	h.analyzer.err = &domain.AdapterError{StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
	id := h.seed(t)

	h.drain(t)

	if got := h.analyzer.Calls(); got != 3 {
		t.Errorf("analyzer calls = %d, want 3", got)
	}
	events := h.sink.Events()
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, ev := range events[:2] {
		if ev.Type != domain.JobEventFailed || ev.Final {
			t.Errorf("event %d = %s final=%v, want non-final failure", i, ev.Type, ev.Final)
		}
		if ev.Attempt != i+1 {
			t.Errorf("event %d attempt = %d, want %d", i, ev.Attempt, i+1)
		}
	}
	last := events[2]
	if last.Type != domain.JobEventCompleted || last.Result == nil || !last.Result.Success {
		t.Errorf("last event = %+v, want successful completion", last)
	}

	if got := h.taskStatus(t, id); got != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", got)
	}
	if _, err := h.db.GetReportByTask(context.Background(), id); err != nil {
		t.Errorf("GetReportByTask() error: %v", err)
	}
	stats, _ := h.db.QueueStats(context.Background())
	if stats[domain.JobCompleted] != 1 {
		t.Errorf("completed jobs = %d, want 1", stats[domain.JobCompleted])
	}
}

func TestRuntime_ExhaustedRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.analyzer.failures = 100
	h.analyzer.err = &domain.AdapterError{StatusCode: 429, Retryable: true, Err: errors.New("quota")}
	id := h.seed(t)

	h.drain(t)

	if got := h.analyzer.Calls(); got != 3 {
		t.Errorf("analyzer calls = %d, want 3", got)
	}
	events := h.sink.Events()
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if !events[2].Final || events[2].Type != domain.JobEventFailed {
		t.Errorf("last event = %+v, want final failure", events[2])
	}
	if events[0].Final || events[1].Final {
		t.Error("earlier failures should not be final")
	}
	if got := h.taskStatus(t, id); got != domain.StatusFailed {
		t.Errorf("status = %q, want failed", got)
	}
	if _, err := h.db.GetReportByTask(context.Background(), id); !errors.Is(err, domain.ErrReportNotFound) {
		t.Errorf("report lookup error = %v, want ErrReportNotFound", err)
	}
	stats, _ := h.db.QueueStats(context.Background())
	if stats[domain.JobFailed] != 1 {
		t.Errorf("failed jobs = %d, want 1", stats[domain.JobFailed])
	}
}

func TestRuntime_FatalErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, testConfig())
	h.analyzer.failures = 100
	h.analyzer.err = &domain.AdapterError{StatusCode: 400, Retryable: false, Err: errors.New("bad request")}
	id := h.seed(t)

	h.drain(t)

	if got := h.analyzer.Calls(); got != 1 {
		t.Errorf("analyzer calls = %d, want 1", got)
	}
	events := h.sink.Events()
	if len(events) != 1 || !events[0].Final {
		t.Fatalf("events = %+v, want one final failure", events)
	}
	if got := h.taskStatus(t, id); got != domain.StatusFailed {
		t.Errorf("status = %q, want failed", got)
	}
}

func TestRuntime_DuplicateJobIsSkipped(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.seed(t)
	if _, err := h.db.Enqueue(context.Background(), id, domain.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	h.drain(t)

	if got := h.analyzer.Calls(); got != 1 {
		t.Errorf("analyzer calls = %d, want 1", got)
	}
	events := h.sink.Events()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	second := events[1]
	if second.Result == nil || !second.Result.Skipped || second.Result.Reason != domain.SkipAlreadyProcessed {
		t.Errorf("second result = %+v, want skipped already_processed", second.Result)
	}
}

func TestRuntime_PanicIsRecovered(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	sink := &recordingSink{}
	proc := processorFunc(func(ctx context.Context, taskID string) (domain.ProcessResult, error) {
		panic("nil map")
	})
	logger := zaptest.NewLogger(t)
	rt := New(testConfig(), db, proc, status.NewTracker(db, nil, logger), logger, sink)

	if _, err := db.Enqueue(context.Background(), "task-x", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	found, err := rt.ProcessNext(context.Background())
	if err != nil || !found {
		t.Fatalf("ProcessNext() = (%v, %v), want a job", found, err)
	}

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != domain.JobEventFailed || events[0].Final {
		t.Errorf("event = %+v, want retryable failure", events[0])
	}
	if !strings.Contains(events[0].Error, "panic") {
		t.Errorf("error = %q, want panic mention", events[0].Error)
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestRuntime_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 2
	h := newHarness(t, cfg)
	for i := 0; i < 3; i++ {
		h.seed(t)
	}

	if err := h.rt.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.rt.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start() error = %v, want ErrRunning", err)
	}

	waitFor(t, "3 completions", func() bool { return h.sink.count(domain.JobEventCompleted) == 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.rt.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	select {
	case <-h.rt.Done():
	default:
		t.Error("Done() should be closed after Stop")
	}

	if got := h.rt.Events(0); len(got) != 3 {
		t.Errorf("Events() = %d, want 3", len(got))
	}
}

func TestRuntime_StopCancelsAfterDeadline(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	started := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, taskID string) (domain.ProcessResult, error) {
		close(started)
		<-ctx.Done()
		return domain.ProcessResult{}, ctx.Err()
	})
	sink := &recordingSink{}
	logger := zaptest.NewLogger(t)
	rt := New(testConfig(), db, proc, status.NewTracker(db, nil, logger), logger, sink)

	if _, err := db.Enqueue(context.Background(), "task-slow", domain.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := rt.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want DeadlineExceeded", err)
	}

	events := sink.Events()
	if len(events) != 1 || events[0].Type != domain.JobEventFailed || events[0].Final {
		t.Fatalf("events = %+v, want one retryable failure", events)
	}
	job, err := db.ListJobs(context.Background(), domain.JobDelayed, 10)
	if err != nil || len(job) != 1 {
		t.Errorf("delayed jobs = %d (%v), want 1", len(job), err)
	}
}

func TestRuntime_MaintainPrunes(t *testing.T) {
	cfg := testConfig()
	cfg.KeepCompleted = 1
	cfg.KeepFailed = 1
	h := newHarness(t, cfg)
	for i := 0; i < 3; i++ {
		h.seed(t)
	}
	h.drain(t)

	h.rt.Maintain(context.Background())

	stats, err := h.db.QueueStats(context.Background())
	if err != nil {
		t.Fatalf("QueueStats() error: %v", err)
	}
	if stats[domain.JobCompleted] != 1 {
		t.Errorf("completed after prune = %d, want 1", stats[domain.JobCompleted])
	}
}

// ─── Event Log ──────────────────────────────────────────────────────────────

func TestEventLog_Ring(t *testing.T) {
	l := NewEventLog(3)
	if got := l.Recent(0); len(got) != 0 {
		t.Errorf("empty Recent() = %d, want 0", len(got))
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		l.HandleJobEvent(domain.JobEvent{JobID: id})
	}

	got := l.Recent(0)
	var ids []string
	for _, ev := range got {
		ids = append(ids, ev.JobID)
	}
	if strings.Join(ids, ",") != "d,c,b" {
		t.Errorf("Recent(0) = %v, want d,c,b", ids)
	}
	if got := l.Recent(1); len(got) != 1 || got[0].JobID != "d" {
		t.Errorf("Recent(1) = %+v, want d", got)
	}
}

func TestRuntime_RequeuedFailedTaskIsNotAnalyzedAgain(t *testing.T) {
	h := newHarness(t, testConfig())
	h.analyzer.failures = 3
	h.analyzer.err = &domain.AdapterError{StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
	id := h.seed(t)
	h.drain(t)
	if got := h.taskStatus(t, id); got != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", got)
	}

	// A late duplicate webhook or manual re-enqueue lands after the final failure.
	if _, err := h.db.Enqueue(context.Background(), id, domain.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	h.drain(t)

	if got := h.analyzer.Calls(); got != 3 {
		t.Errorf("analyzer calls = %d, want 3", got)
	}
	if got := h.taskStatus(t, id); got != domain.StatusFailed {
		t.Errorf("status = %q, want failed", got)
	}
	if _, err := h.db.GetReportByTask(context.Background(), id); !errors.Is(err, domain.ErrReportNotFound) {
		t.Errorf("report lookup error = %v, want ErrReportNotFound", err)
	}
	events := h.sink.Events()
	last := events[len(events)-1]
	if last.Type != domain.JobEventCompleted || last.Result == nil || last.Result.Reason != domain.SkipTerminalStatus {
		t.Errorf("last event = %+v, want completion skipped for terminal status", last)
	}
}

func TestRuntime_LostLeaseDropsOutcome(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	// Another worker takes the job over while this one is still processing.
	proc := processorFunc(func(ctx context.Context, taskID string) (domain.ProcessResult, error) {
		jobs, err := db.ListJobs(ctx, domain.JobActive, 1)
		if err != nil || len(jobs) != 1 {
			t.Errorf("ListJobs() = %v, %v", jobs, err)
			return domain.ProcessResult{}, err
		}
		if err := db.Complete(ctx, jobs[0].ID, jobs[0].Attempt, `{"success":true}`); err != nil {
			t.Errorf("Complete() error: %v", err)
		}
		return domain.ProcessResult{}, domain.NewProcessingError(domain.KindNoImages, taskID, domain.ErrNoImages)
	})
	sink := &recordingSink{}
	logger := zaptest.NewLogger(t)
	task := &domain.Task{IsPaid: true}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}
	h, err := db.Enqueue(ctx, task.ID, domain.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	rt := New(testConfig(), db, proc, status.NewTracker(db, nil, logger), logger, sink)

	if found, err := rt.ProcessNext(ctx); err != nil || !found {
		t.Fatalf("ProcessNext() = (%v, %v), want a job", found, err)
	}

	if n := len(sink.Events()); n != 0 {
		t.Errorf("events = %d, want 0 for a lost lease", n)
	}
	job, _ := db.GetJob(ctx, h.JobID)
	if job.State != domain.JobCompleted {
		t.Errorf("job state = %q, want completed", job.State)
	}
	got, _ := db.GetTask(ctx, task.ID)
	if got.Status == domain.StatusFailed {
		t.Error("lost lease must not mark the task failed")
	}
}
