// Package worker runs queued inspection jobs through the task processor.
//
// The runtime is an explicit object owned by the daemon: it claims jobs from
// the durable queue under bounded concurrency and a start-rate limit, turns
// processor results into Complete/Fail calls, writes the terminal failed
// status, and fans job lifecycle events out to sinks.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/car-repair/estimator/internal/domain"
	"github.com/car-repair/estimator/internal/infra/metrics"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the runtime.
type Config struct {
	Concurrency   int           // jobs processed at once (default 1)
	RateInterval  time.Duration // minimum spacing between job starts; 0 disables (default 5s)
	RateBurst     int           // default 1
	PollInterval  time.Duration // idle wait between claims (default 1s)
	Lease         time.Duration // claim lease; must outlast the analysis timeout
	PruneInterval time.Duration // 0 disables the retention loop
	KeepCompleted int           // default 100
	KeepFailed    int           // default 50
	EventLogSize  int           // recent events kept in memory (default 100)
}

// DefaultConfig returns production defaults: one job at a time, at most one
// start every five seconds.
func DefaultConfig() Config {
	return Config{
		Concurrency:   1,
		RateInterval:  5 * time.Second,
		RateBurst:     1,
		PollInterval:  time.Second,
		Lease:         150 * time.Second,
		PruneInterval: 10 * time.Minute,
		KeepCompleted: 100,
		KeepFailed:    50,
		EventLogSize:  100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Lease <= 0 {
		c.Lease = def.Lease
	}
	if c.EventLogSize <= 0 {
		c.EventLogSize = def.EventLogSize
	}
	return c
}

// ─── Collaborators ──────────────────────────────────────────────────────────

// Queue is the part of the job queue the runtime drives.
type Queue interface {
	Claim(ctx context.Context, lease time.Duration) (*domain.Job, error)
	Complete(ctx context.Context, jobID string, attempt int, result string) error
	Fail(ctx context.Context, jobID string, attempt int, cause error, retry bool) (domain.JobOutcome, error)
	Extend(ctx context.Context, jobID string, attempt int, lease time.Duration) error
	Prune(ctx context.Context, keepCompleted, keepFailed int) (int64, error)
	QueueStats(ctx context.Context) (domain.QueueStats, error)
}

// Processor handles one task.
type Processor interface {
	Process(ctx context.Context, taskID string) (domain.ProcessResult, error)
}

// StatusWriter records the terminal failed status.
type StatusWriter interface {
	SetStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
}

// ErrRunning is returned by Start when the runtime is already running.
var ErrRunning = errors.New("worker: already running")

// bookkeepingTimeout bounds queue and status writes after a job finishes,
// which run even when the job context was cancelled.
const bookkeepingTimeout = 10 * time.Second

// ─── Runtime ────────────────────────────────────────────────────────────────

// Runtime claims and processes jobs until stopped.
type Runtime struct {
	cfg     Config
	queue   Queue
	proc    Processor
	status  StatusWriter
	logger  *zap.Logger
	sinks   []domain.JobEventSink
	events  *EventLog
	limiter *rate.Limiter
	sem     chan struct{}
	wake    chan struct{}

	mu        sync.Mutex
	started   bool
	stopLoop  context.CancelFunc
	stopJobs  context.CancelFunc
	loopDone  chan struct{}
	done      chan struct{}
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// New builds a runtime. Events go to every sink plus the runtime's own
// recent-event log.
func New(cfg Config, queue Queue, proc Processor, status StatusWriter, logger *zap.Logger, sinks ...domain.JobEventSink) *Runtime {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RateInterval > 0 {
		limit = rate.Every(cfg.RateInterval)
	}
	events := NewEventLog(cfg.EventLogSize)
	return &Runtime{
		cfg:     cfg,
		queue:   queue,
		proc:    proc,
		status:  status,
		logger:  logger.Named("worker"),
		sinks:   append(append([]domain.JobEventSink{}, sinks...), events),
		events:  events,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		sem:     make(chan struct{}, cfg.Concurrency),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Events returns the most recent job events, newest first.
func (r *Runtime) Events(limit int) []domain.JobEvent { return r.events.Recent(limit) }

// Done is closed once the runtime has stopped and every job has returned.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Wake shortens the idle wait, e.g. right after an enqueue.
func (r *Runtime) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start launches the claim loop and, if configured, the retention loop.
// Jobs keep running if ctx is cancelled; use Stop to end them.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrRunning
	}
	r.started = true

	loopCtx, stopLoop := context.WithCancel(ctx)
	jobCtx, stopJobs := context.WithCancel(context.WithoutCancel(ctx))
	r.stopLoop, r.stopJobs = stopLoop, stopJobs
	r.loopDone = make(chan struct{})

	go r.loop(loopCtx, jobCtx)
	if r.cfg.PruneInterval > 0 {
		go r.maintain(loopCtx)
	}

	r.logger.Info("worker started",
		zap.Int("concurrency", r.cfg.Concurrency),
		zap.Duration("rate_interval", r.cfg.RateInterval),
		zap.Duration("lease", r.cfg.Lease))
	return nil
}

// Stop stops claiming and waits for in-flight jobs. If ctx expires first the
// jobs are cancelled, awaited, and ctx.Err() is returned.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		r.closeOnce.Do(func() { close(r.done) })
		return nil
	}
	stopLoop, stopJobs, loopDone := r.stopLoop, r.stopJobs, r.loopDone
	r.mu.Unlock()

	stopLoop()
	<-loopDone

	drained := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		r.logger.Warn("drain deadline reached, cancelling in-flight jobs")
		stopJobs()
		<-drained
		err = ctx.Err()
	}
	stopJobs()

	r.closeOnce.Do(func() { close(r.done) })
	r.logger.Info("worker stopped")
	return err
}

func (r *Runtime) loop(ctx, jobCtx context.Context) {
	defer close(r.loopDone)
	for {
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, err := r.queue.Claim(ctx, r.cfg.Lease)
		if err != nil || job == nil {
			<-r.sem
			if err != nil && ctx.Err() == nil {
				r.logger.Error("claim failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			defer func() { <-r.sem }()
			stop := r.keepAlive(jobCtx, job)
			defer stop()
			if err := r.limiter.Wait(jobCtx); err != nil {
				// Cancelled before starting; the lease expires and the job is reclaimed.
				r.logger.Warn("job not started", zap.String("job_id", job.ID), zap.Error(err))
				return
			}
			r.handle(jobCtx, job)
		}()
	}
}

// maintain prunes finished jobs and publishes queue depth.
func (r *Runtime) maintain(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Maintain(ctx)
		}
	}
}

// Maintain runs one retention pass and refreshes the queue depth gauges.
func (r *Runtime) Maintain(ctx context.Context) {
	if n, err := r.queue.Prune(ctx, r.cfg.KeepCompleted, r.cfg.KeepFailed); err != nil {
		r.logger.Warn("prune failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("pruned jobs", zap.Int64("removed", n))
	}
	if stats, err := r.queue.QueueStats(ctx); err == nil {
		metrics.ObserveQueue(stats)
	}
}

// ProcessNext claims and handles one job synchronously, ignoring the rate
// limit. It reports whether a job was found.
func (r *Runtime) ProcessNext(ctx context.Context) (bool, error) {
	job, err := r.queue.Claim(ctx, r.cfg.Lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	stop := r.keepAlive(ctx, job)
	defer stop()
	r.handle(ctx, job)
	return true, nil
}

// keepAlive renews the job lease every third of the lease until stop is called
// or the job is lost to another worker.
func (r *Runtime) keepAlive(ctx context.Context, job *domain.Job) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := r.queue.Extend(ctx, job.ID, job.Attempt, r.cfg.Lease)
				if err == nil || ctx.Err() != nil {
					continue
				}
				r.logger.Warn("lease renewal failed", zap.String("job_id", job.ID), zap.Error(err))
				if errors.Is(err, domain.ErrJobNotActive) || errors.Is(err, domain.ErrJobNotFound) {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ─── Job Handling ───────────────────────────────────────────────────────────

func (r *Runtime) handle(ctx context.Context, job *domain.Job) {
	log := r.logger.With(
		zap.String("job_id", job.ID),
		zap.String("task_id", job.TaskID),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts))
	log.Info("job started")

	metrics.JobsActive.Inc()
	start := time.Now()
	res, err := r.process(ctx, job.TaskID)
	elapsed := time.Since(start)
	metrics.JobsActive.Dec()
	metrics.ProcessingLatency.Observe(elapsed.Seconds())

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	ev := domain.JobEvent{
		JobID:    job.ID,
		TaskID:   job.TaskID,
		Attempt:  job.Attempt,
		Duration: elapsed,
		At:       time.Now().UTC(),
	}

	if err == nil {
		summary, _ := json.Marshal(res)
		if cerr := r.queue.Complete(bctx, job.ID, job.Attempt, string(summary)); cerr != nil {
			if errors.Is(cerr, domain.ErrJobNotActive) {
				log.Warn("job lease lost, outcome dropped", zap.Error(cerr))
				return
			}
			log.Error("complete job failed", zap.Error(cerr))
		}
		ev.Type = domain.JobEventCompleted
		ev.Final = true
		ev.Result = &res
		log.Info("job completed",
			zap.Bool("skipped", res.Skipped), zap.String("reason", res.Reason),
			zap.String("report_id", res.ReportID), zap.Duration("elapsed", elapsed))
		r.emit(ev)
		return
	}

	retry := domain.IsRetryable(err) && !job.IsLastAttempt()
	outcome, ferr := r.queue.Fail(bctx, job.ID, job.Attempt, err, retry)
	if errors.Is(ferr, domain.ErrJobNotActive) {
		log.Warn("job lease lost, outcome dropped", zap.Error(err), zap.NamedError("queue_error", ferr))
		return
	}
	if ferr != nil {
		log.Error("fail job failed", zap.Error(ferr))
		outcome.Final = !retry
	}

	ev.Type = domain.JobEventFailed
	ev.Final = outcome.Final
	ev.Error = err.Error()

	if outcome.Final {
		log.Error("job failed permanently", zap.Error(err))
		if serr := r.status.SetStatus(bctx, job.TaskID, domain.StatusFailed); serr != nil {
			log.Warn("set failed status", zap.Error(serr))
		}
	} else {
		log.Warn("job failed, will retry", zap.Error(err), zap.Time("next_run_at", outcome.NextRunAt))
	}
	r.emit(ev)
}

// process calls the processor, turning a panic into a retryable error.
func (r *Runtime) process(ctx context.Context, taskID string) (res domain.ProcessResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("processor panic",
				zap.String("task_id", taskID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.proc.Process(ctx, taskID)
}

func (r *Runtime) emit(ev domain.JobEvent) {
	for _, s := range r.sinks {
		s.HandleJobEvent(ev)
	}
}
