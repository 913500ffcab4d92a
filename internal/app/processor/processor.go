// Package processor turns a paid task into a persisted damage report.
package processor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/domain"
)

// Store is the persistence the processor reads and writes.
type Store interface {
	LoadTaskGraph(ctx context.Context, taskID string) (*domain.TaskGraph, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	GetReportByTask(ctx context.Context, taskID string) (*domain.Report, error)
	InsertReport(ctx context.Context, r *domain.Report) error
}

// StatusWriter moves tasks between statuses.
type StatusWriter interface {
	SetStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
}

// Deps are the collaborators of a Processor. Archive and Notifier are optional.
type Deps struct {
	Store    Store
	Analyzer domain.Analyzer
	Status   StatusWriter
	Locker   domain.TaskLocker
	Archive  domain.ReportArchive
	Notifier domain.Notifier
	Logger   *zap.Logger
}

// Processor runs the analysis pipeline for one task at a time.
// It is safe to call Process concurrently and repeatedly for the same task:
// at most one report is ever stored.
type Processor struct {
	store    Store
	analyzer domain.Analyzer
	status   StatusWriter
	locker   domain.TaskLocker
	archive  domain.ReportArchive
	notifier domain.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// New returns a processor. A nil Locker gets an in-process one.
func New(d Deps) *Processor {
	if d.Locker == nil {
		d.Locker = NewLocalLocker()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Processor{
		store:    d.Store,
		analyzer: d.Analyzer,
		status:   d.Status,
		locker:   d.Locker,
		archive:  d.Archive,
		notifier: d.Notifier,
		logger:   d.Logger.Named("processor"),
		now:      time.Now,
	}
}

// Process analyzes taskID and stores its report.
//
// Errors are *domain.ProcessingError; the caller decides whether to retry
// from Retryable. A skipped result (already processed, or another worker
// holds the task) is not an error.
func (p *Processor) Process(ctx context.Context, taskID string) (domain.ProcessResult, error) {
	log := p.logger.With(zap.String("task_id", taskID))

	g, err := p.store.LoadTaskGraph(ctx, taskID)
	if errors.Is(err, domain.ErrTaskNotFound) {
		return domain.ProcessResult{}, domain.NewProcessingError(domain.KindNotFound, taskID, err)
	}
	if err != nil {
		return domain.ProcessResult{}, domain.NewProcessingError(domain.KindPersistenceFailure, taskID, err)
	}

	if g.Report != nil {
		log.Info("task already has a report", zap.String("report_id", g.Report.ID))
		return skipped(domain.SkipAlreadyProcessed, g.Report.ID), nil
	}
	if g.Task.Status.IsTerminal() {
		log.Info("task is in a terminal status", zap.String("status", string(g.Task.Status)))
		return skipped(domain.SkipTerminalStatus, ""), nil
	}
	if !g.Task.IsPaid {
		return domain.ProcessResult{}, domain.NewProcessingError(domain.KindNotPaid, taskID, domain.ErrTaskNotPaid)
	}
	if len(g.Images) == 0 {
		return domain.ProcessResult{}, domain.NewProcessingError(domain.KindNoImages, taskID, domain.ErrNoImages)
	}

	unlock, err := p.locker.Lock(ctx, taskID)
	if errors.Is(err, domain.ErrLockBusy) {
		log.Info("task is being processed elsewhere")
		return skipped(domain.SkipInProgress, ""), nil
	}
	if err != nil {
		return domain.ProcessResult{}, domain.NewProcessingError(domain.KindPersistenceFailure, taskID, err)
	}
	defer unlock()

	// A concurrent run may have finished between the load and the lock.
	if r, err := p.store.GetReportByTask(ctx, taskID); err == nil {
		return skipped(domain.SkipAlreadyProcessed, r.ID), nil
	} else if !errors.Is(err, domain.ErrReportNotFound) {
		return domain.ProcessResult{}, domain.NewProcessingError(domain.KindPersistenceFailure, taskID, err)
	}
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.ProcessResult{}, domain.NewProcessingError(domain.KindPersistenceFailure, taskID, err)
	}
	if task.Status.IsTerminal() {
		log.Info("task reached a terminal status", zap.String("status", string(task.Status)))
		return skipped(domain.SkipTerminalStatus, ""), nil
	}

	p.setStatus(ctx, log, taskID, domain.StatusProcessing)

	log.Info("analyzing", zap.Int("images", len(g.Images)))
	result, err := p.analyzer.Analyze(ctx, g.ImageInputs(), g.CarInfo())
	if err != nil {
		return domain.ProcessResult{}, domain.NewProcessingError(domain.KindAdapterFailure, taskID, err)
	}

	report := &domain.Report{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Data:      result.Raw,
		CreatedAt: p.now().UTC(),
	}
	if p.archive != nil {
		url, err := p.archive.Put(ctx, taskID, report.ID, report.Data)
		if err != nil {
			log.Warn("report archive failed", zap.Error(err))
		} else {
			report.URL = url
		}
	}

	if err := p.store.InsertReport(ctx, report); err != nil {
		if errors.Is(err, domain.ErrReportExists) {
			log.Info("report stored by a concurrent run")
			return skipped(domain.SkipAlreadyProcessed, ""), nil
		}
		return domain.ProcessResult{}, domain.NewProcessingError(domain.KindPersistenceFailure, taskID, err)
	}
	log.Info("report stored", zap.String("report_id", report.ID), zap.String("model", result.Model))

	p.setStatus(ctx, log, taskID, domain.StatusCompleted)
	p.notify(ctx, log, g, report)

	return domain.ProcessResult{Success: true, ReportID: report.ID}, nil
}

func (p *Processor) setStatus(ctx context.Context, log *zap.Logger, taskID string, s domain.TaskStatus) {
	if err := p.status.SetStatus(ctx, taskID, s); err != nil {
		log.Warn("status update failed", zap.String("status", string(s)), zap.Error(err))
	}
}

func (p *Processor) notify(ctx context.Context, log *zap.Logger, g *domain.TaskGraph, r *domain.Report) {
	if p.notifier == nil || g.Owner == nil || g.Owner.Email == "" {
		return
	}
	to := domain.Recipient{UserID: g.Owner.ID, Email: g.Owner.Email, Name: g.Owner.Name}
	if err := p.notifier.Notify(ctx, to, domain.ReportRef{ReportID: r.ID, TaskID: r.TaskID}); err != nil {
		log.Warn("notification failed", zap.Error(err))
	}
}

func skipped(reason, reportID string) domain.ProcessResult {
	return domain.ProcessResult{Skipped: true, Reason: reason, ReportID: reportID}
}
