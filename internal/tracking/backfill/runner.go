package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"leadflow_backend/internal/events"
	"leadflow_backend/internal/tracking/domain"
	"leadflow_backend/platform/apperr"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/metrics"

	"github.com/google/uuid"
)

// RunStore persists backfill run records.
type RunStore interface {
	CreateBackfillRun(ctx context.Context, run domain.BackfillRun) error
	MarkBackfillRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
	FinishBackfillRun(ctx context.Context, run domain.BackfillRun) error
	GetBackfillRun(ctx context.Context, id uuid.UUID) (domain.BackfillRun, error)
}

// Enqueuer hands a run to the background worker.
type Enqueuer interface {
	EnqueueBackfill(ctx context.Context, runID uuid.UUID) error
}

// Pass is one backfill pass; *Engine implements it.
type Pass interface {
	Run(ctx context.Context, opts Options) (Summary, error)
}

// Request is a backfill trigger.
type Request struct {
	LeadIDs     []int64
	Force       bool
	RequestedBy string
}

// Runner turns backfill triggers into tracked runs. Submit returns as soon
// as the run is recorded; the pass itself runs on the task queue, or on a
// tracked goroutine when no queue is configured.
type Runner struct {
	pass     Pass
	store    RunStore
	enqueuer Enqueuer
	bus      events.Bus
	log      *logger.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// NewRunner creates a runner. enqueuer may be nil.
func NewRunner(pass Pass, store RunStore, enqueuer Enqueuer, bus events.Bus, log *logger.Logger) *Runner {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Runner{
		pass:     pass,
		store:    store,
		enqueuer: enqueuer,
		bus:      bus,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetEnqueuer routes later submissions through a task queue.
func (r *Runner) SetEnqueuer(enqueuer Enqueuer) {
	r.enqueuer = enqueuer
}

// SetClock overrides the time source.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Submit records a queued run and schedules it.
func (r *Runner) Submit(ctx context.Context, req Request) (domain.BackfillRun, error) {
	run := domain.BackfillRun{
		ID:          uuid.New(),
		Status:      domain.RunQueued,
		RequestedBy: req.RequestedBy,
		Force:       req.Force,
		LeadIDs:     req.LeadIDs,
		RequestedAt: r.now(),
	}
	if err := r.store.CreateBackfillRun(ctx, run); err != nil {
		return domain.BackfillRun{}, fmt.Errorf("create backfill run: %w", err)
	}

	if r.enqueuer != nil {
		if err := r.enqueuer.EnqueueBackfill(ctx, run.ID); err != nil {
			r.fail(context.WithoutCancel(ctx), run, err)
			return domain.BackfillRun{}, apperr.Wrap(apperr.KindUnavailable, "backfill could not be queued", err)
		}
		r.log.Info("backfill run queued", "runId", run.ID, "force", run.Force, "leads", len(run.LeadIDs))
		return run, nil
	}

	detached := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("backfill run panicked", "runId", run.ID, "panic", rec)
				r.fail(detached, run, fmt.Errorf("panic: %v", rec))
			}
		}()
		if err := r.Execute(detached, run.ID); err != nil {
			r.log.Error("backfill run failed", "runId", run.ID, "error", err)
		}
	}()
	r.log.Info("backfill run started in process", "runId", run.ID, "force", run.Force, "leads", len(run.LeadIDs))
	return run, nil
}

// Execute claims a queued run and performs it. Runs already claimed by
// another delivery are left alone.
func (r *Runner) Execute(ctx context.Context, runID uuid.UUID) error {
	run, err := r.store.GetBackfillRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunQueued {
		r.log.Info("backfill run already claimed", "runId", runID, "status", string(run.Status))
		return nil
	}

	startedAt := r.now()
	claimed, err := r.store.MarkBackfillRunning(ctx, runID, startedAt)
	if err != nil {
		return fmt.Errorf("claim backfill run: %w", err)
	}
	if !claimed {
		r.log.Info("backfill run claimed elsewhere", "runId", runID)
		return nil
	}
	run.Status = domain.RunRunning
	run.StartedAt = &startedAt

	summary, passErr := r.pass.Run(ctx, Options{LeadIDs: run.LeadIDs, Force: run.Force})
	run.LeadsTotal = summary.Total
	run.LeadsReplayed = summary.Replayed
	run.LeadsEstimated = summary.Estimated
	run.LeadsFailed = summary.Failed

	if passErr != nil {
		r.fail(context.WithoutCancel(ctx), run, passErr)
		return passErr
	}

	finishedAt := r.now()
	run.Status = domain.RunCompleted
	run.FinishedAt = &finishedAt
	if err := r.store.FinishBackfillRun(context.WithoutCancel(ctx), run); err != nil {
		r.log.DatabaseError("finish backfill run", err)
		return err
	}
	r.finished(ctx, run)
	return nil
}

// Get returns a run record.
func (r *Runner) Get(ctx context.Context, runID uuid.UUID) (domain.BackfillRun, error) {
	return r.store.GetBackfillRun(ctx, runID)
}

// Wait blocks until in-process runs have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) fail(ctx context.Context, run domain.BackfillRun, cause error) {
	finishedAt := r.now()
	run.Status = domain.RunFailed
	run.FinishedAt = &finishedAt
	run.Error = cause.Error()
	if err := r.store.FinishBackfillRun(ctx, run); err != nil {
		r.log.DatabaseError("finish backfill run", err)
	}
	r.finished(ctx, run)
}

func (r *Runner) finished(ctx context.Context, run domain.BackfillRun) {
	metrics.BackfillRuns.WithLabelValues(string(run.Status)).Inc()
	r.bus.Publish(ctx, events.BackfillFinished{
		BaseEvent: events.NewBaseEventAt(*run.FinishedAt),
		RunID:     run.ID,
		Status:    string(run.Status),
		Replayed:  run.LeadsReplayed,
		Estimated: run.LeadsEstimated,
		Failed:    run.LeadsFailed,
	})
	r.log.Info("backfill run finished",
		"runId", run.ID,
		"status", string(run.Status),
		"replayed", run.LeadsReplayed,
		"estimated", run.LeadsEstimated,
		"failed", run.LeadsFailed,
	)
}
