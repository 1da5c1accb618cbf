package scheduler

import (
	"context"
	"time"

	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
)

const (
	staleQueuedRunAge    = 10 * time.Minute
	dispatcherPollPeriod = time.Minute
	dispatcherClaimLimit = 50
)

// QueuedRunSource lists runs that have stayed queued.
type QueuedRunSource interface {
	QueuedBackfillRunsBefore(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// RunEnqueuer puts a run back on the task queue.
type RunEnqueuer interface {
	EnqueueBackfill(ctx context.Context, runID uuid.UUID) error
}

// BackfillRunDispatcher re-enqueues runs that stayed queued, e.g. after the
// queue lost its tasks. Enqueuing uses the run id as task id, so runs still
// on the queue are not duplicated.
type BackfillRunDispatcher struct {
	repo     QueuedRunSource
	enqueuer RunEnqueuer
	log      *logger.Logger
	interval time.Duration
	staleAge time.Duration
}

func NewBackfillRunDispatcher(repo QueuedRunSource, enqueuer RunEnqueuer, log *logger.Logger) *BackfillRunDispatcher {
	return &BackfillRunDispatcher{
		repo:     repo,
		enqueuer: enqueuer,
		log:      log,
		interval: dispatcherPollPeriod,
		staleAge: staleQueuedRunAge,
	}
}

func (d *BackfillRunDispatcher) Run(ctx context.Context) {
	if d == nil || d.repo == nil || d.enqueuer == nil {
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.dispatch(ctx)
	}
}

func (d *BackfillRunDispatcher) dispatch(ctx context.Context) int {
	ids, err := d.repo.QueuedBackfillRunsBefore(ctx, time.Now().Add(-d.staleAge), dispatcherClaimLimit)
	if err != nil {
		d.log.Warn("queued backfill run lookup failed", "error", err)
		return 0
	}

	dispatched := 0
	for _, id := range ids {
		if err := d.enqueuer.EnqueueBackfill(ctx, id); err != nil {
			d.log.Warn("queued backfill run not re-enqueued", "runId", id, "error", err)
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		d.log.Info("queued backfill runs re-enqueued", "count", dispatched)
	}
	return dispatched
}
