package scheduler

import (
	"context"
	"time"

	"leadflow_backend/platform/logger"
)

const (
	defaultBackfillRunCleanupInterval = time.Hour
	defaultBackfillRunRetention       = 30 * 24 * time.Hour
)

// BackfillRunPruner deletes old finished run records.
type BackfillRunPruner interface {
	DeleteFinishedBackfillRunsBefore(ctx context.Context, before time.Time) (int64, error)
}

// BackfillRunCleanup periodically removes finished backfill runs past retention.
type BackfillRunCleanup struct {
	repo      BackfillRunPruner
	log       *logger.Logger
	interval  time.Duration
	retention time.Duration
}

func NewBackfillRunCleanup(repo BackfillRunPruner, log *logger.Logger, interval, retention time.Duration) *BackfillRunCleanup {
	if interval <= 0 {
		interval = defaultBackfillRunCleanupInterval
	}
	if retention <= 0 {
		retention = defaultBackfillRunRetention
	}

	return &BackfillRunCleanup{
		repo:      repo,
		log:       log,
		interval:  interval,
		retention: retention,
	}
}

func (c *BackfillRunCleanup) Run(ctx context.Context) {
	if c == nil || c.repo == nil {
		return
	}

	c.cleanup(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *BackfillRunCleanup) cleanup(ctx context.Context) {
	deleted, err := c.repo.DeleteFinishedBackfillRunsBefore(ctx, time.Now().Add(-c.retention))
	if err != nil {
		c.log.Warn("backfill run cleanup failed", "error", err)
		return
	}

	if deleted > 0 {
		c.log.Info("backfill run cleanup deleted finished runs", "deleted", deleted)
	}
}
