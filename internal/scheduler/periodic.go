package scheduler

import (
	"context"
	"fmt"
	"time"

	"leadflow_backend/platform/config"
	"leadflow_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// Periodic registers the recurring sync task on an asynq scheduler.
type Periodic struct {
	scheduler *asynq.Scheduler
	entryID   string
	log       *logger.Logger
}

func NewPeriodic(cfg config.SchedulerConfig, log *logger.Logger) (*Periodic, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	cron := cfg.GetSyncCron()
	if cron == "" {
		return nil, fmt.Errorf("sync cron not configured")
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   newAsynqLogger(log),
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				log.Warn("periodic sync not enqueued", "error", err)
				return
			}
			log.Info("periodic sync enqueued", "taskId", info.ID)
		},
	})

	// A cycle that overruns the next tick is not queued twice.
	entryID, err := scheduler.Register(cron, NewTrackingSyncTask(),
		asynq.Queue(queueName(cfg)),
		asynq.MaxRetry(0),
		asynq.Unique(uniqueWindow(cfg.GetSyncLockTTL())),
	)
	if err != nil {
		return nil, fmt.Errorf("register sync cron %q: %w", cron, err)
	}

	return &Periodic{scheduler: scheduler, entryID: entryID, log: log}, nil
}

func (p *Periodic) Run(ctx context.Context) {
	if p == nil || p.scheduler == nil {
		return
	}

	if err := p.scheduler.Start(); err != nil {
		p.log.Error("periodic scheduler failed to start", "error", err)
		return
	}
	p.log.Info("periodic sync registered", "entryId", p.entryID)

	<-ctx.Done()
	p.scheduler.Shutdown()
}

func uniqueWindow(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return time.Hour
	}
	return ttl
}
