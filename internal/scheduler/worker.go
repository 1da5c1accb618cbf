package scheduler

import (
	"context"
	"errors"
	"fmt"

	"leadflow_backend/internal/tracking/service"
	"leadflow_backend/platform/config"
	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// SyncRunner runs one sync cycle.
type SyncRunner interface {
	Run(ctx context.Context) (service.Result, error)
}

// BackfillExecutor performs a recorded backfill run.
type BackfillExecutor interface {
	Execute(ctx context.Context, runID uuid.UUID) error
}

type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	syncer    SyncRunner
	backfills BackfillExecutor
	log       *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, syncer SyncRunner, backfills BackfillExecutor, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 2
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
		Logger: newAsynqLogger(log),
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:    server,
		mux:       mux,
		syncer:    syncer,
		backfills: backfills,
		log:       log,
	}

	mux.Use(w.recoverPanics)
	mux.HandleFunc(TaskTrackingSync, w.handleTrackingSync)
	mux.HandleFunc(TaskTrackingBackfill, w.handleTrackingBackfill)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleTrackingSync(ctx context.Context, _ *asynq.Task) error {
	res, err := w.syncer.Run(ctx)
	if errors.Is(err, service.ErrSyncInProgress) {
		w.log.Info("scheduled sync skipped, a cycle is already running")
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err != nil {
		return err
	}
	w.log.Info("scheduled sync finished", "processed", res.Processed, "transitioned", res.Transitioned)
	return nil
}

func (w *Worker) handleTrackingBackfill(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseTrackingBackfillPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	runID, err := uuid.Parse(payload.RunID)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	return w.backfills.Execute(ctx, runID)
}

func (w *Worker) recoverPanics(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				w.log.Error("task handler panicked", "task", task.Type(), "panic", rec)
				err = fmt.Errorf("task %s panicked: %v", task.Type(), rec)
			}
		}()
		return next.ProcessTask(ctx, task)
	})
}

// asynqLogger routes asynq's own logging through the application logger.
type asynqLogger struct {
	log *logger.Logger
}

func newAsynqLogger(log *logger.Logger) asynqLogger {
	return asynqLogger{log: log.WithComponent("asynq")}
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.log.Error(fmt.Sprint(args...)) }
