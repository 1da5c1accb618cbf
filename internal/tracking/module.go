// Package tracking provides the lead stage tracking bounded context module.
// This file wires the sync cycle, backfill runner and reporting routes.
package tracking

import (
	"context"

	"leadflow_backend/internal/crm"
	"leadflow_backend/internal/events"
	apphttp "leadflow_backend/internal/http"
	"leadflow_backend/internal/pipeline"
	"leadflow_backend/internal/tracking/backfill"
	"leadflow_backend/internal/tracking/domain"
	"leadflow_backend/internal/tracking/handler"
	"leadflow_backend/internal/tracking/repository"
	"leadflow_backend/internal/tracking/service"
	"leadflow_backend/platform/config"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config combines the settings the tracking module reads.
type Config interface {
	config.CRMConfig
	config.TrackingConfig
}

// Module is the tracking bounded context module implementing http.Module.
type Module struct {
	syncer  *service.Syncer
	reports *service.Reports
	engine  *backfill.Engine
	runner  *backfill.Runner
	handler *handler.Handler
}

// NewModule creates the tracking module. logs may be nil when no log
// recorder is installed.
func NewModule(pool *pgxpool.Pool, api crm.API, catalog *pipeline.Catalog, eventBus events.Bus, val *validator.Validator, cfg Config, log *logger.Logger, logs handler.LogSource) *Module {
	repo := repository.New(pool)
	resolver := pipeline.NewResolver(api, catalog, log.WithComponent("stage-resolver"))

	syncer := service.NewSyncer(repo, api, resolver, domain.NewDetector(catalog), eventBus, log.WithComponent("sync"), service.SyncerConfig{
		PipelineID: cfg.GetCRMPipelineID(),
		ChunkSize:  cfg.GetPersistChunkSize(),
		ChunkDelay: cfg.GetPersistChunkDelay(),
	})
	reports := service.NewReports(repo)

	engine := backfill.NewEngine(repo, api, resolver, catalog, log.WithComponent("backfill"), backfill.Config{
		PipelineID:  cfg.GetCRMPipelineID(),
		Concurrency: cfg.GetBackfillConcurrency(),
		ChunkSize:   cfg.GetPersistChunkSize(),
		ChunkDelay:  cfg.GetPersistChunkDelay(),
	})
	runner := backfill.NewRunner(engine, repo, nil, eventBus, log.WithComponent("backfill-runner"))

	subscribe(eventBus, log)

	return &Module{
		syncer:  syncer,
		reports: reports,
		engine:  engine,
		runner:  runner,
		handler: handler.New(syncer, runner, reports, logs, val),
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "tracking"
}

// Syncer returns the sync cycle runner for the scheduler.
func (m *Module) Syncer() *service.Syncer {
	return m.syncer
}

// Runner returns the backfill runner for the worker.
func (m *Module) Runner() *backfill.Runner {
	return m.runner
}

// Engine returns the backfill engine for foreground runs.
func (m *Module) Engine() *backfill.Engine {
	return m.engine
}

// SetLease installs the cross-instance sync lease.
func (m *Module) SetLease(lease service.Lease) {
	m.syncer.SetLease(lease)
}

// SetEnqueuer routes backfill runs through the task queue.
func (m *Module) SetEnqueuer(enqueuer backfill.Enqueuer) {
	m.runner.SetEnqueuer(enqueuer)
}

// RegisterRoutes mounts tracking routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Protected.Group("/tracking"))
	m.handler.RegisterAdminRoutes(ctx.Admin.Group("/tracking"))
}

func subscribe(bus events.Bus, log *logger.Logger) {
	bus.Subscribe(events.LeadStageChanged{}.EventName(), events.HandlerFunc(func(_ context.Context, event events.Event) error {
		e, ok := event.(events.LeadStageChanged)
		if !ok {
			return nil
		}
		log.Debug("lead stage changed", "leadId", e.LeadID, "from", e.FromStage, "to", e.ToStage)
		return nil
	}))

	bus.Subscribe(events.SyncCompleted{}.EventName(), events.HandlerFunc(func(_ context.Context, event events.Event) error {
		e, ok := event.(events.SyncCompleted)
		if !ok {
			return nil
		}
		if e.FailedChunks > 0 {
			log.Warn("sync cycle persisted partially", "failedChunks", e.FailedChunks, "processed", e.Processed)
		}
		return nil
	}))

	bus.Subscribe(events.BackfillFinished{}.EventName(), events.HandlerFunc(func(_ context.Context, event events.Event) error {
		e, ok := event.(events.BackfillFinished)
		if !ok {
			return nil
		}
		if e.Status == string(domain.RunFailed) {
			log.Warn("backfill run failed, backfilled data incomplete", "runId", e.RunID)
		}
		return nil
	}))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)

// LoadCatalog reads the stage catalog and applies the configured default
// stage name.
func LoadCatalog(cfg config.TrackingConfig) (*pipeline.Catalog, error) {
	catalog, err := pipeline.Load(cfg.GetStageConfigPath())
	if err != nil {
		return nil, err
	}
	if name := cfg.GetDefaultStageName(); name != "" {
		return catalog.WithDefaultStage(name), nil
	}
	return catalog, nil
}
