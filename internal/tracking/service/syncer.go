// Package service runs the stage sync cycle and answers reporting queries.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"leadflow_backend/internal/crm"
	"leadflow_backend/internal/events"
	"leadflow_backend/internal/tracking/domain"
	"leadflow_backend/platform/apperr"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/metrics"
)

// ErrSyncInProgress is returned when a cycle is already running here or on
// another instance holding the lease.
var ErrSyncInProgress = apperr.Conflict("sync already in progress")

// Result summarizes one sync cycle.
type Result struct {
	Processed        int       `json:"processed"`
	New              int       `json:"new"`
	Unchanged        int       `json:"unchanged"`
	Transitioned     int       `json:"transitioned"`
	DurationsWritten int       `json:"durationsWritten"`
	Skipped          int       `json:"skipped"`
	FailedChunks     int       `json:"failedChunks"`
	PartialListing   bool      `json:"partialListing"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
}

// SyncerConfig holds the knobs of the sync cycle.
type SyncerConfig struct {
	PipelineID int64
	ChunkSize  int
	ChunkDelay time.Duration
}

// Syncer runs the poll, classify and persist cycle. At most one cycle runs
// per process; an optional Lease extends that across instances.
type Syncer struct {
	store    SyncStore
	leads    LeadLister
	names    NameResolver
	detector *domain.Detector
	bus      events.Bus
	log      *logger.Logger
	cfg      SyncerConfig
	lease    Lease
	now      func() time.Time

	running atomic.Bool
}

// NewSyncer creates a sync cycle runner.
func NewSyncer(store SyncStore, leads LeadLister, names NameResolver, detector *domain.Detector, bus events.Bus, log *logger.Logger, cfg SyncerConfig) *Syncer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if bus == nil {
		bus = events.Nop{}
	}
	return &Syncer{
		store:    store,
		leads:    leads,
		names:    names,
		detector: detector,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLease installs a distributed lease checked after the local guard.
func (s *Syncer) SetLease(lease Lease) {
	s.lease = lease
}

// SetClock overrides the time source.
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// Running reports whether a cycle is in flight in this process.
func (s *Syncer) Running() bool {
	return s.running.Load()
}

// Run executes one sync cycle. A call made while another cycle is in flight
// returns ErrSyncInProgress immediately and does no work.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SyncCycles.WithLabelValues("rejected").Inc()
		return Result{}, ErrSyncInProgress
	}
	defer s.running.Store(false)

	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx)
		switch {
		case err != nil:
			s.log.Warn("sync lease unavailable, continuing with the local guard only", "error", err)
		case !ok:
			metrics.SyncCycles.WithLabelValues("rejected").Inc()
			return Result{}, ErrSyncInProgress
		default:
			defer release()
		}
	}

	res, err := s.run(ctx)
	res.FinishedAt = s.now()
	elapsed := res.FinishedAt.Sub(res.StartedAt)

	completed := events.SyncCompleted{
		BaseEvent:    events.NewBaseEventAt(res.FinishedAt),
		Processed:    res.Processed,
		New:          res.New,
		Unchanged:    res.Unchanged,
		Transitioned: res.Transitioned,
		FailedChunks: res.FailedChunks,
		Elapsed:      elapsed,
	}
	if err != nil {
		metrics.SyncCycles.WithLabelValues("failed").Inc()
		completed.Err = err.Error()
		s.bus.Publish(ctx, completed)
		s.log.Error("sync cycle failed", "error", err, "processed", res.Processed)
		return res, err
	}

	metrics.SyncCycles.WithLabelValues("completed").Inc()
	metrics.SyncDuration.Observe(elapsed.Seconds())
	s.bus.Publish(ctx, completed)
	s.log.SyncCycle(res.Processed, res.Transitioned, res.FailedChunks, elapsed)
	return res, nil
}

func (s *Syncer) run(ctx context.Context) (Result, error) {
	now := s.now()
	res := Result{StartedAt: now}
	pipelineID := s.cfg.PipelineID

	s.names.Invalidate(pipelineID)
	names := s.names.Resolve(ctx, pipelineID)

	crmLeads, err := s.leads.ListLeads(ctx, pipelineID)
	if err != nil {
		if len(crmLeads) == 0 {
			return res, apperr.Wrap(apperr.KindUnavailable, "crm lead listing failed", err).WithOp("tracking.sync")
		}
		res.PartialListing = true
		s.log.Warn("crm lead listing incomplete, continuing with collected pages", "collected", len(crmLeads), "error", err)
	}

	leads := make([]domain.Lead, 0, len(crmLeads))
	ids := make([]int64, 0, len(crmLeads))
	fallback := make(map[int64]bool)
	for _, l := range crmLeads {
		if l.PipelineID != 0 && l.PipelineID != pipelineID {
			continue
		}
		stage := names.Name(l.StatusID)
		if !stage.Exact {
			if !names.Degraded() {
				res.Skipped++
				s.log.Warn("lead skipped, status not resolved", "leadId", l.ID, "statusId", l.StatusID)
				continue
			}
			fallback[l.ID] = true
		}
		leads = append(leads, toDomainLead(l, pipelineID, stage.Name, now))
		ids = append(ids, l.ID)
	}

	snapshots, err := s.store.SnapshotsByLeadIDs(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("load snapshots: %w", err)
	}
	if len(fallback) > 0 {
		leads = s.keepFallbackNewLeads(leads, fallback, snapshots, &res)
	}

	plan := s.detector.Plan(leads, snapshots, now)
	for _, a := range plan.Anomalies {
		s.log.Warn("stage tracking anomaly", "leadId", a.LeadID, "stage", a.Stage, "kind", string(a.Kind), "detail", a.Detail)
	}

	res.Processed = len(plan.Changes)
	res.New = plan.Count(domain.ChangeNew)
	res.Unchanged = plan.Count(domain.ChangeUnchanged)
	res.Transitioned = plan.Count(domain.ChangeTransitioned)
	metrics.LeadsClassified.WithLabelValues(string(domain.ChangeNew)).Add(float64(res.New))
	metrics.LeadsClassified.WithLabelValues(string(domain.ChangeUnchanged)).Add(float64(res.Unchanged))
	metrics.LeadsClassified.WithLabelValues(string(domain.ChangeTransitioned)).Add(float64(res.Transitioned))

	for i, chunk := range plan.Chunks(s.cfg.ChunkSize) {
		if i > 0 && s.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(s.cfg.ChunkDelay):
			}
		}

		if err := s.store.ApplyPlan(ctx, chunk); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			res.FailedChunks++
			metrics.PersistChunks.WithLabelValues("failed").Inc()
			s.log.DatabaseError("apply sync chunk", err)
			s.log.Warn("sync chunk not persisted", "chunk", i, "leads", len(chunk))
			continue
		}
		metrics.PersistChunks.WithLabelValues("ok").Inc()

		durations := domain.Durations(chunk)
		res.DurationsWritten += len(durations)
		metrics.DurationsWritten.WithLabelValues(string(domain.SourceTracked)).Add(float64(len(durations)))
		s.publishTransitions(ctx, chunk, now)
	}

	return res, nil
}

// keepFallbackNewLeads lets leads first seen while status metadata is down be
// recorded under the fallback label. Known leads are never moved into it.
func (s *Syncer) keepFallbackNewLeads(leads []domain.Lead, fallback map[int64]bool, snapshots map[int64]domain.Snapshot, res *Result) []domain.Lead {
	kept := leads[:0]
	for _, l := range leads {
		if fallback[l.ID] {
			if _, known := snapshots[l.ID]; known {
				res.Skipped++
				s.log.Warn("lead skipped, status not resolved", "leadId", l.ID, "statusId", l.StatusID, "fallback", l.Stage)
				continue
			}
			s.log.Warn("new lead recorded under fallback stage", "leadId", l.ID, "statusId", l.StatusID, "stage", l.Stage)
		}
		kept = append(kept, l)
	}
	return kept
}

func (s *Syncer) publishTransitions(ctx context.Context, chunk []domain.Change, now time.Time) {
	for _, c := range chunk {
		if c.Kind != domain.ChangeTransitioned {
			continue
		}
		metrics.StageTransitions.WithLabelValues(c.PreviousStage, c.Lead.Stage).Inc()

		evt := events.LeadStageChanged{
			BaseEvent:  events.NewBaseEventAt(now),
			LeadID:     c.Lead.ID,
			PipelineID: c.Lead.PipelineID,
			FromStage:  c.PreviousStage,
			ToStage:    c.Lead.Stage,
		}
		if c.Duration != nil {
			seconds := c.Duration.Seconds
			evt.DurationSeconds = &seconds
		}
		s.bus.Publish(ctx, evt)
	}
}

func toDomainLead(l crm.Lead, pipelineID int64, stage string, seenAt time.Time) domain.Lead {
	pid := l.PipelineID
	if pid == 0 {
		pid = pipelineID
	}
	return domain.Lead{
		ID:         l.ID,
		PipelineID: pid,
		StatusID:   l.StatusID,
		Stage:      stage,
		CreatedAt:  l.CreatedAt,
		SeenAt:     seenAt,
	}
}
