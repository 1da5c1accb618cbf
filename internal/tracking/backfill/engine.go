// Package backfill reconstructs stage history for leads the sync cycle has
// not covered, from the CRM event log or, failing that, a tagged estimate.
package backfill

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"leadflow_backend/internal/crm"
	"leadflow_backend/internal/pipeline"
	"leadflow_backend/internal/tracking/domain"
	"leadflow_backend/platform/apperr"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/metrics"

	"golang.org/x/sync/errgroup"
)

// Store is the persistence used by the engine.
type Store interface {
	LeadsWithTransitions(ctx context.Context, leadIDs []int64) (map[int64]bool, error)
	// ApplyReconstruction returns the leads it left alone because their
	// transitions were tracked after selection.
	ApplyReconstruction(ctx context.Context, recs []domain.Reconstruction) ([]int64, error)
}

// EventSource lists leads and their status change events.
type EventSource interface {
	ListLeads(ctx context.Context, pipelineID int64) ([]crm.Lead, error)
	ListStatusChanges(ctx context.Context, leadID int64) ([]crm.StatusChange, error)
}

// NameResolver resolves status ids to stage names.
type NameResolver interface {
	Resolve(ctx context.Context, pipelineID int64) pipeline.StatusNames
}

// StagePolicy tells which stages own a timestamp slot and how old a lead in
// a stage plausibly is.
type StagePolicy interface {
	HasSlot(stage string) bool
	EstimateRange(stage string) (time.Duration, time.Duration)
}

// Options select the leads of one backfill pass.
type Options struct {
	// LeadIDs restricts the pass. Empty means every lead of the pipeline.
	LeadIDs []int64
	// Force rebuilds leads that already have tracked transitions.
	Force bool
}

// Summary counts what a pass did.
type Summary struct {
	Total     int `json:"total"`
	Replayed  int `json:"replayed"`
	Estimated int `json:"estimated"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Config holds the engine knobs.
type Config struct {
	PipelineID  int64
	Concurrency int
	ChunkSize   int
	ChunkDelay  time.Duration
	// Seed makes estimates reproducible. Zero seeds from the clock.
	Seed uint64
}

// Engine runs backfill passes.
type Engine struct {
	store  Store
	source EventSource
	names  NameResolver
	policy StagePolicy
	log    *logger.Logger
	cfg    Config
	now    func() time.Time
}

// NewEngine creates a backfill engine.
func NewEngine(store Store, source EventSource, names NameResolver, policy StagePolicy, log *logger.Logger, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	return &Engine{
		store:  store,
		source: source,
		names:  names,
		policy: policy,
		log:    log,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

type fetched struct {
	events []crm.StatusChange
	err    error
}

// Run executes one pass. Per-lead CRM failures fall back to estimates and
// per-chunk write failures are counted; only listing and context errors
// abort the pass.
func (e *Engine) Run(ctx context.Context, opts Options) (Summary, error) {
	var summary Summary
	now := e.now()

	names := e.names.Resolve(ctx, e.cfg.PipelineID)
	leads, skipped, err := e.candidates(ctx, names, opts, now)
	summary.Skipped = skipped
	if err != nil {
		return summary, err
	}
	summary.Total = len(leads)
	if len(leads) == 0 {
		e.log.Info("backfill found no eligible leads", "skipped", skipped)
		return summary, nil
	}

	results := make([]fetched, len(leads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, lead := range leads {
		g.Go(func() error {
			events, err := e.source.ListStatusChanges(gctx, lead.ID)
			results[i] = fetched{events: events, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	rng := e.rand(now)
	recs := make([]domain.Reconstruction, 0, len(leads))
	for i, lead := range leads {
		res := results[i]
		if res.err != nil {
			e.log.Warn("event log unavailable, estimating stage entry", "leadId", lead.ID, "stage", lead.Stage, "error", res.err)
			rec := domain.EstimateEntry(lead, e.policy.EstimateRange, e.policy, rng, now)
			rec.Force = opts.Force
			recs = append(recs, rec)
			continue
		}

		rec := domain.ReplayEvents(lead, toStatusEvents(res.events), names, e.policy, now)
		rec.Force = opts.Force
		for _, a := range rec.Anomalies {
			e.log.Warn("backfill anomaly", "leadId", a.LeadID, "stage", a.Stage, "kind", string(a.Kind), "detail", a.Detail)
		}
		recs = append(recs, rec)
	}

	for i := 0; i < len(recs); i += e.cfg.ChunkSize {
		if i > 0 && e.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(e.cfg.ChunkDelay):
			}
		}

		chunk := recs[i:min(i+e.cfg.ChunkSize, len(recs))]
		tracked, err := e.store.ApplyReconstruction(ctx, chunk)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return summary, err
			}
			summary.Failed += len(chunk)
			metrics.BackfillLeads.WithLabelValues("failed").Add(float64(len(chunk)))
			metrics.PersistChunks.WithLabelValues("failed").Inc()
			e.log.DatabaseError("apply backfill chunk", err)
			continue
		}
		metrics.PersistChunks.WithLabelValues("ok").Inc()

		left := make(map[int64]bool, len(tracked))
		for _, id := range tracked {
			left[id] = true
		}
		if len(tracked) > 0 {
			summary.Skipped += len(tracked)
			e.log.Info("backfill left leads tracked since selection", "leads", tracked)
		}

		for _, rec := range chunk {
			if left[rec.Lead.ID] {
				continue
			}
			switch rec.Source {
			case domain.SourceEstimated:
				summary.Estimated++
			default:
				summary.Replayed++
			}
			metrics.DurationsWritten.WithLabelValues(string(rec.Source)).Add(float64(len(rec.Durations)))
			metrics.BackfillLeads.WithLabelValues(string(rec.Source)).Inc()
		}
	}

	e.log.Info("backfill pass finished",
		"total", summary.Total,
		"replayed", summary.Replayed,
		"estimated", summary.Estimated,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

// candidates lists the pipeline's leads and keeps the eligible ones.
func (e *Engine) candidates(ctx context.Context, names pipeline.StatusNames, opts Options, now time.Time) ([]domain.Lead, int, error) {
	crmLeads, err := e.source.ListLeads(ctx, e.cfg.PipelineID)
	if err != nil {
		if len(crmLeads) == 0 {
			return nil, 0, apperr.Wrap(apperr.KindUnavailable, "crm lead listing failed", err).WithOp("tracking.backfill")
		}
		e.log.Warn("crm lead listing incomplete, backfilling collected pages", "collected", len(crmLeads), "error", err)
	}

	var wanted map[int64]bool
	if len(opts.LeadIDs) > 0 {
		wanted = make(map[int64]bool, len(opts.LeadIDs))
		for _, id := range opts.LeadIDs {
			wanted[id] = true
		}
	}

	skipped := 0
	leads := make([]domain.Lead, 0, len(crmLeads))
	ids := make([]int64, 0, len(crmLeads))
	for _, l := range crmLeads {
		if l.PipelineID != 0 && l.PipelineID != e.cfg.PipelineID {
			continue
		}
		if wanted != nil && !wanted[l.ID] {
			continue
		}
		stage := names.Name(l.StatusID)
		if !stage.Exact {
			skipped++
			e.log.Warn("backfill skipped lead, status not resolved", "leadId", l.ID, "statusId", l.StatusID)
			continue
		}
		leads = append(leads, domain.Lead{
			ID:         l.ID,
			PipelineID: e.cfg.PipelineID,
			StatusID:   l.StatusID,
			Stage:      stage.Name,
			CreatedAt:  l.CreatedAt,
			SeenAt:     now,
		})
		ids = append(ids, l.ID)
	}

	if opts.Force || len(leads) == 0 {
		return leads, skipped, nil
	}

	covered, err := e.store.LeadsWithTransitions(ctx, ids)
	if err != nil {
		return nil, skipped, err
	}
	eligible := leads[:0]
	for _, l := range leads {
		if covered[l.ID] {
			skipped++
			continue
		}
		eligible = append(eligible, l)
	}
	return eligible, skipped, nil
}

func (e *Engine) rand(now time.Time) *rand.Rand {
	seed := e.cfg.Seed
	if seed == 0 {
		seed = uint64(now.UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func toStatusEvents(changes []crm.StatusChange) []domain.StatusEvent {
	out := make([]domain.StatusEvent, 0, len(changes))
	for _, c := range changes {
		out = append(out, domain.StatusEvent{
			At:           c.CreatedAt,
			BeforeStatus: c.Before.StatusID,
			AfterStatus:  c.After.StatusID,
		})
	}
	return out
}
