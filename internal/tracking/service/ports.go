package service

import (
	"context"
	"time"

	"leadflow_backend/internal/crm"
	"leadflow_backend/internal/pipeline"
	"leadflow_backend/internal/tracking/domain"
)

// SyncStore is the persistence needed by the sync cycle.
type SyncStore interface {
	SnapshotsByLeadIDs(ctx context.Context, leadIDs []int64) (map[int64]domain.Snapshot, error)
	ApplyPlan(ctx context.Context, changes []domain.Change) error
}

// ReportStore is the read side used by reporting queries.
type ReportStore interface {
	StageDurationStats(ctx context.Context, includeEstimated bool) ([]domain.StageStat, error)
	OpenStageStats(ctx context.Context, includeEstimated bool, now time.Time) ([]domain.StageStat, error)
	LeadHistory(ctx context.Context, leadID int64) ([]domain.HistoryEntry, error)
	LeadDurations(ctx context.Context, leadID int64) ([]domain.DurationRecord, error)
	HasHistory(ctx context.Context, leadID int64) (bool, error)
	Snapshot(ctx context.Context, leadID int64) (domain.Snapshot, error)
}

// LeadLister lists the leads of a pipeline.
type LeadLister interface {
	ListLeads(ctx context.Context, pipelineID int64) ([]crm.Lead, error)
}

// NameResolver resolves status ids to stage names for one pipeline.
type NameResolver interface {
	Resolve(ctx context.Context, pipelineID int64) pipeline.StatusNames
	Invalidate(pipelineID int64)
}

// Lease is a cross-instance lock held for the duration of a sync cycle.
type Lease interface {
	// Acquire returns ok=false when another holder owns the lease.
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}
