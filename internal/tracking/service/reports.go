package service

import (
	"context"
	"time"

	"leadflow_backend/internal/tracking/domain"
	"leadflow_backend/platform/apperr"
)

// StageReport is the per-stage duration summary.
type StageReport struct {
	Stages           []domain.StageStat `json:"stages"`
	Open             []domain.StageStat `json:"open,omitempty"`
	IncludeEstimated bool               `json:"includeEstimated"`
	AsOf             time.Time          `json:"asOf"`
}

// LeadHistory is the full ledger of one lead.
type LeadHistory struct {
	LeadID    int64                   `json:"leadId"`
	Snapshot  *domain.Snapshot        `json:"snapshot,omitempty"`
	Entries   []domain.HistoryEntry   `json:"entries"`
	Durations []domain.DurationRecord `json:"durations"`
}

// Reports answers read-only queries over the tracked data.
type Reports struct {
	store ReportStore
	now   func() time.Time
}

// NewReports creates the reporting service.
func NewReports(store ReportStore) *Reports {
	return &Reports{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source.
func (r *Reports) SetClock(now func() time.Time) {
	r.now = now
}

// StageStats aggregates persisted durations per stage. With includeOpen the
// transient dwell time of leads still in their stage is reported separately.
func (r *Reports) StageStats(ctx context.Context, includeEstimated, includeOpen bool) (StageReport, error) {
	now := r.now()
	stats, err := r.store.StageDurationStats(ctx, includeEstimated)
	if err != nil {
		return StageReport{}, err
	}

	report := StageReport{Stages: stats, IncludeEstimated: includeEstimated, AsOf: now}
	if includeOpen {
		open, err := r.store.OpenStageStats(ctx, includeEstimated, now)
		if err != nil {
			return StageReport{}, err
		}
		report.Open = open
	}
	return report, nil
}

// LeadHistory returns the snapshot, history entries and durations of a lead.
func (r *Reports) LeadHistory(ctx context.Context, leadID int64) (LeadHistory, error) {
	entries, err := r.store.LeadHistory(ctx, leadID)
	if err != nil {
		return LeadHistory{}, err
	}
	durations, err := r.store.LeadDurations(ctx, leadID)
	if err != nil {
		return LeadHistory{}, err
	}

	out := LeadHistory{LeadID: leadID, Entries: entries, Durations: durations}
	snap, err := r.store.Snapshot(ctx, leadID)
	switch {
	case err == nil:
		out.Snapshot = &snap
	case apperr.Is(err, apperr.KindNotFound):
		if len(entries) == 0 && len(durations) == 0 {
			return LeadHistory{}, apperr.NotFound("no tracked history for lead")
		}
	default:
		return LeadHistory{}, err
	}
	return out, nil
}

// HasHistory reports whether the lead has any history entry.
func (r *Reports) HasHistory(ctx context.Context, leadID int64) (bool, error) {
	return r.store.HasHistory(ctx, leadID)
}

// Ongoing computes how long the lead has been in its current stage. The
// value is computed per request and never persisted.
func (r *Reports) Ongoing(ctx context.Context, leadID int64) (domain.Ongoing, error) {
	snap, err := r.store.Snapshot(ctx, leadID)
	if err != nil {
		return domain.Ongoing{}, err
	}
	ongoing, ok := domain.OngoingDuration(snap, r.now())
	if !ok {
		return domain.Ongoing{}, apperr.NotFound("current stage has no entry timestamp").WithDetails(map[string]string{"stage": snap.CurrentStage})
	}
	return ongoing, nil
}
