//go:build integration

package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"leadflow_backend/internal/tracking/domain"
	"leadflow_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type migrationConfig struct{ url string }

func (c migrationConfig) GetDatabaseURL() string   { return c.url }
func (c migrationConfig) GetMigrationsDir() string { return "" }

type slots map[string]bool

func (s slots) HasSlot(stage string) bool { return s[stage] }

type stageNames map[int64]string

func (n stageNames) StageName(statusID int64) (string, bool) {
	name, ok := n[statusID]
	return name, ok
}

// startPostgres runs a disposable PostgreSQL, applies migrations and returns
// a pool. It skips the test if Docker is unavailable.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("leadflow"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		t.Skipf("failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("failed to get host info: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("failed to get mapped port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/leadflow?sslmode=disable", host, port.Port())

	var pool *pgxpool.Pool
	deadline := time.Now().Add(45 * time.Second)
	for {
		pool, err = pgxpool.New(ctx, dsn)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Cleanup(pool.Close)

	if err := db.RunMigrations(ctx, migrationConfig{url: dsn}); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return pool
}

func countOpen(t *testing.T, pool *pgxpool.Pool, leadID int64) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM lead_stage_history WHERE lead_id = $1 AND exited_at IS NULL`, leadID).Scan(&n); err != nil {
		t.Fatalf("count open entries: %v", err)
	}
	return n
}

func TestApplyPlanTransitionCycle(t *testing.T) {
	pool := startPostgres(t)
	repo := New(pool)
	ctx := context.Background()
	detector := domain.NewDetector(slots{"A": true, "B": true})
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := func(stage string) []domain.Lead { return []domain.Lead{{ID: 42, PipelineID: 10, Stage: stage}} }

	for _, step := range []struct {
		stage string
		at    time.Time
	}{
		{"A", t0},
		{"B", t0.Add(48 * time.Hour)},
		{"B", t0.Add(49 * time.Hour)},
	} {
		snaps, err := repo.SnapshotsByLeadIDs(ctx, []int64{42})
		if err != nil {
			t.Fatalf("load snapshots: %v", err)
		}
		plan := detector.Plan(l(step.stage), snaps, step.at)
		if err := repo.ApplyPlan(ctx, plan.Changes); err != nil {
			t.Fatalf("apply plan at %s: %v", step.at, err)
		}
		if n := countOpen(t, pool, 42); n != 1 {
			t.Fatalf("expected one open entry, got %d", n)
		}
	}

	durations, err := repo.LeadDurations(ctx, 42)
	if err != nil {
		t.Fatalf("lead durations: %v", err)
	}
	if len(durations) != 1 || durations[0].Stage != "A" || durations[0].Seconds != 172800 {
		t.Fatalf("expected a single 172800s duration for A, got %+v", durations)
	}

	history, err := repo.LeadHistory(ctx, 42)
	if err != nil {
		t.Fatalf("lead history: %v", err)
	}
	if len(history) != 2 || history[0].ExitedAt == nil || !history[0].ExitedAt.Equal(t0.Add(48*time.Hour)) {
		t.Fatalf("unexpected history %+v", history)
	}

	snap, err := repo.Snapshot(ctx, 42)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.CurrentStage != "B" || !snap.EnteredAt["A"].Equal(t0) || !snap.UpdatedAt.Equal(t0.Add(49*time.Hour)) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	with, err := repo.LeadsWithTransitions(ctx, []int64{42, 43})
	if err != nil {
		t.Fatalf("leads with transitions: %v", err)
	}
	if !with[42] || with[43] {
		t.Fatalf("unexpected transition set %+v", with)
	}

	stats, err := repo.StageDurationStats(ctx, false)
	if err != nil {
		t.Fatalf("stage stats: %v", err)
	}
	if len(stats) != 1 || stats[0].Stage != "A" || stats[0].Count != 1 || stats[0].TotalSeconds != 172800 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	open, err := repo.OpenStageStats(ctx, true, t0.Add(50*time.Hour))
	if err != nil {
		t.Fatalf("open stats: %v", err)
	}
	if len(open) != 1 || open[0].Stage != "B" || open[0].MaxSeconds != 7200 {
		t.Fatalf("unexpected open stats %+v", open)
	}
}

func TestApplyReconstructionKeepsEarliestTimestamps(t *testing.T) {
	pool := startPostgres(t)
	repo := New(pool)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	lead := domain.Lead{ID: 7, PipelineID: 10, Stage: "B"}

	detector := domain.NewDetector(slots{"A": true, "B": true})
	plan := detector.Plan([]domain.Lead{lead}, map[int64]domain.Snapshot{}, t0)
	if err := repo.ApplyPlan(ctx, plan.Changes); err != nil {
		t.Fatalf("apply plan: %v", err)
	}

	exitA := t0.Add(-24 * time.Hour)
	rec := domain.Reconstruction{
		Lead:      lead,
		Source:    domain.SourceEventLog,
		EnteredAt: map[string]time.Time{"A": t0.Add(-72 * time.Hour), "B": exitA},
		History: []domain.HistoryEntry{
			{LeadID: 7, PipelineID: 10, Stage: "A", EnteredAt: t0.Add(-72 * time.Hour), ExitedAt: &exitA, Source: domain.SourceEventLog},
			{LeadID: 7, PipelineID: 10, Stage: "B", EnteredAt: exitA, Source: domain.SourceEventLog},
		},
		Durations: []domain.DurationRecord{
			{LeadID: 7, Stage: "A", Seconds: 48 * 3600, Source: domain.SourceEventLog, ComputedAt: t0},
		},
	}
	tracked, err := repo.ApplyReconstruction(ctx, []domain.Reconstruction{rec})
	if err != nil || len(tracked) != 0 {
		t.Fatalf("apply reconstruction: %v %v", tracked, err)
	}

	snap, err := repo.Snapshot(ctx, 7)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.EnteredAt["B"].Equal(exitA) {
		t.Fatalf("backfill should move B earlier, got %s", snap.EnteredAt["B"])
	}
	if countOpen(t, pool, 7) != 1 {
		t.Fatalf("expected exactly one open entry after rebuild")
	}

	// A second reconstruction with later timestamps must not move them back.
	later := rec
	later.EnteredAt = map[string]time.Time{"B": t0}
	later.History = []domain.HistoryEntry{{LeadID: 7, PipelineID: 10, Stage: "B", EnteredAt: t0, Source: domain.SourceEstimated}}
	later.Durations = nil
	later.Force = true
	if tracked, err := repo.ApplyReconstruction(ctx, []domain.Reconstruction{later}); err != nil || len(tracked) != 0 {
		t.Fatalf("apply second reconstruction: %v %v", tracked, err)
	}
	snap, _ = repo.Snapshot(ctx, 7)
	if !snap.EnteredAt["B"].Equal(exitA) {
		t.Fatalf("snapshot timestamps may only move earlier, got %s", snap.EnteredAt["B"])
	}
}

func TestBackfillMovesSnapshotToCurrentStage(t *testing.T) {
	pool := startPostgres(t)
	repo := New(pool)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(48 * time.Hour)
	detector := domain.NewDetector(slots{"A": true, "B": true})

	inA := domain.Lead{ID: 9, PipelineID: 10, StatusID: 1, Stage: "A"}
	plan := detector.Plan([]domain.Lead{inA}, map[int64]domain.Snapshot{}, t0)
	if err := repo.ApplyPlan(ctx, plan.Changes); err != nil {
		t.Fatalf("apply first poll: %v", err)
	}

	// The lead moved to B in the CRM before the next poll and is backfilled first.
	inB := domain.Lead{ID: 9, PipelineID: 10, StatusID: 2, Stage: "B"}
	events := []domain.StatusEvent{
		{At: t0, AfterStatus: 1},
		{At: t1, BeforeStatus: 1, AfterStatus: 2},
	}
	rec := domain.ReplayEvents(inB, events, stageNames{1: "A", 2: "B"}, slots{"A": true, "B": true}, t1.Add(time.Hour))
	if tracked, err := repo.ApplyReconstruction(ctx, []domain.Reconstruction{rec}); err != nil || len(tracked) != 0 {
		t.Fatalf("apply reconstruction: %v %v", tracked, err)
	}

	snap, err := repo.Snapshot(ctx, 9)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.CurrentStage != "B" || !snap.EnteredAt["B"].Equal(t1) {
		t.Fatalf("snapshot must follow the rebuilt open entry, got %+v", snap)
	}

	snaps, err := repo.SnapshotsByLeadIDs(ctx, []int64{9})
	if err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	next := detector.Plan([]domain.Lead{inB}, snaps, t1.Add(11*time.Hour))
	if len(next.Changes) != 1 || next.Changes[0].Kind != domain.ChangeUnchanged {
		t.Fatalf("expected the next poll to be unchanged, got %+v", next.Changes)
	}
	if err := repo.ApplyPlan(ctx, next.Changes); err != nil {
		t.Fatalf("apply next poll: %v", err)
	}

	durations, err := repo.LeadDurations(ctx, 9)
	if err != nil {
		t.Fatalf("durations: %v", err)
	}
	for _, d := range durations {
		if d.Stage == "A" && d.Seconds != int64(t1.Sub(t0)/time.Second) {
			t.Fatalf("duration in A must stay %ds, got %d", int64(t1.Sub(t0)/time.Second), d.Seconds)
		}
	}
	if countOpen(t, pool, 9) != 1 {
		t.Fatalf("expected exactly one open entry")
	}
}

func TestBackfillLeavesLeadTrackedSinceSelection(t *testing.T) {
	pool := startPostgres(t)
	repo := New(pool)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	detector := domain.NewDetector(slots{"A": true, "B": true})

	inA := domain.Lead{ID: 11, PipelineID: 10, Stage: "A", CreatedAt: t0.Add(-24 * time.Hour)}
	plan := detector.Plan([]domain.Lead{inA}, map[int64]domain.Snapshot{}, t0)
	if err := repo.ApplyPlan(ctx, plan.Changes); err != nil {
		t.Fatalf("apply first poll: %v", err)
	}

	// Built while the lead was still eligible.
	stale := domain.ReplayEvents(inA, nil, stageNames{}, slots{"A": true, "B": true}, t0.Add(time.Hour))

	snaps, _ := repo.SnapshotsByLeadIDs(ctx, []int64{11})
	inB := inA
	inB.Stage = "B"
	moved := detector.Plan([]domain.Lead{inB}, snaps, t0.Add(48*time.Hour))
	if err := repo.ApplyPlan(ctx, moved.Changes); err != nil {
		t.Fatalf("apply transition: %v", err)
	}

	tracked, err := repo.ApplyReconstruction(ctx, []domain.Reconstruction{stale})
	if err != nil {
		t.Fatalf("apply reconstruction: %v", err)
	}
	if len(tracked) != 1 || tracked[0] != 11 {
		t.Fatalf("expected lead 11 left alone, got %v", tracked)
	}

	history, err := repo.LeadHistory(ctx, 11)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Source != domain.SourceTracked || history[1].Stage != "B" {
		t.Fatalf("tracked history must survive, got %+v", history)
	}
	durations, _ := repo.LeadDurations(ctx, 11)
	if len(durations) != 1 || durations[0].Source != domain.SourceTracked || durations[0].Seconds != 172800 {
		t.Fatalf("tracked duration must survive, got %+v", durations)
	}

	stale.Force = true
	if tracked, err := repo.ApplyReconstruction(ctx, []domain.Reconstruction{stale}); err != nil || len(tracked) != 0 {
		t.Fatalf("forced reconstruction should apply: %v %v", tracked, err)
	}
}

func TestBackfillRunLifecycle(t *testing.T) {
	pool := startPostgres(t)
	repo := New(pool)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	run := domain.BackfillRun{ID: uuid.New(), Status: domain.RunQueued, RequestedBy: "ops", LeadIDs: []int64{1, 2}, RequestedAt: now}
	if err := repo.CreateBackfillRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	claimed, err := repo.MarkBackfillRunning(ctx, run.ID, now.Add(time.Second))
	if err != nil || !claimed {
		t.Fatalf("expected claim, got %v %v", claimed, err)
	}
	claimed, err = repo.MarkBackfillRunning(ctx, run.ID, now.Add(2*time.Second))
	if err != nil || claimed {
		t.Fatalf("second claim must fail, got %v %v", claimed, err)
	}

	finished := now.Add(time.Minute)
	run.Status = domain.RunCompleted
	run.FinishedAt = &finished
	run.LeadsTotal, run.LeadsReplayed, run.LeadsEstimated = 2, 1, 1
	if err := repo.FinishBackfillRun(ctx, run); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	got, err := repo.GetBackfillRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunCompleted || got.LeadsReplayed != 1 || got.StartedAt == nil || len(got.LeadIDs) != 2 {
		t.Fatalf("unexpected run %+v", got)
	}

	if _, err := repo.GetBackfillRun(ctx, uuid.New()); err == nil {
		t.Fatalf("expected not found")
	}
}
