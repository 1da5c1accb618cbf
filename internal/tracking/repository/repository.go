// Package repository persists lead snapshots, the stage history ledger,
// duration records and backfill runs in PostgreSQL.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"leadflow_backend/internal/tracking/domain"
	"leadflow_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	snapshotNotFoundMessage = "no snapshot for lead"
	runNotFoundMessage      = "backfill run not found"
)

// lockLeadSQL serializes writers per lead for the rest of the transaction.
const lockLeadSQL = `SELECT pg_advisory_xact_lock(hashtextextended('lead_stage:' || ($1::bigint)::text, 0))`

// Repo implements tracking persistence over a pgx pool.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a tracking repository.
func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// SnapshotsByLeadIDs loads the snapshots of the given leads keyed by lead id.
func (r *Repo) SnapshotsByLeadIDs(ctx context.Context, leadIDs []int64) (map[int64]domain.Snapshot, error) {
	out := make(map[int64]domain.Snapshot, len(leadIDs))
	if len(leadIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT lead_id, pipeline_id, current_stage, stage_entered_at, updated_at
		FROM lead_stage_snapshots
		WHERE lead_id = ANY($1)`

	rows, err := r.pool.Query(ctx, query, leadIDs)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out[s.LeadID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// Snapshot loads one lead's snapshot.
func (r *Repo) Snapshot(ctx context.Context, leadID int64) (domain.Snapshot, error) {
	query := `
		SELECT lead_id, pipeline_id, current_stage, stage_entered_at, updated_at
		FROM lead_stage_snapshots
		WHERE lead_id = $1`

	s, err := scanSnapshot(r.pool.QueryRow(ctx, query, leadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Snapshot{}, apperr.NotFound(snapshotNotFoundMessage)
		}
		return domain.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return s, nil
}

// ApplyPlan writes one chunk of planned changes in a single transaction.
// For each lead, in ascending id order: close the open history entry, append
// the new entry, upsert the snapshot, then upsert the duration.
func (r *Repo) ApplyPlan(ctx context.Context, changes []domain.Change) error {
	if len(changes) == 0 {
		return nil
	}

	ordered := append([]domain.Change(nil), changes...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Lead.ID < ordered[j].Lead.ID })

	return r.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range ordered {
			batch.Queue(lockLeadSQL, c.Lead.ID)

			if c.CloseAt != nil {
				batch.Queue(`
					UPDATE lead_stage_history
					SET exited_at = GREATEST(entered_at, $2)
					WHERE lead_id = $1 AND exited_at IS NULL`,
					c.Lead.ID, *c.CloseAt)
			}

			if c.Open != nil {
				batch.Queue(`
					INSERT INTO lead_stage_history (lead_id, pipeline_id, stage_name, entered_at, source)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (lead_id) WHERE exited_at IS NULL DO NOTHING`,
					c.Open.LeadID, c.Open.PipelineID, c.Open.Stage, c.Open.EnteredAt, string(c.Open.Source))
			}

			// Stored first-entered timestamps win over planned ones, so a
			// concurrent backfill that moved them earlier is kept.
			batch.Queue(`
				INSERT INTO lead_stage_snapshots (lead_id, pipeline_id, current_stage, stage_entered_at, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (lead_id) DO UPDATE SET
					pipeline_id = EXCLUDED.pipeline_id,
					current_stage = EXCLUDED.current_stage,
					stage_entered_at = EXCLUDED.stage_entered_at || lead_stage_snapshots.stage_entered_at,
					updated_at = EXCLUDED.updated_at`,
				c.Snapshot.LeadID, c.Snapshot.PipelineID, c.Snapshot.CurrentStage, enteredAtParam(c.Snapshot.EnteredAt), c.Snapshot.UpdatedAt)

			if c.Duration != nil {
				queueDurationUpsert(batch, *c.Duration)
			}
		}
		return sendBatch(ctx, tx, batch)
	})
}

// ApplyReconstruction writes one chunk of backfilled leads in a single
// transaction. The history of each lead is replaced, the snapshot moves to the
// lead's current stage with timestamps only moved earlier, and durations are
// upserted. Unless forced, a lead that gained a closed history entry since it
// was selected is left alone and its id returned.
func (r *Repo) ApplyReconstruction(ctx context.Context, recs []domain.Reconstruction) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	ordered := append([]domain.Reconstruction(nil), recs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Lead.ID < ordered[j].Lead.ID })

	var tracked []int64
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tracked = tracked[:0]
		for _, rec := range ordered {
			applied, err := r.applyReconstruction(ctx, tx, rec)
			if err != nil {
				return fmt.Errorf("lead %d: %w", rec.Lead.ID, err)
			}
			if !applied {
				tracked = append(tracked, rec.Lead.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tracked, nil
}

func (r *Repo) applyReconstruction(ctx context.Context, tx pgx.Tx, rec domain.Reconstruction) (bool, error) {
	leadID := rec.Lead.ID
	if _, err := tx.Exec(ctx, lockLeadSQL, leadID); err != nil {
		return false, fmt.Errorf("lock lead: %w", err)
	}

	if !rec.Force {
		var transitioned bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM lead_stage_history
				WHERE lead_id = $1 AND exited_at IS NOT NULL
			)`, leadID).Scan(&transitioned); err != nil {
			return false, fmt.Errorf("check transitions: %w", err)
		}
		if transitioned {
			return false, nil
		}
	}

	var existing map[string]time.Time
	err := tx.QueryRow(ctx, `SELECT stage_entered_at FROM lead_stage_snapshots WHERE lead_id = $1`, leadID).Scan(&existing)
	hasSnapshot := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("read snapshot: %w", err)
	}

	now := time.Now().UTC()
	if len(rec.Durations) > 0 {
		now = rec.Durations[0].ComputedAt
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM lead_stage_history WHERE lead_id = $1`, leadID)
	for _, h := range rec.History {
		batch.Queue(`
			INSERT INTO lead_stage_history (lead_id, pipeline_id, stage_name, entered_at, exited_at, source)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			leadID, h.PipelineID, h.Stage, h.EnteredAt, h.ExitedAt, string(h.Source))
	}

	if hasSnapshot {
		batch.Queue(`
			UPDATE lead_stage_snapshots
			SET pipeline_id = $2, current_stage = $3, stage_entered_at = $4, updated_at = $5
			WHERE lead_id = $1`,
			leadID, rec.Lead.PipelineID, rec.Lead.Stage, enteredAtParam(domain.MergeEarliest(existing, rec.EnteredAt)), now)
	} else {
		batch.Queue(`
			INSERT INTO lead_stage_snapshots (lead_id, pipeline_id, current_stage, stage_entered_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)`,
			leadID, rec.Lead.PipelineID, rec.Lead.Stage, enteredAtParam(rec.EnteredAt), now)
	}

	for _, d := range rec.Durations {
		queueDurationUpsert(batch, d)
	}
	if err := sendBatch(ctx, tx, batch); err != nil {
		return false, err
	}
	return true, nil
}

// LeadsWithTransitions returns the subset of leadIDs that have at least one
// closed history entry.
func (r *Repo) LeadsWithTransitions(ctx context.Context, leadIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	if len(leadIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT lead_id
		FROM lead_stage_history
		WHERE lead_id = ANY($1) AND exited_at IS NOT NULL`, leadIDs)
	if err != nil {
		return nil, fmt.Errorf("leads with transitions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan lead id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// LeadHistory returns a lead's history entries, oldest first.
func (r *Repo) LeadHistory(ctx context.Context, leadID int64) ([]domain.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, lead_id, pipeline_id, stage_name, entered_at, exited_at, source
		FROM lead_stage_history
		WHERE lead_id = $1
		ORDER BY entered_at ASC, id ASC`, leadID)
	if err != nil {
		return nil, fmt.Errorf("lead history: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.HistoryEntry, 0)
	for rows.Next() {
		var h domain.HistoryEntry
		var source string
		if err := rows.Scan(&h.ID, &h.LeadID, &h.PipelineID, &h.Stage, &h.EnteredAt, &h.ExitedAt, &source); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		h.Source = domain.Source(source)
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// LeadDurations returns a lead's duration records ordered by stage.
func (r *Repo) LeadDurations(ctx context.Context, leadID int64) ([]domain.DurationRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT lead_id, stage_name, duration_seconds, source, computed_at
		FROM lead_stage_durations
		WHERE lead_id = $1
		ORDER BY stage_name`, leadID)
	if err != nil {
		return nil, fmt.Errorf("lead durations: %w", err)
	}
	defer rows.Close()

	records := make([]domain.DurationRecord, 0)
	for rows.Next() {
		var d domain.DurationRecord
		var source string
		if err := rows.Scan(&d.LeadID, &d.Stage, &d.Seconds, &source, &d.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		d.Source = domain.Source(source)
		records = append(records, d)
	}
	return records, rows.Err()
}

// HasHistory reports whether any history entry exists for the lead.
func (r *Repo) HasHistory(ctx context.Context, leadID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lead_stage_history WHERE lead_id = $1)`, leadID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has history: %w", err)
	}
	return exists, nil
}

// StageDurationStats aggregates persisted durations per stage.
func (r *Repo) StageDurationStats(ctx context.Context, includeEstimated bool) ([]domain.StageStat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT stage_name, COUNT(*), AVG(duration_seconds)::float8,
		       MIN(duration_seconds), MAX(duration_seconds), SUM(duration_seconds)::bigint
		FROM lead_stage_durations
		WHERE $1 OR source <> 'estimated'
		GROUP BY stage_name
		ORDER BY stage_name`, includeEstimated)
	if err != nil {
		return nil, fmt.Errorf("stage duration stats: %w", err)
	}
	defer rows.Close()
	return scanStageStats(rows)
}

// OpenStageStats aggregates the transient dwell time of leads in their
// current stage as of now.
func (r *Repo) OpenStageStats(ctx context.Context, includeEstimated bool, now time.Time) ([]domain.StageStat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT o.stage, COUNT(*), AVG(o.secs)::float8, MIN(o.secs), MAX(o.secs), SUM(o.secs)::bigint
		FROM (
			SELECT s.current_stage AS stage,
			       EXTRACT(EPOCH FROM ($2::timestamptz - (s.stage_entered_at ->> s.current_stage)::timestamptz))::bigint AS secs
			FROM lead_stage_snapshots s
			LEFT JOIN lead_stage_history h ON h.lead_id = s.lead_id AND h.exited_at IS NULL
			WHERE s.stage_entered_at ? s.current_stage
			  AND ($1 OR COALESCE(h.source, 'tracked') <> 'estimated')
		) o
		WHERE o.secs > 0
		GROUP BY o.stage
		ORDER BY o.stage`, includeEstimated, now)
	if err != nil {
		return nil, fmt.Errorf("open stage stats: %w", err)
	}
	defer rows.Close()
	return scanStageStats(rows)
}

// CreateBackfillRun stores a new run record.
func (r *Repo) CreateBackfillRun(ctx context.Context, run domain.BackfillRun) error {
	leadIDs := run.LeadIDs
	if leadIDs == nil {
		leadIDs = []int64{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO stage_backfill_runs (id, status, requested_by, force, lead_ids, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, string(run.Status), run.RequestedBy, run.Force, leadIDs, run.RequestedAt)
	if err != nil {
		return fmt.Errorf("create backfill run: %w", err)
	}
	return nil
}

// MarkBackfillRunning claims a queued run. It returns false when the run was
// already claimed, so redelivered tasks do not execute twice.
func (r *Repo) MarkBackfillRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE stage_backfill_runs
		SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'queued'`, id, startedAt)
	if err != nil {
		return false, fmt.Errorf("mark backfill running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishBackfillRun records the final status and counters of a run.
func (r *Repo) FinishBackfillRun(ctx context.Context, run domain.BackfillRun) error {
	var errText *string
	if run.Error != "" {
		errText = &run.Error
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE stage_backfill_runs
		SET status = $2, finished_at = $3, leads_total = $4, leads_replayed = $5,
		    leads_estimated = $6, leads_failed = $7, error = $8
		WHERE id = $1`,
		run.ID, string(run.Status), run.FinishedAt, run.LeadsTotal, run.LeadsReplayed,
		run.LeadsEstimated, run.LeadsFailed, errText)
	if err != nil {
		return fmt.Errorf("finish backfill run: %w", err)
	}
	return nil
}

// GetBackfillRun loads a run record.
func (r *Repo) GetBackfillRun(ctx context.Context, id uuid.UUID) (domain.BackfillRun, error) {
	var run domain.BackfillRun
	var status string
	var errText *string
	err := r.pool.QueryRow(ctx, `
		SELECT id, status, requested_by, force, lead_ids, requested_at, started_at, finished_at,
		       leads_total, leads_replayed, leads_estimated, leads_failed, error
		FROM stage_backfill_runs
		WHERE id = $1`, id).Scan(
		&run.ID, &status, &run.RequestedBy, &run.Force, &run.LeadIDs, &run.RequestedAt, &run.StartedAt, &run.FinishedAt,
		&run.LeadsTotal, &run.LeadsReplayed, &run.LeadsEstimated, &run.LeadsFailed, &errText,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BackfillRun{}, apperr.NotFound(runNotFoundMessage)
		}
		return domain.BackfillRun{}, fmt.Errorf("get backfill run: %w", err)
	}
	run.Status = domain.RunStatus(status)
	if errText != nil {
		run.Error = *errText
	}
	return run, nil
}

// QueuedBackfillRunsBefore lists runs still queued that were requested
// before the cutoff, oldest first.
func (r *Repo) QueuedBackfillRunsBefore(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM stage_backfill_runs
		WHERE status = 'queued' AND requested_at < $1
		ORDER BY requested_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued backfill runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("list queued backfill runs: %w", err)
	}
	return ids, nil
}

// DeleteFinishedBackfillRunsBefore removes completed and failed runs that
// finished before the cutoff.
func (r *Repo) DeleteFinishedBackfillRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM stage_backfill_runs
		WHERE status IN ('completed', 'failed') AND finished_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete finished backfill runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repo) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return br.Close()
}

func queueDurationUpsert(batch *pgx.Batch, d domain.DurationRecord) {
	batch.Queue(`
		INSERT INTO lead_stage_durations (lead_id, stage_name, duration_seconds, source, computed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lead_id, stage_name) DO UPDATE SET
			duration_seconds = EXCLUDED.duration_seconds,
			source = EXCLUDED.source,
			computed_at = EXCLUDED.computed_at`,
		d.LeadID, d.Stage, d.Seconds, string(d.Source), d.ComputedAt)
}

func enteredAtParam(m map[string]time.Time) map[string]time.Time {
	if m == nil {
		return map[string]time.Time{}
	}
	return m
}

func scanSnapshot(row pgx.Row) (domain.Snapshot, error) {
	var s domain.Snapshot
	if err := row.Scan(&s.LeadID, &s.PipelineID, &s.CurrentStage, &s.EnteredAt, &s.UpdatedAt); err != nil {
		return domain.Snapshot{}, err
	}
	if s.EnteredAt == nil {
		s.EnteredAt = map[string]time.Time{}
	}
	return s, nil
}

func scanStageStats(rows pgx.Rows) ([]domain.StageStat, error) {
	stats := make([]domain.StageStat, 0)
	for rows.Next() {
		var s domain.StageStat
		if err := rows.Scan(&s.Stage, &s.Count, &s.AvgSeconds, &s.MinSeconds, &s.MaxSeconds, &s.TotalSeconds); err != nil {
			return nil, fmt.Errorf("scan stage stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
