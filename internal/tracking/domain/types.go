// Package domain holds the stage tracking model and the pure logic that
// classifies polled leads and computes dwell times. Nothing here performs I/O.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Source tags where a duration or history entry came from.
type Source string

const (
	SourceTracked   Source = "tracked"
	SourceEventLog  Source = "event_log"
	SourceEstimated Source = "estimated"
)

// Lead is one polled CRM lead with its status already resolved to a stage.
type Lead struct {
	ID         int64
	PipelineID int64
	StatusID   int64
	Stage      string
	CreatedAt  time.Time
	SeenAt     time.Time
}

// Snapshot is the last known stage of a lead plus the first time it entered
// each slotted stage.
type Snapshot struct {
	LeadID       int64                `json:"leadId"`
	PipelineID   int64                `json:"pipelineId"`
	CurrentStage string               `json:"currentStage"`
	EnteredAt    map[string]time.Time `json:"stageEnteredAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// Clone returns a copy with its own EnteredAt map.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.EnteredAt = make(map[string]time.Time, len(s.EnteredAt))
	for k, v := range s.EnteredAt {
		out.EnteredAt[k] = v
	}
	return out
}

// HistoryEntry is one interval a lead spent in one stage. ExitedAt is nil
// for the open entry.
type HistoryEntry struct {
	ID         int64      `json:"id,omitempty"`
	LeadID     int64      `json:"leadId"`
	PipelineID int64      `json:"pipelineId"`
	Stage      string     `json:"stage"`
	EnteredAt  time.Time  `json:"enteredAt"`
	ExitedAt   *time.Time `json:"exitedAt,omitempty"`
	Source     Source     `json:"source"`
}

// Open reports whether the entry has not been closed yet.
func (h HistoryEntry) Open() bool { return h.ExitedAt == nil }

// DurationRecord is the persisted dwell time of a lead in a stage. A later
// record for the same (lead, stage) replaces the earlier one.
type DurationRecord struct {
	LeadID     int64     `json:"leadId"`
	Stage      string    `json:"stage"`
	Seconds    int64     `json:"durationSeconds"`
	Source     Source    `json:"source"`
	ComputedAt time.Time `json:"computedAt"`
}

// StageStat aggregates durations per stage.
type StageStat struct {
	Stage        string  `json:"stage"`
	Count        int64   `json:"count"`
	AvgSeconds   float64 `json:"avgSeconds"`
	MinSeconds   int64   `json:"minSeconds"`
	MaxSeconds   int64   `json:"maxSeconds"`
	TotalSeconds int64   `json:"totalSeconds"`
}

// RunStatus is the lifecycle state of a backfill run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Final reports whether the run will not change anymore.
func (s RunStatus) Final() bool { return s == RunCompleted || s == RunFailed }

// BackfillRun is the observable record of one backfill request.
type BackfillRun struct {
	ID             uuid.UUID  `json:"id"`
	Status         RunStatus  `json:"status"`
	RequestedBy    string     `json:"requestedBy,omitempty"`
	Force          bool       `json:"force"`
	LeadIDs        []int64    `json:"leadIds,omitempty"`
	RequestedAt    time.Time  `json:"requestedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	LeadsTotal     int        `json:"leadsTotal"`
	LeadsReplayed  int        `json:"leadsReplayed"`
	LeadsEstimated int        `json:"leadsEstimated"`
	LeadsFailed    int        `json:"leadsFailed"`
	Error          string     `json:"error,omitempty"`
}

// SlotPolicy decides which stages keep a first-entered timestamp.
type SlotPolicy interface {
	HasSlot(stage string) bool
}

// StageNamer resolves a status id to a stage name; ok is false when the
// status could not be resolved exactly.
type StageNamer interface {
	StageName(statusID int64) (name string, ok bool)
}
