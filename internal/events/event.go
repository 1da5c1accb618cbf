// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"time"

	"leadflow_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
	Nop         = events.Nop
)

// Re-export platform functions
var (
	NewBaseEvent   = events.NewBaseEvent
	NewBaseEventAt = events.NewBaseEventAt
)

// =============================================================================
// Stage Tracking Events
// =============================================================================

// LeadStageChanged is published for every transition the sync cycle persists.
type LeadStageChanged struct {
	BaseEvent
	LeadID          int64   `json:"leadId"`
	PipelineID      int64   `json:"pipelineId"`
	FromStage       string  `json:"fromStage"`
	ToStage         string  `json:"toStage"`
	DurationSeconds *int64  `json:"durationSeconds,omitempty"`
}

func (e LeadStageChanged) EventName() string { return "tracking.lead.stage_changed" }

// SyncCompleted is published after a sync cycle finishes, successfully or not.
type SyncCompleted struct {
	BaseEvent
	Processed    int           `json:"processed"`
	New          int           `json:"new"`
	Unchanged    int           `json:"unchanged"`
	Transitioned int           `json:"transitioned"`
	FailedChunks int           `json:"failedChunks"`
	Elapsed      time.Duration `json:"elapsed"`
	Err          string        `json:"error,omitempty"`
}

func (e SyncCompleted) EventName() string { return "tracking.sync.completed" }

// BackfillFinished is published when a backfill run reaches a final status.
type BackfillFinished struct {
	BaseEvent
	RunID     uuid.UUID `json:"runId"`
	Status    string    `json:"status"`
	Replayed  int       `json:"replayed"`
	Estimated int       `json:"estimated"`
	Failed    int       `json:"failed"`
}

func (e BackfillFinished) EventName() string { return "tracking.backfill.finished" }
