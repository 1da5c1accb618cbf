// Package transport holds the request and response bodies of the tracking API.
package transport

import (
	"time"

	"github.com/google/uuid"
)

// TriggerBackfillRequest is the body of POST /admin/tracking/backfill.
type TriggerBackfillRequest struct {
	LeadIDs []int64 `json:"leadIds" validate:"omitempty,max=10000,dive,gt=0"`
	Force   bool    `json:"force"`
}

// StageStatsQuery selects what the duration report contains.
type StageStatsQuery struct {
	IncludeEstimated bool `form:"includeEstimated"`
	IncludeOpen      bool `form:"includeOpen"`
}

// LogsQuery limits the number of log records returned.
type LogsQuery struct {
	Limit int `form:"limit" validate:"gte=0,lte=1000"`
}

// SyncResponse is returned by a completed manual sync.
type SyncResponse struct {
	Status           string    `json:"status"`
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

// BackfillAcceptedResponse acknowledges a backfill trigger.
type BackfillAcceptedResponse struct {
	Status string    `json:"status"`
	RunID  uuid.UUID `json:"runId"`
}

// HistoryExistsResponse answers the history presence check.
type HistoryExistsResponse struct {
	LeadID     int64 `json:"leadId"`
	HasHistory bool  `json:"hasHistory"`
}
