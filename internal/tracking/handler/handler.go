// Package handler exposes the stage tracking operations over HTTP.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"leadflow_backend/internal/tracking/backfill"
	"leadflow_backend/internal/tracking/domain"
	"leadflow_backend/internal/tracking/service"
	"leadflow_backend/internal/tracking/transport"
	"leadflow_backend/platform/httpkit"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInvalidLeadID    = "invalid lead ID"
	msgInvalidRunID     = "invalid backfill run ID"

	defaultLogLimit = 100
)

// Syncer runs a sync cycle.
type Syncer interface {
	Run(ctx context.Context) (service.Result, error)
}

// Backfills submits and looks up backfill runs.
type Backfills interface {
	Submit(ctx context.Context, req backfill.Request) (domain.BackfillRun, error)
	Get(ctx context.Context, runID uuid.UUID) (domain.BackfillRun, error)
}

// Reports answers read-only queries.
type Reports interface {
	StageStats(ctx context.Context, includeEstimated, includeOpen bool) (service.StageReport, error)
	LeadHistory(ctx context.Context, leadID int64) (service.LeadHistory, error)
	HasHistory(ctx context.Context, leadID int64) (bool, error)
	Ongoing(ctx context.Context, leadID int64) (domain.Ongoing, error)
}

// LogSource returns recent log records.
type LogSource interface {
	Recent(limit int) []logger.Entry
}

// Handler handles HTTP requests for stage tracking.
type Handler struct {
	syncer    Syncer
	backfills Backfills
	reports   Reports
	logs      LogSource
	val       *validator.Validator
}

// New creates a tracking handler. logs may be nil.
func New(syncer Syncer, backfills Backfills, reports Reports, logs LogSource, val *validator.Validator) *Handler {
	return &Handler{syncer: syncer, backfills: backfills, reports: reports, logs: logs, val: val}
}

// RegisterAdminRoutes mounts the operator routes.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/sync", h.TriggerSync)
	rg.POST("/backfill", h.TriggerBackfill)
	rg.GET("/backfills/:id", h.GetBackfill)
	rg.GET("/logs", h.RecentLogs)
}

// RegisterRoutes mounts the reporting routes.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stages/durations", h.StageDurations)
	rg.GET("/leads/:leadId/history", h.LeadHistory)
	rg.GET("/leads/:leadId/history/exists", h.HistoryExists)
	rg.GET("/leads/:leadId/ongoing", h.Ongoing)
}

// TriggerSync runs one sync cycle and reports its counts.
// POST /api/v1/admin/tracking/sync
func (h *Handler) TriggerSync(c *gin.Context) {
	res, err := h.syncer.Run(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.SyncResponse{
		Status:           "completed",
		Processed:        res.Processed,
		New:              res.New,
		Unchanged:        res.Unchanged,
		Transitioned:     res.Transitioned,
		DurationsWritten: res.DurationsWritten,
		Skipped:          res.Skipped,
		FailedChunks:     res.FailedChunks,
		PartialListing:   res.PartialListing,
		StartedAt:        res.StartedAt,
		FinishedAt:       res.FinishedAt,
	})
}

// TriggerBackfill records a backfill run and returns without waiting for it.
// POST /api/v1/admin/tracking/backfill
func (h *Handler) TriggerBackfill(c *gin.Context) {
	var req transport.TriggerBackfillRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	run, err := h.backfills.Submit(c.Request.Context(), backfill.Request{
		LeadIDs:     req.LeadIDs,
		Force:       req.Force,
		RequestedBy: httpkit.Subject(c),
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Accepted(c, transport.BackfillAcceptedResponse{Status: "accepted", RunID: run.ID})
}

// GetBackfill returns a backfill run record.
// GET /api/v1/admin/tracking/backfills/:id
func (h *Handler) GetBackfill(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRunID, nil)
		return
	}

	run, err := h.backfills.Get(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, run)
}

// RecentLogs returns the newest buffered log records.
// GET /api/v1/admin/tracking/logs
func (h *Handler) RecentLogs(c *gin.Context) {
	query := transport.LogsQuery{Limit: defaultLogLimit}
	if err := c.ShouldBindQuery(&query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	entries := []logger.Entry{}
	if h.logs != nil {
		entries = h.logs.Recent(query.Limit)
	}
	httpkit.OK(c, gin.H{"entries": entries})
}

// StageDurations returns per-stage duration aggregates.
// GET /api/v1/tracking/stages/durations
func (h *Handler) StageDurations(c *gin.Context) {
	var query transport.StageStatsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	report, err := h.reports.StageStats(c.Request.Context(), query.IncludeEstimated, query.IncludeOpen)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, report)
}

// LeadHistory returns the full ledger of one lead.
// GET /api/v1/tracking/leads/:leadId/history
func (h *Handler) LeadHistory(c *gin.Context) {
	leadID, ok := leadIDParam(c)
	if !ok {
		return
	}

	history, err := h.reports.LeadHistory(c.Request.Context(), leadID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, history)
}

// HistoryExists reports whether a lead has tracked history.
// GET /api/v1/tracking/leads/:leadId/history/exists
func (h *Handler) HistoryExists(c *gin.Context) {
	leadID, ok := leadIDParam(c)
	if !ok {
		return
	}

	has, err := h.reports.HasHistory(c.Request.Context(), leadID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.HistoryExistsResponse{LeadID: leadID, HasHistory: has})
}

// Ongoing returns how long the lead has been in its current stage.
// GET /api/v1/tracking/leads/:leadId/ongoing
func (h *Handler) Ongoing(c *gin.Context) {
	leadID, ok := leadIDParam(c)
	if !ok {
		return
	}

	ongoing, err := h.reports.Ongoing(c.Request.Context(), leadID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, ongoing)
}

func leadIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("leadId"), 10, 64)
	if err != nil || id <= 0 {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidLeadID, nil)
		return 0, false
	}
	return id, true
}
