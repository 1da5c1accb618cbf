// Package crm defines the boundary types for the external CRM API.
// Only the fields the stage tracker consumes are modelled.
package crm

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when calls are short-circuited because the
	// CRM has been failing.
	ErrUnavailable = errors.New("crm unavailable")
	// ErrUnauthorized is returned when the CRM rejects the access token.
	ErrUnauthorized = errors.New("crm rejected access token")
	// ErrRateLimited is returned when the CRM answers 429.
	ErrRateLimited = errors.New("crm rate limit exceeded")
)

// Lead is a lead record as listed by the CRM.
type Lead struct {
	ID         int64
	StatusID   int64
	PipelineID int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StatusRef points at one status inside one pipeline.
type StatusRef struct {
	StatusID   int64
	PipelineID int64
}

// StatusChange is one lead_status_changed event from the CRM event log.
type StatusChange struct {
	ID        string
	LeadID    int64
	CreatedAt time.Time
	Before    StatusRef
	After     StatusRef
}

// Status is one pipeline status as returned by the pipeline metadata endpoint.
type Status struct {
	ID         int64
	PipelineID int64
	Name       string
	Sort       int
}

// API is the subset of the CRM consumed by the tracker.
type API interface {
	// ListLeads returns every lead in the pipeline. When a later page fails
	// the leads collected so far are returned together with the error.
	ListLeads(ctx context.Context, pipelineID int64) ([]Lead, error)
	// ListStatusChanges returns the lead's status change events, oldest first.
	ListStatusChanges(ctx context.Context, leadID int64) ([]StatusChange, error)
	// PipelineStatuses returns the status metadata of one pipeline.
	PipelineStatuses(ctx context.Context, pipelineID int64) ([]Status, error)
}
