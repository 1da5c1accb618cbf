package client

import (
	"time"

	"leadflow_backend/internal/crm"
)

type halLinks struct {
	Next struct {
		Href string `json:"href"`
	} `json:"next"`
}

type apiLead struct {
	ID         int64 `json:"id"`
	StatusID   int64 `json:"status_id"`
	PipelineID int64 `json:"pipeline_id"`
	CreatedAt  int64 `json:"created_at"`
	UpdatedAt  int64 `json:"updated_at"`
}

func (a apiLead) toDomain() crm.Lead {
	return crm.Lead{
		ID:         a.ID,
		StatusID:   a.StatusID,
		PipelineID: a.PipelineID,
		CreatedAt:  unixTime(a.CreatedAt),
		UpdatedAt:  unixTime(a.UpdatedAt),
	}
}

type leadsPage struct {
	Page     int      `json:"_page"`
	Links    halLinks `json:"_links"`
	Embedded struct {
		Leads []apiLead `json:"leads"`
	} `json:"_embedded"`
}

type apiLeadStatus struct {
	LeadStatus struct {
		ID         int64 `json:"id"`
		PipelineID int64 `json:"pipeline_id"`
	} `json:"lead_status"`
}

type apiEvent struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	EntityID    int64           `json:"entity_id"`
	EntityType  string          `json:"entity_type"`
	CreatedAt   int64           `json:"created_at"`
	ValueAfter  []apiLeadStatus `json:"value_after"`
	ValueBefore []apiLeadStatus `json:"value_before"`
}

func (a apiEvent) toDomain() crm.StatusChange {
	change := crm.StatusChange{
		ID:        a.ID,
		LeadID:    a.EntityID,
		CreatedAt: unixTime(a.CreatedAt),
	}
	if len(a.ValueBefore) > 0 {
		change.Before = crm.StatusRef{
			StatusID:   a.ValueBefore[0].LeadStatus.ID,
			PipelineID: a.ValueBefore[0].LeadStatus.PipelineID,
		}
	}
	if len(a.ValueAfter) > 0 {
		change.After = crm.StatusRef{
			StatusID:   a.ValueAfter[0].LeadStatus.ID,
			PipelineID: a.ValueAfter[0].LeadStatus.PipelineID,
		}
	}
	return change
}

type eventsPage struct {
	Page     int      `json:"_page"`
	Links    halLinks `json:"_links"`
	Embedded struct {
		Events []apiEvent `json:"events"`
	} `json:"_embedded"`
}

type apiStatus struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Sort       int    `json:"sort"`
	PipelineID int64  `json:"pipeline_id"`
}

type pipelineResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Embedded struct {
		Statuses []apiStatus `json:"statuses"`
	} `json:"_embedded"`
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
