package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"leadflow_backend/internal/crm"
	"leadflow_backend/platform/logger"
)

type testConfig struct {
	baseURL string
}

func (c testConfig) GetCRMBaseURL() string            { return c.baseURL }
func (c testConfig) GetCRMAccessToken() string        { return "secret" }
func (c testConfig) GetCRMPipelineID() int64          { return 10 }
func (c testConfig) GetCRMPageLimit() int             { return 2 }
func (c testConfig) GetCRMPageDelay() time.Duration   { return 0 }
func (c testConfig) GetCRMRequestsPerSecond() float64 { return 0 }
func (c testConfig) GetCRMTimeout() time.Duration     { return 5 * time.Second }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(testConfig{baseURL: srv.URL}, logger.Discard())
}

func TestListLeadsFollowsNextLinks(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("filter[pipeline_id]") != "10" {
			t.Errorf("unexpected pipeline filter %q", r.URL.Query().Get("filter[pipeline_id]"))
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/hal+json")
		switch page {
		case 1:
			fmt.Fprint(w, `{"_page":1,"_links":{"next":{"href":"x?page=2"}},"_embedded":{"leads":[
				{"id":1,"status_id":100,"pipeline_id":10,"created_at":1700000000},
				{"id":2,"status_id":101,"pipeline_id":10,"created_at":1700000100}]}}`)
		case 2:
			fmt.Fprint(w, `{"_page":2,"_links":{},"_embedded":{"leads":[
				{"id":3,"status_id":100,"pipeline_id":10,"created_at":1700000200}]}}`)
		default:
			t.Errorf("unexpected page %d", page)
		}
	})

	leads, err := client.ListLeads(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(leads) != 3 {
		t.Fatalf("expected 3 leads, got %d", len(leads))
	}
	if leads[1].StatusID != 101 || !leads[0].CreatedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected lead mapping: %+v", leads)
	}
}

func TestListLeadsStopsOnNoContent(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	leads, err := client.ListLeads(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(leads) != 0 || calls.Load() != 1 {
		t.Fatalf("expected one call and no leads, got %d calls and %d leads", calls.Load(), len(leads))
	}
}

func TestListLeadsReturnsPartialPagesOnFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprint(w, `{"_links":{"next":{"href":"x"}},"_embedded":{"leads":[{"id":1,"status_id":100,"pipeline_id":10}]}}`)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})

	leads, err := client.ListLeads(context.Background(), 10)
	if err == nil {
		t.Fatalf("expected error from failing second page")
	}
	if len(leads) != 1 {
		t.Fatalf("expected first page to be kept, got %d leads", len(leads))
	}
}

func TestListStatusChangesSortsAscending(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("filter[entity_id]") != "7" || q.Get("filter[type]") != "lead_status_changed" {
			t.Errorf("unexpected filters %v", q)
		}
		fmt.Fprint(w, `{"_embedded":{"events":[
			{"id":"b","type":"lead_status_changed","entity_id":7,"created_at":1700000500,
			 "value_before":[{"lead_status":{"id":101,"pipeline_id":10}}],
			 "value_after":[{"lead_status":{"id":102,"pipeline_id":10}}]},
			{"id":"a","type":"lead_status_changed","entity_id":7,"created_at":1700000100,
			 "value_before":[{"lead_status":{"id":100,"pipeline_id":10}}],
			 "value_after":[{"lead_status":{"id":101,"pipeline_id":10}}]}]}}`)
	})

	changes, err := client.ListStatusChanges(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].ID != "a" || changes[0].After.StatusID != 101 || changes[1].Before.StatusID != 101 {
		t.Fatalf("unexpected ordering or mapping: %+v", changes)
	}
}

func TestPipelineStatuses(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/leads/pipelines/10" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"id":10,"name":"Sales","_embedded":{"statuses":[
			{"id":100,"name":"New lead","sort":10},
			{"id":142,"name":"Closed - won","sort":10000,"pipeline_id":10}]}}`)
	})

	statuses, err := client.PipelineStatuses(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(statuses) != 2 || statuses[0].PipelineID != 10 || statuses[1].Name != "Closed - won" {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
}

func TestUnauthorizedIsTyped(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.PipelineStatuses(context.Background(), 10)
	if !errors.Is(err, crm.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

type failingAPI struct {
	calls atomic.Int32
}

func (f *failingAPI) ListLeads(context.Context, int64) ([]crm.Lead, error) {
	f.calls.Add(1)
	return []crm.Lead{{ID: 1}}, errors.New("boom")
}

func (f *failingAPI) ListStatusChanges(context.Context, int64) ([]crm.StatusChange, error) {
	f.calls.Add(1)
	return nil, errors.New("boom")
}

func (f *failingAPI) PipelineStatuses(context.Context, int64) ([]crm.Status, error) {
	f.calls.Add(1)
	return nil, errors.New("boom")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	api := &failingAPI{}
	b := NewBreakerClient(api, BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Hour, HalfOpenRequests: 1}, logger.Discard())

	for i := 0; i < 2; i++ {
		if _, err := b.ListStatusChanges(context.Background(), 1); err == nil || errors.Is(err, crm.ErrUnavailable) {
			t.Fatalf("call %d: expected passthrough failure, got %v", i, err)
		}
	}

	_, err := b.PipelineStatuses(context.Background(), 1)
	if !errors.Is(err, crm.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable once open, got %v", err)
	}
	if api.calls.Load() != 2 {
		t.Fatalf("expected open circuit to skip the call, got %d calls", api.calls.Load())
	}
}

func TestBreakerKeepsPartialLeads(t *testing.T) {
	b := NewBreakerClient(&failingAPI{}, DefaultBreakerSettings(), logger.Discard())

	leads, err := b.ListLeads(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(leads) != 1 {
		t.Fatalf("expected partial leads to pass through the breaker, got %d", len(leads))
	}
}
