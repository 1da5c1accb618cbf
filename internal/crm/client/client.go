// Package client provides the HTTP client for the CRM v4 REST API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"leadflow_backend/internal/crm"
	"leadflow_backend/platform/config"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/metrics"

	"golang.org/x/time/rate"
)

const (
	endpointLeads     = "leads"
	endpointEvents    = "events"
	endpointPipelines = "pipelines"

	eventTypeStatusChanged = "lead_status_changed"

	// The events endpoint caps pages lower than the leads endpoint.
	maxEventPageLimit = 100
	// Upper bound on pages per listing, in case the API keeps returning next links.
	maxPages = 10000
)

// Client is the HTTP client for the CRM API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	pageLimit  int
	pageDelay  time.Duration
	limiter    *rate.Limiter
	log        *logger.Logger
}

// New creates a CRM client from configuration.
func New(cfg config.CRMConfig, log *logger.Logger) *Client {
	timeout := cfg.GetCRMTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if rps := cfg.GetCRMRequestsPerSecond(); rps > 0 {
		limit = rate.Limit(rps)
	}

	pageLimit := cfg.GetCRMPageLimit()
	if pageLimit <= 0 {
		pageLimit = 250
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.GetCRMBaseURL(),
		token:      cfg.GetCRMAccessToken(),
		pageLimit:  pageLimit,
		pageDelay:  cfg.GetCRMPageDelay(),
		limiter:    rate.NewLimiter(limit, 1),
		log:        log,
	}
}

var _ crm.API = (*Client)(nil)

// ListLeads pages through /api/v4/leads filtered by pipeline.
func (c *Client) ListLeads(ctx context.Context, pipelineID int64) ([]crm.Lead, error) {
	params := url.Values{}
	params.Set("filter[pipeline_id]", strconv.FormatInt(pipelineID, 10))

	var leads []crm.Lead
	err := c.paginate(ctx, endpointLeads, "/api/v4/leads", params, c.pageLimit, func(body []byte) (int, error) {
		var page leadsPage
		if err := json.Unmarshal(body, &page); err != nil {
			return 0, fmt.Errorf("decode leads page: %w", err)
		}
		for _, l := range page.Embedded.Leads {
			leads = append(leads, l.toDomain())
		}
		if page.Links.Next.Href == "" {
			return 0, errLastPage
		}
		return len(page.Embedded.Leads), nil
	})
	if err != nil {
		return leads, fmt.Errorf("list leads: %w", err)
	}
	return leads, nil
}

// ListStatusChanges pages through the lead's lead_status_changed events.
func (c *Client) ListStatusChanges(ctx context.Context, leadID int64) ([]crm.StatusChange, error) {
	params := url.Values{}
	params.Set("filter[entity]", "lead")
	params.Set("filter[entity_id]", strconv.FormatInt(leadID, 10))
	params.Set("filter[type]", eventTypeStatusChanged)

	limit := c.pageLimit
	if limit > maxEventPageLimit {
		limit = maxEventPageLimit
	}

	var changes []crm.StatusChange
	err := c.paginate(ctx, endpointEvents, "/api/v4/events", params, limit, func(body []byte) (int, error) {
		var page eventsPage
		if err := json.Unmarshal(body, &page); err != nil {
			return 0, fmt.Errorf("decode events page: %w", err)
		}
		for _, e := range page.Embedded.Events {
			if e.Type != eventTypeStatusChanged || e.EntityID != leadID {
				continue
			}
			changes = append(changes, e.toDomain())
		}
		if page.Links.Next.Href == "" {
			return 0, errLastPage
		}
		return len(page.Embedded.Events), nil
	})
	if err != nil {
		return nil, fmt.Errorf("list status changes for lead %d: %w", leadID, err)
	}

	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].CreatedAt.Before(changes[j].CreatedAt)
	})
	return changes, nil
}

// PipelineStatuses fetches /api/v4/leads/pipelines/{id}.
func (c *Client) PipelineStatuses(ctx context.Context, pipelineID int64) ([]crm.Status, error) {
	path := "/api/v4/leads/pipelines/" + strconv.FormatInt(pipelineID, 10)
	body, status, err := c.get(ctx, endpointPipelines, path, nil)
	if err != nil {
		return nil, fmt.Errorf("pipeline statuses: %w", err)
	}
	if status == http.StatusNoContent {
		return nil, nil
	}

	var p pipelineResponse
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}

	statuses := make([]crm.Status, 0, len(p.Embedded.Statuses))
	for _, s := range p.Embedded.Statuses {
		pid := s.PipelineID
		if pid == 0 {
			pid = pipelineID
		}
		statuses = append(statuses, crm.Status{ID: s.ID, PipelineID: pid, Name: s.Name, Sort: s.Sort})
	}
	return statuses, nil
}

var errLastPage = errors.New("last page")

// paginate requests pages 1..n until a page is empty, has no next link, or
// the API answers 204. handle returns errLastPage to stop after a page.
func (c *Client) paginate(ctx context.Context, endpoint, path string, params url.Values, limit int, handle func(body []byte) (int, error)) error {
	for page := 1; page <= maxPages; page++ {
		if page > 1 && c.pageDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.pageDelay):
			}
		}

		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(limit))

		body, status, err := c.get(ctx, endpoint, path, q)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		if status == http.StatusNoContent {
			return nil
		}

		n, err := handle(body)
		if errors.Is(err, errLastPage) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	c.log.Warn("crm pagination stopped at page cap", "endpoint", endpoint, "maxPages", maxPages)
	return nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/hal+json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(endpoint, 0, start, err)
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var raw json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			c.observe(endpoint, resp.StatusCode, start, err)
			return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
		}
		c.observe(endpoint, resp.StatusCode, start, nil)
		return raw, resp.StatusCode, nil
	case http.StatusNoContent:
		c.observe(endpoint, resp.StatusCode, start, nil)
		return nil, resp.StatusCode, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		c.observe(endpoint, resp.StatusCode, start, crm.ErrUnauthorized)
		return nil, resp.StatusCode, crm.ErrUnauthorized
	case http.StatusTooManyRequests:
		c.observe(endpoint, resp.StatusCode, start, crm.ErrRateLimited)
		return nil, resp.StatusCode, crm.ErrRateLimited
	default:
		err := fmt.Errorf("upstream error: status %d", resp.StatusCode)
		c.observe(endpoint, resp.StatusCode, start, err)
		return nil, resp.StatusCode, err
	}
}

func (c *Client) observe(endpoint string, status int, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CRMRequests.WithLabelValues(endpoint, outcome).Inc()
	c.log.CRMRequest(endpoint, status, time.Since(start), err)
}
