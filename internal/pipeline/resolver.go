package pipeline

import (
	"context"
	"sync"

	"leadflow_backend/internal/crm"
	"leadflow_backend/platform/logger"
)

// StatusSource fetches pipeline status metadata.
type StatusSource interface {
	PipelineStatuses(ctx context.Context, pipelineID int64) ([]crm.Status, error)
}

// Resolution is the stage name resolved for one status id. Exact is false
// when the name is the fallback label.
type Resolution struct {
	Name  string
	Exact bool
}

// StatusNames maps the status ids of one pipeline to stage names. Lookups
// never fail: unknown ids resolve to the fallback label with Exact=false.
type StatusNames struct {
	pipelineID int64
	names      map[int64]string
	fallback   string
	degraded   bool
}

// Name resolves a status id.
func (n StatusNames) Name(statusID int64) Resolution {
	if name, ok := n.names[statusID]; ok {
		return Resolution{Name: name, Exact: true}
	}
	return Resolution{Name: n.fallback, Exact: false}
}

// StageName adapts Name for callers that only need the name and whether it is exact.
func (n StatusNames) StageName(statusID int64) (string, bool) {
	r := n.Name(statusID)
	return r.Name, r.Exact
}

// Degraded reports whether the metadata call failed or returned no statuses.
func (n StatusNames) Degraded() bool { return n.degraded }

// PipelineID is the pipeline these names belong to.
func (n StatusNames) PipelineID() int64 { return n.pipelineID }

// Len is the number of known statuses.
func (n StatusNames) Len() int { return len(n.names) }

// NewStatusNames builds a name map directly, e.g. for tests and one-shot tools.
func NewStatusNames(pipelineID int64, names map[int64]string, fallback string) StatusNames {
	return StatusNames{pipelineID: pipelineID, names: names, fallback: fallback, degraded: len(names) == 0}
}

// Resolver resolves and caches status names per pipeline.
type Resolver struct {
	src     StatusSource
	catalog *Catalog
	log     *logger.Logger

	mu    sync.Mutex
	cache map[int64]StatusNames
}

// NewResolver creates a resolver over the CRM metadata endpoint.
func NewResolver(src StatusSource, catalog *Catalog, log *logger.Logger) *Resolver {
	return &Resolver{
		src:     src,
		catalog: catalog,
		log:     log,
		cache:   make(map[int64]StatusNames),
	}
}

// Catalog exposes the stage catalog used for normalization.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// Resolve returns the status names of a pipeline. On failure or an empty
// status list it logs and returns a degraded map; degraded maps are not cached.
func (r *Resolver) Resolve(ctx context.Context, pipelineID int64) StatusNames {
	r.mu.Lock()
	cached, ok := r.cache[pipelineID]
	r.mu.Unlock()
	if ok {
		return cached
	}

	fallback := r.catalog.DefaultStage()
	statuses, err := r.src.PipelineStatuses(ctx, pipelineID)
	if err != nil {
		r.log.Error("stage name resolution failed, using fallback label", "pipelineId", pipelineID, "fallback", fallback, "error", err)
		return StatusNames{pipelineID: pipelineID, names: map[int64]string{}, fallback: fallback, degraded: true}
	}
	if len(statuses) == 0 {
		r.log.Warn("pipeline returned no statuses, using fallback label", "pipelineId", pipelineID, "fallback", fallback)
		return StatusNames{pipelineID: pipelineID, names: map[int64]string{}, fallback: fallback, degraded: true}
	}

	names := make(map[int64]string, len(statuses))
	for _, s := range statuses {
		name, known := r.catalog.Normalize(s.Name)
		if name == "" {
			continue
		}
		if !known {
			r.log.Debug("status not in stage catalog", "pipelineId", pipelineID, "statusId", s.ID, "name", name)
		}
		names[s.ID] = name
	}

	resolved := StatusNames{pipelineID: pipelineID, names: names, fallback: fallback}
	r.mu.Lock()
	r.cache[pipelineID] = resolved
	r.mu.Unlock()
	return resolved
}

// Invalidate drops the cached names of a pipeline so the next Resolve refetches.
func (r *Resolver) Invalidate(pipelineID int64) {
	r.mu.Lock()
	delete(r.cache, pipelineID)
	r.mu.Unlock()
}
