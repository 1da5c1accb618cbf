// Package metrics holds the Prometheus collectors for the stage tracker.
// This is part of the platform layer and contains no business logic.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leadflow"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	SyncCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycles by outcome (completed, failed, rejected).",
		}, []string{"outcome"},
	)
	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of completed sync cycles.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
	LeadsClassified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "leads_total",
			Help:      "Leads seen by the transition detector, by classification.",
		}, []string{"kind"},
	)
	StageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "stage_transitions_total",
			Help:      "Observed stage transitions between stages.",
		}, []string{"from", "to"},
	)
	DurationsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "durations_written_total",
			Help:      "Duration records persisted, by source.",
		}, []string{"source"},
	)
	PersistChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "persist_chunks_total",
			Help:      "Persistence chunks by outcome.",
		}, []string{"outcome"},
	)
	CRMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crm",
			Name:      "requests_total",
			Help:      "CRM API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "crm",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"},
	)
	BackfillRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "runs_total",
			Help:      "Backfill runs by final status.",
		}, []string{"status"},
	)
	BackfillLeads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "leads_total",
			Help:      "Leads reconstructed by the backfill engine, by tier.",
		}, []string{"tier"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SyncCycles, SyncDuration, LeadsClassified, StageTransitions,
		DurationsWritten, PersistChunks, CRMRequests, CircuitBreakerState,
		BackfillRuns, BackfillLeads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns the scrape handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}
