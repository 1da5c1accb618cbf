package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadflow_backend/internal/crm"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/metrics"

	gobreaker "github.com/sony/gobreaker/v2"
)

const breakerName = "crm-api"

// BreakerSettings tunes the circuit breaker around the CRM API.
type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before probing again.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerSettings opens after 5 consecutive failures for one minute.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: time.Minute, HalfOpenRequests: 1}
}

// BreakerClient wraps a crm.API with a circuit breaker. Calls rejected by an
// open circuit fail with crm.ErrUnavailable.
type BreakerClient struct {
	next crm.API
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreakerClient wraps next.
func NewBreakerClient(next crm.API, settings BreakerSettings, log *logger.Logger) *BreakerClient {
	if settings.ConsecutiveFailures == 0 {
		settings = DefaultBreakerSettings()
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: settings.HalfOpenRequests,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("crm circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &BreakerClient{next: next, cb: cb}
}

var _ crm.API = (*BreakerClient)(nil)

// ListLeads keeps partial results when a later page fails.
func (b *BreakerClient) ListLeads(ctx context.Context, pipelineID int64) ([]crm.Lead, error) {
	return execute(b, func() ([]crm.Lead, error) {
		return b.next.ListLeads(ctx, pipelineID)
	})
}

func (b *BreakerClient) ListStatusChanges(ctx context.Context, leadID int64) ([]crm.StatusChange, error) {
	return execute(b, func() ([]crm.StatusChange, error) {
		return b.next.ListStatusChanges(ctx, leadID)
	})
}

func (b *BreakerClient) PipelineStatuses(ctx context.Context, pipelineID int64) ([]crm.Status, error) {
	return execute(b, func() ([]crm.Status, error) {
		return b.next.PipelineStatuses(ctx, pipelineID)
	})
}

// State reports the breaker state, e.g. for health output.
func (b *BreakerClient) State() string {
	return b.cb.State().String()
}

func execute[T any](b *BreakerClient, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	typed, _ := res.(T)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return typed, fmt.Errorf("%w: %v", crm.ErrUnavailable, err)
	}
	return typed, err
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
