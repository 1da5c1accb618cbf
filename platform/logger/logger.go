// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Context key types for storing values in context
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// RunIDKey is the context key for a sync or backfill run ID
	RunIDKey contextKey = "run_id"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// Option customizes logger construction.
type Option func(*options)

type options struct {
	out      io.Writer
	recorder *Recorder
}

// WithOutput redirects log output. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithRecorder tees every record into the given ring buffer.
func WithRecorder(r *Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// New creates a new logger based on environment
func New(env string, opts ...Option) *Logger {
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	var handler slog.Handler

	handlerOpts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if strings.EqualFold(env, "development") {
		handlerOpts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(o.out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(o.out, handlerOpts)
	}

	if o.recorder != nil {
		handler = o.recorder.Wrap(handler)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithContext returns a logger with context values extracted.
// Supports request_id and run_id from context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}

	newLogger := l

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		newLogger = newLogger.WithRequestID(requestID)
	}

	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		newLogger = &Logger{
			Logger: newLogger.With(slog.String("run_id", runID)),
		}
	}

	return newLogger
}

// WithRequestID returns a logger with request ID
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("request_id", requestID)),
	}
}

// WithComponent returns a logger tagged with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", name))}
}

// HTTPRequest logs an HTTP request
func (l *Logger) HTTPRequest(method, path string, status int, latencyMs float64, clientIP string) {
	l.Info("http_request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("latency_ms", latencyMs),
		slog.String("client_ip", clientIP),
	)
}

// HTTPError logs an HTTP error
func (l *Logger) HTTPError(method, path string, status int, err error, clientIP string) {
	l.Error("http_error",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.String("client_ip", clientIP),
	)
}

// DatabaseError logs database errors
func (l *Logger) DatabaseError(operation string, err error) {
	l.Error("database_error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// CRMRequest logs a completed call against the CRM API.
func (l *Logger) CRMRequest(endpoint string, status int, elapsed time.Duration, err error) {
	if err != nil {
		l.Warn("crm_request",
			slog.String("endpoint", endpoint),
			slog.Int("status", status),
			slog.Int64("latency_ms", elapsed.Milliseconds()),
			slog.String("error", err.Error()),
		)
		return
	}
	l.Debug("crm_request",
		slog.String("endpoint", endpoint),
		slog.Int("status", status),
		slog.Int64("latency_ms", elapsed.Milliseconds()),
	)
}

// SyncCycle logs the outcome of one stage sync cycle.
func (l *Logger) SyncCycle(processed, transitioned, failedChunks int, elapsed time.Duration) {
	l.Info("sync_cycle",
		slog.Int("processed", processed),
		slog.Int("transitioned", transitioned),
		slog.Int("failed_chunks", failedChunks),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
}
