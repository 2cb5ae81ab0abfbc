package atomflow

import (
	"log/slog"

	"github.com/atomflow/atomflow/pkg/atomflow/observability"
	"github.com/atomflow/atomflow/pkg/atomflow/storage"
)

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the journal store. Default: an in-memory store.
// The caller keeps ownership: Close() will not close a store supplied here.
func WithStore(s storage.Store) Option {
	return func(e *Engine) {
		e.store = s
		e.ownStore = false
	}
}

// WithStrategy sets the execution strategy. Default: serial.
func WithStrategy(s Strategy) Option {
	return func(e *Engine) {
		e.strategy = s
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracing enables span creation through the given manager.
// Default: tracing disabled.
func WithTracing(sm observability.SpanManager) Option {
	return func(e *Engine) {
		e.spans = sm
		e.tracing = true
	}
}

// WithOwner sets the claim owner identity used for advisory run claims.
// Default: a generated UUID. Set this to a stable identity (host name,
// pod name) when several processes share one journal backend.
func WithOwner(owner string) Option {
	return func(e *Engine) {
		if owner != "" {
			e.owner = owner
		}
	}
}
