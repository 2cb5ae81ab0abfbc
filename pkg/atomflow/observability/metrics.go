package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records atomflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordAtomExecution records an atom execution with its duration and error status.
	RecordAtomExecution(ctx context.Context, atom string, duration time.Duration, err error)

	// RecordAtomRevert records an atom reversion with its duration and error status.
	RecordAtomRevert(ctx context.Context, atom string, duration time.Duration, err error)

	// RecordFlowRun records a flow run completion with its terminal state.
	RecordFlowRun(ctx context.Context, state string, duration time.Duration)

	// RecordJournalWrite records a journal write operation.
	RecordJournalWrite(ctx context.Context, op string, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	atomExecutions metric.Int64Counter
	atomLatency    metric.Float64Histogram
	atomErrors     metric.Int64Counter
	atomReverts    metric.Int64Counter
	flowRuns       metric.Int64Counter
	flowLatency    metric.Float64Histogram
	journalWrites  metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("atomflow")

	atomExecutions, err := meter.Int64Counter("atomflow.atom.executions",
		metric.WithDescription("Number of atom executions"),
	)
	if err != nil {
		return nil, err
	}

	atomLatency, err := meter.Float64Histogram("atomflow.atom.latency_ms",
		metric.WithDescription("Atom execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	atomErrors, err := meter.Int64Counter("atomflow.atom.errors",
		metric.WithDescription("Number of atom execution errors"),
	)
	if err != nil {
		return nil, err
	}

	atomReverts, err := meter.Int64Counter("atomflow.atom.reverts",
		metric.WithDescription("Number of atom reversions"),
	)
	if err != nil {
		return nil, err
	}

	flowRuns, err := meter.Int64Counter("atomflow.flow.runs",
		metric.WithDescription("Number of flow runs"),
	)
	if err != nil {
		return nil, err
	}

	flowLatency, err := meter.Float64Histogram("atomflow.flow.latency_ms",
		metric.WithDescription("Flow run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	journalWrites, err := meter.Int64Counter("atomflow.journal.writes",
		metric.WithDescription("Number of journal write operations"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		atomExecutions: atomExecutions,
		atomLatency:    atomLatency,
		atomErrors:     atomErrors,
		atomReverts:    atomReverts,
		flowRuns:       flowRuns,
		flowLatency:    flowLatency,
		journalWrites:  journalWrites,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordAtomExecution records an atom execution.
func (m *otelMetrics) RecordAtomExecution(ctx context.Context, atom string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("atom", atom),
	}

	m.atomExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.atomLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.atomErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordAtomRevert records an atom reversion.
func (m *otelMetrics) RecordAtomRevert(ctx context.Context, atom string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("atom", atom),
		attribute.Bool("success", err == nil),
	}
	m.atomReverts.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.atomLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordFlowRun records a flow run completion.
func (m *otelMetrics) RecordFlowRun(ctx context.Context, state string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("state", state),
	}
	m.flowRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.flowLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordJournalWrite records a journal write.
func (m *otelMetrics) RecordJournalWrite(ctx context.Context, op string, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", op),
		attribute.Bool("success", err == nil),
	}
	m.journalWrites.Add(ctx, 1, metric.WithAttributes(attrs...))
}
