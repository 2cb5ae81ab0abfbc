package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider and returns a function to collect metrics.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordAtomExecution(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("records execution count", func(t *testing.T) {
		m.RecordAtomExecution(ctx, "allocate", 50*time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "atomflow.atom.executions")
		require.NotNil(t, metric)

		sum, ok := metric.Data.(metricdata.Sum[int64])
		require.True(t, ok, "Expected Sum type")
		require.NotEmpty(t, sum.DataPoints)

		found := false
		for _, dp := range sum.DataPoints {
			for _, attr := range dp.Attributes.ToSlice() {
				if attr.Key == "atom" && attr.Value.AsString() == "allocate" {
					found = true
					assert.GreaterOrEqual(t, dp.Value, int64(1))
				}
			}
		}
		assert.True(t, found, "Expected to find datapoint for atom=allocate")
	})

	t.Run("records latency", func(t *testing.T) {
		m.RecordAtomExecution(ctx, "configure", 100*time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "atomflow.atom.latency_ms")
		require.NotNil(t, metric)

		hist, ok := metric.Data.(metricdata.Histogram[float64])
		require.True(t, ok, "Expected Histogram type")
		require.NotEmpty(t, hist.DataPoints)
	})

	t.Run("records errors when present", func(t *testing.T) {
		testErr := errors.New("atom failed")
		m.RecordAtomExecution(ctx, "failing", 10*time.Millisecond, testErr)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "atomflow.atom.errors")
		require.NotNil(t, metric)

		sum, ok := metric.Data.(metricdata.Sum[int64])
		require.True(t, ok, "Expected Sum type")
		require.NotEmpty(t, sum.DataPoints)

		found := false
		for _, dp := range sum.DataPoints {
			for _, attr := range dp.Attributes.ToSlice() {
				if attr.Key == "atom" && attr.Value.AsString() == "failing" {
					found = true
					assert.GreaterOrEqual(t, dp.Value, int64(1))
				}
			}
		}
		assert.True(t, found, "Expected to find error datapoint")
	})
}

func TestRecordAtomRevert(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	m.RecordAtomRevert(ctx, "allocate", 20*time.Millisecond, nil)
	m.RecordAtomRevert(ctx, "configure", 5*time.Millisecond, errors.New("revert failed"))

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "atomflow.atom.reverts")
	require.NotNil(t, metric)

	sum, ok := metric.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type")
	assert.Len(t, sum.DataPoints, 2)
}

func TestRecordFlowRun(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("records runs by terminal state", func(t *testing.T) {
		m.RecordFlowRun(ctx, "SUCCESS", 500*time.Millisecond)
		m.RecordFlowRun(ctx, "FAILURE", 100*time.Millisecond)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "atomflow.flow.runs")
		require.NotNil(t, metric)

		sum, ok := metric.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		assert.Len(t, sum.DataPoints, 2)
	})

	t.Run("records flow latency", func(t *testing.T) {
		m.RecordFlowRun(ctx, "SUCCESS", 200*time.Millisecond)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "atomflow.flow.latency_ms")
		require.NotNil(t, metric)

		hist, ok := metric.Data.(metricdata.Histogram[float64])
		require.True(t, ok, "Expected Histogram type")
		require.NotEmpty(t, hist.DataPoints)
	})
}

func TestRecordJournalWrite(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	m.RecordJournalWrite(ctx, "set_atom_state", nil)
	m.RecordJournalWrite(ctx, "set_atom_state", errors.New("disk full"))

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "atomflow.journal.writes")
	require.NotNil(t, metric)

	sum, ok := metric.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type")
	assert.Len(t, sum.DataPoints, 2)
}

func TestOtelMetrics_AllMethods(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()

	m.RecordAtomExecution(ctx, "test_atom", 25*time.Millisecond, nil)
	m.RecordAtomExecution(ctx, "error_atom", 10*time.Millisecond, errors.New("test"))
	m.RecordAtomRevert(ctx, "test_atom", 5*time.Millisecond, nil)
	m.RecordFlowRun(ctx, "SUCCESS", 100*time.Millisecond)
	m.RecordFlowRun(ctx, "FAILURE", 50*time.Millisecond)
	m.RecordJournalWrite(ctx, "set_flow_state", nil)

	rm := collectMetrics(t, reader)

	assert.NotNil(t, findMetric(rm, "atomflow.atom.executions"))
	assert.NotNil(t, findMetric(rm, "atomflow.atom.latency_ms"))
	assert.NotNil(t, findMetric(rm, "atomflow.atom.errors"))
	assert.NotNil(t, findMetric(rm, "atomflow.atom.reverts"))
	assert.NotNil(t, findMetric(rm, "atomflow.flow.runs"))
	assert.NotNil(t, findMetric(rm, "atomflow.flow.latency_ms"))
	assert.NotNil(t, findMetric(rm, "atomflow.journal.writes"))
}
