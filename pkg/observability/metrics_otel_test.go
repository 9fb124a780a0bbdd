package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMeterProvider creates a test meter provider with a manual reader
func setupTestMeterProvider(t *testing.T) *metric.ManualReader {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func collectNames(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestOTelMetrics_Record(t *testing.T) {
	reader := setupTestMeterProvider(t)

	m, err := NewOTelMetrics()
	require.NoError(t, err)

	m.ObserveDecision("deny", false, time.Millisecond)
	m.ObserveDecision("allow", true, time.Microsecond)
	m.ObserveCache(true)
	m.ObserveMutation("assign_rule", nil)
	m.ObserveMutation("assign_rule", errors.New("not found"))
	m.SetGeneration(9)

	got := collectNames(t, reader)
	for _, name := range []string{
		"rolegraph.decisions",
		"rolegraph.resolve.duration",
		"rolegraph.cache.lookups",
		"rolegraph.mutations",
		"rolegraph.generation",
	} {
		assert.Contains(t, got, name)
	}

	decisions, ok := got["rolegraph.decisions"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range decisions.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	generation, ok := got["rolegraph.generation"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, generation.DataPoints, 1)
	assert.Equal(t, int64(9), generation.DataPoints[0].Value)
}

func TestFanOut(t *testing.T) {
	setupTestMeterProvider(t)

	prom := NewMetrics(prometheus.NewRegistry())
	otelMetrics, err := NewOTelMetrics()
	require.NoError(t, err)

	recorder := FanOut(prom, otelMetrics)
	recorder.ObserveMutation("create_role", nil)
	recorder.ObserveCache(false)
	recorder.SetGeneration(5)
	recorder.ObserveDecision("allow", false, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(prom.MutationsTotal.WithLabelValues("create_role", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.CacheLookupsTotal.WithLabelValues("miss")))
	assert.Equal(t, 5.0, testutil.ToFloat64(prom.Generation))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.DecisionsTotal.WithLabelValues("allow", "computed")))
}
