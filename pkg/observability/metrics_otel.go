package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineRecorder is the callback set the permission engine reports through
type EngineRecorder interface {
	ObserveDecision(effect string, cached bool, d time.Duration)
	ObserveCache(hit bool)
	ObserveMutation(op string, err error)
	SetGeneration(generation uint64)
}

var (
	_ EngineRecorder = (*Metrics)(nil)
	_ EngineRecorder = (*OTelMetrics)(nil)
)

// OTelMetrics holds OpenTelemetry metric instruments
type OTelMetrics struct {
	decisions       metric.Int64Counter
	resolveDuration metric.Float64Histogram
	cacheLookups    metric.Int64Counter
	mutations       metric.Int64Counter
	generation      metric.Int64Gauge
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/rolegraph")

	m := &OTelMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"rolegraph.decisions",
		metric.WithDescription("Total number of permission decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.resolveDuration, err = meter.Float64Histogram(
		"rolegraph.resolve.duration",
		metric.WithDescription("Permission resolution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolve duration histogram: %w", err)
	}

	m.cacheLookups, err = meter.Int64Counter(
		"rolegraph.cache.lookups",
		metric.WithDescription("Total number of effective-set cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	m.mutations, err = meter.Int64Counter(
		"rolegraph.mutations",
		metric.WithDescription("Total number of graph mutations"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mutations counter: %w", err)
	}

	m.generation, err = meter.Int64Gauge(
		"rolegraph.generation",
		metric.WithDescription("Current permission graph generation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation gauge: %w", err)
	}

	return m, nil
}

// ObserveDecision records one permission decision
func (m *OTelMetrics) ObserveDecision(effect string, cached bool, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("decision.effect", effect),
		attribute.String("decision.source", decisionSource(cached)),
	)
	m.decisions.Add(ctx, 1, attrs)
	m.resolveDuration.Record(ctx, d.Seconds(), attrs)
}

// ObserveCache records an effective-set cache lookup
func (m *OTelMetrics) ObserveCache(hit bool) {
	m.cacheLookups.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("cache.hit", hit)))
}

// ObserveMutation records the outcome of a graph mutation
func (m *OTelMetrics) ObserveMutation(op string, err error) {
	m.mutations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("mutation.op", op),
		attribute.Bool("error", err != nil),
	))
}

// SetGeneration publishes the graph generation
func (m *OTelMetrics) SetGeneration(generation uint64) {
	m.generation.Record(context.Background(), int64(generation))
}

// recorders fans engine callbacks out to several backends
type recorders []EngineRecorder

// FanOut returns a recorder that forwards every callback to each of rs
func FanOut(rs ...EngineRecorder) EngineRecorder {
	return recorders(rs)
}

func (rs recorders) ObserveDecision(effect string, cached bool, d time.Duration) {
	for _, r := range rs {
		r.ObserveDecision(effect, cached, d)
	}
}

func (rs recorders) ObserveCache(hit bool) {
	for _, r := range rs {
		r.ObserveCache(hit)
	}
}

func (rs recorders) ObserveMutation(op string, err error) {
	for _, r := range rs {
		r.ObserveMutation(op, err)
	}
}

func (rs recorders) SetGeneration(generation uint64) {
	for _, r := range rs {
		r.SetGeneration(generation)
	}
}
