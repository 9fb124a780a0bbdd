package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Decision metrics
	DecisionsTotal  *prometheus.CounterVec
	ResolveDuration *prometheus.HistogramVec

	// Cache metrics
	CacheLookupsTotal *prometheus.CounterVec
	Generation        prometheus.Gauge

	// Mutation metrics
	MutationsTotal *prometheus.CounterVec

	// Conflict metrics
	Conflicts *prometheus.GaugeVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegraph_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rolegraph_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegraph_decisions_total",
				Help: "Total number of permission decisions",
			},
			[]string{"effect", "source"},
		),
		ResolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rolegraph_resolve_duration_seconds",
				Help:    "Permission resolution duration in seconds",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
			[]string{"source"},
		),

		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegraph_cache_lookups_total",
				Help: "Total number of effective-set cache lookups",
			},
			[]string{"result"},
		),
		Generation: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rolegraph_generation",
				Help: "Current permission graph generation",
			},
		),

		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegraph_mutations_total",
				Help: "Total number of graph mutations",
			},
			[]string{"op", "status"},
		),

		Conflicts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rolegraph_conflicts",
				Help: "Conflicts found by the last review, by severity",
			},
			[]string{"severity"},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegraph_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rolegraph_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.ResolveDuration,
		m.CacheLookupsTotal,
		m.Generation,
		m.MutationsTotal,
		m.Conflicts,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
	)

	return m
}

func decisionSource(cached bool) string {
	if cached {
		return "cache"
	}
	return "computed"
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveDecision records one permission decision
func (m *Metrics) ObserveDecision(effect string, cached bool, d time.Duration) {
	source := decisionSource(cached)
	m.DecisionsTotal.WithLabelValues(effect, source).Inc()
	m.ResolveDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveCache records an effective-set cache lookup
func (m *Metrics) ObserveCache(hit bool) {
	if hit {
		m.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookupsTotal.WithLabelValues("miss").Inc()
}

// ObserveMutation records the outcome of a graph mutation
func (m *Metrics) ObserveMutation(op string, err error) {
	m.MutationsTotal.WithLabelValues(op, statusLabel(err)).Inc()
}

// SetGeneration publishes the graph generation
func (m *Metrics) SetGeneration(generation uint64) {
	m.Generation.Set(float64(generation))
}

// SetConflicts replaces the per-severity conflict gauges
func (m *Metrics) SetConflicts(counts map[string]int) {
	m.Conflicts.Reset()
	for severity, n := range counts {
		m.Conflicts.WithLabelValues(severity).Set(float64(n))
	}
}

// ObserveStorage records a storage operation against backend
func (m *Metrics) ObserveStorage(operation, backend string, d time.Duration, err error) {
	m.StorageOperationsTotal.WithLabelValues(operation, backend, statusLabel(err)).Inc()
	m.StorageOperationDuration.WithLabelValues(operation, backend).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel returns the mux route template so ids in paths do not explode cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics. Register it with
// router.Use so the matched route is known.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
