package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Decisions(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveDecision("allow", false, time.Millisecond)
	metrics.ObserveDecision("allow", true, time.Microsecond)
	metrics.ObserveDecision("deny", true, time.Microsecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("allow", "computed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("allow", "cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("deny", "cache")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.ResolveDuration))
}

func TestMetrics_CacheAndGeneration(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveCache(true)
	metrics.ObserveCache(true)
	metrics.ObserveCache(false)
	metrics.SetGeneration(42)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("miss")))
	assert.Equal(t, 42.0, testutil.ToFloat64(metrics.Generation))
}

func TestMetrics_Mutations(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveMutation("create_role", nil)
	metrics.ObserveMutation("create_role", errors.New("duplicate"))
	metrics.ObserveMutation("bulk_assign", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MutationsTotal.WithLabelValues("create_role", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MutationsTotal.WithLabelValues("create_role", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MutationsTotal.WithLabelValues("bulk_assign", "success")))
}

func TestMetrics_SetConflictsResets(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.SetConflicts(map[string]int{"high": 2, "low": 1})
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.Conflicts))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Conflicts.WithLabelValues("high")))

	metrics.SetConflicts(map[string]int{"medium": 3})
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.Conflicts))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Conflicts.WithLabelValues("medium")))
}

func TestMetrics_Storage(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveStorage("save_rules", "redis", 2*time.Millisecond, nil)
	metrics.ObserveStorage("save_rules", "redis", time.Millisecond, errors.New("connection refused"))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("save_rules", "redis", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("save_rules", "redis", "error")))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/roles/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods("GET")

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/roles/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/roles/{id}", "404")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.HTTPRequestsTotal))
}

func TestMetrics_Handler(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.SetGeneration(3)

	server := httptest.NewServer(metrics.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "rolegraph_generation 3"))
}
