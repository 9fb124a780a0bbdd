package webhooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWebhookRouter(t *testing.T, m *Manager) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	NewHandlers(m).RegisterRoutes(router)
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestHandlers_Lifecycle(t *testing.T) {
	target := newReceiver(t)
	m := newTestManager(t, newTestClock())
	router := newWebhookRouter(t, m)

	rec := do(router, http.MethodPost, "/rbac/webhooks", `{"url":"`+target.server.URL+`","events":["rule.*"],"secret":"s3cret"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created Endpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Empty(t, created.Secret)
	assert.NotContains(t, rec.Body.String(), "s3cret")
	base := "/rbac/webhooks/" + created.ID

	rec = do(router, http.MethodGet, "/rbac/webhooks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []Endpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = do(router, http.MethodPatch, base, `{"description":"audit feed","format":"slack"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated Endpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "audit feed", updated.Description)
	assert.Equal(t, FormatSlack, updated.Format)

	rec = do(router, http.MethodPost, base+"/deactivate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":false`)
	rec = do(router, http.MethodPost, base+"/activate", "")
	assert.Contains(t, rec.Body.String(), `"active":true`)

	rec = do(router, http.MethodPost, base+"/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var delivery DeliveryLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &delivery))
	assert.Equal(t, DeliveryStatusSuccess, delivery.Status)

	rec = do(router, http.MethodGet, base+"/deliveries?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = do(router, http.MethodGet, base+"/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats DeliveryStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Successful)

	rec = do(router, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(router, http.MethodGet, base, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_Errors(t *testing.T) {
	m := newTestManager(t, nil)
	router := newWebhookRouter(t, m)
	endpoint := register(t, m, Endpoint{URL: "https://hooks.example.com"})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed create", http.MethodPost, "/rbac/webhooks", `{"url":`, http.StatusBadRequest},
		{"invalid create", http.MethodPost, "/rbac/webhooks", `{"url":"not a url"}`, http.StatusBadRequest},
		{"invalid update", http.MethodPatch, "/rbac/webhooks/" + endpoint.ID, `{"format":"xml"}`, http.StatusBadRequest},
		{"unknown get", http.MethodGet, "/rbac/webhooks/missing", "", http.StatusNotFound},
		{"unknown update", http.MethodPatch, "/rbac/webhooks/missing", `{}`, http.StatusNotFound},
		{"unknown delete", http.MethodDelete, "/rbac/webhooks/missing", "", http.StatusNotFound},
		{"unknown activate", http.MethodPost, "/rbac/webhooks/missing/activate", "", http.StatusNotFound},
		{"unknown deliveries", http.MethodGet, "/rbac/webhooks/missing/deliveries", "", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/rbac/webhooks/" + endpoint.ID + "/deliveries?limit=0", "", http.StatusBadRequest},
		{"unknown stats", http.MethodGet, "/rbac/webhooks/missing/stats", "", http.StatusNotFound},
		{"unknown test", http.MethodPost, "/rbac/webhooks/missing/test", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}
