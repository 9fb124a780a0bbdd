package swagger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/rolegraph/pkg/audit"
	"github.com/platinummonkey/rolegraph/pkg/graphview"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
	"github.com/platinummonkey/rolegraph/pkg/webhooks"
)

func TestRegisterRoutes(t *testing.T) {
	router := mux.NewRouter()
	NewSwaggerHandlers().RegisterRoutes(router)

	tests := []struct {
		name        string
		path        string
		contentType string
		contains    []string
	}{
		{
			name:        "YAML spec",
			path:        "/openapi.yaml",
			contentType: "application/x-yaml",
			contains:    []string{"openapi: 3.0.3", "/rbac/resolve"},
		},
		{
			name:        "JSON spec",
			path:        "/openapi.json",
			contentType: "application/json",
			contains:    []string{`"openapi":"3.0.3"`, `"/rbac/bulk"`},
		},
		{
			name:        "Swagger UI",
			path:        "/swagger-ui",
			contentType: "text/html; charset=utf-8",
			contains:    []string{"<!DOCTYPE html>", "rolegraph API - Swagger UI", "X-Rolegraph-Roles", "/openapi.yaml"},
		},
		{
			name:        "API docs alias",
			path:        "/api-docs",
			contentType: "text/html; charset=utf-8",
			contains:    []string{"SwaggerUIBundle"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.contentType, w.Header().Get("Content-Type"))
			for _, want := range tt.contains {
				assert.Contains(t, w.Body.String(), want)
			}
		})
	}
}

func TestServeOpenAPISpecJSON_MatchesYAML(t *testing.T) {
	h := NewSwaggerHandlers()
	w := httptest.NewRecorder()
	h.serveOpenAPISpecJSON(w, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	var fromJSON map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fromJSON))
	var fromYAML map[string]interface{}
	require.NoError(t, yaml.Unmarshal(openapiSpec, &fromYAML))
	assert.Len(t, fromJSON["paths"], len(fromYAML["paths"].(map[string]interface{})))

	// converted once and reused
	again, err := h.specJSON()
	require.NoError(t, err)
	assert.Equal(t, w.Body.Bytes(), again)
}

// Every admin route is described in the document
func TestOpenAPISpec_CoversRoutes(t *testing.T) {
	var doc struct {
		Paths map[string]map[string]interface{} `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc))

	engine, err := rbac.NewEngine(context.Background(), rbac.NewMemoryRepository())
	require.NoError(t, err)
	hooks := webhooks.NewManager(webhooks.DefaultConfig())
	t.Cleanup(func() { hooks.Close() })

	router := mux.NewRouter()
	rbac.NewHandlers(engine).RegisterRoutes(router)
	audit.NewHandlers(audit.NewMemoryStore(10)).RegisterRoutes(router)
	webhooks.NewHandlers(hooks).RegisterRoutes(router)
	graphview.NewHandlers(engine).RegisterRoutes(router)

	err = router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, err := route.GetMethods()
		if err != nil {
			return nil
		}
		operations, ok := doc.Paths[path]
		if !assert.True(t, ok, "undocumented path %s", path) {
			return nil
		}
		for _, m := range methods {
			assert.Contains(t, operations, strings.ToLower(m), "undocumented %s %s", m, path)
		}
		return nil
	})
	require.NoError(t, err)
}
