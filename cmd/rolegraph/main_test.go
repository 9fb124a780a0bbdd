package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegraph/pkg/config"
	"github.com/platinummonkey/rolegraph/pkg/middleware"
	"github.com/platinummonkey/rolegraph/pkg/observability"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
	"github.com/platinummonkey/rolegraph/pkg/review"
	"github.com/platinummonkey/rolegraph/pkg/storage/snapshot"
	"github.com/platinummonkey/rolegraph/pkg/swagger"
)

const testSeed = `
permissions:
  - key: rbac.admin
roles:
  - name: Operator
  - name: Auditor
rules:
  - role: Operator
    permission: rbac.admin
    effect: allow
    priority: 50
`

func testLogger() *observability.Logger {
	return observability.Discard()
}

// emptyBucket answers every listing with no objects
type emptyBucket struct {
	snapshot.ObjectAPI
}

func (emptyBucket) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return &s3.ListObjectsV2Output{}, nil
}

func seededManager(t *testing.T) *rbac.Manager {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSeed), 0o644))

	health := observability.NewHealthChecker("test")
	backend, err := openBackend(ctx, config.StorageConfig{Type: config.StorageMemory}, health, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { backend.close() })

	manager, err := rbac.NewManager(ctx, backend.repo, rbac.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, applySeed(ctx, path, manager.Engine(), testLogger()))
	return manager
}

func TestApplySeed(t *testing.T) {
	manager := seededManager(t)
	assert.Len(t, manager.Engine().Roles(), 2)
	assert.Len(t, manager.Engine().Permissions(), 1)

	err := applySeed(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), manager.Engine(), testLogger())
	assert.Error(t, err)
}

func TestRestoreIfEmpty(t *testing.T) {
	ctx := context.Background()
	store := snapshot.New(emptyBucket{}, "snapshots", "", nil)

	repo := rbac.NewMemoryRepository()
	require.NoError(t, restoreIfEmpty(ctx, repo, store, 10, testLogger()))

	// a populated repository never touches the bucket
	populated := seededManager(t).Engine().Snapshot()
	repo = rbac.NewMemoryRepositoryFromSnapshot(populated)
	require.NoError(t, restoreIfEmpty(ctx, repo, snapshot.New(nil, "snapshots", "", nil), 10, testLogger()))
}

func newTestAPI(t *testing.T, cfg *config.Config) (http.Handler, *rbac.Manager) {
	t.Helper()
	manager := seededManager(t)
	reviewer := review.NewReviewer(manager.Engine(), nil, nil)
	router := mux.NewRouter()
	registerAPI(context.Background(), router, cfg, manager, &storageBackend{}, nil, review.NewScheduler(nil), reviewer, testLogger())
	return router, manager
}

func roleID(t *testing.T, manager *rbac.Manager, name string) string {
	t.Helper()
	role, err := manager.Engine().RoleByName(name)
	require.NoError(t, err)
	return string(role.ID)
}

func TestRegisterAPI_AdminPermission(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{AdminPermission: "rbac.admin"}}
	handler, manager := newTestAPI(t, cfg)

	do := func(roles string) int {
		req := httptest.NewRequest(http.MethodGet, "/rbac/roles", nil)
		if roles != "" {
			req.Header.Set(middleware.RolesHeader, roles)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(""))
	assert.Equal(t, http.StatusForbidden, do(roleID(t, manager, "Auditor")))
	assert.Equal(t, http.StatusOK, do(roleID(t, manager, "Operator")))
}

func TestRegisterAPI_OpenWithRateLimit(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{RateLimitPerMinute: 1, RateLimitBurst: 1}}
	handler, _ := newTestAPI(t, cfg)

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/rbac/stats", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRegisterAPI_Review(t *testing.T) {
	handler, _ := newTestAPI(t, &config.Config{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rbac/review?refresh=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"conflicts":0`)
}

func TestRegisterAPI_GraphAndDocs(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{AdminPermission: "rbac.admin"}}
	manager := seededManager(t)
	router := mux.NewRouter()
	swagger.NewSwaggerHandlers().RegisterRoutes(router)
	registerAPI(context.Background(), router, cfg, manager, &storageBackend{}, nil,
		review.NewScheduler(nil), review.NewReviewer(manager.Engine(), nil, nil), testLogger())

	// docs stay reachable without a caller identity
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rbac/graph", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/rbac/graph", nil)
	req.Header.Set(middleware.RolesHeader, roleID(t, manager, "Operator"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"Auditor"`)
}
