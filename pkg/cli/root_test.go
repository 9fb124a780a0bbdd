package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegraph/pkg/audit"
	"github.com/platinummonkey/rolegraph/pkg/graphview"
	"github.com/platinummonkey/rolegraph/pkg/httputil"
	"github.com/platinummonkey/rolegraph/pkg/middleware"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
	"github.com/platinummonkey/rolegraph/pkg/review"
	"github.com/platinummonkey/rolegraph/pkg/webhooks"
)

// testServer serves the admin API over an in-memory engine
type testServer struct {
	engine  *rbac.Engine
	events  *audit.MemoryStore
	url     string
	mu      sync.Mutex
	callers []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	engine, err := rbac.NewEngine(ctx, rbac.NewMemoryRepository())
	require.NoError(t, err)

	s := &testServer{engine: engine, events: audit.NewMemoryStore(100)}
	manager := webhooks.NewManager(webhooks.DefaultConfig())
	t.Cleanup(func() { manager.Close() })

	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			s.callers = append(s.callers, r.Header.Get(middleware.RolesHeader))
			s.mu.Unlock()
			next.ServeHTTP(w, r)
		})
	})
	rbac.NewHandlers(engine).RegisterRoutes(router)
	audit.NewHandlers(s.events).RegisterRoutes(router)
	webhooks.NewHandlers(manager).RegisterRoutes(router)
	graphview.NewHandlers(engine).RegisterRoutes(router)
	router.HandleFunc("/rbac/stats", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteSuccess(w, engine.Stats())
	}).Methods("GET")
	router.HandleFunc("/rbac/review", func(w http.ResponseWriter, r *http.Request) {
		report := review.NewReviewer(engine, nil, nil).Review(r.Context())
		httputil.WriteSuccess(w, report)
	}).Methods("GET")

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	s.url = server.URL
	return s
}

func (s *testServer) lastCaller() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.callers) == 0 {
		return ""
	}
	return s.callers[len(s.callers)-1]
}

// run executes one rolegraphctl invocation against the server and returns its output
func (s *testServer) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	previous := stdout
	stdout = &buf
	defer func() { stdout = previous }()

	// a bare group command takes no flags
	if len(args) > 0 && !(args[0] == "webhooks" && len(args) == 1) {
		args = append(args, "-server", s.url)
	}
	err := NewRootCommand().Execute(args)
	return buf.String(), err
}

// runJSON executes a command with -json and decodes its output
func runJSON[T any](t *testing.T, s *testServer, args ...string) T {
	t.Helper()
	out, err := s.run(t, append(args, "-json")...)
	require.NoError(t, err, out)
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand()

	assert.Equal(t, "rolegraphctl", root.Name)
	expected := []string{
		"roles", "role-create", "role-update", "role-move", "role-delete",
		"permissions", "permission-register", "permission-unregister",
		"rules", "assign", "revoke", "bulk",
		"resolve", "effective", "conflicts", "stats", "review", "graph", "impact",
		"audit", "audit-export", "webhooks",
	}
	for _, name := range expected {
		assert.Contains(t, root.Subcommands, name)
	}
	assert.Len(t, root.Subcommands, len(expected))
}

func TestCommandUsage(t *testing.T) {
	var buf bytes.Buffer
	previous := stdout
	stdout = &buf
	defer func() { stdout = previous }()

	require.NoError(t, NewRootCommand().Execute(nil))
	output := buf.String()
	assert.Contains(t, output, "Usage: rolegraphctl <command> [flags]")
	assert.Contains(t, output, "role-create")
	assert.Contains(t, output, "audit-export")

	buf.Reset()
	require.NoError(t, NewRootCommand().Execute([]string{"--help"}))
	assert.Contains(t, buf.String(), "Commands:")
}

func TestCommandExecute_Unknown(t *testing.T) {
	err := NewRootCommand().Execute([]string{"frobnicate"})
	assert.EqualError(t, err, "unknown command: frobnicate")
}

func TestCommand_RequiredFlags(t *testing.T) {
	s := newTestServer(t)

	_, err := s.run(t, "assign")
	assert.EqualError(t, err, "-permission, -role required")

	_, err = s.run(t, "assign", "-role", "r", "-permission", "p", "-effect", "maybe")
	assert.EqualError(t, err, "-effect must be allow or deny")

	_, err = s.run(t, "resolve", "-roles", "r", "-key", "document.read", "-context", "[1]")
	assert.EqualError(t, err, "-context must be a JSON object")

	_, err = s.run(t, "role-update", "-id", "r", "-active", "yes")
	assert.EqualError(t, err, "-active must be true or false")

	_, err = s.run(t, "roles", "-no-such-flag")
	assert.Error(t, err)
}

func TestClient_APIError(t *testing.T) {
	s := newTestServer(t)

	_, err := s.run(t, "role-delete", "-id", "ghost")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)
}

func TestClient_SendsCallerRoles(t *testing.T) {
	s := newTestServer(t)

	_, err := s.run(t, "roles", "-as", "admin,auditor")
	require.NoError(t, err)
	assert.Equal(t, "admin,auditor", s.lastCaller())
}

func TestClient_ConnectionFailure(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Do(ctx, http.MethodGet, "/rbac/roles", nil, nil)
	assert.ErrorContains(t, err, "failed to connect to server")
}

func TestClient_VerboseLogsRequests(t *testing.T) {
	s := newTestServer(t)
	var logs bytes.Buffer
	previous := stderr
	stderr = &logs
	defer func() { stderr = previous }()

	_, err := s.run(t, "roles")
	require.NoError(t, err)
	assert.Empty(t, logs.String())

	_, err = s.run(t, "roles", "-v")
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "Received response")
	assert.Contains(t, logs.String(), "status=200")
	assert.Contains(t, logs.String(), "/rbac/roles")
}
