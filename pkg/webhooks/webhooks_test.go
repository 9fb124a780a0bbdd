package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegraph/pkg/audit"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type received struct {
	header http.Header
	body   []byte
}

// receiver is a webhook target answering with the queued status codes, then 200
type receiver struct {
	mu       sync.Mutex
	statuses []int
	requests []received
	server   *httptest.Server
}

func newReceiver(t *testing.T, statuses ...int) *receiver {
	t.Helper()
	r := &receiver{statuses: statuses}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, received{header: req.Header.Clone(), body: body})
		status := http.StatusOK
		if len(r.statuses) > 0 {
			status, r.statuses = r.statuses[0], r.statuses[1:]
		}
		r.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte("ack"))
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *receiver) Requests() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.requests...)
}

func newTestManager(t *testing.T, clock *testClock, mutate ...func(*Config)) *Manager {
	t.Helper()
	config := DefaultConfig()
	config.Timeout = 2 * time.Second
	for _, fn := range mutate {
		fn(&config)
	}
	m := NewManager(config)
	if clock != nil {
		m.now = clock.Now
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func register(t *testing.T, m *Manager, endpoint Endpoint) Endpoint {
	t.Helper()
	require.NoError(t, m.Register(&endpoint))
	return endpoint
}

// flush waits for background deliveries started by Log
func flush(m *Manager) {
	m.inflight.Wait()
}

func ruleEvent(id string) *audit.Event {
	return &audit.Event{
		ID:           id,
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EventType:    audit.EventTypeRuleRevoked,
		ResourceType: audit.ResourceTypeRule,
		ResourceID:   "rule-1",
		Generation:   7,
		CallerRoles:  []string{"admin"},
		Details:      map[string]any{"role_id": "viewer"},
	}
}

func TestManager_Register(t *testing.T) {
	m := newTestManager(t, newTestClock())

	endpoint := register(t, m, Endpoint{URL: "https://hooks.example.com/rbac", Secret: "s3cret"})
	assert.NotEmpty(t, endpoint.ID)
	assert.True(t, endpoint.Active)
	assert.Equal(t, FormatJSON, endpoint.Format)

	got, err := m.Get(endpoint.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Secret)
	assert.Equal(t, endpoint.URL, got.URL)

	list := m.List()
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Secret)

	stored, ok := m.endpoint(endpoint.ID)
	require.True(t, ok)
	assert.Equal(t, "s3cret", stored.Secret)
}

func TestManager_RegisterValidation(t *testing.T) {
	m := newTestManager(t, nil)

	tests := []struct {
		name     string
		endpoint Endpoint
	}{
		{"empty url", Endpoint{}},
		{"relative url", Endpoint{URL: "/hooks"}},
		{"ftp url", Endpoint{URL: "ftp://example.com/hooks"}},
		{"unknown format", Endpoint{URL: "https://example.com", Format: "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Register(&tt.endpoint)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
	assert.Empty(t, m.List())
}

func TestManager_UpdateAndLifecycle(t *testing.T) {
	clock := newTestClock()
	m := newTestManager(t, clock)
	endpoint := register(t, m, Endpoint{URL: "https://hooks.example.com/a"})

	clock.Advance(time.Minute)
	url := "https://hooks.example.com/b"
	events := []audit.EventType{"role.*"}
	updated, err := m.Update(endpoint.ID, EndpointUpdate{URL: &url, Events: &events})
	require.NoError(t, err)
	assert.Equal(t, url, updated.URL)
	assert.Equal(t, events, updated.Events)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))

	bad := Format("xml")
	_, err = m.Update(endpoint.ID, EndpointUpdate{Format: &bad})
	assert.ErrorIs(t, err, ErrInvalid)
	got, _ := m.Get(endpoint.ID)
	assert.Equal(t, FormatJSON, got.Format)

	deactivated, err := m.SetActive(endpoint.ID, false)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)

	require.NoError(t, m.Unregister(endpoint.ID))
	assert.ErrorIs(t, m.Unregister(endpoint.ID), ErrNotFound)
	_, err = m.Update(endpoint.ID, EndpointUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.SetActive(endpoint.ID, true)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(endpoint.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndpoint_Wants(t *testing.T) {
	tests := []struct {
		name   string
		events []audit.EventType
		event  audit.EventType
		want   bool
	}{
		{"no filter", nil, audit.EventTypeRoleCreated, true},
		{"exact", []audit.EventType{audit.EventTypeRuleRevoked}, audit.EventTypeRuleRevoked, true},
		{"family", []audit.EventType{"rule.*"}, audit.EventTypeBulkAssigned, true},
		{"other family", []audit.EventType{"role.*"}, audit.EventTypeRuleAssigned, false},
		{"prefix is not a family", []audit.EventType{"rol.*"}, audit.EventTypeRoleCreated, false},
		{"mismatch", []audit.EventType{audit.EventTypeRoleCreated}, audit.EventTypeRoleDeleted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Endpoint{Events: tt.events}
			assert.Equal(t, tt.want, e.wants(tt.event))
		})
	}
}

func TestManager_LogDeliversSignedPayload(t *testing.T) {
	target := newReceiver(t)
	m := newTestManager(t, newTestClock())
	endpoint := register(t, m, Endpoint{URL: target.server.URL, Secret: "s3cret", Events: []audit.EventType{"rule.*"}})

	require.NoError(t, m.Log(context.Background(), ruleEvent("evt-1")))
	flush(m)

	requests := target.Requests()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, "rule.revoked", req.header.Get(HeaderEvent))
	assert.Equal(t, "evt-1", req.header.Get(HeaderEventID))
	assert.NotEmpty(t, req.header.Get(HeaderDelivery))
	assert.True(t, VerifySignature(req.body, req.header.Get(HeaderSignature), "s3cret"))
	assert.False(t, VerifySignature(req.body, req.header.Get(HeaderSignature), "other"))

	var event audit.Event
	require.NoError(t, json.Unmarshal(req.body, &event))
	assert.Equal(t, "rule-1", event.ResourceID)
	assert.Equal(t, uint64(7), event.Generation)

	logs := m.DeliveryLogs(endpoint.ID, 10)
	require.Len(t, logs, 1)
	assert.Equal(t, DeliveryStatusSuccess, logs[0].Status)
	assert.Equal(t, http.StatusOK, logs[0].StatusCode)
	assert.Equal(t, "ack", logs[0].ResponseBody)
	assert.Equal(t, 1, logs[0].Attempts)
	assert.NotContains(t, logs[0].RequestHeaders, HeaderSignature)
}

func TestManager_LogSkipsFilteredAndInactive(t *testing.T) {
	target := newReceiver(t)
	m := newTestManager(t, newTestClock())
	register(t, m, Endpoint{URL: target.server.URL, Events: []audit.EventType{"role.*"}})
	inactive := register(t, m, Endpoint{URL: target.server.URL})
	_, err := m.SetActive(inactive.ID, false)
	require.NoError(t, err)

	require.NoError(t, m.Log(context.Background(), ruleEvent("evt-1")))
	flush(m)
	assert.Empty(t, target.Requests())
}

func TestManager_RetryUntilSuccess(t *testing.T) {
	target := newReceiver(t, http.StatusInternalServerError, http.StatusBadGateway)
	clock := newTestClock()
	m := newTestManager(t, clock)
	endpoint := register(t, m, Endpoint{URL: target.server.URL})

	require.NoError(t, m.Log(context.Background(), ruleEvent("evt-1")))
	flush(m)

	logs := m.DeliveryLogs(endpoint.ID, 0)
	require.Len(t, logs, 1)
	assert.Equal(t, DeliveryStatusRetrying, logs[0].Status)
	assert.Equal(t, http.StatusInternalServerError, logs[0].StatusCode)
	require.NotNil(t, logs[0].NextRetryAt)
	assert.Equal(t, clock.Now().Add(time.Second), *logs[0].NextRetryAt)

	// not due yet
	m.retryWorker.processRetries(context.Background())
	assert.Len(t, target.Requests(), 1)

	clock.Advance(time.Second)
	m.retryWorker.processRetries(context.Background())
	logs = m.DeliveryLogs(endpoint.ID, 0)
	assert.Equal(t, DeliveryStatusRetrying, logs[0].Status)
	assert.Equal(t, 2, logs[0].Attempts)
	assert.Equal(t, clock.Now().Add(2*time.Second), *logs[0].NextRetryAt)

	clock.Advance(2 * time.Second)
	m.retryWorker.processRetries(context.Background())
	logs = m.DeliveryLogs(endpoint.ID, 0)
	assert.Equal(t, DeliveryStatusSuccess, logs[0].Status)
	assert.Equal(t, 3, logs[0].Attempts)
	assert.Nil(t, logs[0].NextRetryAt)
	assert.Empty(t, logs[0].ErrorMessage)

	requests := target.Requests()
	require.Len(t, requests, 3)
	assert.Equal(t, requests[0].body, requests[2].body)
}

func TestManager_RetryExhausted(t *testing.T) {
	target := newReceiver(t, http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)
	clock := newTestClock()
	m := newTestManager(t, clock, func(c *Config) { c.Retry.MaxAttempts = 2 })
	endpoint := register(t, m, Endpoint{URL: target.server.URL})

	require.NoError(t, m.Log(context.Background(), ruleEvent("evt-1")))
	flush(m)
	clock.Advance(time.Minute)
	m.retryWorker.processRetries(context.Background())

	logs := m.DeliveryLogs(endpoint.ID, 0)
	require.Len(t, logs, 1)
	assert.Equal(t, DeliveryStatusFailed, logs[0].Status)
	assert.Equal(t, 2, logs[0].Attempts)
	assert.Contains(t, logs[0].ErrorMessage, "max retries exceeded")
	assert.NotNil(t, logs[0].CompletedAt)

	clock.Advance(time.Hour)
	m.retryWorker.processRetries(context.Background())
	assert.Len(t, target.Requests(), 2)

	stats := m.DeliveryStats(endpoint.ID)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.SuccessRate)
}

func TestManager_RetryAbandonedForRemovedEndpoint(t *testing.T) {
	target := newReceiver(t, http.StatusServiceUnavailable, http.StatusServiceUnavailable)
	clock := newTestClock()
	m := newTestManager(t, clock)
	gone := register(t, m, Endpoint{URL: target.server.URL})
	paused := register(t, m, Endpoint{URL: target.server.URL})

	require.NoError(t, m.Log(context.Background(), ruleEvent("evt-1")))
	flush(m)

	require.NoError(t, m.Unregister(gone.ID))
	_, err := m.SetActive(paused.ID, false)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	m.retryWorker.processRetries(context.Background())

	assert.Equal(t, "webhook no longer exists", m.DeliveryLogs(gone.ID, 0)[0].ErrorMessage)
	assert.Equal(t, "webhook is inactive", m.DeliveryLogs(paused.ID, 0)[0].ErrorMessage)
	assert.Len(t, target.Requests(), 2)
}

func TestManager_RateLimited(t *testing.T) {
	target := newReceiver(t)
	m := newTestManager(t, newTestClock(), func(c *Config) {
		c.RateLimit = 1
		c.RatePeriod = time.Hour
	})
	endpoint := register(t, m, Endpoint{URL: target.server.URL})

	require.NoError(t, m.Log(context.Background(), ruleEvent("evt-1")))
	flush(m)
	require.NoError(t, m.Log(context.Background(), ruleEvent("evt-2")))
	flush(m)

	assert.Len(t, target.Requests(), 1)
	stats := m.DeliveryStats(endpoint.ID)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 1, stats.Retrying)

	var limited DeliveryLog
	for _, d := range m.DeliveryLogs(endpoint.ID, 0) {
		if d.Status == DeliveryStatusRetrying {
			limited = d
		}
	}
	assert.Contains(t, limited.ErrorMessage, "rate limit exceeded")
	assert.Zero(t, limited.StatusCode)
}

func TestManager_ChatFormats(t *testing.T) {
	slack := newReceiver(t)
	teams := newReceiver(t)
	m := newTestManager(t, newTestClock())
	register(t, m, Endpoint{URL: slack.server.URL, Format: FormatSlack})
	register(t, m, Endpoint{URL: teams.server.URL, Format: FormatTeams})

	require.NoError(t, m.Log(context.Background(), ruleEvent("evt-1")))
	flush(m)

	require.Len(t, slack.Requests(), 1)
	var slackMsg SlackMessage
	require.NoError(t, json.Unmarshal(slack.Requests()[0].body, &slackMsg))
	require.Len(t, slackMsg.Attachments, 1)
	assert.Equal(t, "Permission Rule Revoked", slackMsg.Attachments[0].Title)
	assert.Equal(t, "danger", slackMsg.Attachments[0].Color)

	require.Len(t, teams.Requests(), 1)
	var teamsMsg TeamsMessage
	require.NoError(t, json.Unmarshal(teams.Requests()[0].body, &teamsMsg))
	assert.Equal(t, "MessageCard", teamsMsg.Type)
	assert.Equal(t, "A30200", teamsMsg.ThemeColor)
}

func TestManager_Ping(t *testing.T) {
	target := newReceiver(t, http.StatusTeapot)
	m := newTestManager(t, newTestClock())
	endpoint := register(t, m, Endpoint{URL: target.server.URL, Events: []audit.EventType{"role.*"}})

	delivery, err := m.Ping(context.Background(), endpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, delivery.StatusCode)
	assert.Equal(t, DeliveryStatusRetrying, delivery.Status)
	assert.Equal(t, "webhook.ping", target.Requests()[0].header.Get(HeaderEvent))

	_, err = m.Ping(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_ReceivesEngineChanges(t *testing.T) {
	ctx := context.Background()
	target := newReceiver(t)
	m := newTestManager(t, nil)
	register(t, m, Endpoint{URL: target.server.URL, Events: []audit.EventType{audit.EventTypeRoleCreated}})

	recorder := audit.NewRecorder(ctx, audit.NewMultiLogger(audit.NewMemoryStore(10), m), audit.RecorderConfig{Workers: 1, QueueSize: 16})
	engine, err := rbac.NewEngine(ctx, rbac.NewMemoryRepository(), rbac.WithChangeListener(recorder.Listener()))
	require.NoError(t, err)

	_, err = engine.CreateRole(ctx, rbac.RoleSpec{Name: "Auditor"})
	require.NoError(t, err)
	_, err = engine.RegisterPermission(ctx, rbac.PermissionSpec{Key: rbac.NewPermissionKey("report", "read")})
	require.NoError(t, err)

	// Close drains the recorder, then closes the manager which waits for deliveries
	require.NoError(t, recorder.Close(5*time.Second))

	requests := target.Requests()
	require.Len(t, requests, 1)
	var event audit.Event
	require.NoError(t, json.Unmarshal(requests[0].body, &event))
	assert.Equal(t, audit.EventTypeRoleCreated, event.EventType)
	assert.Equal(t, "Auditor", event.Details["name"])
}
