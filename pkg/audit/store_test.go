package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents() []*Event {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*Event{
		{ID: "e1", Timestamp: base, EventType: EventTypeRoleCreated, ResourceType: ResourceTypeRole, ResourceID: "role-1", Generation: 1},
		{ID: "e2", Timestamp: base.Add(time.Minute), EventType: EventTypePermissionRegistered, ResourceType: ResourceTypePermission, ResourceID: "perm-1", Generation: 2,
			Details: map[string]any{"key": "document.read"}},
		{ID: "e3", Timestamp: base.Add(2 * time.Minute), EventType: EventTypeRuleAssigned, ResourceType: ResourceTypeRule, ResourceID: "rule-1", Generation: 3,
			CallerRoles: []string{"ops"}, RequestID: "req-1", Details: map[string]any{"effect": "allow", "priority": float64(10)}},
		{ID: "e4", Timestamp: base.Add(3 * time.Minute), EventType: EventTypeRuleRevoked, ResourceType: ResourceTypeRule, ResourceID: "rule-1", Generation: 4},
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	for _, e := range sampleEvents() {
		require.NoError(t, store.Log(ctx, e))
	}

	all, err := store.Search(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"e4", "e3", "e2", "e1"}, eventIDs(all))

	rules, err := store.Search(ctx, Filter{ResourceType: ResourceTypeRule, ResourceID: "rule-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e3"}, eventIDs(rules))

	typed, err := store.Search(ctx, Filter{EventTypes: []EventType{EventTypeRoleCreated, EventTypeRuleRevoked}})
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e1"}, eventIDs(typed))

	start := sampleEvents()[1].Timestamp
	end := sampleEvents()[2].Timestamp
	window, err := store.Search(ctx, Filter{StartTime: &start, EndTime: &end})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e2"}, eventIDs(window))

	recent, err := store.Search(ctx, Filter{MinGeneration: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e3"}, eventIDs(recent))

	page, err := store.Search(ctx, Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e2"}, eventIDs(page))

	skipped, err := store.Search(ctx, Filter{Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, eventIDs(skipped))

	got, err := store.Get(ctx, "e3")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"ops"}, got.CallerRoles)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "allow", got.Details["effect"])
	assert.Equal(t, float64(10), got.Details["priority"])
	assert.True(t, got.Timestamp.Equal(sampleEvents()[2].Timestamp))

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func eventIDs(events []*Event) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(10))
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2)
	for _, e := range sampleEvents() {
		require.NoError(t, store.Log(ctx, e))
	}

	events, err := store.Search(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e3"}, eventIDs(events))
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLStore_SQLite(t *testing.T) {
	store, err := NewSQLStore(context.Background(), setupTestDB(t))
	require.NoError(t, err)
	exerciseStore(t, store)
	assert.NoError(t, store.Close())
}

func TestSQLStore_EnsureTableIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	_, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	_, err = NewSQLStore(context.Background(), db)
	require.NoError(t, err)

	_, err = NewSQLStore(context.Background(), nil)
	assert.Error(t, err)
}

func TestSQLStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLStore(ctx, setupTestDB(t))
	require.NoError(t, err)
	for _, e := range sampleEvents() {
		require.NoError(t, store.Log(ctx, e))
	}

	removed, err := store.Cleanup(ctx, sampleEvents()[2].Timestamp)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	left, err := store.Search(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e3"}, eventIDs(left))
}

func TestSQLStore_DuplicateID(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLStore(ctx, setupTestDB(t))
	require.NoError(t, err)

	e := sampleEvents()[0]
	require.NoError(t, store.Log(ctx, e))
	err = store.Log(ctx, e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert audit event e1")
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	// table and two indexes
	for i := 0; i < 3; i++ {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	store, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	return store, mock
}

func TestSQLStore_QueryFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("search", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM rbac_audit_events").WillReturnError(errors.New("connection reset"))

		_, err := store.Search(ctx, Filter{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to search audit events")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bad details", func(t *testing.T) {
		store, mock := newMockStore(t)
		rows := sqlmock.NewRows([]string{"id", "timestamp", "event_type", "resource_type", "resource_id", "generation", "caller_roles", "request_id", "details"}).
			AddRow("e1", time.Now(), "role.created", "role", "r1", 1, "[]", "", "not json")
		mock.ExpectQuery("SELECT (.+) WHERE id").WithArgs("e1").WillReturnRows(rows)

		_, err := store.Get(ctx, "e1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal details of event e1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ensure table", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectExec("CREATE TABLE").WillReturnError(fmt.Errorf("permission denied"))

		_, err = NewSQLStore(ctx, db)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to ensure rbac_audit_events table")
	})
}
