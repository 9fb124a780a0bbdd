package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var _ Store = (*SQLStore)(nil)

// SQLStore keeps the audit trail in the rbac_audit_events table, next to the graph
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a database-backed audit store and ensures its table exists
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	store := &SQLStore{db: db}
	if err := store.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure rbac_audit_events table: %w", err)
	}
	return store, nil
}

func (s *SQLStore) ensureTable(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rbac_audit_events (
			id VARCHAR(64) PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			event_type VARCHAR(100) NOT NULL,
			resource_type VARCHAR(50) NOT NULL,
			resource_id VARCHAR(255) NOT NULL DEFAULT '',
			generation BIGINT NOT NULL,
			caller_roles TEXT NOT NULL DEFAULT '[]',
			request_id VARCHAR(100) NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rbac_audit_timestamp ON rbac_audit_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_rbac_audit_resource ON rbac_audit_events(resource_type, resource_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Log inserts an event
func (s *SQLStore) Log(ctx context.Context, event *Event) error {
	roles, err := json.Marshal(nonNilStrings(event.CallerRoles))
	if err != nil {
		return fmt.Errorf("failed to marshal caller roles: %w", err)
	}
	details := []byte("{}")
	if len(event.Details) > 0 {
		if details, err = json.Marshal(event.Details); err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rbac_audit_events (
			id, timestamp, event_type, resource_type, resource_id,
			generation, caller_roles, request_id, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		event.ID, event.Timestamp.UTC(), string(event.EventType), string(event.ResourceType), event.ResourceID,
		int64(event.Generation), string(roles), event.RequestID, string(details),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event %s: %w", event.ID, err)
	}
	return nil
}

const selectEvents = `
	SELECT id, timestamp, event_type, resource_type, resource_id,
		generation, caller_roles, request_id, details
	FROM rbac_audit_events
`

// Search returns matching events, newest first
func (s *SQLStore) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	query := selectEvents + " WHERE 1=1"
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.StartTime != nil {
		query += " AND timestamp >= " + arg(filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		query += " AND timestamp <= " + arg(filter.EndTime.UTC())
	}
	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			placeholders[i] = arg(string(t))
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.ResourceType != "" {
		query += " AND resource_type = " + arg(string(filter.ResourceType))
	}
	if filter.ResourceID != "" {
		query += " AND resource_id = " + arg(filter.ResourceID)
	}
	if filter.MinGeneration > 0 {
		query += " AND generation >= " + arg(int64(filter.MinGeneration))
	}

	query += " ORDER BY timestamp DESC, generation DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET " + arg(filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	// OFFSET without LIMIT is not portable, so it is applied here
	if filter.Limit <= 0 && filter.Offset > 0 {
		if filter.Offset >= len(events) {
			return []*Event{}, nil
		}
		events = events[filter.Offset:]
	}
	return events, nil
}

// Get returns one event, or nil when it does not exist
func (s *SQLStore) Get(ctx context.Context, id string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+" WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit event %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEvent(rows)
}

// Cleanup deletes events older than the cutoff and returns how many were removed
func (s *SQLStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM rbac_audit_events WHERE timestamp < $1", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit events: %w", err)
	}
	return result.RowsAffected()
}

// Close is a no-op; the database handle belongs to the caller
func (s *SQLStore) Close() error {
	return nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		event      Event
		generation int64
		roles      string
		details    string
	)
	if err := rows.Scan(
		&event.ID, &event.Timestamp, &event.EventType, &event.ResourceType, &event.ResourceID,
		&generation, &roles, &event.RequestID, &details,
	); err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}
	event.Generation = uint64(generation)

	if err := json.Unmarshal([]byte(roles), &event.CallerRoles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal caller roles of event %s: %w", event.ID, err)
	}
	if len(event.CallerRoles) == 0 {
		event.CallerRoles = nil
	}
	if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
		return nil, fmt.Errorf("failed to unmarshal details of event %s: %w", event.ID, err)
	}
	if len(event.Details) == 0 {
		event.Details = nil
	}
	return &event, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
