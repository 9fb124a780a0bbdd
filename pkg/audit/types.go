package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

// EventType represents the type of audit event
type EventType string

const (
	EventTypeRoleCreated          EventType = "role.created"
	EventTypeRoleUpdated          EventType = "role.updated"
	EventTypeRoleReparented       EventType = "role.reparented"
	EventTypeRoleActivated        EventType = "role.activated"
	EventTypeRoleDeactivated      EventType = "role.deactivated"
	EventTypeRoleProtection       EventType = "role.protection_changed"
	EventTypeRoleDeleted          EventType = "role.deleted"
	EventTypeRoleTreeDeleted      EventType = "role.tree_deleted"
	EventTypePermissionRegistered EventType = "permission.registered"
	EventTypePermissionRemoved    EventType = "permission.unregistered"
	EventTypeRuleAssigned         EventType = "rule.assigned"
	EventTypeRuleRevoked          EventType = "rule.revoked"
	EventTypeBulkAssigned         EventType = "rule.bulk_assigned"
	EventTypeGraphReloaded        EventType = "graph.reloaded"
	EventTypeUnknown              EventType = "graph.changed"
)

// ResourceType represents the kind of graph object an event touched
type ResourceType string

const (
	ResourceTypeRole       ResourceType = "role"
	ResourceTypePermission ResourceType = "permission"
	ResourceTypeRule       ResourceType = "rule"
	ResourceTypeGraph      ResourceType = "graph"
)

// Event is one entry of the audit trail
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    EventType      `json:"event_type"`
	ResourceType ResourceType   `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Generation   uint64         `json:"generation"`
	CallerRoles  []string       `json:"caller_roles,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Filter narrows a search. Zero values match everything.
type Filter struct {
	StartTime     *time.Time
	EndTime       *time.Time
	EventTypes    []EventType
	ResourceType  ResourceType
	ResourceID    string
	MinGeneration uint64
	Limit         int
	Offset        int
}

// Matches reports whether the event passes the filter, ignoring Limit and Offset
func (f Filter) Matches(e *Event) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ResourceType != "" && f.ResourceType != e.ResourceType {
		return false
	}
	if f.ResourceID != "" && f.ResourceID != e.ResourceID {
		return false
	}
	return e.Generation >= f.MinGeneration
}

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

var opEvents = map[string]struct {
	eventType    EventType
	resourceType ResourceType
}{
	"create_role":           {EventTypeRoleCreated, ResourceTypeRole},
	"update_role":           {EventTypeRoleUpdated, ResourceTypeRole},
	"reparent_role":         {EventTypeRoleReparented, ResourceTypeRole},
	"set_role_protected":    {EventTypeRoleProtection, ResourceTypeRole},
	"delete_role":           {EventTypeRoleDeleted, ResourceTypeRole},
	"delete_role_tree":      {EventTypeRoleTreeDeleted, ResourceTypeRole},
	"register_permission":   {EventTypePermissionRegistered, ResourceTypePermission},
	"unregister_permission": {EventTypePermissionRemoved, ResourceTypePermission},
	"assign_rule":           {EventTypeRuleAssigned, ResourceTypeRule},
	"revoke_rule":           {EventTypeRuleRevoked, ResourceTypeRule},
	"bulk_assign":           {EventTypeBulkAssigned, ResourceTypeRule},
	"reload":                {EventTypeGraphReloaded, ResourceTypeGraph},
}

// EventFromChange converts an engine change into an audit event
func EventFromChange(change rbac.Change) *Event {
	event := &Event{
		ID:           uuid.NewString(),
		Timestamp:    change.At,
		EventType:    EventTypeUnknown,
		ResourceType: ResourceTypeGraph,
		ResourceID:   change.Subject,
		Generation:   change.Generation,
		RequestID:    change.RequestID,
		Details:      make(map[string]any, len(change.Details)+1),
	}
	if m, ok := opEvents[change.Op]; ok {
		event.EventType = m.eventType
		event.ResourceType = m.resourceType
	}
	if change.Op == "set_role_active" {
		event.ResourceType = ResourceTypeRole
		event.EventType = EventTypeRoleDeactivated
		if active, _ := change.Details["is_active"].(bool); active {
			event.EventType = EventTypeRoleActivated
		}
	}
	for k, v := range change.Details {
		event.Details[k] = v
	}
	event.Details["op"] = change.Op
	for _, id := range change.CallerRoles {
		event.CallerRoles = append(event.CallerRoles, string(id))
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}
