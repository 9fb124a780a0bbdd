package rbac

import (
	"context"
	"time"

	"github.com/platinummonkey/rolegraph/pkg/contextkeys"
)

// Change describes one committed mutation of the permission graph
type Change struct {
	Op          string         `json:"op"`
	Generation  uint64         `json:"generation"`
	At          time.Time      `json:"at"`
	Subject     string         `json:"subject,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	CallerRoles []RoleID       `json:"caller_roles,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
}

// ChangeListener observes committed mutations. Listeners run while the engine holds its
// write lock: they must return quickly and must not call back into the engine.
type ChangeListener func(Change)

// WithChangeListener registers a listener for committed mutations. It may be given more
// than once.
func WithChangeListener(listener ChangeListener) Option {
	return func(e *Engine) {
		if listener != nil {
			e.listeners = append(e.listeners, listener)
		}
	}
}

func (e *Engine) notify(ctx context.Context, change Change) {
	if len(e.listeners) == 0 {
		return
	}
	if roles, ok := RolesFromContext(ctx); ok {
		change.CallerRoles = append([]RoleID(nil), roles...)
	}
	change.RequestID = contextkeys.GetRequestID(ctx)
	for _, listener := range e.listeners {
		listener(change)
	}
}
