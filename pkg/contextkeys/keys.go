// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here. This prevents typos,
// documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/rolegraph/pkg/contextkeys"
//	ctx = context.WithValue(ctx, contextkeys.RolesKey, roleIDs)
//	roleIDs := ctx.Value(contextkeys.RolesKey).([]rbac.RoleID)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RolesKey contains the caller's assigned role ids
	// Set by: the host's authentication layer via rbac.WithRoles
	// Required by: rbac.PermissionMiddleware
	// Type: []rbac.RoleID
	RolesKey Key = "rbac_roles"

	// AttributesKey contains the request attributes matched by rule conditions
	// Set by: rbac.WithAttributes
	// Used by: rbac.PermissionMiddleware
	// Type: map[string]any
	AttributesKey Key = "rbac_attributes"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestID middleware
	// Used by: Logger, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
