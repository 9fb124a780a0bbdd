package rbac

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rolegraph/pkg/contextkeys"
)

// WithRoles stores the caller's assigned role ids in the context. The authentication layer
// in front of the middleware is expected to call it.
func WithRoles(ctx context.Context, roleIDs []RoleID) context.Context {
	return context.WithValue(ctx, contextkeys.RolesKey, roleIDs)
}

// RolesFromContext returns the role ids stored by WithRoles
func RolesFromContext(ctx context.Context) ([]RoleID, bool) {
	roleIDs, ok := ctx.Value(contextkeys.RolesKey).([]RoleID)
	return roleIDs, ok
}

// WithAttributes stores the request attributes that rule conditions are matched against
func WithAttributes(ctx context.Context, attrs map[string]any) context.Context {
	return context.WithValue(ctx, contextkeys.AttributesKey, attrs)
}

// AttributesFromContext returns the attributes stored by WithAttributes
func AttributesFromContext(ctx context.Context) map[string]any {
	attrs, _ := ctx.Value(contextkeys.AttributesKey).(map[string]any)
	return attrs
}

// PermissionMiddleware guards HTTP handlers with engine decisions
type PermissionMiddleware struct {
	engine *Engine
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(engine *Engine) *PermissionMiddleware {
	return &PermissionMiddleware{engine: engine}
}

// RequirePermission creates middleware that requires a specific permission
func (pm *PermissionMiddleware) RequirePermission(key PermissionKey) func(http.Handler) http.Handler {
	return pm.guard(func(r *http.Request, roleIDs []RoleID) bool {
		return pm.engine.Allowed(r.Context(), roleIDs, key, AttributesFromContext(r.Context()))
	})
}

// RequireInstancePermission requires key scoped to the resource instance named by the mux
// path variable
func (pm *PermissionMiddleware) RequireInstancePermission(key PermissionKey, pathVar string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			instance := mux.Vars(r)[pathVar]
			if instance == "" {
				http.Error(w, "Resource id required", http.StatusBadRequest)
				return
			}
			pm.RequirePermission(key.ForInstance(instance))(next).ServeHTTP(w, r)
		})
	}
}

// RequireAnyPermission creates middleware that requires any of the specified permissions
func (pm *PermissionMiddleware) RequireAnyPermission(keys ...PermissionKey) func(http.Handler) http.Handler {
	return pm.guard(func(r *http.Request, roleIDs []RoleID) bool {
		attrs := AttributesFromContext(r.Context())
		for _, key := range keys {
			if pm.engine.Allowed(r.Context(), roleIDs, key, attrs) {
				return true
			}
		}
		return false
	})
}

// RequireAllPermissions creates middleware that requires all of the specified permissions
func (pm *PermissionMiddleware) RequireAllPermissions(keys ...PermissionKey) func(http.Handler) http.Handler {
	return pm.guard(func(r *http.Request, roleIDs []RoleID) bool {
		attrs := AttributesFromContext(r.Context())
		for _, key := range keys {
			if !pm.engine.Allowed(r.Context(), roleIDs, key, attrs) {
				return false
			}
		}
		return true
	})
}

func (pm *PermissionMiddleware) guard(allowed func(*http.Request, []RoleID) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			roleIDs, ok := RolesFromContext(r.Context())
			if !ok {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			if !allowed(r, roleIDs) {
				http.Error(w, "Insufficient permissions", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
