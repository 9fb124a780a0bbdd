package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/platinummonkey/rolegraph/pkg/httputil"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

const (
	// RolesHeader carries a comma separated list of role IDs
	RolesHeader = "X-Rolegraph-Roles"
	// AttributesHeader carries a JSON object of request attributes for rule conditions
	AttributesHeader = "X-Rolegraph-Attributes"
)

// CallerMiddleware identifies the caller from request headers
type CallerMiddleware struct {
	optional bool // If true, allow requests without roles
}

// NewCallerMiddleware creates a new caller middleware
func NewCallerMiddleware(optional bool) *CallerMiddleware {
	return &CallerMiddleware{optional: optional}
}

// Handler wraps an HTTP handler with caller identification
func (m *CallerMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		roles := parseRoles(r.Header.Get(RolesHeader))
		if len(roles) == 0 {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteErrorMessage(w, http.StatusUnauthorized, "missing "+RolesHeader+" header")
			return
		}

		ctx := rbac.WithRoles(r.Context(), roles)

		if raw := r.Header.Get(AttributesHeader); raw != "" {
			var attrs map[string]any
			if err := json.Unmarshal([]byte(raw), &attrs); err != nil || attrs == nil {
				httputil.WriteBadRequest(w, AttributesHeader+" must be a JSON object")
				return
			}
			ctx = rbac.WithAttributes(ctx, attrs)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func parseRoles(header string) []rbac.RoleID {
	if header == "" {
		return nil
	}
	var roles []rbac.RoleID
	seen := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		id := strings.TrimSpace(part)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		roles = append(roles, rbac.RoleID(id))
	}
	return roles
}
