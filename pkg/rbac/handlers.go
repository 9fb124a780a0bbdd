package rbac

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rolegraph/pkg/httputil"
)

// Handlers exposes the engine as a JSON admin API
type Handlers struct {
	engine *Engine
}

// NewHandlers creates new RBAC handlers
func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{engine: engine}
}

// RegisterRoutes registers all RBAC routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Role hierarchy
	router.HandleFunc("/rbac/roles", h.CreateRole).Methods("POST")
	router.HandleFunc("/rbac/roles", h.ListRoles).Methods("GET")
	router.HandleFunc("/rbac/roles/{id}", h.GetRole).Methods("GET")
	router.HandleFunc("/rbac/roles/{id}", h.UpdateRole).Methods("PATCH")
	router.HandleFunc("/rbac/roles/{id}", h.DeleteRole).Methods("DELETE")
	router.HandleFunc("/rbac/roles/{id}/parent", h.ReparentRole).Methods("PUT")

	// Rules
	router.HandleFunc("/rbac/roles/{id}/rules", h.ListRules).Methods("GET")
	router.HandleFunc("/rbac/roles/{id}/rules/{perm_id}", h.AssignRule).Methods("PUT")
	router.HandleFunc("/rbac/roles/{id}/rules/{perm_id}", h.RevokeRule).Methods("DELETE")
	router.HandleFunc("/rbac/roles/{id}/conflicts", h.GetConflicts).Methods("GET")

	// Permission catalog
	router.HandleFunc("/rbac/permissions", h.RegisterPermission).Methods("POST")
	router.HandleFunc("/rbac/permissions", h.ListPermissions).Methods("GET")
	router.HandleFunc("/rbac/permissions/{id}", h.UnregisterPermission).Methods("DELETE")

	// Bulk assignment and queries
	router.HandleFunc("/rbac/bulk", h.BulkAssign).Methods("POST")
	router.HandleFunc("/rbac/resolve", h.Resolve).Methods("POST")
	router.HandleFunc("/rbac/effective", h.EffectivePermissions).Methods("POST")
}

// CreateRole creates a role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req RoleSpec
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.engine.CreateRole(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// ListRoles lists all roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.engine.Roles())
}

type roleResponse struct {
	Role      Role   `json:"role"`
	Ancestors []Role `json:"ancestors"`
	Children  []Role `json:"children"`
}

// GetRole returns a role with its ancestor chain and direct children
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.engine.Role(RoleID(id))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	ancestors := h.engine.AncestorChain(role.ID)
	if len(ancestors) > 0 {
		ancestors = ancestors[1:]
	}
	httputil.WriteSuccess(w, roleResponse{
		Role:      role,
		Ancestors: ancestors,
		Children:  h.engine.Children(role.ID),
	})
}

// UpdateRole renames, describes, activates or protects a role in one mutation
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req RoleUpdate
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.engine.UpdateRole(r.Context(), RoleID(id), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes a leaf role, or the whole subtree with ?cascade=true
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	cascade, err := httputil.QueryBool(r, "cascade")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if cascade {
		err = h.engine.DeleteRoleTree(r.Context(), RoleID(id))
	} else {
		err = h.engine.DeleteRole(r.Context(), RoleID(id))
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type reparentRequest struct {
	ParentRoleID *RoleID `json:"parent_role_id"`
}

// ReparentRole moves a role under a new parent, or to the root when parent_role_id is null
func (h *Handlers) ReparentRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req reparentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.engine.ReparentRole(r.Context(), RoleID(id), req.ParentRoleID); err != nil {
		writeEngineError(w, err)
		return
	}
	role, err := h.engine.Role(RoleID(id))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// ListRules lists the direct active rules of a role
func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.engine.Role(RoleID(id)); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, h.engine.RulesForRole(RoleID(id)))
}

type assignRuleRequest struct {
	Effect     Effect     `json:"effect"`
	Priority   int        `json:"priority"`
	Conditions Conditions `json:"conditions,omitempty"`
}

// AssignRule assigns or replaces the rule for a role and permission
func (h *Handlers) AssignRule(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	permID, ok := httputil.ParsePathStringOrError(w, r, "perm_id")
	if !ok {
		return
	}
	var req assignRuleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	rule, err := h.engine.AssignRule(r.Context(), RuleSpec{
		RoleID:       RoleID(id),
		PermissionID: PermissionID(permID),
		Effect:       req.Effect,
		Priority:     req.Priority,
		Conditions:   req.Conditions,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, rule)
}

// RevokeRule revokes the active rule for a role and permission
func (h *Handlers) RevokeRule(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	permID, ok := httputil.ParsePathStringOrError(w, r, "perm_id")
	if !ok {
		return
	}

	if err := h.engine.RevokeRule(r.Context(), RoleID(id), PermissionID(permID)); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetConflicts reports allow/deny conflicts along a role's ancestor chain
func (h *Handlers) GetConflicts(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.engine.Role(RoleID(id)); err != nil {
		writeEngineError(w, err)
		return
	}

	reports := h.engine.DetectConflicts(RoleID(id))
	if reports == nil {
		reports = []ConflictReport{}
	}
	httputil.WriteSuccess(w, reports)
}

// RegisterPermission adds a permission to the catalog
func (h *Handlers) RegisterPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionSpec
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	perm, err := h.engine.RegisterPermission(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

// ListPermissions lists the catalog
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.engine.Permissions())
}

// UnregisterPermission removes a permission from the catalog
func (h *Handlers) UnregisterPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.engine.UnregisterPermission(r.Context(), PermissionID(id)); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type bulkErrorResponse struct {
	Error  string        `json:"error"`
	Failed []PairFailure `json:"failed"`
}

// BulkAssign applies one rule to every role x permission pair
func (h *Handlers) BulkAssign(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	result, err := h.engine.BulkAssign(r.Context(), req)
	if err != nil {
		if len(result.Failed) > 0 {
			httputil.WriteJSON(w, http.StatusBadRequest, bulkErrorResponse{Error: err.Error(), Failed: result.Failed})
			return
		}
		writeEngineError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

type resolveRequest struct {
	RoleIDs []RoleID       `json:"role_ids"`
	Key     PermissionKey  `json:"key"`
	Context map[string]any `json:"context,omitempty"`
}

// Resolve decides one permission key for a role set
func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	httputil.WriteSuccess(w, h.engine.Resolve(r.Context(), req.RoleIDs, req.Key, req.Context))
}

type effectiveRequest struct {
	RoleIDs []RoleID `json:"role_ids"`
}

// EffectivePermissions renders the permission matrix of a role set
func (h *Handlers) EffectivePermissions(w http.ResponseWriter, r *http.Request) {
	var req effectiveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	httputil.WriteSuccess(w, h.engine.EffectivePermissions(r.Context(), req.RoleIDs))
}

// StatusForError maps an engine error to an HTTP status code
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrProtected):
		return http.StatusForbidden
	case errors.Is(err, ErrCycle), errors.Is(err, ErrHasDependents):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	httputil.WriteMappedError(w, err, StatusForError)
}
