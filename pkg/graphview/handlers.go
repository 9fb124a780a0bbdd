package graphview

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rolegraph/pkg/httputil"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

// Handlers provides HTTP handlers for hierarchy visualization
type Handlers struct {
	src Source
}

// NewHandlers creates graph view handlers. *rbac.Engine is a Source.
func NewHandlers(src Source) *Handlers {
	return &Handlers{src: src}
}

// RegisterRoutes registers graph view routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/rbac/graph", h.getGraph).Methods("GET")
	router.HandleFunc("/rbac/roles/{id}/impact", h.getImpact).Methods("GET")
}

// getGraph handles GET /rbac/graph
// Query parameters:
//   - role: focus on one role (default: the whole hierarchy)
//   - direction: "ancestors", "descendants" or "both" (default: "both")
//   - depth: levels to walk from the focus role (default: unlimited)
func (h *Handlers) getGraph(w http.ResponseWriter, r *http.Request) {
	depth, err := httputil.QueryInt(r, "depth", 0, 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	opts := ViewOptions{
		Focus:     rbac.RoleID(q.Get("role")),
		Direction: q.Get("direction"),
		MaxDepth:  depth,
	}

	graph, err := Build(h.src, opts)
	if err != nil {
		httputil.WriteMappedError(w, err, rbac.StatusForError)
		return
	}
	httputil.WriteSuccess(w, graph)
}

// getImpact handles GET /rbac/roles/{id}/impact
func (h *Handlers) getImpact(w http.ResponseWriter, r *http.Request) {
	analysis, err := Impact(h.src, rbac.RoleID(mux.Vars(r)["id"]))
	if err != nil {
		httputil.WriteMappedError(w, err, rbac.StatusForError)
		return
	}
	httputil.WriteSuccess(w, analysis)
}
