package audit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rolegraph/pkg/httputil"
)

const maxPageSize = 1000

// Handlers provides HTTP handlers for audit log API
type Handlers struct {
	store Store
}

// NewHandlers creates new audit handlers
func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers audit log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/rbac/audit/events", h.listEvents).Methods("GET")
	router.HandleFunc("/rbac/audit/events/{id}", h.getEvent).Methods("GET")
	router.HandleFunc("/rbac/audit/export", h.exportEvents).Methods("GET")
}

// listEvents handles GET /rbac/audit/events
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// getEvent handles GET /rbac/audit/events/{id}
func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	event, err := h.store.Get(r.Context(), id)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if event == nil {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "event not found")
		return
	}
	httputil.WriteSuccess(w, event)
}

// exportEvents handles GET /rbac/audit/export
func (h *Handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	data, contentType, err := Export(events, format)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=rbac-audit."+string(format))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type badParam struct {
	name, value string
}

func (e badParam) Error() string {
	return "invalid " + e.name + ": " + e.value
}

// parseFilter reads start_time, end_time (RFC3339), event_type (comma separated),
// resource_type, resource_id, min_generation, limit and offset
func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	filter := Filter{
		ResourceType: ResourceType(q.Get("resource_type")),
		ResourceID:   q.Get("resource_id"),
		Limit:        100,
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"start_time", &filter.StartTime}, {"end_time", &filter.EndTime}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return Filter{}, badParam{p.name, v}
			}
			*p.dst = &t
		}
	}
	if v := q.Get("event_type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.EventTypes = append(filter.EventTypes, EventType(t))
			}
		}
	}
	if v := q.Get("min_generation"); v != "" {
		gen, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Filter{}, badParam{"min_generation", v}
		}
		filter.MinGeneration = gen
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return Filter{}, badParam{"limit", v}
		}
		filter.Limit = min(limit, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return Filter{}, badParam{"offset", v}
		}
		filter.Offset = offset
	}
	return filter, nil
}
