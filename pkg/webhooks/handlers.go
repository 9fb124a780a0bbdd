package webhooks

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rolegraph/pkg/httputil"
)

// Handlers provides HTTP handlers for webhook management
type Handlers struct {
	manager *Manager
}

// NewHandlers creates new webhook handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// RegisterRoutes registers webhook routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/rbac/webhooks", h.createWebhook).Methods("POST")
	router.HandleFunc("/rbac/webhooks", h.listWebhooks).Methods("GET")
	router.HandleFunc("/rbac/webhooks/{id}", h.getWebhook).Methods("GET")
	router.HandleFunc("/rbac/webhooks/{id}", h.updateWebhook).Methods("PATCH")
	router.HandleFunc("/rbac/webhooks/{id}", h.deleteWebhook).Methods("DELETE")
	router.HandleFunc("/rbac/webhooks/{id}/activate", h.setActive(true)).Methods("POST")
	router.HandleFunc("/rbac/webhooks/{id}/deactivate", h.setActive(false)).Methods("POST")
	router.HandleFunc("/rbac/webhooks/{id}/deliveries", h.listDeliveries).Methods("GET")
	router.HandleFunc("/rbac/webhooks/{id}/stats", h.getStats).Methods("GET")
	router.HandleFunc("/rbac/webhooks/{id}/test", h.testWebhook).Methods("POST")
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrInvalid):
		httputil.WriteError(w, http.StatusBadRequest, err)
	default:
		httputil.WriteInternalError(w, err)
	}
}

// createWebhook handles POST /rbac/webhooks
func (h *Handlers) createWebhook(w http.ResponseWriter, r *http.Request) {
	var endpoint Endpoint
	if !httputil.ParseJSONOrError(w, r, &endpoint) {
		return
	}

	if err := h.manager.Register(&endpoint); err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteCreated(w, endpoint.redacted())
}

// listWebhooks handles GET /rbac/webhooks
func (h *Handlers) listWebhooks(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.manager.List())
}

// getWebhook handles GET /rbac/webhooks/{id}
func (h *Handlers) getWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	endpoint, err := h.manager.Get(id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteSuccess(w, endpoint)
}

// updateWebhook handles PATCH /rbac/webhooks/{id}
func (h *Handlers) updateWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var update EndpointUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}

	endpoint, err := h.manager.Update(id, update)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteSuccess(w, endpoint)
}

// deleteWebhook handles DELETE /rbac/webhooks/{id}
func (h *Handlers) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.manager.Unregister(id); err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// setActive handles POST /rbac/webhooks/{id}/activate and /deactivate
func (h *Handlers) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := httputil.ParsePathStringOrError(w, r, "id")
		if !ok {
			return
		}

		endpoint, err := h.manager.SetActive(id, active)
		if err != nil {
			writeManagerError(w, err)
			return
		}
		httputil.WriteSuccess(w, endpoint)
	}
}

// listDeliveries handles GET /rbac/webhooks/{id}/deliveries?limit=N
func (h *Handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.manager.Get(id); err != nil {
		writeManagerError(w, err)
		return
	}

	limit, err := httputil.QueryInt(r, "limit", 50, 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	deliveries := h.manager.DeliveryLogs(id, limit)
	httputil.WriteSuccess(w, map[string]interface{}{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}

// getStats handles GET /rbac/webhooks/{id}/stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.manager.Get(id); err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteSuccess(w, h.manager.DeliveryStats(id))
}

// testWebhook handles POST /rbac/webhooks/{id}/test. The delivery outcome is reported in
// the body; only an unknown id fails the request.
func (h *Handlers) testWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	delivery, err := h.manager.Ping(r.Context(), id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteSuccess(w, delivery)
}
