package ingest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"medsentry/internal/alerting"
	"medsentry/internal/schema"
	"medsentry/internal/storage"
)

// WithAlerts enables the alert lifecycle endpoints.
func (h *Handler) WithAlerts(manager *alerting.Manager, alerts storage.AlertStore) *Handler {
	h.manager = manager
	h.alerts = alerts
	return h
}

// alertRoutes registers the alert lifecycle endpoints.
func (h *Handler) alertRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /alerts", h.HandleListAlerts)
	mux.HandleFunc("POST /alerts/{id}/acknowledge", h.HandleAcknowledgeAlert)
	mux.HandleFunc("POST /alerts/{id}/resolve", h.HandleResolveAlert)
}

// HandleListAlerts handles GET /alerts. An optional status query
// parameter filters by lifecycle state.
func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := schema.AlertStatus(r.URL.Query().Get("status"))
	if status != "" && status != schema.AlertActive && status != schema.AlertAcknowledged && status != schema.AlertResolved {
		respondError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	alerts, err := h.alerts.ListAlerts(r.Context(), status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"alerts":  alerts,
	})
}

// alertActionRequest carries the acting user for lifecycle changes.
type alertActionRequest struct {
	User string `json:"user"`
}

func (h *Handler) alertAction(w http.ResponseWriter, r *http.Request, action func(uuid.UUID, string) error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	var req alertActionRequest
	if r.Body != nil {
		// Body is optional; a bare POST acts as an anonymous operator.
		json.NewDecoder(r.Body).Decode(&req)
	}

	if err := action(id, req.User); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "alert not found")
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleAcknowledgeAlert handles POST /alerts/{id}/acknowledge.
func (h *Handler) HandleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, func(id uuid.UUID, user string) error {
		return h.manager.Acknowledge(r.Context(), id, user)
	})
}

// HandleResolveAlert handles POST /alerts/{id}/resolve.
func (h *Handler) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, func(id uuid.UUID, user string) error {
		return h.manager.Resolve(r.Context(), id, user)
	})
}
