package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/openkiosk/lockerd/pkg/heartbeat"
	"github.com/openkiosk/lockerd/pkg/store"
)

// KioskHandler serves kiosk liveness endpoints.
type KioskHandler struct {
	monitor  *heartbeat.Monitor
	validate *validator.Validate
}

// NewKioskHandler creates the handler.
func NewKioskHandler(m *heartbeat.Monitor) *KioskHandler {
	return &KioskHandler{monitor: m, validate: validator.New()}
}

// Heartbeat handles POST /kiosks/{kiosk_id}/heartbeat.
func (h *KioskHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var payload heartbeat.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&payload); err != nil {
		BadRequest(w, err.Error())
		return
	}
	if payload.KioskID != chi.URLParam(r, "kiosk_id") {
		BadRequest(w, "kiosk_id in body does not match URL")
		return
	}

	if err := h.monitor.Record(r.Context(), &payload); err != nil {
		InternalServerError(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /kiosks.
func (h *KioskHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.monitor.Kiosks(r.Context())
	if err != nil {
		InternalServerError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, views)
}

// Get handles GET /kiosks/{kiosk_id}.
func (h *KioskHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.monitor.Kiosk(r.Context(), chi.URLParam(r, "kiosk_id"))
	if err != nil {
		if errors.Is(err, store.ErrKioskNotFound) {
			NotFound(w, "unknown kiosk")
			return
		}
		InternalServerError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, view)
}
