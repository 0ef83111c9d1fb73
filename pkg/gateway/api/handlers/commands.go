package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/store"
)

// CommandHandler serves the command queue surface of the gateway.
type CommandHandler struct {
	queue    *queue.Queue
	validate *validator.Validate

	// longPoll is the server-side deadline of GET /kiosks/{id}/commands.
	longPoll time.Duration
}

// NewCommandHandler creates the handler.
func NewCommandHandler(q *queue.Queue, longPoll time.Duration) *CommandHandler {
	if longPoll <= 0 {
		longPoll = 25 * time.Second
	}
	return &CommandHandler{
		queue:    q,
		validate: validator.New(),
		longPoll: longPoll,
	}
}

// EnqueueRequest is the body of POST /commands.
type EnqueueRequest struct {
	KioskID   string               `json:"kiosk_id" validate:"required"`
	Type      store.CommandType    `json:"type" validate:"required"`
	Payload   store.CommandPayload `json:"payload"`
	CommandID string               `json:"command_id"`
}

// Enqueue handles POST /commands.
func (h *CommandHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		BadRequest(w, err.Error())
		return
	}
	if !req.Type.Valid() {
		BadRequest(w, "unknown command type")
		return
	}

	result, err := h.queue.Enqueue(r.Context(), req.KioskID, req.Type, req.Payload, req.CommandID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrPayloadMismatch):
			Conflict(w, "command_id already used with a different payload")
		case errors.Is(err, queue.ErrQueueFull):
			TooManyRequests(w, "kiosk command queue is full")
		default:
			InternalServerError(w, err.Error())
		}
		return
	}

	status := http.StatusAccepted
	if result.Status == "duplicate" {
		status = http.StatusConflict
	}
	WriteJSON(w, status, result)
}

// Get handles GET /commands/{command_id}.
func (h *CommandHandler) Get(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.queue.Status(r.Context(), chi.URLParam(r, "command_id"))
	if err != nil {
		if errors.Is(err, store.ErrCommandNotFound) {
			CommandNotFound(w)
			return
		}
		InternalServerError(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, queue.NewCommandView(cmd))
}

// Cancel handles POST /commands/{command_id}/cancel.
func (h *CommandHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "command_id")
	err := h.queue.Cancel(r.Context(), commandID)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]string{
			"command_id": commandID,
			"status":     string(store.CommandCancelled),
		})
	case errors.Is(err, store.ErrCommandNotFound):
		CommandNotFound(w)
	case errors.Is(err, queue.ErrNotCancellable):
		Conflict(w, "command is executing or already terminal")
	default:
		InternalServerError(w, err.Error())
	}
}

// KioskCommands handles GET /kiosks/{kiosk_id}/commands?limit=N. It
// long-polls: when nothing is pending it parks until a row appears or
// the deadline passes, then answers with whatever is pending. It never
// claims; claiming is a separate POST so a poll dropped by the network
// cannot lose a command.
func (h *CommandHandler) KioskCommands(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kiosk_id")
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	pending, err := h.queue.ListPending(r.Context(), kioskID, limit)
	if err != nil {
		InternalServerError(w, err.Error())
		return
	}
	if len(pending) == 0 {
		h.queue.WaitPending(r.Context(), kioskID, h.longPoll)
		if pending, err = h.queue.ListPending(r.Context(), kioskID, limit); err != nil {
			InternalServerError(w, err.Error())
			return
		}
	}
	WriteJSON(w, http.StatusOK, queue.NewCommandViews(pending))
}

// Claim handles POST /kiosks/{kiosk_id}/commands/claim.
func (h *CommandHandler) Claim(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.queue.ClaimNext(r.Context(), chi.URLParam(r, "kiosk_id"))
	if err != nil {
		InternalServerError(w, err.Error())
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, cmd)
}
