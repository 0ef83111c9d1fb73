package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/openkiosk/lockerd/pkg/gateway/api/handlers"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/store"
)

// Handler serves the staff panel routes. The panel shares the store
// with the gateway, so command snapshots come straight from the queue
// rather than through a second HTTP hop.
type Handler struct {
	queue    *queue.Queue
	manager  *locker.Manager
	store    *store.Store
	dedupe   *dedupe
	validate *validator.Validate
}

// NewHandler creates the panel handler.
func NewHandler(q *queue.Queue, m *locker.Manager, s *store.Store, config APIConfig) *Handler {
	return &Handler{
		queue:    q,
		manager:  m,
		store:    s,
		dedupe:   newDedupe(config.DuplicateWindow),
		validate: validator.New(),
	}
}

// OpenRequest is the body of a single-locker open.
type OpenRequest struct {
	StaffUser string `json:"staff_user" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
	Override  bool   `json:"override"`
}

// OpenLocker handles POST /api/lockers/{kiosk_id}/{locker_id}/open.
// A repeat for the same locker inside the duplicate window returns 409
// carrying the already-enqueued command id.
func (h *Handler) OpenLocker(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kiosk_id")
	lockerID, err := strconv.Atoi(chi.URLParam(r, "locker_id"))
	if err != nil || lockerID < 1 {
		handlers.BadRequest(w, "locker_id must be a positive integer")
		return
	}

	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		handlers.BadRequest(w, err.Error())
		return
	}

	if existing, dup := h.dedupe.check(kioskID, lockerID); dup {
		handlers.WriteJSON(w, http.StatusConflict, map[string]string{
			"command_id": existing,
			"status":     "duplicate",
		})
		return
	}

	result, err := h.queue.Enqueue(r.Context(), kioskID, store.CommandOpenLocker, store.CommandPayload{
		LockerID:  lockerID,
		StaffUser: req.StaffUser,
		Reason:    req.Reason,
		Override:  req.Override,
	}, uuid.New().String())
	if err != nil {
		h.writeEnqueueError(w, err)
		return
	}

	h.dedupe.record(kioskID, lockerID, result.CommandID)
	handlers.WriteJSON(w, http.StatusAccepted, result)
}

// BulkOpenRequest is the body of POST /api/lockers/bulk-open.
type BulkOpenRequest struct {
	KioskID    string `json:"kiosk_id" validate:"required"`
	LockerIDs  []int  `json:"locker_ids" validate:"required,min=1,dive,gt=0"`
	StaffUser  string `json:"staff_user" validate:"required"`
	Reason     string `json:"reason" validate:"required"`
	IntervalMS int    `json:"interval_ms"`
	ExcludeVIP *bool  `json:"exclude_vip"`
}

// BulkOpen handles POST /api/lockers/bulk-open. VIP lockers are
// excluded unless the caller explicitly includes them.
func (h *Handler) BulkOpen(w http.ResponseWriter, r *http.Request) {
	var req BulkOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		handlers.BadRequest(w, err.Error())
		return
	}

	excludeVIP := true
	if req.ExcludeVIP != nil {
		excludeVIP = *req.ExcludeVIP
	}

	result, err := h.queue.Enqueue(r.Context(), req.KioskID, store.CommandBulkOpen, store.CommandPayload{
		LockerIDs:  req.LockerIDs,
		StaffUser:  req.StaffUser,
		Reason:     req.Reason,
		IntervalMS: req.IntervalMS,
		ExcludeVIP: excludeVIP,
	}, uuid.New().String())
	if err != nil {
		h.writeEnqueueError(w, err)
		return
	}
	handlers.WriteJSON(w, http.StatusAccepted, result)
}

// BlockRequest is the body of block and unblock.
type BlockRequest struct {
	StaffUser string `json:"staff_user" validate:"required"`
	Reason    string `json:"reason"`
}

// BlockLocker handles POST /api/lockers/{kiosk_id}/{locker_id}/block.
func (h *Handler) BlockLocker(w http.ResponseWriter, r *http.Request) {
	h.enqueueBlock(w, r, store.CommandBlock)
}

// UnblockLocker handles POST /api/lockers/{kiosk_id}/{locker_id}/unblock.
func (h *Handler) UnblockLocker(w http.ResponseWriter, r *http.Request) {
	h.enqueueBlock(w, r, store.CommandUnblock)
}

func (h *Handler) enqueueBlock(w http.ResponseWriter, r *http.Request, cmdType store.CommandType) {
	kioskID := chi.URLParam(r, "kiosk_id")
	lockerID, err := strconv.Atoi(chi.URLParam(r, "locker_id"))
	if err != nil || lockerID < 1 {
		handlers.BadRequest(w, "locker_id must be a positive integer")
		return
	}

	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		handlers.BadRequest(w, err.Error())
		return
	}

	result, err := h.queue.Enqueue(r.Context(), kioskID, cmdType, store.CommandPayload{
		LockerID:  lockerID,
		StaffUser: req.StaffUser,
		Reason:    req.Reason,
	}, uuid.New().String())
	if err != nil {
		h.writeEnqueueError(w, err)
		return
	}
	handlers.WriteJSON(w, http.StatusAccepted, result)
}

// GetCommand handles GET /api/lockers/commands/{command_id}. Same
// stable shape the gateway serves.
func (h *Handler) GetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.queue.Status(r.Context(), chi.URLParam(r, "command_id"))
	if err != nil {
		if errors.Is(err, store.ErrCommandNotFound) {
			handlers.CommandNotFound(w)
			return
		}
		handlers.InternalServerError(w, err.Error())
		return
	}
	handlers.WriteJSON(w, http.StatusOK, queue.NewCommandView(cmd))
}

// ListLockers handles GET /api/lockers/{kiosk_id}.
func (h *Handler) ListLockers(w http.ResponseWriter, r *http.Request) {
	lockers, err := h.manager.List(r.Context(), chi.URLParam(r, "kiosk_id"))
	if err != nil {
		handlers.InternalServerError(w, err.Error())
		return
	}
	handlers.WriteJSON(w, http.StatusOK, lockers)
}

// ListEvents handles GET /api/events/{kiosk_id}?limit=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			handlers.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := h.store.ListEvents(r.Context(), chi.URLParam(r, "kiosk_id"), limit)
	if err != nil {
		handlers.InternalServerError(w, err.Error())
		return
	}
	handlers.WriteJSON(w, http.StatusOK, events)
}

// ContractRequest is the body of POST /api/contracts.
type ContractRequest struct {
	KioskID  string    `json:"kiosk_id" validate:"required"`
	LockerID int       `json:"locker_id" validate:"gt=0"`
	OwnerKey string    `json:"owner_key" validate:"required"`
	ValidTo  time.Time `json:"valid_to" validate:"required"`
}

// CreateContract handles POST /api/contracts: bind a VIP contract and
// hand its locker to the holder.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req ContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		handlers.BadRequest(w, err.Error())
		return
	}

	contract := &store.VipContract{
		ID:        uuid.New().String(),
		KioskID:   req.KioskID,
		LockerID:  req.LockerID,
		OwnerKey:  req.OwnerKey,
		ValidFrom: time.Now().UTC(),
		ValidTo:   req.ValidTo,
		Active:    true,
	}
	if err := h.store.CreateContract(r.Context(), contract); err != nil {
		if errors.Is(err, store.ErrDuplicateContract) {
			handlers.Conflict(w, "locker already has an active contract")
			return
		}
		handlers.InternalServerError(w, err.Error())
		return
	}
	if err := h.manager.BindContract(r.Context(), contract); err != nil {
		_ = h.store.Transaction(r.Context(), func(tx store.Tx) error {
			return h.store.DeactivateContractTx(tx, contract.ID)
		})
		switch {
		case errors.Is(err, locker.ErrConflict):
			handlers.Conflict(w, err.Error())
		case errors.Is(err, store.ErrLockerNotFound):
			handlers.NotFound(w, "unknown locker")
		default:
			handlers.InternalServerError(w, err.Error())
		}
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, contract)
}

// TerminateContract handles POST /api/contracts/{contract_id}/terminate.
func (h *Handler) TerminateContract(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		handlers.BadRequest(w, err.Error())
		return
	}

	err := h.manager.TerminateContract(r.Context(), chi.URLParam(r, "contract_id"), req.StaffUser)
	if err != nil {
		if errors.Is(err, store.ErrContractNotFound) {
			handlers.NotFound(w, "unknown contract")
			return
		}
		handlers.InternalServerError(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrPayloadMismatch):
		handlers.Conflict(w, "command_id already used with a different payload")
	case errors.Is(err, queue.ErrQueueFull):
		handlers.TooManyRequests(w, "kiosk command queue is full")
	default:
		handlers.InternalServerError(w, err.Error())
	}
}
