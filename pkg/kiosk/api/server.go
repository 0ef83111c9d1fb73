// Package api is the local HTTP surface of a kiosk process. The kiosk
// touchscreen UI talks to it on the LAN: QR payloads come in here and
// flow through the same intake path as RFID scans, and the UI polls
// locker state from it. Staff operations are not served here; those go
// through the Panel.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/gateway/api/handlers"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/modbus"
	"github.com/openkiosk/lockerd/pkg/rfid"
	"github.com/openkiosk/lockerd/pkg/store"
)

// APIConfig configures the kiosk HTTP server.
type APIConfig struct {
	Host           string
	Port           int
	KioskID        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MetricsEnabled bool
}

func (c *APIConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 3002
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
}

// Server is the kiosk-local HTTP server.
type Server struct {
	server       *http.Server
	config       APIConfig
	shutdownOnce sync.Once
}

// NewServer wires the kiosk server. health may be nil when the process
// runs without hardware (development mode).
func NewServer(config APIConfig, s *store.Store, intake *rfid.Intake, health *modbus.Health) *Server {
	config.applyDefaults()

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
			Handler:      NewRouter(config, s, intake, health),
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		config: config,
	}
}

// NewRouter wires the kiosk routes.
//
// Routes:
//   - GET  /healthz     - liveness: database ping plus relay bus status
//   - GET  /metrics     - Prometheus metrics (when enabled)
//   - POST /api/scan    - RFID uid presented at the reader or typed in
//   - POST /api/device  - opaque device hash from a scanned QR code
//   - GET  /api/lockers - locker state for this kiosk
func NewRouter(config APIConfig, s *store.Store, intake *rfid.Intake, health *modbus.Health) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	h := &kioskHandler{store: s, intake: intake, health: health, config: config}

	r.Get("/healthz", h.healthz)
	if config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/scan", h.scan)
		r.Post("/device", h.device)
		r.Get("/lockers", h.lockers)
	})

	return r
}

type kioskHandler struct {
	store  *store.Store
	intake *rfid.Intake
	health *modbus.Health
	config APIConfig
}

func (h *kioskHandler) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "kiosk_id": h.config.KioskID}
	status := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if h.health != nil {
		body["hardware"] = string(h.health.Status())
		if !h.health.OK() {
			body["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	handlers.WriteJSON(w, status, body)
}

type scanRequest struct {
	UID string `json:"uid"`
}

func (h *kioskHandler) scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.BadRequest(w, "invalid JSON body")
		return
	}
	result, err := h.intake.HandleScan(r.Context(), req.UID)
	h.respond(w, result, err)
}

type deviceRequest struct {
	DeviceHash string `json:"device_hash"`
}

func (h *kioskHandler) device(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.BadRequest(w, "invalid JSON body")
		return
	}
	if req.DeviceHash == "" {
		handlers.BadRequest(w, "device_hash is required")
		return
	}
	result, err := h.intake.HandleDevice(r.Context(), req.DeviceHash)
	h.respond(w, result, err)
}

func (h *kioskHandler) respond(w http.ResponseWriter, result *rfid.Result, err error) {
	switch {
	case err == nil:
		handlers.WriteJSON(w, http.StatusOK, result)
	case errors.Is(err, rfid.ErrInvalidUID):
		handlers.BadRequest(w, err.Error())
	case errors.Is(err, locker.ErrNoLockers):
		handlers.Conflict(w, "no free lockers available")
	case errors.Is(err, locker.ErrConflict):
		handlers.Conflict(w, "locker is busy, try again")
	default:
		handlers.InternalServerError(w, "scan failed")
	}
}

func (h *kioskHandler) lockers(w http.ResponseWriter, r *http.Request) {
	lockers, err := h.store.ListLockers(r.Context(), h.config.KioskID)
	if err != nil {
		handlers.InternalServerError(w, "failed to list lockers")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{
		"kiosk_id": h.config.KioskID,
		"lockers":  lockers,
	})
}

// Handler returns the router, for tests driving the server in-process.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("kiosk API listening", logger.KeyPort, s.config.Port, logger.KeyKioskID, s.config.KioskID)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("kiosk API server failed: %w", err)
	}
}

// Stop shuts the server down gracefully. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("kiosk API shutdown error: %w", err)
		} else {
			logger.Info("kiosk API stopped")
		}
	})
	return shutdownErr
}
