// Package api is the staff Admin Panel HTTP surface: locker opens,
// blocks, bulk operations and command status for the panel UI.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openkiosk/lockerd/internal/logger"
	gwapi "github.com/openkiosk/lockerd/pkg/gateway/api"
	"github.com/openkiosk/lockerd/pkg/gateway/api/handlers"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/store"
)

// Server is the panel HTTP server.
type Server struct {
	server       *http.Server
	config       APIConfig
	shutdownOnce sync.Once
}

// NewServer wires the panel server over its dependencies.
func NewServer(config APIConfig, s *store.Store, q *queue.Queue, m *locker.Manager, auth gwapi.Authenticator) *Server {
	config.applyDefaults()
	if auth == nil {
		auth = &gwapi.StaticTokenAuthenticator{Token: config.AuthToken}
	}

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
			Handler:      NewRouter(s, q, m, auth, config),
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		config: config,
	}
}

// NewRouter wires the panel routes.
//
// Routes:
//   - GET  /healthz - liveness probe
//   - GET  /metrics - Prometheus metrics (when enabled)
//   - POST /api/lockers/{kiosk_id}/{locker_id}/open
//   - POST /api/lockers/{kiosk_id}/{locker_id}/block
//   - POST /api/lockers/{kiosk_id}/{locker_id}/unblock
//   - POST /api/lockers/bulk-open
//   - GET  /api/lockers/commands/{command_id}
//   - GET  /api/lockers/{kiosk_id}
//   - GET  /api/events/{kiosk_id}
//   - POST /api/contracts, /api/contracts/{contract_id}/terminate
func NewRouter(s *store.Store, q *queue.Queue, m *locker.Manager, auth gwapi.Authenticator, config APIConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := s.Ping(req.Context()); err != nil {
			handlers.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	h := NewHandler(q, m, s, config)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireAuth(auth))

		r.Route("/lockers", func(r chi.Router) {
			r.Post("/bulk-open", h.BulkOpen)
			r.Get("/commands/{command_id}", h.GetCommand)
			r.Get("/{kiosk_id}", h.ListLockers)
			r.Post("/{kiosk_id}/{locker_id}/open", h.OpenLocker)
			r.Post("/{kiosk_id}/{locker_id}/block", h.BlockLocker)
			r.Post("/{kiosk_id}/{locker_id}/unblock", h.UnblockLocker)
		})

		r.Get("/events/{kiosk_id}", h.ListEvents)

		r.Route("/contracts", func(r chi.Router) {
			r.Post("/", h.CreateContract)
			r.Post("/{contract_id}/terminate", h.TerminateContract)
		})
	})

	return r
}

func requireAuth(auth gwapi.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := auth.Authenticate(r); err != nil {
				handlers.Unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handler returns the router, for tests driving the server in-process.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("panel API listening", logger.KeyPort, s.config.Port)
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
		return fmt.Errorf("panel API server failed: %w", err)
	}
}

// Stop shuts the server down gracefully. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("panel API shutdown error: %w", err)
		} else {
			logger.Info("panel API stopped")
		}
	})
	return shutdownErr
}

// Port returns the configured listen port.
func (s *Server) Port() int { return s.config.Port }
