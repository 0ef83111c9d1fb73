package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/gateway/api/handlers"
	"github.com/openkiosk/lockerd/pkg/heartbeat"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/store"
)

// NewRouter wires the gateway routes.
//
// Routes:
//   - GET  /healthz - liveness probe
//   - GET  /metrics - Prometheus metrics (when enabled)
//   - GET  /csrf - issue a CSRF token
//   - POST /commands - enqueue a command
//   - GET  /commands/{command_id} - command snapshot
//   - POST /commands/{command_id}/cancel - cancel a pending command
//   - GET  /kiosks - kiosk list with liveness classification
//   - GET  /kiosks/{kiosk_id}/commands - long-poll pending commands
//   - POST /kiosks/{kiosk_id}/commands/claim - claim the next command
//   - POST /kiosks/{kiosk_id}/heartbeat - record a heartbeat
func NewRouter(s *store.Store, q *queue.Queue, monitor *heartbeat.Monitor, auth Authenticator, config APIConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	// The timeout must clear the long-poll deadline.
	r.Use(middleware.Timeout(config.LongPollDeadline + 5*time.Second))

	r.Get("/healthz", healthz(s))
	if config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/csrf", issueCSRF)

	commandHandler := handlers.NewCommandHandler(q, config.LongPollDeadline)
	kioskHandler := handlers.NewKioskHandler(monitor)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(auth))

		// Browser-facing routes carry the double-submit check. The
		// /kiosks routes are machine-to-machine: the kiosk daemons
		// authenticate with an explicit bearer header, which a
		// cross-origin page cannot forge, so no CSRF pair there.
		r.Route("/commands", func(r chi.Router) {
			r.Use(requireCSRF)
			r.Post("/", commandHandler.Enqueue)
			r.Get("/{command_id}", commandHandler.Get)
			r.Post("/{command_id}/cancel", commandHandler.Cancel)
		})

		r.Route("/kiosks", func(r chi.Router) {
			r.Get("/", kioskHandler.List)
			r.Get("/{kiosk_id}", kioskHandler.Get)
			r.Get("/{kiosk_id}/commands", commandHandler.KioskCommands)
			r.Post("/{kiosk_id}/commands/claim", commandHandler.Claim)
			r.Post("/{kiosk_id}/heartbeat", kioskHandler.Heartbeat)
		})
	})

	return r
}

func healthz(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Ping(r.Context()); err != nil {
			handlers.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// requestLogger logs requests through the internal logger. Health and
// metrics probes log at DEBUG to keep the noise down.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.KeyDurationMS, time.Since(start).Milliseconds(),
			logger.KeyClientIP, r.RemoteAddr,
		}
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			logger.Debug("request completed", logArgs...)
		} else {
			logger.Info("request completed", logArgs...)
		}
	})
}
