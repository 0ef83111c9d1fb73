// Package api is the Gateway HTTP surface: command enqueue and
// lifecycle, kiosk command delivery and heartbeats.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/heartbeat"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/store"
)

// Server is the gateway HTTP server. It is created stopped; Start
// serves until the context ends, then shuts down gracefully.
type Server struct {
	server       *http.Server
	config       APIConfig
	shutdownOnce sync.Once
}

// NewServer wires the gateway server over its dependencies.
func NewServer(config APIConfig, s *store.Store, q *queue.Queue, monitor *heartbeat.Monitor, auth Authenticator) *Server {
	config.applyDefaults()
	if auth == nil {
		auth = &StaticTokenAuthenticator{Token: config.AuthToken}
	}

	router := NewRouter(s, q, monitor, auth, config)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
			Handler:      router,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		config: config,
	}
}

// Handler returns the router, for tests driving the server in-process.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("gateway API listening", logger.KeyPort, s.config.Port)
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
		return fmt.Errorf("gateway API server failed: %w", err)
	}
}

// Stop shuts the server down gracefully. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("gateway API shutdown error: %w", err)
		} else {
			logger.Info("gateway API stopped")
		}
	})
	return shutdownErr
}

// Port returns the configured listen port.
func (s *Server) Port() int { return s.config.Port }
