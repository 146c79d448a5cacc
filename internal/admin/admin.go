// Package admin serves kaiwa's operational HTTP surface: the /healthz
// liveness probe, the /readyz readiness probe and the Prometheus /metrics
// endpoint. The surface is optional; when no listen address is configured
// the application runs without it.
//
// Every request passes through the observe middleware, so admin traffic
// shows up in the request-duration histogram and carries correlation IDs.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkurimoto/kaiwa/internal/observe"
)

// drainTimeout bounds how long Run waits for in-flight requests after the
// context is cancelled.
const drainTimeout = 5 * time.Second

// Server is the admin HTTP server.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer builds an admin server on addr with the probe and metrics
// routes. The checkers back the /readyz endpoint.
func NewServer(addr string, metrics *observe.Metrics, checkers ...Checker) *Server {
	mux := http.NewServeMux()
	NewHealth(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to [drainTimeout]. It returns nil after a clean drain and a non-nil error
// when the listener fails.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	slog.Info("admin server listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("admin: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin: shutdown: %w", err)
	}
	// ListenAndServe has returned ErrServerClosed by now.
	<-errCh

	slog.Info("admin server stopped")
	return nil
}
