// Package server exposes the HTTP surface of the application: the media
// stream WebSocket endpoint, health probes, and the Prometheus metrics
// endpoint.
//
// The server owns its gin router and http.Server. Run blocks until the
// context is cancelled, then drains in-flight requests before returning.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelvoice/kestrel/internal/config"
	"github.com/kestrelvoice/kestrel/internal/health"
	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/internal/telephony"
)

// shutdownTimeout bounds the drain phase after the run context is cancelled.
const shutdownTimeout = 10 * time.Second

// Server wires the media-stream WebSocket, health probes, and /metrics onto
// a single listener.
type Server struct {
	cfg      config.ServerConfig
	calls    *telephony.Handler
	health   *health.Handler
	metrics  *observe.Metrics
	upgrader websocket.Upgrader

	router *gin.Engine
	srv    *http.Server
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithHealth installs a health handler with readiness checkers. Without it
// the server serves /healthz and /readyz with no checkers.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics overrides the metrics instruments used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server routing media-stream connections to calls.
func New(cfg config.ServerConfig, calls *telephony.Handler, opts ...Option) (*Server, error) {
	if calls == nil {
		return nil, fmt.Errorf("server: telephony handler is required")
	}

	s := &Server{
		cfg:   cfg,
		calls: calls,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Media stream peers are telephony gateways, not browsers;
			// there is no Origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observe.Middleware(s.metrics))

	s.health.Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/media-stream", s.mediaStream)

	s.router = r
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the underlying HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// mediaStream upgrades the request to a WebSocket and runs the call loop on
// it. The handler blocks for the lifetime of the call.
func (s *Server) mediaStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		slog.Warn("media stream upgrade failed", "remote", c.Request.RemoteAddr, "err", err)
		return
	}

	slog.Info("media stream connected", "remote", c.Request.RemoteAddr)
	s.calls.Handle(c.Request.Context(), conn)
}

// Run starts the listener and blocks until ctx is cancelled or the listener
// fails. On cancellation it shuts the server down gracefully, waiting up to
// shutdownTimeout for in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS != nil {
			slog.Info("server listening", "addr", s.cfg.ListenAddr, "tls", true)
			err = s.srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			slog.Info("server listening", "addr", s.cfg.ListenAddr, "tls", false)
			err = s.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	slog.Info("server stopped")
	return ctx.Err()
}
