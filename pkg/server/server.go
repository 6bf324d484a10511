// Package server is the HTTP transport: a JSON API for scan lifecycle
// and catalog queries, plus a Server-Sent Events stream per scan.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/eventbus"
	"github.com/kestrelsec/kestrel/pkg/observability"
	"github.com/kestrelsec/kestrel/pkg/scan"
	"github.com/kestrelsec/kestrel/pkg/toolbox"
)

// Server hosts the kestrel HTTP API.
type Server struct {
	cfg     *config.ServerConfig
	ctrl    *scan.Controller
	bus     *eventbus.Bus
	toolbox *toolbox.Toolbox
	metrics *observability.Metrics
	logger  *slog.Logger

	http *http.Server
}

// New assembles the server and its routes.
func New(cfg *config.ServerConfig, ctrl *scan.Controller, bus *eventbus.Bus, tb *toolbox.Toolbox, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		bus:     bus,
		toolbox: tb,
		metrics: metrics,
		logger:  logger,
	}
	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed so tests can drive the handlers
// through httptest without binding a port.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Post("/scans", s.handleCreateScan)
		r.Get("/scans", s.handleListScans)
		r.Route("/scans/{scanID}", func(r chi.Router) {
			r.Get("/", s.handleGetScan)
			r.Delete("/", s.handleCancelScan)
			r.Get("/steps", s.handleScanSteps)
			r.Get("/findings", s.handleScanFindings)
			r.Get("/events", s.handleScanEvents)
		})
		r.Get("/tools", s.handleTools)
	})
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests. Open SSE streams end when their
// request contexts are cancelled by the underlying server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
