package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/fundsplit/service/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the funding API.
type Server struct {
	addr     string
	orch     Orchestrator
	sessions SessionReader
	lister   SessionLister
	events   EventSubscriber
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
// sessions serves status reads and is usually the session cache.
// The lister is optional - if nil, the session list endpoint won't be available.
// The events subscriber is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, orch Orchestrator, sessions SessionReader, lister SessionLister, events EventSubscriber, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		orch:     orch,
		sessions: sessions,
		lister:   lister,
		events:   events,
		metrics:  m,
		logger:   logger,
	}
}

// Handler builds the routed handler, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Session routes
	route("POST /api/v1/sessions", "/api/v1/sessions", handlePrepare(s.orch, s.logger))
	route("GET /api/v1/sessions/{id}", "/api/v1/sessions/{id}", handleGetSession(s.sessions, s.logger))
	route("POST /api/v1/sessions/{id}/steps/{index}", "/api/v1/sessions/{id}/steps/{index}", handleReportStep(s.orch, s.logger))
	route("POST /api/v1/sessions/{id}/resume", "/api/v1/sessions/{id}/resume", handleResume(s.orch, s.logger))

	if s.lister != nil {
		route("GET /api/v1/sessions", "/api/v1/sessions", handleListSessions(s.lister, s.logger))
	}

	// SSE streaming endpoint (if an event subscriber is configured)
	if s.events != nil {
		route("GET /api/v1/sessions/{id}/events", "/api/v1/sessions/{id}/events", handleStreamSession(s.events, s.sessions, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("event subscriber not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // Prepare quotes with retries
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
