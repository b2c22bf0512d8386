// Package server exposes the engine's read-only HTTP surface: health,
// status, the regime heatmap, recent signals and Prometheus metrics.
// Nothing here mutates engine state; control stays with the module
// toggles in storage.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/scanner"
	"github.com/tradecore/engine/internal/storage"
)

// SessionSource provides the orchestrator's live session counters.
type SessionSource interface {
	Stats() domain.SessionStats
}

// HeatmapSource provides the scanner's per-stream regime state.
type HeatmapSource interface {
	Snapshot() []scanner.StreamState
	MostAggressiveRegime() domain.Regime
}

// RiskStatus provides the risk manager's lockdown view.
type RiskStatus interface {
	InLockdown() bool
	ConsecutiveLosses() int
}

// Config holds server configuration.
type Config struct {
	Port     int
	Log      zerolog.Logger
	Store    *storage.Store
	Scanner  HeatmapSource
	Session  SessionSource
	Risk     RiskStatus
	Gatherer prometheus.Gatherer
}

// Server is the HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	store    *storage.Store
	scanner  HeatmapSource
	session  SessionSource
	risk     RiskStatus
	gatherer prometheus.Gatherer
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		store:    cfg.Store,
		scanner:  cfg.Scanner,
		session:  cfg.Session,
		risk:     cfg.Risk,
		gatherer: cfg.Gatherer,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))

	// Read-only API: GET is all there is.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Method("GET", "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/heatmap", s.handleHeatmap)
		r.Get("/signals", s.handleSignals)
	})
}

// Start starts the HTTP server. Blocks until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
