package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalder/reach/internal/campaign"
	"github.com/kalder/reach/internal/config"
	"github.com/kalder/reach/internal/metrics"
	"github.com/kalder/reach/internal/orchestrator"
)

// Server is the HTTP API server
type Server struct {
	router       *chi.Mux
	httpServer   *http.Server
	orchestrator *orchestrator.Orchestrator
	campaigns    *campaign.Store
	config       *config.APIConfig
	logger       *slog.Logger
	startTime    time.Time
}

// NewServer creates a new API server
func NewServer(o *orchestrator.Orchestrator, campaigns *campaign.Store, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		orchestrator: o,
		campaigns:    campaigns,
		config:       cfg,
		logger:       logger,
		startTime:    time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/outreach/send", s.handleSend)
		r.Post("/outreach/batch", s.handleBatch)

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Get("/campaigns/{id}/status", s.handleCampaignStatus)
		r.Patch("/campaigns/{id}/status", s.handleUpdateCampaignStatus)
	})
}

// Handler returns the root handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
