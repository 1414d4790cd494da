// Package api exposes campaign dispatch over HTTP: starting, watching
// and cancelling runs, recipient validation, server probing and
// history analytics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rotomail/rotomail/internal/campaign"
	"github.com/rotomail/rotomail/internal/config"
	"github.com/rotomail/rotomail/internal/history"
)

// Prober checks connectivity and authentication against a server
// without sending mail.
type Prober interface {
	Probe(ctx context.Context, server *campaign.Server) error
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	manager    *campaign.Manager
	store      *history.Storage
	usage      *history.UsageTracker
	prober     Prober
	config     *config.Config
	metricsH   http.Handler
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. metricsHandler may be nil when
// metrics are disabled.
func NewServer(manager *campaign.Manager, store *history.Storage, usage *history.UsageTracker, prober Prober, metricsHandler http.Handler, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		manager:   manager,
		store:     store,
		usage:     usage,
		prober:    prober,
		config:    cfg,
		metricsH:  metricsHandler,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	if s.config.Metrics.Enabled && s.metricsH != nil {
		s.router.Get(s.config.Metrics.Path, s.metricsH.ServeHTTP)
	}

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/campaigns", s.handleStartCampaign)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Delete("/campaigns/{id}", s.handleCancelCampaign)

		r.Post("/recipients/validate", s.handleValidateRecipients)
		r.Post("/servers/test", s.handleTestServers)

		r.Get("/analytics", s.handleAnalytics)
		r.Get("/usage", s.handleUsage)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.API.ReadTimeout,
		WriteTimeout: s.config.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.API.ListenAddr)
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
