// Package app wires the daemon together: storage, metrics, relay
// client, campaign manager and HTTP API, with signal handling and
// graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotomail/rotomail/internal/api"
	"github.com/rotomail/rotomail/internal/campaign"
	"github.com/rotomail/rotomail/internal/config"
	"github.com/rotomail/rotomail/internal/history"
	"github.com/rotomail/rotomail/internal/message"
	"github.com/rotomail/rotomail/internal/metrics"
	"github.com/rotomail/rotomail/internal/smtp"
)

// App is the main application
type App struct {
	config    *config.Config
	store     *history.Storage
	usage     *history.UsageTracker
	manager   *campaign.Manager
	apiServer *api.Server
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	store, err := history.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history storage: %w", err)
	}

	usage, err := history.NewUsageTracker(store.DB(), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create usage tracker: %w", err)
	}

	m := metrics.New()

	relay := smtp.NewClient(cfg.Server.Hostname, cfg.Dispatch.AttemptTimeout, message.NewBuilder(), logger)
	sender := metrics.NewInstrumentedSender(relay, m)

	dispatcher := campaign.NewDispatcher(sender, campaign.DispatcherConfig{
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		IsServerFault:  smtp.IsServerFault,
		Usage:          usage,
		Logger:         logger.With("component", "dispatcher"),
	})

	manager := campaign.NewManager(dispatcher, store, m, logger)

	apiServer := api.NewServer(manager, store, usage, relay, m.Handler(), cfg, logger)

	return &App{
		config:    cfg,
		store:     store,
		usage:     usage,
		manager:   manager,
		apiServer: apiServer,
		metrics:   m,
		logger:    logger,
	}, nil
}

// Run starts the daemon and blocks until a signal or server error.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting rotomail",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Cancel in-flight campaigns and wait for their goroutines.
	a.manager.Stop()

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
