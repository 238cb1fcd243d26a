package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kalder/reach/internal/api"
	"github.com/kalder/reach/internal/budget"
	"github.com/kalder/reach/internal/campaign"
	"github.com/kalder/reach/internal/config"
	"github.com/kalder/reach/internal/dedup"
	"github.com/kalder/reach/internal/dispatch"
	"github.com/kalder/reach/internal/history"
	"github.com/kalder/reach/internal/metrics"
	"github.com/kalder/reach/internal/orchestrator"
	"github.com/kalder/reach/internal/schedule"
	"github.com/kalder/reach/internal/selector"
)

// App is the main application
type App struct {
	config        *config.Config
	campaigns     *campaign.Store
	history       *history.BoltStore
	apiServer     *api.Server
	metricsServer *metrics.Server
	dispatcher    orchestrator.Dispatcher
	logger        *slog.Logger

	cleanupStop chan struct{}
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	campaigns, err := campaign.NewStore(cfg.Storage.CampaignsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open campaign store: %w", err)
	}

	hist, err := history.NewBoltStore(cfg.Storage.HistoryPath, nil)
	if err != nil {
		campaigns.Close()
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	checker := dedup.NewChecker(hist, dedup.Config{
		Lookback:      cfg.Dedup.Lookback,
		MaxPerDay:     cfg.Dedup.MaxPerDay,
		MaxPerWeek:    cfg.Dedup.MaxPerWeek,
		CrossCampaign: cfg.Dedup.CrossCampaign,
	}, nil)

	sel := selector.New(selector.Weights{
		CustomerType: cfg.Selector.CustomerTypeWeight,
		Engagement:   cfg.Selector.EngagementWeight,
		Device:       cfg.Selector.DeviceWeight,
		Urgency:      cfg.Selector.UrgencyWeight,
		TimeOfDay:    cfg.Selector.TimeOfDayWeight,
	}, cfg.Orchestrator.FallbackChannels-1, nil)

	bm := budget.NewManager(campaigns, cfg.ChannelCosts(), cfg.Budget.PacingThreshold, nil)
	sched := schedule.New(campaigns, cfg.Schedule.BatchSpacing, nil)

	var dispatcher orchestrator.Dispatcher
	if cfg.Dispatch.AMQPURL != "" {
		d, err := dispatch.NewAMQP(cfg.Dispatch.AMQPURL, cfg.Dispatch.Queue, logger.With("component", "dispatch"))
		if err != nil {
			hist.Close()
			campaigns.Close()
			return nil, fmt.Errorf("failed to connect dispatch queue: %w", err)
		}
		dispatcher = d
	} else {
		dispatcher = dispatch.NewLog(logger.With("component", "dispatch"))
		logger.Info("no broker configured, records will be logged only")
	}

	orch := orchestrator.New(campaigns, hist, checker, sel, bm, sched, dispatcher, orchestrator.Config{
		StoreTimeout:   cfg.Orchestrator.StoreTimeout,
		ReservationTTL: cfg.Orchestrator.ReservationTTL,
		BatchWorkers:   cfg.Orchestrator.BatchWorkers,
	}, logger.With("component", "orchestrator"), nil)

	apiServer := api.NewServer(orch, campaigns, &cfg.API, logger.With("component", "api"))

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		metricsServer = metrics.NewServerWithAllowedIPs(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	return &App{
		config:        cfg,
		campaigns:     campaigns,
		history:       hist,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		dispatcher:    dispatcher,
		logger:        logger,
		cleanupStop:   make(chan struct{}),
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting reach",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"campaigns_db", a.config.Storage.CampaignsPath,
		"history_db", a.config.Storage.HistoryPath,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.config.Storage.HistoryMaxAge > 0 {
		go a.cleanupLoop()
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// cleanupLoop prunes old send records and expired reservations.
func (a *App) cleanupLoop() {
	ticker := time.NewTicker(a.config.Storage.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.cleanupStop:
			return
		case <-ticker.C:
			removed, err := a.history.Cleanup(context.Background(), a.config.Storage.HistoryMaxAge)
			if err != nil {
				a.logger.Error("history cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				a.logger.Info("history cleanup", "removed", removed)
			}
		}
	}
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	close(a.cleanupStop)

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if c, ok := a.dispatcher.(*dispatch.AMQPDispatcher); ok {
		if err := c.Close(); err != nil {
			a.logger.Error("dispatcher close error", "error", err)
		}
	}

	if err := a.history.Close(); err != nil {
		a.logger.Error("history store close error", "error", err)
	}
	if err := a.campaigns.Close(); err != nil {
		a.logger.Error("campaign store close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
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
