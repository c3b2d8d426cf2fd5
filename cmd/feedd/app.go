package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrBurberry/huginn/internal/config"
	"github.com/MrBurberry/huginn/internal/eventbus"
	"github.com/MrBurberry/huginn/internal/feed"
	"github.com/MrBurberry/huginn/internal/observability"
	"github.com/MrBurberry/huginn/internal/state"
	"github.com/MrBurberry/huginn/internal/window"
)

// app is the wired set of components shared by every command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *sql.DB
	store    *state.Store
	bus      *eventbus.Bus
	windows  *window.Cache
	feeds    *feed.Service
	metrics  *observability.Metrics
	registry *prometheus.Registry
}

func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, db: db}
	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = observability.NewMetrics(a.registry)
	}

	a.store = state.NewStore(db)
	a.bus = eventbus.NewBus(db)
	a.windows = window.NewCache(window.NewRepo(db), a.bus,
		window.WithLogger(logger),
		window.WithMetrics(a.metrics),
	)
	a.feeds = feed.NewService(a.store, a.windows,
		feed.WithLogger(logger),
		feed.WithMetrics(a.metrics),
		feed.WithDomain(cfg.Domain),
		feed.WithLocation(loc),
		feed.WithNotifier(a.bus),
		feed.WithHubClient(feed.NewHubClient(nil, cfg.HubTimeout)),
		feed.WithHubConcurrency(cfg.HubConcurrency),
		feed.WithOptionsCacheSize(cfg.OptionsCacheSize),
	)
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
