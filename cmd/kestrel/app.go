package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/eventbus"
	"github.com/kestrelsec/kestrel/pkg/executor"
	"github.com/kestrelsec/kestrel/pkg/llms"
	"github.com/kestrelsec/kestrel/pkg/logger"
	"github.com/kestrelsec/kestrel/pkg/observability"
	"github.com/kestrelsec/kestrel/pkg/router"
	"github.com/kestrelsec/kestrel/pkg/scan"
	"github.com/kestrelsec/kestrel/pkg/storage"
	"github.com/kestrelsec/kestrel/pkg/toolbox"
)

// app is the assembled process: every collaborator wired and ready.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *eventbus.Bus
	store     scan.Store
	toolbox   *toolbox.Toolbox
	providers *llms.Registry
	metrics   *observability.Metrics
	ctrl      *scan.Controller
}

// buildApp loads config and wires the full dependency graph.
func buildApp(c *cli) (*app, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if c.LogLevel != "" {
		level = c.LogLevel
	}
	log, err := logger.InitFromStrings(level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		return nil, err
	}

	tb, err := toolbox.NewDefault()
	if err != nil {
		return nil, err
	}
	overrides, err := cfg.ToolOverrides()
	if err != nil {
		return nil, err
	}
	if err := tb.ApplyOverrides(overrides); err != nil {
		return nil, err
	}

	providers := llms.NewRegistry()
	fast, err := providers.CreateFromConfig("fast", &cfg.Providers.Fast)
	if err != nil {
		return nil, err
	}
	deep, err := providers.CreateFromConfig("deep", &cfg.Providers.Deep)
	if err != nil {
		providers.CloseAll()
		return nil, err
	}

	rt, err := router.New(fast, deep, &cfg.Router, log)
	if err != nil {
		providers.CloseAll()
		return nil, err
	}

	store, err := storage.New(&cfg.Storage)
	if err != nil {
		providers.CloseAll()
		return nil, err
	}

	bus := eventbus.New(cfg.Scan.MaxLag, cfg.Scan.EventRetention, log)
	engine := executor.NewEngine(cfg.Executor.MaxConcurrentExecutions, cfg.Executor.KillGrace, log)
	metrics := observability.New()
	ctrl := scan.NewController(cfg, store, bus, rt, tb, engine, metrics, log)

	return &app{
		cfg:       cfg,
		logger:    log,
		bus:       bus,
		store:     store,
		toolbox:   tb,
		providers: providers,
		metrics:   metrics,
		ctrl:      ctrl,
	}, nil
}

// close tears the app down in reverse dependency order.
func (a *app) close(ctx context.Context) error {
	var firstErr error
	if err := a.ctrl.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("controller shutdown: %w", err)
	}
	a.bus.Close()
	a.providers.CloseAll()
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store close: %w", err)
	}
	return firstErr
}
