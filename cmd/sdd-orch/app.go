package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agent"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentstore"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/config"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/executor"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/loganalyzer"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/logstream"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/metrics"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/notify"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/tasklock"
)

// app is the wired set of collaborators shared by every command
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *agentstore.Store
	stream   *logstream.Service
	analyzer *loganalyzer.Analyzer
	service  *executor.Service
	metrics  *prometheus.Registry
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	store, err := agentstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening agent store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stream := logstream.NewService(store, cfg.Agents.EngineCacheSize, logger)
	analyzer := loganalyzer.New(logger)
	service := executor.NewService(executor.Options{
		Config:   cfg,
		Registry: agent.NewRegistry(),
		Store:    store,
		Stream:   stream,
		Analyzer: analyzer,
		Locks:    tasklock.NewManager(cfg.General.StateDir, logger),
		Spawner:  executor.ExecSpawner{},
		Metrics:  metrics.MustNewMetrics(reg),
		Notifier: notify.NewMultiNotifier(
			notify.NewDesktopNotifier(cfg.Notifications.Desktop),
			notify.NewSlackNotifier(cfg.Notifications.SlackWebhook),
		),
		Logger: logger,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		stream:   stream,
		analyzer: analyzer,
		service:  service,
		metrics:  reg,
	}, nil
}

// Close releases the store. Agents still running are left alone; the next
// instance reattaches to them.
func (a *app) Close() error {
	a.service.Registry().Clear()
	a.stream.ClearAllCaches()
	return a.store.Close()
}
