// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app assembles an ordra service from a config.Config.
//
// It opens the configured storage, loads master data and the pipeline,
// builds the gate and executor, and owns the pipeline watcher. The CLI
// and the HTTP server both start from New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/ordra/services/ordra/audit"
	"github.com/AleutianAI/ordra/services/ordra/config"
	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/AleutianAI/ordra/services/ordra/executor"
	"github.com/AleutianAI/ordra/services/ordra/gate"
	"github.com/AleutianAI/ordra/services/ordra/observability"
	"github.com/AleutianAI/ordra/services/ordra/service"
	"github.com/AleutianAI/ordra/services/ordra/stages"
	"github.com/AleutianAI/ordra/services/ordra/step"
	"github.com/AleutianAI/ordra/services/ordra/store"
	storage "github.com/AleutianAI/ordra/services/storage/badger"
	"github.com/prometheus/client_golang/prometheus"
)

// App is a fully wired ordra instance.
type App struct {
	Config   config.Config
	Service  *service.Service
	Registry *step.Registry
	Pipeline *dag.Pipeline
	ERP      *stages.StubERP
	Metrics  *observability.Metrics

	logger  *slog.Logger
	watcher *config.PipelineWatcher
	closers []func() error
}

// Option configures New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	runnerOpts []step.RunnerOption
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the service metrics with reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithRunnerOptions passes extra options to the step runner.
func WithRunnerOptions(opts ...step.RunnerOption) Option {
	return func(o *options) { o.runnerOpts = append(o.runnerOpts, opts...) }
}

// New builds an App. The caller must Close it.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	a := &App{Config: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	jobs, ledger, err := a.openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	dir, cat, err := loadMasterData(cfg.ERP)
	if err != nil {
		return nil, err
	}
	a.ERP = stages.NewStubERP(dir, cat, stages.StubConfig{
		RatePerSecond: cfg.ERP.RatePerSecond,
		Burst:         cfg.ERP.Burst,
		OrderNumber:   cfg.ERP.OrderNumber,
	})

	a.Registry = step.NewRegistry()
	if err := stages.Register(a.Registry, stages.Deps{Directory: dir, Catalog: cat, ERP: a.ERP}); err != nil {
		return nil, fmt.Errorf("register stages: %w", err)
	}

	var g *dag.Graph
	if cfg.Engine.PipelineFile == "" {
		a.Pipeline, g, err = stages.DefaultPipeline()
	} else {
		a.Pipeline, g, err = dag.LoadAndCompile(cfg.Engine.PipelineFile)
	}
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}
	if err := a.Registry.Check(g); err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}

	gt, err := gate.NewFromPolicyFile(cfg.Engine.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	runnerOpts := append([]step.RunnerOption{step.WithLogger(o.logger)}, o.runnerOpts...)
	execOpts := []executor.Option{executor.WithLogger(o.logger)}
	if cfg.Engine.Workers > 0 {
		execOpts = append(execOpts, executor.WithWorkers(cfg.Engine.Workers))
	}
	exec, err := executor.New(step.NewRunner(a.Registry, runnerOpts...), gt, stages.OrderPoster{ERP: a.ERP}, execOpts...)
	if err != nil {
		return nil, err
	}

	if o.registerer != nil {
		a.Metrics = observability.NewMetrics(o.registerer)
	} else {
		a.Metrics = observability.InitMetrics()
	}

	a.Service, err = service.New(service.Deps{
		Jobs:     jobs,
		Ledger:   ledger,
		Executor: exec,
		Graph:    g,
		Logger:   o.logger,
		Metrics:  a.Metrics,
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("ordra assembled",
		slog.String("pipeline", a.Pipeline.Name),
		slog.String("graph_hash", g.Hash()),
		slog.String("job_store", cfg.Storage.Backend),
		slog.String("audit_ledger", cfg.Storage.LedgerBackend()),
		slog.Int("workers", exec.Workers()),
	)
	return a, nil
}

func (a *App) openStorage(ctx context.Context, cfg config.StorageConfig) (store.JobStore, audit.Ledger, error) {
	var db *storage.DB
	if cfg.Backend == config.BackendBadger || cfg.LedgerBackend() == config.BackendBadger {
		bcfg := storage.DefaultConfig(cfg.Path)
		bcfg.Logger = a.logger.With(slog.String("component", "badger"))
		var err error
		if db, err = storage.Open(bcfg); err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
	}

	var jobs store.JobStore
	switch cfg.Backend {
	case config.BackendBadger:
		jobs = store.NewBadgerStore(db)
	case config.BackendMemory:
		jobs = store.NewMemoryStore()
	default:
		return nil, nil, fmt.Errorf("%w: job backend %q", config.ErrInvalidConfig, cfg.Backend)
	}

	var ledger audit.Ledger
	switch cfg.LedgerBackend() {
	case config.BackendBadger:
		ledger = audit.NewBadgerLedger(db, a.logger)
	case config.BackendSQLite:
		l, err := audit.OpenSQLiteLedger(ctx, cfg.SQLitePath, a.logger)
		if err != nil {
			return nil, nil, err
		}
		ledger = l
	case config.BackendMemory:
		ledger = audit.NewMemoryLedger()
	default:
		return nil, nil, fmt.Errorf("%w: audit backend %q", config.ErrInvalidConfig, cfg.LedgerBackend())
	}
	// The ledger closes before the database it may share.
	a.closers = append(a.closers, ledger.Close)
	return jobs, ledger, nil
}

func loadMasterData(cfg config.ERPConfig) (*stages.Directory, *stages.Catalog, error) {
	dir, cat, err := stages.DemoMasterData()
	if err != nil {
		return nil, nil, err
	}
	if cfg.CustomersFile != "" {
		if dir, err = stages.LoadDirectory(cfg.CustomersFile); err != nil {
			return nil, nil, err
		}
	}
	if cfg.MaterialsFile != "" {
		if cat, err = stages.LoadCatalog(cfg.MaterialsFile); err != nil {
			return nil, nil, err
		}
	}
	return dir, cat, nil
}

// Reload validates g against the registered steps and makes it the
// active graph. Running jobs finish on the graph they started with.
func (a *App) Reload(p *dag.Pipeline, g *dag.Graph) error {
	if err := a.Registry.Check(g); err != nil {
		return err
	}
	a.Pipeline = p
	a.Service.SwapGraph(g)
	return nil
}

// StartWatcher begins hot-reloading the pipeline file when the config
// asks for it. It is a no-op for the built-in pipeline.
func (a *App) StartWatcher(ctx context.Context) error {
	if !a.Config.Engine.WatchPipeline || a.Config.Engine.PipelineFile == "" {
		return nil
	}
	w, err := config.NewPipelineWatcher(a.Config.Engine.PipelineFile, a.Reload,
		config.WithDebounce(a.Config.Engine.ReloadDebounce),
		config.WithWatcherLogger(a.logger),
		config.WithReloadResult(a.Metrics.RecordReload),
	)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return err
	}
	a.watcher = w
	return nil
}

// Close stops the watcher and releases storage in reverse open order.
func (a *App) Close() error {
	if a.watcher != nil {
		a.watcher.Stop()
		a.watcher = nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
