// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/qorzen/qorzen-core/concurrency"
	"github.com/qorzen/qorzen-core/config"
	qerrs "github.com/qorzen/qorzen-core/errs"
	"github.com/qorzen/qorzen-core/eventbus"
	"github.com/qorzen/qorzen-core/isolation"
	"github.com/qorzen/qorzen-core/kernel"
	"github.com/qorzen/qorzen-core/logging"
	"github.com/qorzen/qorzen-core/metrics"
	"github.com/qorzen/qorzen-core/plugin"
	"github.com/qorzen/qorzen-core/scheduler"
	"github.com/qorzen/qorzen-core/version"
)

type runParams struct {
	configFile       string
	profiles         []string
	pluginsDir       string
	logLevel         string
	logFile          string
	headless         bool
	skipVerification bool
	watchConfig      bool
}

func newRunParams() *runParams {
	return &runParams{}
}

// platform owns every constructed manager plus the kernel that sequences
// them. Construction is cheap and infallible beyond the logging sink;
// everything with a failure mode happens inside Initialize, under the
// kernel's ordering.
type platform struct {
	params *runParams
	kernel *kernel.Kernel
	sink   *logging.Sink

	cfg     *config.Service
	bus     *eventbus.Bus
	core    *concurrency.Core
	sched   *scheduler.Scheduler
	errs    *qerrs.Handler
	plugins *plugin.Manager

	critical chan struct{}
}

func newRuntime(params *runParams) (*platform, error) {
	level, err := logging.ParseLevel(params.logLevel)
	if err != nil {
		return nil, err
	}
	sink, err := logging.NewSink(params.logFile, 10<<20, 5, level)
	if err != nil {
		return nil, errors.Wrap(err, "initializing logging")
	}

	p := &platform{
		params:   params,
		sink:     sink,
		cfg:      config.New(config.WithLogger(sink.Named("config")), config.WithProfiles(params.profiles...)),
		kernel:   kernel.New(sink.Named("kernel")),
		critical: make(chan struct{}),
	}

	regs := []struct {
		m    kernel.Manager
		deps []string
	}{
		{&configManager{p}, nil},
		{&loggingManager{p}, []string{"config"}},
		{&busManager{p}, []string{"logging"}},
		{&concurrencyManager{p}, []string{"event_bus"}},
		{&schedulerManager{p}, []string{"event_bus", "concurrency"}},
		{&errorManager{p}, []string{"event_bus", "task_scheduler"}},
		{&metricsManager{p: p}, []string{"event_bus", "task_scheduler"}},
		{&pluginManager{p}, []string{"task_scheduler", "error_handler"}},
	}
	for _, r := range regs {
		if err := p.kernel.Register(r.m, r.deps...); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Serve boots the kernel, announces system/started, and blocks until a
// termination signal or an unabsorbed critical error, then shuts down in
// reverse dependency order.
func (p *platform) Serve() error {
	ctx := context.Background()
	if err := p.kernel.InitializeAll(ctx); err != nil {
		// A failed boot leaves already-started managers up; for the CLI the
		// right degraded mode is no mode, so sweep them before exiting.
		_ = p.kernel.ShutdownAll(ctx)
		return err
	}
	_, _ = p.bus.Publish("system/started", "kernel", map[string]interface{}{
		"version": version.Version,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-p.critical:
	}

	_, _ = p.bus.Publish("system/stopping", "kernel", nil)
	return p.kernel.ShutdownAll(ctx)
}

type configManager struct{ p *platform }

func (m *configManager) Name() string { return "config" }

func (m *configManager) Initialize(context.Context) error {
	if m.p.params.configFile == "" {
		return nil
	}
	if err := m.p.cfg.Load(m.p.params.configFile); err != nil {
		return err
	}
	if m.p.params.watchConfig {
		return m.p.cfg.WatchFile(m.p.params.configFile)
	}
	return nil
}

func (m *configManager) Shutdown(context.Context) error {
	return m.p.cfg.Close()
}

type loggingManager struct{ p *platform }

func (m *loggingManager) Name() string { return "logging" }

func (m *loggingManager) Initialize(context.Context) error {
	// The flag set the initial threshold; a configured level wins once the
	// config file has loaded.
	if s := m.p.cfg.GetString("logging.level", ""); s != "" {
		level, err := logging.ParseLevel(s)
		if err != nil {
			return err
		}
		m.p.sink.SetLevel(level)
	}
	return nil
}

func (m *loggingManager) Shutdown(context.Context) error {
	return m.p.sink.Close()
}

type busManager struct{ p *platform }

func (m *busManager) Name() string { return "event_bus" }

func (m *busManager) Initialize(context.Context) error {
	cfg := eventbus.DefaultConfig(int(m.p.cfg.GetInt("event_bus.workers", 0)))
	if n := m.p.cfg.GetInt("event_bus.queue_capacity", 0); n > 0 {
		cfg.QueueCapacity = int(n)
	}
	switch m.p.cfg.GetString("event_bus.backpressure", "block") {
	case "drop-oldest":
		cfg.Backpressure = eventbus.DropOldest
	case "reject":
		cfg.Backpressure = eventbus.Reject
	default:
		cfg.Backpressure = eventbus.Block
	}
	m.p.bus = eventbus.New(cfg, m.p.sink.Named("event_bus"))
	m.p.sink.AttachBus(m.p.bus)
	m.p.cfg.AttachBus(m.p.bus)
	return nil
}

func (m *busManager) Shutdown(context.Context) error {
	m.p.bus.Stop()
	return nil
}

type concurrencyManager struct{ p *platform }

func (m *concurrencyManager) Name() string { return "concurrency" }

func (m *concurrencyManager) Initialize(context.Context) error {
	opts := concurrency.DefaultOptions()
	if n := m.p.cfg.GetInt("concurrency.cpu_pool_size", 0); n > 0 {
		opts.CPUWorkers = int(n)
	}
	if n := m.p.cfg.GetInt("concurrency.io_pool_size", 0); n > 0 {
		opts.IOWorkers = int(n)
	}
	opts.Headless = m.p.params.headless || !m.p.cfg.GetBool("concurrency.main_thread_enabled", !m.p.params.headless)
	m.p.core = concurrency.New(opts)
	return nil
}

func (m *concurrencyManager) Shutdown(context.Context) error {
	m.p.core.Shutdown()
	return nil
}

type schedulerManager struct{ p *platform }

func (m *schedulerManager) Name() string { return "task_scheduler" }

func (m *schedulerManager) Initialize(context.Context) error {
	m.p.sched = scheduler.New(m.p.core, m.p.bus, m.p.sink.Named("task_scheduler"))
	return nil
}

func (m *schedulerManager) Shutdown(context.Context) error {
	m.p.sched.Shutdown()
	return nil
}

type errorManager struct{ p *platform }

func (m *errorManager) Name() string { return "error_handler" }

func (m *errorManager) Initialize(context.Context) error {
	m.p.errs = qerrs.New(m.p.bus, m.p.sink.Named("error_handler"), int(m.p.cfg.GetInt("core.error_history", 1000)))
	m.p.errs.OnCritical(func(info qerrs.ErrorInfo) {
		// Signal Serve's select rather than shutting down inline: the
		// critical error may have been raised from a bus worker, and
		// ShutdownAll stops the bus.
		select {
		case <-m.p.critical:
		default:
			close(m.p.critical)
		}
	})
	m.p.bus.AttachErrorReporter(m.p.errs)
	return nil
}

func (m *errorManager) Shutdown(context.Context) error { return nil }

type metricsManager struct {
	p     *platform
	inner *metrics.Manager
}

func (m *metricsManager) Name() string { return "metrics" }

func (m *metricsManager) Initialize(ctx context.Context) error {
	m.inner = metrics.NewManager(metrics.NewCollector(), m.p.bus)
	return m.inner.Initialize(ctx)
}

func (m *metricsManager) Shutdown(ctx context.Context) error {
	return m.inner.Shutdown(ctx)
}

type pluginManager struct{ p *platform }

func (m *pluginManager) Name() string { return "plugin_manager" }

func (m *pluginManager) Initialize(context.Context) error {
	root := m.p.cfg.GetString("core.plugins_dir", m.p.params.pluginsDir)
	mode := isolationMode(m.p.cfg.GetString("core.isolation_default", "thread"))
	mgr, err := plugin.NewManager(root, version.Version, plugin.Options{
		Bus:              m.p.bus,
		Logger:           m.p.sink.Named("plugin_manager"),
		Config:           m.p.cfg,
		Events:           m.p.bus,
		DefaultMode:      mode,
		SkipVerification: m.p.params.skipVerification,
	})
	if err != nil {
		return err
	}
	m.p.plugins = mgr

	_, errs := mgr.Discover()
	for _, derr := range errs {
		m.p.errs.HandleError(qerrs.ErrorInfo{
			Message:   derr.Error(),
			Source:    "plugin_manager/discover",
			Severity:  qerrs.Low,
			Component: "plugin_manager",
		})
	}
	if err := mgr.LoadAll(); err != nil {
		return err
	}
	return mgr.Watch()
}

func (m *pluginManager) Shutdown(context.Context) error {
	m.p.plugins.Shutdown()
	return nil
}

func isolationMode(s string) isolation.Mode {
	switch s {
	case "none":
		return isolation.None
	case "process":
		return isolation.Process
	default:
		return isolation.Thread
	}
}
