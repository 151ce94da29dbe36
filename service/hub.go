// Package service assembles the hub's subsystems and manages their
// lifecycle: ordered startup, health tracking, and reverse-order shutdown
// with a grace period.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/hubkit/breaker"
	"github.com/c360/hubkit/bus"
	"github.com/c360/hubkit/config"
	"github.com/c360/hubkit/depgraph"
	"github.com/c360/hubkit/errors"
	"github.com/c360/hubkit/gateway"
	"github.com/c360/hubkit/health"
	"github.com/c360/hubkit/heartbeat"
	"github.com/c360/hubkit/metric"
	"github.com/c360/hubkit/registry"
)

// Subsystem is the lifecycle contract every hub subsystem implements.
// Initialize wires dependencies, Start launches background work, Stop
// shuts down within the given timeout.
type Subsystem interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// namedSubsystem pairs a subsystem with its name for logging and health.
type namedSubsystem struct {
	name string
	sub  Subsystem
}

// Hub owns the full subsystem graph. Construction order is also start
// order: bus first (everything publishes through it), gateway last (no
// traffic before the internals are up). Shutdown runs in reverse.
type Hub struct {
	cfg    *config.Config
	logger *slog.Logger

	Bus      *bus.Bus
	Registry *registry.Registry
	Monitor  *heartbeat.Monitor
	Resolver *depgraph.Resolver
	Engine   *breaker.Engine
	Gateway  *gateway.Server

	Metrics    *metric.Metrics
	metricsReg *metric.MetricsRegistry
	metricsSrv *metric.Server
	healthMon  *health.Monitor

	subsystems []namedSubsystem

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewHub wires all subsystems from configuration.
func NewHub(cfg *config.Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("hub_id", cfg.Hub.ID)

	metricsReg := metric.NewMetricsRegistry()
	metrics := metricsReg.CoreMetrics()

	healthMon := health.NewMonitor()

	msgBus := bus.New(cfg.Bus, metrics, logger)
	reg := registry.New(cfg.Registry, msgBus, metrics, logger)
	monitor := heartbeat.NewMonitor(cfg.Heartbeat, reg, msgBus, metrics, logger)
	resolver := depgraph.New(cfg.Resolver, reg, msgBus, metrics, logger)
	engine := breaker.NewEngine(cfg.Breaker, reg, msgBus, metrics, logger)
	gw := gateway.NewServer(cfg.Gateway, reg, monitor, resolver, msgBus, healthMon, logger)
	if err := gw.RegisterMetrics(metricsReg); err != nil {
		logger.Warn("gateway metrics registration failed", "error", err)
	}

	h := &Hub{
		cfg:        cfg,
		logger:     logger,
		Bus:        msgBus,
		Registry:   reg,
		Monitor:    monitor,
		Resolver:   resolver,
		Engine:     engine,
		Gateway:    gw,
		Metrics:    metrics,
		metricsReg: metricsReg,
		healthMon:  healthMon,
	}

	h.subsystems = []namedSubsystem{
		{"bus", msgBus},
		{"registry", reg},
		{"heartbeat", monitor},
		{"resolver", resolver},
		{"gateway", gw},
	}

	if cfg.Metrics.Enabled {
		h.metricsSrv = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsReg)
	}
	return h
}

// HealthMonitor exposes the hub's subsystem health tracker.
func (h *Hub) HealthMonitor() *health.Monitor {
	return h.healthMon
}

// Start initializes and starts every subsystem in order. On failure,
// already started subsystems are stopped in reverse before returning.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Hub", "Start", "state check")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	started := 0
	for _, ns := range h.subsystems {
		if err := ns.sub.Initialize(); err != nil {
			h.stopStarted(started)
			cancel()
			return errors.WrapFatal(err, "Hub", "Start", ns.name+" initialize")
		}
		if err := ns.sub.Start(runCtx); err != nil {
			h.stopStarted(started)
			cancel()
			return errors.WrapFatal(err, "Hub", "Start", ns.name+" start")
		}
		started++
		h.healthMon.Update(ns.name, health.NewHealthy(ns.name, "started"))
		h.logger.Info("subsystem started", "subsystem", ns.name)
	}

	if h.metricsSrv != nil {
		errCh, err := h.metricsSrv.Start()
		if err != nil {
			h.stopStarted(started)
			cancel()
			return errors.WrapFatal(err, "Hub", "Start", "metrics server start")
		}
		go h.watchMetricsServer(errCh)
	}

	h.started = true
	h.logger.Info("hub started",
		"environment", h.cfg.Hub.Environment,
		"gateway_port", h.cfg.Gateway.Port)
	return nil
}

// watchMetricsServer marks the metrics subsystem unhealthy if its listener
// dies; the hub itself keeps running.
func (h *Hub) watchMetricsServer(errCh <-chan error) {
	if err, ok := <-errCh; ok && err != nil {
		h.logger.Error("metrics server failed", "error", err)
		h.healthMon.Update("metrics", health.NewUnhealthy("metrics", "listener failed"))
	}
}

// Stop shuts subsystems down in reverse start order, giving each a share
// of the shutdown grace period.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}
	h.started = false

	grace := h.cfg.Gateway.ShutdownGrace.Std()
	if grace <= 0 {
		grace = 10 * time.Second
	}

	var firstErr error
	if h.metricsSrv != nil {
		if err := h.metricsSrv.Stop(grace); err != nil {
			firstErr = err
		}
	}

	for i := len(h.subsystems) - 1; i >= 0; i-- {
		ns := h.subsystems[i]
		if err := ns.sub.Stop(grace); err != nil {
			h.logger.Warn("subsystem stop failed", "subsystem", ns.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		h.healthMon.Remove(ns.name)
	}

	if h.cancel != nil {
		h.cancel()
	}

	h.logger.Info("hub stopped")
	if firstErr != nil {
		return errors.Wrap(firstErr, "Hub", "Stop", "subsystem shutdown")
	}
	return nil
}

// stopStarted unwinds the first n subsystems after a partial start.
// Callers hold h.mu.
func (h *Hub) stopStarted(n int) {
	for i := n - 1; i >= 0; i-- {
		ns := h.subsystems[i]
		if err := ns.sub.Stop(time.Second); err != nil {
			h.logger.Warn("subsystem unwind failed", "subsystem", ns.name, "error", err)
		}
	}
}
