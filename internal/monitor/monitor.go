// Package monitor polls running modules and enforces their resource
// ceilings. A single goroutine owns the loop, so polls never overlap no
// matter how slow the engine responds.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/splax/modhost/internal/domain"
	"github.com/splax/modhost/internal/engine"
	"github.com/splax/modhost/internal/repository"
	"github.com/splax/modhost/internal/ws"
)

// ForceStopper is the facade surface the monitor escalates through, so a
// breach stop is audited exactly like an operator stop.
type ForceStopper interface {
	ForceStop(ctx context.Context, name, reason string) error
}

// Config tunes the monitor loop.
type Config struct {
	Interval      time.Duration
	UsageFraction float64
	AlertPolls    int
	StopPolls     int
}

// Monitor watches running modules and escalates sustained breaches.
type Monitor struct {
	repo    repository.ModuleRepository
	eng     engine.Engine
	stopper ForceStopper
	hub     *ws.Hub
	cfg     Config
	dwell   map[string]int
	log     *slog.Logger
}

// New constructs a Monitor.
func New(repo repository.ModuleRepository, eng engine.Engine, stopper ForceStopper, hub *ws.Hub, cfg Config, log *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.UsageFraction <= 0 || cfg.UsageFraction > 1 {
		cfg.UsageFraction = 0.9
	}
	if cfg.AlertPolls <= 0 {
		cfg.AlertPolls = 3
	}
	if cfg.StopPolls <= cfg.AlertPolls {
		cfg.StopPolls = cfg.AlertPolls * 2
	}
	return &Monitor{
		repo:    repo,
		eng:     eng,
		stopper: stopper,
		hub:     hub,
		cfg:     cfg,
		dwell:   map[string]int{},
		log:     log.With("component", "monitor"),
	}
}

// Run drives the poll loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.log.Info("monitor started", "interval", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll takes one sample of every running module and advances dwell counters.
func (m *Monitor) Poll(ctx context.Context) {
	modules, err := m.repo.ListRunningModules(ctx)
	if err != nil {
		m.log.Error("list running modules", "error", err)
		return
	}

	seen := map[string]struct{}{}
	for i := range modules {
		mod := &modules[i]
		seen[mod.ID] = struct{}{}
		m.pollModule(ctx, mod)
	}
	// Drop counters for modules that stopped or were uninstalled.
	for id := range m.dwell {
		if _, ok := seen[id]; !ok {
			delete(m.dwell, id)
		}
	}
}

func (m *Monitor) pollModule(ctx context.Context, mod *domain.ModuleRecord) {
	if mod.ContainerID == "" {
		return
	}
	state, err := m.eng.Inspect(ctx, mod.ContainerID)
	if err != nil || !state.Running {
		m.markHealth(ctx, mod, domain.HealthUnhealthy)
		delete(m.dwell, mod.ID)
		return
	}
	stats, err := m.eng.Stats(ctx, mod.ContainerID)
	if err != nil {
		m.log.Warn("sample stats", "module", mod.Name, "error", err)
		return
	}
	m.markHealth(ctx, mod, domain.HealthHealthy)

	if !m.breaching(mod, stats) {
		delete(m.dwell, mod.ID)
		return
	}

	m.dwell[mod.ID]++
	polls := m.dwell[mod.ID]
	switch {
	case polls == m.cfg.AlertPolls:
		m.log.Warn("module sustained above resource ceiling",
			"module", mod.Name,
			"cpu_percent", stats.CPUPercent,
			"memory_bytes", stats.MemoryBytes,
			"polls", polls)
		m.publish("monitor.alert", mod.Name, "sustained resource usage above ceiling")
	case polls >= m.cfg.StopPolls:
		m.log.Error("module stopped for resource breach", "module", mod.Name, "polls", polls)
		m.publish("monitor.force_stop", mod.Name, "resource breach")
		if err := m.stopper.ForceStop(ctx, mod.Name, "resource breach"); err != nil {
			m.log.Error("force stop failed", "module", mod.Name, "error", err)
			return
		}
		delete(m.dwell, mod.ID)
	}
}

// breaching reports whether a sample sits at or above the configured fraction
// of either resource ceiling.
func (m *Monitor) breaching(mod *domain.ModuleRecord, stats domain.ModuleStats) bool {
	if mod.Limits.CPUCores > 0 {
		cpuFraction := stats.CPUPercent / (mod.Limits.CPUCores * 100)
		if cpuFraction >= m.cfg.UsageFraction {
			return true
		}
	}
	if mod.Limits.MemoryBytes > 0 {
		memFraction := float64(stats.MemoryBytes) / float64(mod.Limits.MemoryBytes)
		if memFraction >= m.cfg.UsageFraction {
			return true
		}
	}
	return false
}

func (m *Monitor) markHealth(ctx context.Context, mod *domain.ModuleRecord, health domain.ModuleHealth) {
	if mod.Health == health {
		return
	}
	if err := m.repo.SetModuleHealth(ctx, mod.ID, health); err != nil {
		m.log.Warn("record health", "module", mod.Name, "error", err)
	}
}

func (m *Monitor) publish(eventType, moduleName, detail string) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(ws.Event{Type: eventType, ModuleName: moduleName, Detail: detail})
}
