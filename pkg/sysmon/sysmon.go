// Package sysmon samples host resource usage and exposes a memory
// pressure signal the dispatcher consults before accepting sessions.
package sysmon

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/lucid-vigil/decoygate/pkg/config"
	"github.com/lucid-vigil/decoygate/pkg/metrics"
)

// Monitor periodically samples system memory and CPU and publishes them
// as gauges. Above the configured memory threshold it raises a pressure
// flag; the dispatcher then rejects new sessions fail-fast.
type Monitor struct {
	cfg       config.SysmonConfig
	collector *metrics.Collector
	logger    zerolog.Logger

	// memoryPct is the last sampled system memory usage, stored as
	// math.Float64bits for atomic access.
	memoryPct     atomic.Uint64
	underPressure atomic.Bool
}

// New creates a resource monitor.
func New(cfg config.SysmonConfig, collector *metrics.Collector, logger zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		collector: collector,
		logger:    logger.With().Str("component", "sysmon").Logger(),
	}
}

// Run samples on the configured interval until the context is
// cancelled. The first sample is taken immediately.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.sample()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-ctx.Done():
			m.logger.Info().Msg("Resource monitor received shutdown signal.")
			return
		}
	}
}

func (m *Monitor) sample() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to sample system memory")
		return
	}

	m.memoryPct.Store(math.Float64bits(vm.UsedPercent))
	m.collector.SetGauge(metrics.MetricSystemMemoryPct, vm.UsedPercent, nil)

	pressured := m.cfg.MemoryPressurePct > 0 && vm.UsedPercent >= m.cfg.MemoryPressurePct
	was := m.underPressure.Swap(pressured)
	if pressured && !was {
		m.logger.Warn().Float64("memory_pct", vm.UsedPercent).
			Float64("threshold", m.cfg.MemoryPressurePct).
			Msg("Memory pressure: new sessions will be rejected")
	} else if !pressured && was {
		m.logger.Info().Float64("memory_pct", vm.UsedPercent).Msg("Memory pressure cleared")
	}

	// CPU sampling is best effort; a zero-interval call returns usage
	// since the previous call.
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		m.collector.SetGauge(metrics.MetricProcessCPUPercent, pcts[0], nil)
	}
}

// UnderPressure reports whether the last sample exceeded the memory
// threshold.
func (m *Monitor) UnderPressure() bool {
	return m.underPressure.Load()
}

// MemoryPct returns the last sampled system memory usage percentage.
func (m *Monitor) MemoryPct() float64 {
	return math.Float64frombits(m.memoryPct.Load())
}
