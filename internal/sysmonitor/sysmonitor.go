// Package sysmonitor periodically samples host-wide CPU and memory
// usage via gopsutil (github.com/shirou/gopsutil/v3), plus the
// process's goroutine count, and logs it on a ticker, without
// container-cgroup-specific internals.
package sysmonitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one point-in-time resource reading.
type Snapshot struct {
	CPUPercent float64
	MemoryMB   float64
	Goroutines int
	Timestamp  time.Time
}

// Monitor samples resource usage on a ticker and exposes the latest
// Snapshot to callers (e.g. a health endpoint).
type Monitor struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	snapshot Snapshot

	wg sync.WaitGroup
}

// New constructs a Monitor. Call Start to begin sampling.
func New(logger zerolog.Logger) *Monitor {
	return &Monitor{logger: logger.With().Str("component", "sysmonitor").Logger()}
}

// Start begins periodic sampling until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.sample()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) sample() {
	cpuPercents, err := cpu.Percent(0, false)
	cpuPercent := 0.0
	if err != nil {
		m.logger.Warn().Err(err).Msg("cpu sample failed")
	} else if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	memMB := 0.0
	if vm, err := mem.VirtualMemory(); err != nil {
		m.logger.Warn().Err(err).Msg("memory sample failed")
	} else {
		memMB = float64(vm.Used) / (1024 * 1024)
	}

	snap := Snapshot{
		CPUPercent: cpuPercent,
		MemoryMB:   memMB,
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()

	m.logger.Debug().
		Float64("cpuPercent", snap.CPUPercent).
		Float64("memoryMb", snap.MemoryMB).
		Int("goroutines", snap.Goroutines).
		Msg("system snapshot")
}

// Latest returns the most recent Snapshot.
func (m *Monitor) Latest() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Wait blocks until the sampling goroutine exits after its context is
// cancelled.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
