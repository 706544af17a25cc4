package governor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Monitor reports system pressure.
type Monitor interface {
	CPUPercent(ctx context.Context) (float64, error)
	AvailableMemoryMB(ctx context.Context) (uint64, error)
}

// SystemMonitor reads host CPU and memory through gopsutil. Samples are
// cached for the configured interval so hot acquisition paths do not hit the
// OS on every call.
type SystemMonitor struct {
	interval time.Duration

	mu     sync.Mutex
	cpuAt  time.Time
	cpu    float64
	cpuErr error
	memAt  time.Time
	memMB  uint64
	memErr error
}

// NewSystemMonitor creates a monitor caching samples for interval
// (default one second).
func NewSystemMonitor(interval time.Duration) *SystemMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &SystemMonitor{interval: interval}
}

// CPUPercent returns overall CPU utilisation since the previous sample.
func (m *SystemMonitor) CPUPercent(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cpuAt.IsZero() && time.Since(m.cpuAt) < m.interval {
		return m.cpu, m.cpuErr
	}
	m.cpuAt = time.Now()
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	switch {
	case err != nil:
		m.cpuErr = err
	case len(pct) == 0:
		m.cpu, m.cpuErr = 0, nil
	default:
		m.cpu, m.cpuErr = pct[0], nil
	}
	return m.cpu, m.cpuErr
}

// AvailableMemoryMB returns memory available to new allocations.
func (m *SystemMonitor) AvailableMemoryMB(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.memAt.IsZero() && time.Since(m.memAt) < m.interval {
		return m.memMB, m.memErr
	}
	m.memAt = time.Now()
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		m.memErr = err
		return m.memMB, err
	}
	m.memMB, m.memErr = vm.Available/(1024*1024), nil
	return m.memMB, nil
}
