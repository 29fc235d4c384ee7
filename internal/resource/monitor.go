// Package resource samples host and accelerator memory and aborts jobs that
// push usage past the high-water mark.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

const (
	// DefaultHighWater is the usage fraction beyond which a running job is
	// aborted. Continuing past it risks host-wide instability.
	DefaultHighWater = 0.90

	// DefaultWatchInterval is the background sampling period.
	DefaultWatchInterval = 2 * time.Second

	bytesPerGB = 1024 * 1024 * 1024
)

// Snapshot is a point-in-time, read-only memory reading.
type Snapshot struct {
	RAMUsedGB        float64
	RAMAvailableGB   float64
	AccelUsedGB      float64
	AccelAvailableGB float64
	Timestamp        time.Time
}

func (s Snapshot) ramFraction() float64   { return fraction(s.RAMUsedGB, s.RAMAvailableGB) }
func (s Snapshot) accelFraction() float64 { return fraction(s.AccelUsedGB, s.AccelAvailableGB) }

func fraction(used, available float64) float64 {
	total := used + available
	if total <= 0 {
		return 0
	}
	return used / total
}

// AcceleratorSampler reports used and total memory for the accelerator a job
// runs on. The device selector satisfies this through an adapter; tests fake
// it.
type AcceleratorSampler interface {
	MemoryUsageGB(device string) (totalGB, usedGB float64)
}

// Monitor produces snapshots and runs the per-job watch loop.
type Monitor struct {
	logger    *zap.Logger
	accel     AcceleratorSampler
	device    string
	highWater float64

	// ramFn is swapped in tests to simulate exhaustion.
	ramFn func() (usedGB, availableGB float64)
}

func NewMonitor(logger *zap.Logger, accel AcceleratorSampler, device string) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		logger:    logger,
		accel:     accel,
		device:    device,
		highWater: DefaultHighWater,
		ramFn:     systemRAM,
	}
}

func systemRAM() (float64, float64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0
	}
	return float64(vm.Used) / bytesPerGB, float64(vm.Available) / bytesPerGB
}

// Snapshot takes a point-in-time reading of RAM and accelerator memory.
func (m *Monitor) Snapshot() Snapshot {
	used, available := m.ramFn()
	snap := Snapshot{
		RAMUsedGB:      used,
		RAMAvailableGB: available,
		Timestamp:      time.Now(),
	}
	if m.accel != nil && m.device != "" && m.device != "cpu" {
		total, accelUsed := m.accel.MemoryUsageGB(m.device)
		snap.AccelUsedGB = accelUsed
		if total > accelUsed {
			snap.AccelAvailableGB = total - accelUsed
		}
	}
	return snap
}

// CheckAvailable is the pre-flight gate run before loading a model or
// starting inference.
func (m *Monitor) CheckAvailable(minRAMGB, minAccelGB float64) (bool, Snapshot) {
	snap := m.Snapshot()
	if snap.RAMAvailableGB < minRAMGB {
		return false, snap
	}
	if minAccelGB > 0 && snap.AccelAvailableGB < minAccelGB {
		return false, snap
	}
	return true, snap
}

// Watch samples in the background for the lifetime of one job and invokes
// onExceeded once if RAM or accelerator usage crosses the high-water mark.
// The returned stop function joins the sampling goroutine; it is safe to call
// more than once.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, onExceeded func(Snapshot)) func() {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := m.Snapshot()
				if snap.ramFraction() >= m.highWater || snap.accelFraction() >= m.highWater {
					m.logger.Warn("memory high-water mark exceeded",
						zap.Float64("ram_used_gb", snap.RAMUsedGB),
						zap.Float64("ram_available_gb", snap.RAMAvailableGB),
						zap.Float64("accel_used_gb", snap.AccelUsedGB),
						zap.Float64("accel_available_gb", snap.AccelAvailableGB))
					if onExceeded != nil {
						onExceeded(snap)
					}
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}
}
