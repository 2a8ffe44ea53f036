// Package agent is the edge side of the hub protocol: it samples the local host and streams
// metrics messages to a hub over WebSocket.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/pulseai/pulsehub/internal/models"
)

// Collector produces one sample per call.
type Collector interface {
	Collect(ctx context.Context) (models.MetricSample, error)
}

var (
	cpuPercent     = cpu.PercentWithContext
	virtualMemory  = mem.VirtualMemoryWithContext
	diskIOCounters = disk.IOCountersWithContext
	netIOCounters  = psnet.IOCountersWithContext
)

const bytesPerMiB = 1024 * 1024

// HostCollector reads host-wide utilisation through gopsutil. CPU and memory are percentages,
// DiskIO is read+write throughput in MiB/s since the previous call, and Network carries the
// cumulative byte counters across all interfaces.
type HostCollector struct {
	now func() time.Time

	mu       sync.Mutex
	lastDisk uint64
	lastAt   time.Time
	haveDisk bool
}

// NewHostCollector returns a collector for the local host.
func NewHostCollector() *HostCollector {
	return &HostCollector{now: time.Now}
}

// Collect samples the host. CPU is measured over the interval since the previous call; the
// first call therefore reports usage since boot.
func (c *HostCollector) Collect(ctx context.Context) (models.MetricSample, error) {
	now := c.now()
	sample := models.MetricSample{Timestamp: now.UTC().Format(time.RFC3339)}

	percents, err := cpuPercent(ctx, 0, false)
	if err != nil {
		return models.MetricSample{}, fmt.Errorf("cpu usage: %w", err)
	}
	if len(percents) == 0 {
		return models.MetricSample{}, errors.New("cpu usage: no data")
	}
	sample.CPU = percents[0]

	vm, err := virtualMemory(ctx)
	if err != nil {
		return models.MetricSample{}, fmt.Errorf("memory usage: %w", err)
	}
	sample.Memory = vm.UsedPercent

	// Disk and network counters are best effort; containers often hide them.
	if counters, err := diskIOCounters(ctx); err == nil {
		var total uint64
		for _, stat := range counters {
			total += stat.ReadBytes + stat.WriteBytes
		}
		sample.DiskIO = c.diskRate(total, now)
	}

	if counters, err := netIOCounters(ctx, false); err == nil && len(counters) > 0 {
		sample.Network = models.Network{Sent: counters[0].BytesSent, Recv: counters[0].BytesRecv}
	}

	return sample, nil
}

func (c *HostCollector) diskRate(total uint64, now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, prevAt, ok := c.lastDisk, c.lastAt, c.haveDisk
	c.lastDisk, c.lastAt, c.haveDisk = total, now, true

	elapsed := now.Sub(prevAt).Seconds()
	if !ok || elapsed <= 0 || total < prev {
		return 0
	}
	return float64(total-prev) / bytesPerMiB / elapsed
}
