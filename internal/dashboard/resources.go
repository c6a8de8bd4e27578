package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"ladderflow/logger"
)

// resourceSample captures one reading of host level resource utilisation.
type resourceSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
}

type resourceSampler struct {
	mu       sync.RWMutex
	history  []resourceSample
	limit    int
	interval time.Duration
	log      *logger.Log
}

func newResourceSampler(limit int, interval time.Duration, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 120
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &resourceSampler{
		limit:    limit,
		interval: interval,
		log:      log,
	}
}

func (s *resourceSampler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sample, err := s.sample(ctx)
		if err != nil {
			s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample host resources")
			continue
		}

		s.mu.Lock()
		s.history = append(s.history, sample)
		if len(s.history) > s.limit {
			s.history = append([]resourceSample(nil), s.history[len(s.history)-s.limit:]...)
		}
		s.mu.Unlock()
	}
}

// sample blocks for one interval while measuring cpu utilisation, so run owns
// its own pacing and needs no ticker.
func (s *resourceSampler) sample(ctx context.Context) (resourceSample, error) {
	cpuSamples, err := cpu.PercentWithContext(ctx, s.interval, false)
	if err != nil {
		return resourceSample{}, err
	}

	memStats, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return resourceSample{}, err
	}

	diskStats, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return resourceSample{}, err
	}

	cpuPct := 0.0
	if len(cpuSamples) > 0 {
		cpuPct = cpuSamples[0]
	}

	return resourceSample{
		Timestamp:   time.Now(),
		CPUPercent:  cpuPct,
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
		DiskUsed:    diskStats.Used,
		DiskTotal:   diskStats.Total,
		DiskPct:     diskStats.UsedPercent,
	}, nil
}

func (s *resourceSampler) snapshot() []resourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSample, len(s.history))
	copy(out, s.history)
	return out
}
