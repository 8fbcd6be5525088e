package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	metricUserCPU    = "/cpu/classes/user:cpu-seconds"
	metricHeapLive   = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

// HostUsage is a coarse view of the Go process driving the workers. The
// worker's own usage comes from Worker.GetResourceUsage.
type HostUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// hostSampler reads runtime/metrics for the debug report. CPU is the share of
// all cores used since the previous call.
type hostSampler struct {
	mu      sync.Mutex
	samples []metrics.Sample
	prevCPU float64
	prevAt  time.Time
	cores   float64
}

func newHostSampler() *hostSampler {
	return &hostSampler{
		samples: []metrics.Sample{{Name: metricUserCPU}, {Name: metricHeapLive}, {Name: metricGoroutines}},
		cores:   float64(runtime.NumCPU()),
	}
}

func (s *hostSampler) Sample() HostUsage {
	if s == nil {
		return HostUsage{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.Read(s.samples)
	now := time.Now()
	var usage HostUsage
	for _, sample := range s.samples {
		switch sample.Name {
		case metricUserCPU:
			if sample.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := sample.Value.Float64()
			if elapsed := now.Sub(s.prevAt).Seconds(); !s.prevAt.IsZero() && elapsed > 0 && s.cores > 0 {
				usage.CPUPercent = (cpu - s.prevCPU) / elapsed / s.cores * 100
			}
			s.prevCPU = cpu
		case metricHeapLive:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = sample.Value.Uint64()
			}
		case metricGoroutines:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(sample.Value.Uint64())
			}
		}
	}
	s.prevAt = now

	// Older runtimes may not expose every metric.
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}
	return usage
}
