package channel

import (
	"math"
	"sort"
	"sync"
	"time"
)

const latencySampleSize = 256

// Stats is a point-in-time view of a channel's activity.
type Stats struct {
	Pending                int                    `json:"pending"`
	Requests               uint64                 `json:"requests"`
	Failures               uint64                 `json:"failures"`
	NotificationsDelivered uint64                 `json:"notifications_delivered"`
	NotificationsDropped   uint64                 `json:"notifications_dropped"`
	UnmatchedReplies       uint64                 `json:"unmatched_replies"`
	NotificationsSent      uint64                 `json:"notifications_sent"`
	Methods                map[string]MethodStats `json:"methods"`
	CollectedAt            time.Time              `json:"collected_at"`
}

// MethodStats aggregates the requests sent for one method.
type MethodStats struct {
	Requests      uint64         `json:"requests"`
	Failures      uint64         `json:"failures"`
	LastRequestAt time.Time      `json:"last_request_at"`
	Latency       LatencyMetrics `json:"latency"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type methodTracker struct {
	requests uint64
	failures uint64
	last     time.Time
	window   *latencyWindow
}

type statsTracker struct {
	mu        sync.Mutex
	methods   map[string]*methodTracker
	requests  uint64
	failures  uint64
	delivered uint64
	dropped   uint64
	unmatched uint64
	sent      uint64
}

func newStatsTracker() *statsTracker {
	return &statsTracker{methods: make(map[string]*methodTracker)}
}

func (s *statsTracker) recordRequest(method string, d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.methods[method]
	if !ok {
		mt = &methodTracker{window: newLatencyWindow(latencySampleSize)}
		s.methods[method] = mt
	}
	mt.requests++
	s.requests++
	if failed {
		mt.failures++
		s.failures++
	}
	mt.last = time.Now().UTC()
	mt.window.Add(d)
}

func (s *statsTracker) recordDelivered() {
	s.mu.Lock()
	s.delivered++
	s.mu.Unlock()
}

func (s *statsTracker) recordDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *statsTracker) recordUnmatched() {
	s.mu.Lock()
	s.unmatched++
	s.mu.Unlock()
}

func (s *statsTracker) recordNotified() {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
}

func (s *statsTracker) snapshot(pending int) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		Pending:                pending,
		Requests:               s.requests,
		Failures:               s.failures,
		NotificationsDelivered: s.delivered,
		NotificationsDropped:   s.dropped,
		UnmatchedReplies:       s.unmatched,
		NotificationsSent:      s.sent,
		Methods:                make(map[string]MethodStats, len(s.methods)),
		CollectedAt:            time.Now().UTC(),
	}
	for name, mt := range s.methods {
		out.Methods[name] = MethodStats{
			Requests:      mt.requests,
			Failures:      mt.failures,
			LastRequestAt: mt.last,
			Latency:       mt.window.Snapshot(),
		}
	}
	return out
}

// latencyWindow is a ring buffer of the most recent request durations.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}
