package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Export outcomes recorded per event.
const (
	exportPublished = "published"
	exportDropped   = "dropped"
	exportFailed    = "failed"
)

// ExporterMetrics tracks observer export statistics.
type ExporterMetrics struct {
	mu sync.RWMutex

	kindCounts map[EntityKind]*ExportKindMetrics

	eventsTotal     *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	publishDuration prometheus.Histogram

	registerer prometheus.Registerer
	registered bool
}

// ExportKindMetrics holds the counters of one entity kind.
type ExportKindMetrics struct {
	Published       uint64    `json:"published"`
	Dropped         uint64    `json:"dropped"`
	Failed          uint64    `json:"failed"`
	LastEvent       string    `json:"last_event,omitempty"`
	LastPublishedAt time.Time `json:"last_published_at,omitempty"`
}

// ExporterMetricsSnapshot is a point-in-time view of ExporterMetrics.
type ExporterMetricsSnapshot struct {
	TotalPublished uint64                            `json:"total_published"`
	TotalDropped   uint64                            `json:"total_dropped"`
	TotalFailed    uint64                            `json:"total_failed"`
	Kinds          map[EntityKind]*ExportKindMetrics `json:"kinds"`
	CollectedAt    time.Time                         `json:"collected_at"`
}

func NewExporterMetrics(registerer prometheus.Registerer) *ExporterMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ExporterMetrics{
		kindCounts: make(map[EntityKind]*ExportKindMetrics),
		registerer: registerer,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediaflow",
			Subsystem: "observer",
			Name:      "events_total",
			Help:      "Observer events handed to the exporter by entity kind and outcome",
		}, []string{"kind", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediaflow",
			Subsystem: "observer",
			Name:      "queue_depth",
			Help:      "Observer events waiting to be published",
		}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mediaflow",
			Subsystem: "observer",
			Name:      "publish_duration_seconds",
			Help:      "Time spent publishing one observer event",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}
}

// Register registers the collectors, reusing ones another exporter already
// registered. Safe to call multiple times.
func (m *ExporterMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.eventsTotal, err = reuseCollector(m.registerer, m.eventsTotal); err != nil {
		return err
	}
	if m.queueDepth, err = reuseCollector(m.registerer, m.queueDepth); err != nil {
		return err
	}
	if m.publishDuration, err = reuseCollector(m.registerer, m.publishDuration); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func reuseCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return c, err
		}
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, nil
}

// record counts one event outcome. A nil receiver is a no-op.
func (m *ExporterMetrics) record(kind EntityKind, event, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := m.getOrCreateKindMetrics(kind)
	switch outcome {
	case exportPublished:
		counts.Published++
		counts.LastEvent = event
		counts.LastPublishedAt = time.Now()
		m.publishDuration.Observe(d.Seconds())
	case exportDropped:
		counts.Dropped++
	case exportFailed:
		counts.Failed++
	}
	m.eventsTotal.WithLabelValues(string(kind), outcome).Inc()
}

func (m *ExporterMetrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Snapshot returns a copy of the per-kind counters.
func (m *ExporterMetrics) Snapshot() ExporterMetricsSnapshot {
	snapshot := ExporterMetricsSnapshot{
		Kinds:       make(map[EntityKind]*ExportKindMetrics),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for kind, counts := range m.kindCounts {
		c := *counts
		snapshot.Kinds[kind] = &c
		snapshot.TotalPublished += counts.Published
		snapshot.TotalDropped += counts.Dropped
		snapshot.TotalFailed += counts.Failed
	}
	return snapshot
}

func (m *ExporterMetrics) getOrCreateKindMetrics(kind EntityKind) *ExportKindMetrics {
	if counts, ok := m.kindCounts[kind]; ok {
		return counts
	}
	counts := &ExportKindMetrics{}
	m.kindCounts[kind] = counts
	return counts
}

// Reset clears all counters.
func (m *ExporterMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kindCounts = make(map[EntityKind]*ExportKindMetrics)
	m.eventsTotal.Reset()
	m.queueDepth.Set(0)
}
