package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
)

// Request outcome labels.
const (
	OutcomeOK                = "ok"
	OutcomeInvalidState      = "invalid_state"
	OutcomeInvalidParameters = "invalid_parameters"
	OutcomeTimeout           = "timeout"
	OutcomeChannelClosed     = "channel_closed"
	OutcomeCanceled          = "canceled"
	OutcomeWorkerError       = "worker_error"
)

// Drop reasons for notifications that reach no listener.
const (
	DropNoListener = "no_listener"
	DropMalformed  = "malformed"
)

// OutcomeLabel classifies err for the requests_total outcome label.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, errspkg.ErrInvalidState):
		return OutcomeInvalidState
	case errors.Is(err, errspkg.ErrInvalidParameters):
		return OutcomeInvalidParameters
	case errors.Is(err, errspkg.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, errspkg.ErrChannelClosed):
		return OutcomeChannelClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeWorkerError
	}
}

// Metrics exposes channel activity as Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	pendingRequests      prometheus.Gauge
	notificationsTotal   *prometheus.CounterVec
	notificationsDropped *prometheus.CounterVec
	repliesUnmatched     prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

func newChannelCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediaflow",
			Subsystem: "channel",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newChannelHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mediaflow",
			Subsystem: "channel",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the channel collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:      registerer,
		requestsTotal:   newChannelCounterVec("requests_total", "Requests sent to the worker by method and outcome", []string{"method", "outcome"}),
		requestDuration: newChannelHistogramVec("request_duration_seconds", "Time from sending a request to receiving its reply", []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5, 15}, []string{"method"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediaflow",
			Subsystem: "channel",
			Name:      "pending_requests",
			Help:      "Requests awaiting a reply",
		}),
		notificationsTotal:   newChannelCounterVec("notifications_total", "Notifications delivered to a listener by event", []string{"event"}),
		notificationsDropped: newChannelCounterVec("notifications_dropped_total", "Notifications that were not delivered", []string{"reason"}),
		repliesUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediaflow",
			Subsystem: "channel",
			Name:      "replies_unmatched_total",
			Help:      "Replies whose id matched no outstanding request",
		}),
	}
}

// Register registers the collectors. Collectors already registered by another
// channel are reused so several workers share one set of series. Safe to call
// multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.requestsTotal, err = registerOrReuse(m.registerer, m.requestsTotal); err != nil {
		return err
	}
	if m.requestDuration, err = registerOrReuse(m.registerer, m.requestDuration); err != nil {
		return err
	}
	if m.pendingRequests, err = registerOrReuse(m.registerer, m.pendingRequests); err != nil {
		return err
	}
	if m.notificationsTotal, err = registerOrReuse(m.registerer, m.notificationsTotal); err != nil {
		return err
	}
	if m.notificationsDropped, err = registerOrReuse(m.registerer, m.notificationsDropped); err != nil {
		return err
	}
	if m.repliesUnmatched, err = registerOrReuse(m.registerer, m.repliesUnmatched); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func registerOrReuse[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
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

// RecordRequest counts one finished request.
func (m *Metrics) RecordRequest(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SetPending reports the number of requests in flight.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// RecordNotification counts a delivered notification.
func (m *Metrics) RecordNotification(event string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(event).Inc()
}

// RecordDropped counts a notification that was not delivered.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.notificationsDropped.WithLabelValues(reason).Inc()
}

// RecordUnmatchedReply counts a reply for an unknown id.
func (m *Metrics) RecordUnmatchedReply() {
	if m == nil {
		return
	}
	m.repliesUnmatched.Inc()
}
