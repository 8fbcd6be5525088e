package channel

import (
	"context"
	"time"

	"github.com/drblury/mediaflow/internal/runtime/logging"
)

// RequestInfo describes one request to hooks.
type RequestInfo struct {
	// Method is the worker method, for example "transport.getStats".
	Method string
	// ID is the correlation id. It is zero when allocation failed.
	ID uint32
	// Pending is the number of requests in flight when this one was issued.
	Pending int
	// Timeout is the deadline applied to this request.
	Timeout time.Duration
	// Context is the caller's context.
	Context context.Context
	// StartedAt is when the request was issued.
	StartedAt time.Time
	// Duration is set in OnRequestDone and OnRequestError.
	Duration time.Duration
}

// Hooks are optional callbacks around every request. Nil hooks are skipped.
// They run on the requesting goroutine and must not block.
type Hooks struct {
	OnRequestStart func(info RequestInfo)
	OnRequestDone  func(info RequestInfo)
	OnRequestError func(info RequestInfo, err error)
}

// Merge combines two Hooks; the hooks from other run after those from h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnRequestStart: chainInfoHooks(h.OnRequestStart, other.OnRequestStart),
		OnRequestDone:  chainInfoHooks(h.OnRequestDone, other.OnRequestDone),
		OnRequestError: chainErrorHooks(h.OnRequestError, other.OnRequestError),
	}
}

func chainInfoHooks(a, b func(RequestInfo)) func(RequestInfo) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info RequestInfo) {
		a(info)
		b(info)
	}
}

func chainErrorHooks(a, b func(RequestInfo, error)) func(RequestInfo, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info RequestInfo, err error) {
		a(info, err)
		b(info, err)
	}
}

func (h Hooks) start(info RequestInfo) {
	if h.OnRequestStart != nil {
		h.OnRequestStart(info)
	}
}

func (h Hooks) finish(info RequestInfo, err error) {
	if err != nil {
		if h.OnRequestError != nil {
			h.OnRequestError(info, err)
		}
		return
	}
	if h.OnRequestDone != nil {
		h.OnRequestDone(info)
	}
}

// LoggingHooks logs request lifecycle events at trace level and failures at
// error level.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	return Hooks{
		OnRequestStart: func(info RequestInfo) {
			logger.Trace("Request sent", logging.LogFields{
				"method":  info.Method,
				"id":      info.ID,
				"pending": info.Pending,
			})
		},
		OnRequestDone: func(info RequestInfo) {
			logger.Trace("Request succeeded", logging.LogFields{
				"method":      info.Method,
				"id":          info.ID,
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
		OnRequestError: func(info RequestInfo, err error) {
			logger.Error("Request failed", err, logging.LogFields{
				"method":      info.Method,
				"id":          info.ID,
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks records request outcomes and latencies on m.
func MetricsHooks(m *Metrics) Hooks {
	return Hooks{
		OnRequestDone: func(info RequestInfo) {
			m.RecordRequest(info.Method, OutcomeOK, info.Duration)
		},
		OnRequestError: func(info RequestInfo, err error) {
			m.RecordRequest(info.Method, OutcomeLabel(err), info.Duration)
		},
	}
}
