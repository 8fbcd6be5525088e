package channel

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
)

var (
	// ErrAlreadyAwaited is returned when a second waiter tries to await an id.
	ErrAlreadyAwaited = errors.New("mediaflow: request id is already awaited")
	// ErrUnknownRequest is returned when awaiting an id that is not outstanding.
	ErrUnknownRequest = errors.New("mediaflow: unknown request id")
)

// Outcome is the worker's reply to one request.
type Outcome struct {
	Accepted bool
	Data     json.RawMessage
	// Error and Reason are set when the worker rejected the request.
	Error  string
	Reason string
}

type delivery struct {
	outcome Outcome
	err     error
}

type pendingRequest struct {
	slot     chan delivery
	awaited  bool
	resolved bool
}

// Registry correlates outstanding request ids with their replies. The map is
// the only shared state; every id owns a one-slot buffer, so delivering to one
// id never waits on another.
type Registry struct {
	mu       sync.Mutex
	next     uint32
	pending  map[uint32]*pendingRequest
	closed   bool
	closeErr error
}

// NewRegistry returns an empty registry whose first id is 1.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[uint32]*pendingRequest)}
}

// Allocate reserves a fresh id. Ids grow from 1, wrap from math.MaxUint32 back
// to 1 and skip ids that are still outstanding.
func (r *Registry) Allocate() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, r.closeErr
	}
	for {
		if r.next == math.MaxUint32 {
			r.next = 1
		} else {
			r.next++
		}
		if _, busy := r.pending[r.next]; !busy {
			break
		}
	}
	r.pending[r.next] = &pendingRequest{slot: make(chan delivery, 1)}
	return r.next, nil
}

// Await blocks until id is resolved, timeout elapses, ctx is done or the
// registry is closed. A timed out or cancelled id is abandoned so a late reply
// is discarded. A zero timeout waits without a deadline.
func (r *Registry) Await(ctx context.Context, id uint32, timeout time.Duration) (Outcome, error) {
	r.mu.Lock()
	p, ok := r.pending[id]
	switch {
	case !ok && r.closed:
		r.mu.Unlock()
		return Outcome{}, r.closeErr
	case !ok:
		r.mu.Unlock()
		return Outcome{}, ErrUnknownRequest
	case p.awaited:
		r.mu.Unlock()
		return Outcome{}, ErrAlreadyAwaited
	}
	p.awaited = true
	r.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case d := <-p.slot:
		r.Abandon(id)
		return d.outcome, d.err
	case <-expired:
		if d, ok := r.abandonOrTake(id, p); ok {
			return d.outcome, d.err
		}
		return Outcome{}, &errspkg.TimeoutError{ID: id, Timeout: timeout}
	case <-ctx.Done():
		if d, ok := r.abandonOrTake(id, p); ok {
			return d.outcome, d.err
		}
		return Outcome{}, ctx.Err()
	}
}

// abandonOrTake drops id, unless a delivery raced in first.
func (r *Registry) abandonOrTake(id uint32, p *pendingRequest) (delivery, bool) {
	r.Abandon(id)
	select {
	case d := <-p.slot:
		return d, true
	default:
		return delivery{}, false
	}
}

// Resolve hands outcome to the waiter of id; the id is forgotten once the
// waiter has taken it. A reply that beats its waiter is kept until Await. It
// reports false when id is unknown or already resolved.
func (r *Registry) Resolve(id uint32, outcome Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok || p.resolved {
		return false
	}
	p.resolved = true
	p.slot <- delivery{outcome: outcome}
	return true
}

// Abandon forgets id without delivering anything.
func (r *Registry) Abandon(id uint32) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Close fails every outstanding id with err and rejects later allocations.
// A nil err becomes a ChannelClosedError.
func (r *Registry) Close(err error) {
	if err == nil {
		err = &errspkg.ChannelClosedError{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.closeErr = err
	for id, p := range r.pending {
		if p.resolved {
			continue
		}
		p.resolved = true
		p.slot <- delivery{err: err}
		if !p.awaited {
			delete(r.pending, id)
		}
	}
}

// Len returns the number of outstanding ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
