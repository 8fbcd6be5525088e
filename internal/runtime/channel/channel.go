// Package channel multiplexes requests, replies and notifications between the
// host and one worker process over a pair of netstring framed pipes.
//
// Requests are correlated by a numeric id through a Registry, so any number of
// callers may have requests in flight. Notifications are routed by target id to
// one Listener per entity, each drained by its own goroutine.
//
// Binary payloads travel as a 'P' frame right after the JSON notification they
// belong to, in both directions.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
	"github.com/drblury/mediaflow/internal/runtime/logging"
	"github.com/drblury/mediaflow/internal/runtime/netstring"
)

const (
	// DefaultRequestTimeout is the base deadline of a request.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultRequestTimeoutPerPending extends the deadline for each request
	// already in flight.
	DefaultRequestTimeoutPerPending = 100 * time.Millisecond

	tracerName = "mediaflow-channel"
)

// DefaultPayloadEvents are the worker notifications followed by a payload
// frame.
var DefaultPayloadEvents = []string{"message"}

// Options configures a Channel.
type Options struct {
	// Logger receives diagnostics and worker log lines. Required.
	Logger logging.ServiceLogger
	// RequestTimeout and RequestTimeoutPerPending form the request deadline:
	// RequestTimeout + RequestTimeoutPerPending * pending requests.
	RequestTimeout           time.Duration
	RequestTimeoutPerPending time.Duration
	// MaxMessageSize bounds one frame in both directions.
	MaxMessageSize int
	// Hooks run around every request.
	Hooks Hooks
	// Metrics, when set, receives request, notification and reply counters.
	Metrics *Metrics
	// TracerProvider overrides the global OpenTelemetry provider.
	TracerProvider trace.TracerProvider
	// OnClosed is called once when the read side ends without Close having
	// been called, which means the worker went away.
	OnClosed func(err error)
	// Subscriptions are installed before the first frame is read.
	Subscriptions map[string]Listener
	// PayloadEvents overrides DefaultPayloadEvents.
	PayloadEvents []string
}

// Channel is the duplex conduit to one worker.
type Channel struct {
	reader  io.Reader
	writer  io.Writer
	closers []io.Closer
	writeMu sync.Mutex

	registry *Registry
	logger   logging.ServiceLogger
	hooks    Hooks
	metrics  *Metrics
	stats    *statsTracker
	tracer   trace.Tracer

	requestTimeout    time.Duration
	timeoutPerPending time.Duration
	maxMessageSize    int
	onClosed          func(err error)
	payloadEvents     map[string]struct{}

	// pending is the notification awaiting its payload frame. Only the read
	// loop touches it.
	pending *Notification

	listenersMu sync.RWMutex
	listeners   map[string]*mailbox

	closed    atomic.Bool
	closeOnce sync.Once
	cause     error
	done      chan struct{}
}

// New starts a channel that reads frames from r and writes frames to w. Both
// are closed when the channel closes.
func New(r io.ReadCloser, w io.WriteCloser, opts Options) (*Channel, error) {
	if r == nil || w == nil {
		return nil, errspkg.ErrConnRequired
	}
	if opts.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	closers := []io.Closer{w}
	if io.Closer(r) != io.Closer(w) {
		closers = append(closers, r)
	}

	c := &Channel{
		reader:            r,
		writer:            w,
		closers:           closers,
		registry:          NewRegistry(),
		logger:            opts.Logger.With(logging.LogFields{"component": "channel"}),
		hooks:             opts.Hooks,
		metrics:           opts.Metrics,
		stats:             newStatsTracker(),
		requestTimeout:    opts.RequestTimeout,
		timeoutPerPending: opts.RequestTimeoutPerPending,
		maxMessageSize:    opts.MaxMessageSize,
		onClosed:          opts.OnClosed,
		listeners:         make(map[string]*mailbox),
		payloadEvents:     make(map[string]struct{}),
		done:              make(chan struct{}),
	}
	events := opts.PayloadEvents
	if events == nil {
		events = DefaultPayloadEvents
	}
	for _, event := range events {
		c.payloadEvents[event] = struct{}{}
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.timeoutPerPending < 0 {
		c.timeoutPerPending = 0
	} else if c.timeoutPerPending == 0 {
		c.timeoutPerPending = DefaultRequestTimeoutPerPending
	}
	if c.maxMessageSize <= 0 {
		c.maxMessageSize = netstring.DefaultMaxMessageLength
	}
	if opts.Metrics != nil {
		c.hooks = c.hooks.Merge(MetricsHooks(opts.Metrics))
	}
	if opts.TracerProvider != nil {
		c.tracer = opts.TracerProvider.Tracer(tracerName)
	} else {
		c.tracer = otel.Tracer(tracerName)
	}

	for targetID, listener := range opts.Subscriptions {
		c.Subscribe(targetID, listener)
	}

	go c.readLoop()
	return c, nil
}

// NewConn starts a channel over a single duplex connection.
func NewConn(conn io.ReadWriteCloser, opts Options) (*Channel, error) {
	if conn == nil {
		return nil, errspkg.ErrConnRequired
	}
	return New(conn, conn, opts)
}

// Request sends method to the worker and waits for its reply. internal
// addresses the target entity and data carries the arguments; either may be
// nil. A rejected request returns an InvalidState, InvalidParameters or
// generic worker error; a channel torn down meanwhile returns ChannelClosed.
func (c *Channel) Request(ctx context.Context, method string, internal, data any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := c.tracer.Start(ctx, "Channel.Request", trace.WithAttributes(
		attribute.String("channel.method", method),
	))
	defer span.End()

	call, err := c.start(ctx, method, internal, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("channel.request_id", int64(call.info.ID)))

	out, err := c.finish(call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// RequestDetached writes the request before returning and awaits the reply in
// the background, logging a failure. Used for fire-and-forget requests such as
// closing an entity.
func (c *Channel) RequestDetached(method string, internal, data any) {
	call, err := c.start(context.Background(), method, internal, data)
	if err != nil {
		c.logDetachedFailure(method, err)
		return
	}
	go func() {
		if _, err := c.finish(call); err != nil {
			c.logDetachedFailure(method, err)
		}
	}()
}

// Notify sends a notification the worker does not answer, followed by payload
// as a binary frame when payload is not nil. Both frames are written under one
// lock so nothing interleaves between them.
func (c *Channel) Notify(event string, internal, data any, payload []byte) error {
	if c.closed.Load() {
		return errspkg.NewInvalidStateError(event, "Channel closed")
	}
	msg, err := jsoncodec.Marshal(notifyMessage{Event: event, Internal: internal, Data: data})
	if err != nil {
		return &errspkg.InvalidParametersError{Method: event, Reason: err.Error()}
	}
	if len(msg) > c.maxMessageSize || len(payload)+1 > c.maxMessageSize {
		return &errspkg.InvalidParametersError{Method: event, Reason: "notification too big"}
	}

	c.writeMu.Lock()
	err = netstring.Encode(c.writer, msg)
	if err == nil && payload != nil {
		err = netstring.Encode(c.writer, append([]byte{payloadPrefix}, payload...))
	}
	c.writeMu.Unlock()
	if err != nil {
		if c.closed.Load() {
			return &errspkg.ChannelClosedError{Cause: err}
		}
		return &errspkg.WorkerError{Method: event, Reason: "write failed: " + err.Error()}
	}
	c.stats.recordNotified()
	return nil
}

func (c *Channel) logDetachedFailure(method string, err error) {
	if errors.Is(err, errspkg.ErrChannelClosed) || errors.Is(err, errspkg.ErrInvalidState) {
		c.logger.Debug("Detached request dropped", logging.LogFields{"method": method, "error": err.Error()})
		return
	}
	c.logger.Error("Detached request failed", err, logging.LogFields{"method": method})
}

type call struct {
	info RequestInfo
}

func (c *Channel) start(ctx context.Context, method string, internal, data any) (call, error) {
	info := RequestInfo{Method: method, Context: ctx, StartedAt: time.Now()}

	if c.closed.Load() {
		err := errspkg.NewInvalidStateError(method, "Channel closed")
		c.hooks.finish(info, err)
		return call{}, err
	}

	info.Pending = c.registry.Len()
	info.Timeout = c.requestTimeout + c.timeoutPerPending*time.Duration(info.Pending)

	id, err := c.registry.Allocate()
	if err != nil {
		err = errspkg.NewInvalidStateError(method, "Channel closed")
		c.hooks.finish(info, err)
		return call{}, err
	}
	info.ID = id
	c.hooks.start(info)
	c.metrics.SetPending(c.registry.Len())

	payload, err := jsoncodec.Marshal(requestMessage{ID: id, Method: method, Internal: internal, Data: data})
	if err != nil {
		c.registry.Abandon(id)
		err = &errspkg.InvalidParametersError{Method: method, Reason: err.Error()}
		c.complete(info, err)
		return call{}, err
	}
	if len(payload) > c.maxMessageSize {
		c.registry.Abandon(id)
		err = &errspkg.InvalidParametersError{Method: method, Reason: "request too big"}
		c.complete(info, err)
		return call{}, err
	}

	c.writeMu.Lock()
	err = netstring.Encode(c.writer, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.registry.Abandon(id)
		if c.closed.Load() {
			err = &errspkg.ChannelClosedError{Cause: err}
		} else {
			err = &errspkg.WorkerError{Method: method, Reason: "write failed: " + err.Error()}
		}
		c.complete(info, err)
		return call{}, err
	}
	return call{info: info}, nil
}

func (c *Channel) finish(cl call) (json.RawMessage, error) {
	out, err := c.registry.Await(cl.info.Context, cl.info.ID, cl.info.Timeout)
	if err != nil {
		var timeout *errspkg.TimeoutError
		if errors.As(err, &timeout) {
			timeout.Method = cl.info.Method
		}
		c.complete(cl.info, err)
		return nil, err
	}
	if !out.Accepted {
		err = errspkg.FromWorker(cl.info.Method, out.Error, out.Reason)
		c.complete(cl.info, err)
		return nil, err
	}
	c.complete(cl.info, nil)
	return out.Data, nil
}

func (c *Channel) complete(info RequestInfo, err error) {
	info.Duration = time.Since(info.StartedAt)
	c.stats.recordRequest(info.Method, info.Duration, err != nil)
	c.metrics.SetPending(c.registry.Len())
	c.hooks.finish(info, err)
}

// Subscribe registers listener for notifications addressed to targetID.
// An existing listener is replaced; ids are never reused, so that only
// happens through a bug and is logged as a warning.
func (c *Channel) Subscribe(targetID string, listener Listener) {
	if listener == nil {
		return
	}
	if c.closed.Load() {
		c.logger.Debug("Subscribe on closed channel ignored", logging.LogFields{"target_id": targetID})
		return
	}

	mb := newMailbox(targetID, listener, c.logger)

	c.listenersMu.Lock()
	if c.closed.Load() {
		c.listenersMu.Unlock()
		mb.close()
		return
	}
	previous := c.listeners[targetID]
	c.listeners[targetID] = mb
	c.listenersMu.Unlock()

	if previous != nil {
		previous.close()
		c.logger.Warn("Listener replaced for target id, ids should never be reused", logging.LogFields{"target_id": targetID})
	}
}

// Unsubscribe removes the listener of targetID. Notifications already queued
// for it are discarded.
func (c *Channel) Unsubscribe(targetID string) {
	c.listenersMu.Lock()
	mb := c.listeners[targetID]
	delete(c.listeners, targetID)
	c.listenersMu.Unlock()

	if mb != nil {
		mb.close()
	}
}

// Close tears the channel down: pending requests fail with ChannelClosed,
// listeners are dropped and the pipes are closed. Later requests fail with
// InvalidState. Close is idempotent and does not trigger OnClosed.
func (c *Channel) Close() error {
	c.teardown(nil)
	return nil
}

// Closed reports whether the channel has been torn down.
func (c *Channel) Closed() bool { return c.closed.Load() }

// Done is closed once the channel has been torn down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the read side ended once Done is closed. It is nil while the
// channel is open and after Close.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// PendingCount returns the number of requests awaiting a reply.
func (c *Channel) PendingCount() int { return c.registry.Len() }

// Stats returns request and notification counters.
func (c *Channel) Stats() Stats { return c.stats.snapshot(c.registry.Len()) }

func (c *Channel) teardown(cause error) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.cause = cause
		c.closed.Store(true)

		c.registry.Close(&errspkg.ChannelClosedError{Cause: cause})
		c.metrics.SetPending(0)

		c.listenersMu.Lock()
		listeners := c.listeners
		c.listeners = make(map[string]*mailbox)
		c.listenersMu.Unlock()
		for _, mb := range listeners {
			mb.close()
		}

		for _, closer := range c.closers {
			if err := closer.Close(); err != nil {
				c.logger.Debug("Closing worker pipe failed", logging.LogFields{"error": err.Error()})
			}
		}
		close(c.done)
	})
	return first
}

func (c *Channel) readLoop() {
	dec := netstring.NewDecoder(c.reader, c.maxMessageSize)
	for {
		payload, err := dec.Decode()
		if err != nil {
			if c.teardown(err) {
				if errors.Is(err, io.EOF) {
					c.logger.Info("Worker channel ended", nil)
				} else {
					c.logger.Error("Worker channel failed", err, nil)
				}
				if c.onClosed != nil {
					c.onClosed(err)
				}
			}
			return
		}
		c.dispatch(payload)
	}
}

func (c *Channel) dispatch(payload []byte) {
	if len(payload) == 0 {
		c.logger.Error("Received empty message from worker", nil, nil)
		return
	}

	switch payload[0] {
	case '{':
		c.handleJSON(payload)
	case logPrefixDebug:
		c.logger.Debug(string(payload[1:]), logging.LogFields{"source": "worker"})
	case logPrefixWarn:
		c.logger.Warn(string(payload[1:]), logging.LogFields{"source": "worker"})
	case logPrefixError:
		c.logger.Error(string(payload[1:]), nil, logging.LogFields{"source": "worker"})
	case logPrefixDump:
		c.logger.Info(string(payload[1:]), logging.LogFields{"source": "worker", "dump": true})
	case payloadPrefix:
		c.handlePayload(payload[1:])
	default:
		c.logger.Error("Received unexpected message from worker", nil, logging.LogFields{"payload": string(payload)})
	}
}

func (c *Channel) handleJSON(payload []byte) {
	var msg inboundMessage
	if err := jsoncodec.Unmarshal(payload, &msg); err != nil {
		c.logger.Error("Received invalid JSON from worker", err, nil)
		c.metrics.RecordDropped(DropMalformed)
		c.stats.recordDropped()
		return
	}

	switch {
	case msg.isReply():
		if !c.registry.Resolve(*msg.ID, msg.outcome()) {
			c.logger.Error("Received reply does not match any sent request", nil, logging.LogFields{"id": *msg.ID})
			c.metrics.RecordUnmatchedReply()
			c.stats.recordUnmatched()
		}
	case msg.isNotification():
		n := Notification{TargetID: msg.TargetID, Event: msg.Event, Data: msg.Data}
		if _, ok := c.payloadEvents[n.Event]; !ok {
			c.deliver(n)
			return
		}
		if c.pending != nil {
			c.logger.Error("Notification awaiting payload exists, discarding received notification", nil, logging.LogFields{
				"target_id": n.TargetID,
				"event":     n.Event,
			})
			c.metrics.RecordDropped(DropMalformed)
			c.stats.recordDropped()
			return
		}
		c.pending = &n
	default:
		c.logger.Error("Received message is neither a reply nor a notification", nil, logging.LogFields{"payload": string(payload)})
		c.metrics.RecordDropped(DropMalformed)
		c.stats.recordDropped()
	}
}

func (c *Channel) handlePayload(payload []byte) {
	n := c.pending
	if n == nil {
		c.logger.Error("No notification awaiting payload, discarding received payload", nil, logging.LogFields{"size": len(payload)})
		c.metrics.RecordDropped(DropMalformed)
		c.stats.recordDropped()
		return
	}
	c.pending = nil
	n.Payload = append([]byte(nil), payload...)
	c.deliver(*n)
}

func (c *Channel) deliver(n Notification) {
	c.listenersMu.RLock()
	mb := c.listeners[n.TargetID]
	c.listenersMu.RUnlock()

	if mb == nil || !mb.push(n) {
		c.logger.Debug("No listener for notification, dropping", logging.LogFields{
			"target_id": n.TargetID,
			"event":     n.Event,
		})
		c.metrics.RecordDropped(DropNoListener)
		c.stats.recordDropped()
		return
	}
	c.metrics.RecordNotification(n.Event)
	c.stats.recordDelivered()
}
