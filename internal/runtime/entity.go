package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/drblury/mediaflow/internal/runtime/channel"
	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
	"github.com/drblury/mediaflow/internal/runtime/events"
	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
	"github.com/drblury/mediaflow/internal/runtime/logging"
)

// Lifecycle event names shared by every entity.
const (
	EventClose           = "close"
	EventWorkerClose     = "workerclose"
	EventRouterClose     = "routerclose"
	EventTransportClose  = "transportclose"
	EventDied            = "died"
	EventNewRouter       = "newrouter"
	EventNewTransport    = "newtransport"
	EventNewProducer     = "newproducer"
	EventNewConsumer     = "newconsumer"
	EventNewDataProducer = "newdataproducer"
	EventNewDataConsumer = "newdataconsumer"
	EventPause           = "pause"
	EventResume          = "resume"
)

// channelConn is the part of a channel an entity talks through.
type channelConn interface {
	Request(ctx context.Context, method string, internal, data any) (json.RawMessage, error)
	RequestDetached(method string, internal, data any)
	Notify(event string, internal, data any, payload []byte) error
	Subscribe(targetID string, listener channel.Listener)
	Unsubscribe(targetID string)
}

// child is an entity owned by another entity's arena.
type child interface {
	ID() string
	Kind() EntityKind
	Snapshot() EntitySnapshot
	handleParentClosed()
}

// parentLink is the non-owning back reference a child keeps to detach itself.
type parentLink interface {
	removeChild(id string)
}

// observerTap receives every observer emission of an entity tree.
type observerTap func(kind EntityKind, id, event string, payload any)

// EntitySnapshot is a point-in-time view of an entity and its descendants.
type EntitySnapshot struct {
	ID       string           `json:"id"`
	Kind     EntityKind       `json:"kind"`
	Closed   bool             `json:"closed"`
	AppData  AppData          `json:"appData,omitempty"`
	Children []EntitySnapshot `json:"children,omitempty"`
}

type entityParams struct {
	id                string
	kind              EntityKind
	internal          map[string]string
	channel           channelConn
	logger            logging.ServiceLogger
	appData           AppData
	parent            parentLink
	closeMethod       string
	parentClosedEvent string
	tap               observerTap
}

// entity holds the state every proxy shares: identity, the two event streams,
// the children arena and the one-way Open to Closed transition.
type entity struct {
	id       string
	kind     EntityKind
	internal map[string]string
	channel  channelConn
	logger   logging.ServiceLogger
	appData  AppData
	parent   parentLink
	tap      observerTap

	events   *events.EventEmitter
	observer *events.EventEmitter

	closeMethod       string
	parentClosedEvent string
	// beforeClose runs once, after the closed flag flips and before children
	// are torn down and close events fire.
	beforeClose func()

	// ready gates notification delivery until the creation reply has been
	// applied, so an early state change is never overwritten by the reply.
	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	closed   atomic.Bool
	children map[string]child
}

func newEntity(p entityParams) *entity {
	if p.appData == nil {
		p.appData = AppData{}
	}
	logger := p.logger.With(logging.LogFields{"entity": string(p.kind), "id": p.id})
	e := &entity{
		id:                p.id,
		kind:              p.kind,
		internal:          p.internal,
		channel:           p.channel,
		logger:            logger,
		appData:           p.appData,
		parent:            p.parent,
		tap:               p.tap,
		events:            events.New(logger),
		observer:          events.New(logger),
		closeMethod:       p.closeMethod,
		parentClosedEvent: p.parentClosedEvent,
		children:          make(map[string]child),
		ready:             make(chan struct{}),
	}
	if p.tap != nil {
		e.observer.OnAny(func(event string, payload any) { p.tap(p.kind, p.id, event, payload) })
	}
	return e
}

// ID returns the entity id. It never changes and is never reused.
func (e *entity) ID() string { return e.id }

// Kind returns the entity kind.
func (e *entity) Kind() EntityKind { return e.kind }

// Closed reports whether the entity has been closed.
func (e *entity) Closed() bool { return e.closed.Load() }

// AppData returns the application data attached at creation.
func (e *entity) AppData() AppData { return e.appData }

// On registers h on the direct event stream and returns a function that
// removes it.
func (e *entity) On(event string, h events.Handler) func() { return e.events.On(event, h) }

// Once registers h for the next emission of event on the direct stream.
func (e *entity) Once(event string, h events.Handler) func() { return e.events.Once(event, h) }

// Observer returns the observer event stream.
func (e *entity) Observer() *events.EventEmitter { return e.observer }

// Snapshot returns the entity and its live children.
func (e *entity) Snapshot() EntitySnapshot {
	kids := e.childList()
	snap := EntitySnapshot{ID: e.id, Kind: e.kind, Closed: e.Closed(), AppData: e.appData}
	for _, c := range kids {
		snap.Children = append(snap.Children, c.Snapshot())
	}
	return snap
}

func (e *entity) childList() []child {
	e.mu.Lock()
	kids := make([]child, 0, len(e.children))
	for _, c := range e.children {
		kids = append(kids, c)
	}
	e.mu.Unlock()
	sort.Slice(kids, func(i, j int) bool { return kids[i].ID() < kids[j].ID() })
	return kids
}

// childInternal extends the entity's addressing with the id of a new child.
func (e *entity) childInternal(key, id string) map[string]string {
	out := make(map[string]string, len(e.internal)+1)
	for k, v := range e.internal {
		out[k] = v
	}
	out[key] = id
	return out
}

// addChild stores c in the arena. It reports false when the entity closed in
// the meantime; the caller then tears c down itself.
func (e *entity) addChild(c child) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return false
	}
	e.children[c.ID()] = c
	return true
}

func (e *entity) removeChild(id string) {
	e.mu.Lock()
	delete(e.children, id)
	e.mu.Unlock()
}

// checkOpen fails with InvalidState once the entity is closed.
func (e *entity) checkOpen(method string) error {
	if e.closed.Load() {
		return errspkg.NewInvalidStateError(method, fmt.Sprintf("%s closed", e.kind))
	}
	return nil
}

// request sends method addressed to this entity.
func (e *entity) request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	if err := e.checkOpen(method); err != nil {
		return nil, err
	}
	return e.channel.Request(ctx, method, e.internal, data)
}

// requestInto sends method and decodes the reply into out.
func (e *entity) requestInto(ctx context.Context, method string, data, out any) error {
	raw, err := e.request(ctx, method, data)
	if err != nil {
		return err
	}
	if err := jsoncodec.UnmarshalRaw(raw, out); err != nil {
		return &errspkg.WorkerError{Method: method, Reason: "invalid reply: " + err.Error()}
	}
	return nil
}

// subscribe routes the entity's notifications, decoded, to handle. Delivery
// starts once markReady is called.
func (e *entity) subscribe(handle func(Notification)) {
	e.channel.Subscribe(e.id, func(n channel.Notification) {
		<-e.ready
		if e.closed.Load() {
			return
		}
		handle(decodeNotification(n.Event, n.Data, n.Payload))
	})
}

func (e *entity) markReady() {
	e.readyOnce.Do(func() { close(e.ready) })
}

// discard drops an entity whose creation failed. Nothing is emitted.
func (e *entity) discard() {
	e.closed.Store(true)
	e.channel.Unsubscribe(e.id)
	e.markReady()
}

// createChild sends the creation request for c, a proxy already subscribed
// under its new id, applies the reply and adopts c. If the parent closed
// while the request was in flight, c is torn down as part of that close.
func createChild[C child](ctx context.Context, parent *entity, c C, base *entity, method string, data any, apply func(json.RawMessage) error) (C, error) {
	var zero C
	if err := parent.checkOpen(method); err != nil {
		base.discard()
		return zero, err
	}
	raw, err := parent.channel.Request(ctx, method, base.internal, data)
	if err == nil && apply != nil {
		if decodeErr := apply(raw); decodeErr != nil {
			err = &errspkg.WorkerError{Method: method, Reason: "invalid reply: " + decodeErr.Error()}
		}
	}
	if err != nil {
		base.discard()
		return zero, err
	}
	base.markReady()
	if !parent.addChild(c) {
		c.handleParentClosed()
		return zero, errspkg.NewInvalidStateError(method, fmt.Sprintf("%s closed", parent.kind))
	}
	return c, nil
}

// emit fires event on the direct stream, then on the observer stream.
func (e *entity) emit(event string, payload any) {
	e.events.Emit(event, payload)
	e.observer.Emit(event, payload)
}

// ignore logs a notification the entity does not handle.
func (e *entity) ignore(n Notification) {
	fields := logging.LogFields{"event": n.Event()}
	var err error
	if u, ok := n.(UnknownNotification); ok {
		err = u.Err
	}
	e.logger.Error("Ignoring unknown event", err, fields)
}

// close tears the entity down and asks the worker to close its side. A second
// call is a no-op.
func (e *entity) close() bool {
	if !e.teardown(EventClose, nil) {
		return false
	}
	if e.closeMethod != "" {
		e.channel.RequestDetached(e.closeMethod, e.internal, nil)
	}
	return true
}

// handleParentClosed is the cascading close: the worker already closed this
// entity along with its parent, so no request is sent.
func (e *entity) handleParentClosed() {
	e.teardown(e.parentClosedEvent, nil)
}

// teardown runs the local close once. Children are torn down depth first
// before the entity's own events fire, so a parent's close returns only after
// the whole subtree is closed.
func (e *entity) teardown(event string, payload any) bool {
	e.mu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return false
	}
	kids := e.children
	e.children = make(map[string]child)
	e.mu.Unlock()

	if e.beforeClose != nil {
		e.beforeClose()
	}
	for _, c := range kids {
		e.cascade(c)
	}
	e.channel.Unsubscribe(e.id)

	e.events.Emit(event, payload)
	e.observer.Emit(EventClose, nil)

	if e.parent != nil {
		e.parent.removeChild(e.id)
	}
	e.logger.Debug("Entity closed", logging.LogFields{"reason": event})
	return true
}

func (e *entity) cascade(c child) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Child teardown panicked", fmt.Errorf("%v", r), logging.LogFields{
				"child_kind": string(c.Kind()),
				"child_id":   c.ID(),
			})
		}
	}()
	c.handleParentClosed()
}
