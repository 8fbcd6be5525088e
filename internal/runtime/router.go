package runtime

import (
	"context"
	"encoding/json"
	"sync"

	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
	"github.com/drblury/mediaflow/internal/runtime/ids"
	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
)

const defaultSctpMessageSize = 262144

// Router groups transports that can route media and data between each other.
type Router struct {
	*entity

	rtpCapabilities json.RawMessage

	lookupMu      sync.RWMutex
	producers     map[string]*Producer
	dataProducers map[string]*DataProducer
	// reserved holds the ids of producers whose creation is in flight.
	reserved map[string]struct{}
}

func newRouter(w *Worker, id string, appData AppData) *Router {
	r := &Router{
		producers:     make(map[string]*Producer),
		dataProducers: make(map[string]*DataProducer),
		reserved:      make(map[string]struct{}),
	}
	r.entity = newEntity(entityParams{
		id:                id,
		kind:              KindRouter,
		internal:          w.childInternal("routerId", id),
		channel:           w.channel,
		logger:            w.logger,
		appData:           appData,
		parent:            w.entity,
		closeMethod:       "router.close",
		parentClosedEvent: EventWorkerClose,
		tap:               w.tap,
	})
	return r
}

// RtpCapabilities returns the capabilities reported by the worker, if any.
func (r *Router) RtpCapabilities() json.RawMessage { return r.rtpCapabilities }

// Close closes the router and, without further requests, every transport in
// it. It is a no-op on a closed router.
func (r *Router) Close() { r.close() }

// Dump returns the worker's internal view of the router.
func (r *Router) Dump(ctx context.Context) (json.RawMessage, error) {
	return r.request(ctx, "router.dump", nil)
}

// Transports returns the live transports of the router.
func (r *Router) Transports() []*Transport { return childrenOf[*Transport](r.entity) }

// CreateWebRtcTransport creates a WebRTC transport.
func (r *Router) CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (*Transport, error) {
	const method = "router.createWebRtcTransport"
	if len(opts.ListenIPs) == 0 {
		return nil, &errspkg.InvalidParametersError{Method: method, Reason: "missing listenIps"}
	}
	if !opts.EnableUDP && !opts.EnableTCP {
		opts.EnableUDP = true
	}
	numStreams := opts.NumSctpStreams
	if numStreams == nil {
		numStreams = &NumSctpStreams{OS: 1024, MIS: 1024}
	}
	maxSctp := opts.MaxSctpMessageSize
	if maxSctp == 0 {
		maxSctp = defaultSctpMessageSize
	}
	data := map[string]any{
		"listenIps":                       opts.ListenIPs,
		"enableUdp":                       opts.EnableUDP,
		"enableTcp":                       opts.EnableTCP,
		"preferUdp":                       opts.PreferUDP,
		"preferTcp":                       opts.PreferTCP,
		"initialAvailableOutgoingBitrate": opts.InitialAvailableOutgoingBitrate,
		"enableSctp":                      opts.EnableSctp,
		"numSctpStreams":                  numStreams,
		"maxSctpMessageSize":              maxSctp,
		"isDataChannel":                   true,
	}

	t := newTransport(r, ids.NewEntityID(), TransportKindWebRtc, opts.AppData)
	return r.adoptTransport(ctx, t, method, data)
}

// CreateDataTransport creates a transport that only carries SCTP data.
func (r *Router) CreateDataTransport(ctx context.Context, opts DataTransportOptions) (*Transport, error) {
	const method = "router.createDataTransport"
	enableSctp := true
	if opts.EnableSctp != nil {
		enableSctp = *opts.EnableSctp
	}
	maxSctp := opts.MaxSctpMessageSize
	if maxSctp == 0 {
		maxSctp = defaultSctpMessageSize
	}
	data := map[string]any{
		"enableSctp":         enableSctp,
		"maxSctpMessageSize": maxSctp,
	}

	t := newTransport(r, ids.NewEntityID(), TransportKindData, opts.AppData)
	return r.adoptTransport(ctx, t, method, data)
}

func (r *Router) adoptTransport(ctx context.Context, t *Transport, method string, data any) (*Transport, error) {
	t, err := createChild(ctx, r.entity, t, t.entity, method, data, t.applySnapshot)
	if err != nil {
		return nil, err
	}
	r.observer.Emit(EventNewTransport, t)
	return t, nil
}

func (r *Router) producer(id string) *Producer {
	r.lookupMu.RLock()
	defer r.lookupMu.RUnlock()
	return r.producers[id]
}

func (r *Router) dataProducer(id string) *DataProducer {
	r.lookupMu.RLock()
	defer r.lookupMu.RUnlock()
	return r.dataProducers[id]
}

// reserve claims id for a producer or data producer about to be created. It
// reports false when the id is live or another creation holds it.
func (r *Router) reserve(id string) bool {
	r.lookupMu.Lock()
	defer r.lookupMu.Unlock()
	if _, ok := r.reserved[id]; ok {
		return false
	}
	if r.producers[id] != nil || r.dataProducers[id] != nil {
		return false
	}
	r.reserved[id] = struct{}{}
	return true
}

// release drops the reservation of a creation that failed.
func (r *Router) release(id string) {
	r.lookupMu.Lock()
	delete(r.reserved, id)
	r.lookupMu.Unlock()
}

// registerProducer turns the reservation of p into a lookup entry. A producer
// closed meanwhile is not registered; its teardown either already ran forget
// or runs it after this returns.
func (r *Router) registerProducer(p *Producer) bool {
	r.lookupMu.Lock()
	defer r.lookupMu.Unlock()
	delete(r.reserved, p.ID())
	if p.Closed() {
		return false
	}
	r.producers[p.ID()] = p
	return true
}

func (r *Router) registerDataProducer(p *DataProducer) bool {
	r.lookupMu.Lock()
	defer r.lookupMu.Unlock()
	delete(r.reserved, p.ID())
	if p.Closed() {
		return false
	}
	r.dataProducers[p.ID()] = p
	return true
}

// forget drops id from the producer lookups; unknown ids are ignored.
func (r *Router) forget(id string) {
	r.lookupMu.Lock()
	delete(r.producers, id)
	delete(r.dataProducers, id)
	r.lookupMu.Unlock()
}

func (r *Router) applySnapshot(raw json.RawMessage) error {
	var reply struct {
		RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := jsoncodec.UnmarshalRaw(raw, &reply); err != nil {
		return err
	}
	r.rtpCapabilities = reply.RtpCapabilities
	return nil
}
