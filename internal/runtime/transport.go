package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
	"github.com/drblury/mediaflow/internal/runtime/ids"
	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
	"github.com/drblury/mediaflow/internal/runtime/logging"
)

// Transport connects an endpoint to a router. WebRTC transports negotiate
// ICE and DTLS and may carry SCTP; data transports only carry SCTP.
//
// Connection state fields change only through worker notifications, or to
// closed when the transport closes.
type Transport struct {
	*entity

	transportKind TransportKind
	router        *Router

	stateMu          sync.RWMutex
	iceRole          string
	iceParameters    IceParameters
	iceCandidates    []IceCandidate
	iceState         IceState
	iceSelectedTuple *TransportTuple
	dtlsParameters   DtlsParameters
	dtlsState        DtlsState
	dtlsRemoteCert   string
	sctpParameters   *SctpParameters
	sctpState        SctpState
}

type transportSnapshot struct {
	IceRole          string          `json:"iceRole"`
	IceParameters    IceParameters   `json:"iceParameters"`
	IceCandidates    []IceCandidate  `json:"iceCandidates"`
	IceState         IceState        `json:"iceState"`
	IceSelectedTuple *TransportTuple `json:"iceSelectedTuple"`
	DtlsParameters   DtlsParameters  `json:"dtlsParameters"`
	DtlsState        DtlsState       `json:"dtlsState"`
	SctpParameters   *SctpParameters `json:"sctpParameters"`
	SctpState        SctpState       `json:"sctpState"`
}

func newTransport(r *Router, id string, kind TransportKind, appData AppData) *Transport {
	t := &Transport{transportKind: kind, router: r}
	t.entity = newEntity(entityParams{
		id:                id,
		kind:              KindTransport,
		internal:          r.childInternal("transportId", id),
		channel:           r.channel,
		logger:            r.logger.With(logging.LogFields{"transport_kind": string(kind)}),
		appData:           appData,
		parent:            r.entity,
		closeMethod:       "transport.close",
		parentClosedEvent: EventRouterClose,
		tap:               r.tap,
	})
	t.beforeClose = t.forceClosedState
	t.subscribe(t.handleNotification)
	return t
}

func (t *Transport) applySnapshot(raw json.RawMessage) error {
	var snap transportSnapshot
	if err := jsoncodec.UnmarshalRaw(raw, &snap); err != nil {
		return err
	}
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.transportKind == TransportKindWebRtc {
		t.iceRole = snap.IceRole
		t.iceParameters = snap.IceParameters
		t.iceCandidates = snap.IceCandidates
		t.iceState = snap.IceState
		t.iceSelectedTuple = snap.IceSelectedTuple
		t.dtlsParameters = snap.DtlsParameters
		t.dtlsState = snap.DtlsState
		if t.iceState == "" {
			t.iceState = IceStateNew
		}
		if t.dtlsState == "" {
			t.dtlsState = DtlsStateNew
		}
	}
	t.sctpParameters = snap.SctpParameters
	t.sctpState = snap.SctpState
	if t.sctpParameters != nil && t.sctpState == "" {
		t.sctpState = SctpStateNew
	}
	return nil
}

// TransportKind returns the specialization of the transport.
func (t *Transport) TransportKind() TransportKind { return t.transportKind }

// Router returns the router the transport belongs to.
func (t *Transport) Router() *Router { return t.router }

func (t *Transport) IceRole() string {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.iceRole
}

func (t *Transport) IceParameters() IceParameters {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.iceParameters
}

func (t *Transport) IceCandidates() []IceCandidate {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return append([]IceCandidate(nil), t.iceCandidates...)
}

func (t *Transport) IceState() IceState {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.iceState
}

// IceSelectedTuple returns nil until ICE selected a tuple and after close.
func (t *Transport) IceSelectedTuple() *TransportTuple {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	if t.iceSelectedTuple == nil {
		return nil
	}
	tuple := *t.iceSelectedTuple
	return &tuple
}

func (t *Transport) DtlsParameters() DtlsParameters {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.dtlsParameters
}

func (t *Transport) DtlsState() DtlsState {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.dtlsState
}

// DtlsRemoteCert is the remote certificate in PEM, once DTLS connected.
func (t *Transport) DtlsRemoteCert() string {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.dtlsRemoteCert
}

// SctpParameters returns nil when SCTP is disabled.
func (t *Transport) SctpParameters() *SctpParameters {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	if t.sctpParameters == nil {
		return nil
	}
	p := *t.sctpParameters
	return &p
}

// SctpState is empty when SCTP is disabled.
func (t *Transport) SctpState() SctpState {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.sctpState
}

// ConnectionState is the DTLS state of a WebRTC transport and the SCTP state
// of a data transport.
func (t *Transport) ConnectionState() string {
	if t.transportKind == TransportKindData {
		return string(t.SctpState())
	}
	return string(t.DtlsState())
}

// Close closes the transport and every producer and consumer in it.
func (t *Transport) Close() { t.close() }

// Connect provides the remote parameters. For a WebRTC transport it only
// starts DTLS: the transport is connected once "dtlsstatechange" reports it.
// On a data transport it does nothing.
func (t *Transport) Connect(ctx context.Context, params ConnectParams) error {
	const method = "transport.connect"
	if err := t.checkOpen(method); err != nil {
		return err
	}
	if t.transportKind == TransportKindData {
		return nil
	}

	var reply struct {
		DtlsLocalRole string `json:"dtlsLocalRole"`
	}
	if err := t.requestInto(ctx, method, map[string]any{"dtlsParameters": params.DtlsParameters}, &reply); err != nil {
		return err
	}
	if reply.DtlsLocalRole != "" {
		t.stateMu.Lock()
		t.dtlsParameters.Role = reply.DtlsLocalRole
		t.stateMu.Unlock()
	}
	return nil
}

// RestartIce asks the worker for new local ICE parameters.
func (t *Transport) RestartIce(ctx context.Context) (IceParameters, error) {
	const method = "transport.restartIce"
	if err := t.requireKind(method, TransportKindWebRtc); err != nil {
		return IceParameters{}, err
	}
	var reply struct {
		IceParameters IceParameters `json:"iceParameters"`
	}
	if err := t.requestInto(ctx, method, nil, &reply); err != nil {
		return IceParameters{}, err
	}
	t.stateMu.Lock()
	t.iceParameters = reply.IceParameters
	t.stateMu.Unlock()
	return reply.IceParameters, nil
}

// GetStats returns a stats snapshot. It has no side effects.
func (t *Transport) GetStats(ctx context.Context) ([]TransportStat, error) {
	var stats []TransportStat
	if err := t.requestInto(ctx, "transport.getStats", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// SetMaxIncomingBitrate caps the incoming bitrate, in bps.
func (t *Transport) SetMaxIncomingBitrate(ctx context.Context, bitrate uint32) error {
	const method = "transport.setMaxIncomingBitrate"
	if err := t.requireKind(method, TransportKindWebRtc); err != nil {
		return err
	}
	_, err := t.request(ctx, method, map[string]any{"bitrate": bitrate})
	return err
}

// EnableTraceEvent selects the "trace" event types the worker emits, for
// example "probation" or "bwe".
func (t *Transport) EnableTraceEvent(ctx context.Context, types []string) error {
	if types == nil {
		types = []string{}
	}
	_, err := t.request(ctx, "transport.enableTraceEvent", map[string]any{"types": types})
	return err
}

// Dump returns the worker's internal view of the transport.
func (t *Transport) Dump(ctx context.Context) (json.RawMessage, error) {
	return t.request(ctx, "transport.dump", nil)
}

// Produce creates a producer that injects media into the router.
func (t *Transport) Produce(ctx context.Context, opts ProducerOptions) (*Producer, error) {
	const method = "transport.produce"
	if err := t.requireKind(method, TransportKindWebRtc); err != nil {
		return nil, err
	}
	if opts.Kind != MediaKindAudio && opts.Kind != MediaKindVideo {
		return nil, &errspkg.InvalidParametersError{Method: method, Reason: fmt.Sprintf("invalid kind %q", opts.Kind)}
	}
	id := opts.ID
	if id == "" {
		id = ids.NewEntityID()
	}
	if !t.router.reserve(id) {
		return nil, &errspkg.InvalidParametersError{Method: method, Reason: fmt.Sprintf("a Producer with same id %q already exists", id)}
	}

	p := newProducer(t, id, opts)
	data := map[string]any{
		"kind":          opts.Kind,
		"rtpParameters": opts.RtpParameters,
		"paused":        opts.Paused,
	}
	p, err := createChild(ctx, t.entity, p, p.entity, method, data, p.applySnapshot)
	if err != nil {
		t.router.release(id)
		return nil, err
	}
	t.router.registerProducer(p)
	t.observer.Emit(EventNewProducer, p)
	return p, nil
}

// Consume creates a consumer of a producer in the same router.
func (t *Transport) Consume(ctx context.Context, opts ConsumerOptions) (*Consumer, error) {
	const method = "transport.consume"
	if err := t.requireKind(method, TransportKindWebRtc); err != nil {
		return nil, err
	}
	if opts.ProducerID == "" {
		return nil, &errspkg.InvalidParametersError{Method: method, Reason: "missing producerId"}
	}
	producer := t.router.producer(opts.ProducerID)
	if producer == nil {
		return nil, &errspkg.InvalidParametersError{Method: method, Reason: fmt.Sprintf("Producer with id %q not found", opts.ProducerID)}
	}

	c := newConsumer(t, ids.NewEntityID(), producer, opts)
	data := map[string]any{
		"kind":            producer.MediaKind(),
		"rtpParameters":   producer.RtpParameters(),
		"rtpCapabilities": opts.RtpCapabilities,
		"type":            producer.Type(),
		"paused":          opts.Paused,
		"preferredLayers": opts.PreferredLayers,
	}
	c, err := createChild(ctx, t.entity, c, c.entity, method, data, c.applySnapshot)
	if err != nil {
		return nil, err
	}
	t.observer.Emit(EventNewConsumer, c)
	return c, nil
}

// ProduceData creates a data producer that injects SCTP messages into the
// router.
func (t *Transport) ProduceData(ctx context.Context, opts DataProducerOptions) (*DataProducer, error) {
	const method = "transport.produceData"
	id := opts.ID
	if id == "" {
		id = ids.NewEntityID()
	}
	if !t.router.reserve(id) {
		return nil, &errspkg.InvalidParametersError{Method: method, Reason: fmt.Sprintf("a DataProducer with same id %q already exists", id)}
	}

	dp := newDataProducer(t, id, opts)
	data := map[string]any{
		"sctpStreamParameters": opts.SctpStreamParameters,
		"label":                opts.Label,
		"protocol":             opts.Protocol,
	}
	dp, err := createChild(ctx, t.entity, dp, dp.entity, method, data, dp.applySnapshot)
	if err != nil {
		t.router.release(id)
		return nil, err
	}
	t.router.registerDataProducer(dp)
	t.observer.Emit(EventNewDataProducer, dp)
	return dp, nil
}

// ConsumeData creates a data consumer of a data producer in the same router.
func (t *Transport) ConsumeData(ctx context.Context, opts DataConsumerOptions) (*DataConsumer, error) {
	const method = "transport.consumeData"
	if opts.DataProducerID == "" {
		return nil, &errspkg.InvalidParametersError{Method: method, Reason: "missing dataProducerId"}
	}
	producer := t.router.dataProducer(opts.DataProducerID)
	if producer == nil {
		return nil, &errspkg.InvalidParametersError{Method: method, Reason: fmt.Sprintf("DataProducer with id %q not found", opts.DataProducerID)}
	}

	dc := newDataConsumer(t, ids.NewEntityID(), producer, opts)
	data := map[string]any{
		"sctpStreamParameters": producer.SctpStreamParameters(),
		"label":                producer.Label(),
		"protocol":             producer.Protocol(),
	}
	dc, err := createChild(ctx, t.entity, dc, dc.entity, method, data, dc.applySnapshot)
	if err != nil {
		return nil, err
	}
	t.observer.Emit(EventNewDataConsumer, dc)
	return dc, nil
}

// Producers returns the live producers of the transport.
func (t *Transport) Producers() []*Producer { return childrenOf[*Producer](t.entity) }

// Consumers returns the live consumers of the transport.
func (t *Transport) Consumers() []*Consumer { return childrenOf[*Consumer](t.entity) }

// DataProducers returns the live data producers of the transport.
func (t *Transport) DataProducers() []*DataProducer { return childrenOf[*DataProducer](t.entity) }

// DataConsumers returns the live data consumers of the transport.
func (t *Transport) DataConsumers() []*DataConsumer { return childrenOf[*DataConsumer](t.entity) }

// removeChild detaches a closed child and drops it from the router lookups.
func (t *Transport) removeChild(id string) {
	t.entity.removeChild(id)
	t.router.forget(id)
}

// requireKind reports NotImplemented for operations the kind does not have.
// It does not consult the closed flag: a capability gap is static.
func (t *Transport) requireKind(method string, kind TransportKind) error {
	if t.transportKind != kind {
		return errspkg.NewNotImplementedError(method, string(t.transportKind)+" transport")
	}
	return nil
}

func (t *Transport) forceClosedState() {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.transportKind == TransportKindWebRtc {
		t.iceState = IceStateClosed
		t.iceSelectedTuple = nil
		t.dtlsState = DtlsStateClosed
	}
	if t.sctpState != "" {
		t.sctpState = SctpStateClosed
	}
}

func (t *Transport) handleNotification(n Notification) {
	switch v := n.(type) {
	case IceStateChange:
		if t.transportKind != TransportKindWebRtc {
			t.ignore(n)
			return
		}
		t.stateMu.Lock()
		t.iceState = v.IceState
		t.stateMu.Unlock()
		t.emit(EventIceStateChange, v.IceState)

	case IceSelectedTupleChange:
		if t.transportKind != TransportKindWebRtc {
			t.ignore(n)
			return
		}
		tuple := v.IceSelectedTuple
		t.stateMu.Lock()
		t.iceSelectedTuple = &tuple
		t.stateMu.Unlock()
		t.emit(EventIceSelectedTupleChange, tuple)

	case DtlsStateChange:
		if t.transportKind != TransportKindWebRtc {
			t.ignore(n)
			return
		}
		t.stateMu.Lock()
		t.dtlsState = v.DtlsState
		if v.DtlsState == DtlsStateConnected {
			t.dtlsRemoteCert = v.DtlsRemoteCert
		}
		t.stateMu.Unlock()
		t.emit(EventDtlsStateChange, v.DtlsState)

	case SctpStateChange:
		t.stateMu.Lock()
		t.sctpState = v.SctpState
		t.stateMu.Unlock()
		t.emit(EventSctpStateChange, v.SctpState)

	case Trace:
		t.emit(EventTrace, v.Data)

	default:
		t.ignore(n)
	}
}

// childrenOf returns the live children of e that have type C.
func childrenOf[C child](e *entity) []C {
	var out []C
	for _, c := range e.childList() {
		if typed, ok := c.(C); ok {
			out = append(out, typed)
		}
	}
	return out
}
