package runtime

import (
	"fmt"

	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
)

// Worker notification event names.
const (
	EventIceStateChange         = "icestatechange"
	EventIceSelectedTupleChange = "iceselectedtuplechange"
	EventDtlsStateChange        = "dtlsstatechange"
	EventSctpStateChange        = "sctpstatechange"
	EventTrace                  = "trace"
	EventScore                  = "score"
	EventLayersChange           = "layerschange"
	EventVideoOrientationChange = "videoorientationchange"
	EventProducerClose          = "producerclose"
	EventProducerPause          = "producerpause"
	EventProducerResume         = "producerresume"
	EventDataProducerClose      = "dataproducerclose"
	EventBufferedAmountLow      = "bufferedamountlow"
	EventSctpSendBufferFull     = "sctpsendbufferfull"
	EventMessage                = "message"
	EventWorkerRunning          = "running"
)

// Notification is one decoded worker notification. The set of implementations
// is closed; anything this build does not know arrives as UnknownNotification.
type Notification interface {
	Event() string
}

type IceStateChange struct {
	IceState IceState `json:"iceState"`
}

type IceSelectedTupleChange struct {
	IceSelectedTuple TransportTuple `json:"iceSelectedTuple"`
}

type DtlsStateChange struct {
	DtlsState      DtlsState `json:"dtlsState"`
	DtlsRemoteCert string    `json:"dtlsRemoteCert,omitempty"`
}

type SctpStateChange struct {
	SctpState SctpState `json:"sctpState"`
}

type Trace struct {
	Data TraceEventData
}

// Score carries the raw score body; its shape depends on the receiving kind.
type Score struct {
	Raw jsoncodec.RawMessage
}

// ProducerScores decodes a producer score report.
func (s Score) ProducerScores() ([]ProducerScore, error) {
	var out []ProducerScore
	err := jsoncodec.UnmarshalRaw(s.Raw, &out)
	return out, err
}

// ConsumerScore decodes a consumer score report.
func (s Score) ConsumerScore() (ConsumerScore, error) {
	var out ConsumerScore
	err := jsoncodec.UnmarshalRaw(s.Raw, &out)
	return out, err
}

// LayersChange reports the layers a consumer currently forwards. Layers is nil
// when nothing is forwarded.
type LayersChange struct {
	Layers *ConsumerLayers
}

type VideoOrientationChange struct {
	Orientation ProducerVideoOrientation
}

type ProducerClose struct{}

type ProducerPause struct{}

type ProducerResume struct{}

type DataProducerClose struct{}

type BufferedAmountLow struct {
	BufferedAmount uint32 `json:"bufferedAmount"`
}

type SctpSendBufferFull struct{}

// Message is an SCTP message received by a data consumer.
type Message struct {
	PPID    uint32 `json:"ppid"`
	Payload []byte `json:"-"`
}

// WorkerRunning is sent once by a freshly spawned worker.
type WorkerRunning struct{}

// UnknownNotification is an event this build does not understand, or a known
// event whose body failed to decode (Err is set).
type UnknownNotification struct {
	Name string
	Data jsoncodec.RawMessage
	Err  error
}

func (IceStateChange) Event() string         { return EventIceStateChange }
func (IceSelectedTupleChange) Event() string { return EventIceSelectedTupleChange }
func (DtlsStateChange) Event() string        { return EventDtlsStateChange }
func (SctpStateChange) Event() string        { return EventSctpStateChange }
func (Trace) Event() string                  { return EventTrace }
func (Score) Event() string                  { return EventScore }
func (LayersChange) Event() string           { return EventLayersChange }
func (VideoOrientationChange) Event() string { return EventVideoOrientationChange }
func (ProducerClose) Event() string          { return EventProducerClose }
func (ProducerPause) Event() string          { return EventProducerPause }
func (ProducerResume) Event() string         { return EventProducerResume }
func (DataProducerClose) Event() string      { return EventDataProducerClose }
func (BufferedAmountLow) Event() string      { return EventBufferedAmountLow }
func (SctpSendBufferFull) Event() string     { return EventSctpSendBufferFull }
func (Message) Event() string                { return EventMessage }
func (WorkerRunning) Event() string          { return EventWorkerRunning }
func (n UnknownNotification) Event() string  { return n.Name }

// decodeNotification turns a worker event into its typed form. It is the only
// place that branches on event names. payload is the binary frame that came
// with the event, if any.
func decodeNotification(event string, data jsoncodec.RawMessage, payload []byte) Notification {
	var (
		n   Notification
		err error
	)
	switch event {
	case EventIceStateChange:
		var v IceStateChange
		err = jsoncodec.UnmarshalRaw(data, &v)
		n = v
	case EventIceSelectedTupleChange:
		var v IceSelectedTupleChange
		err = jsoncodec.UnmarshalRaw(data, &v)
		n = v
	case EventDtlsStateChange:
		var v DtlsStateChange
		err = jsoncodec.UnmarshalRaw(data, &v)
		n = v
	case EventSctpStateChange:
		var v SctpStateChange
		err = jsoncodec.UnmarshalRaw(data, &v)
		n = v
	case EventTrace:
		var v Trace
		err = jsoncodec.UnmarshalRaw(data, &v.Data)
		n = v
	case EventScore:
		n = Score{Raw: data}
	case EventLayersChange:
		var v LayersChange
		if !jsoncodec.IsEmpty(data) {
			v.Layers = &ConsumerLayers{}
			err = jsoncodec.Unmarshal(data, v.Layers)
		}
		n = v
	case EventVideoOrientationChange:
		var v VideoOrientationChange
		err = jsoncodec.UnmarshalRaw(data, &v.Orientation)
		n = v
	case EventProducerClose:
		n = ProducerClose{}
	case EventProducerPause:
		n = ProducerPause{}
	case EventProducerResume:
		n = ProducerResume{}
	case EventDataProducerClose:
		n = DataProducerClose{}
	case EventBufferedAmountLow:
		var v BufferedAmountLow
		err = jsoncodec.UnmarshalRaw(data, &v)
		n = v
	case EventSctpSendBufferFull:
		n = SctpSendBufferFull{}
	case EventMessage:
		v := Message{Payload: payload}
		err = jsoncodec.UnmarshalRaw(data, &v)
		n = v
	case EventWorkerRunning:
		n = WorkerRunning{}
	default:
		return UnknownNotification{Name: event, Data: data}
	}
	if err != nil {
		return UnknownNotification{Name: event, Data: data, Err: fmt.Errorf("decode %s: %w", event, err)}
	}
	return n
}
