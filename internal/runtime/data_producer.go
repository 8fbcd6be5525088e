package runtime

import (
	"context"
	"encoding/json"

	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
)

// SCTP payload protocol identifiers for WebRTC data channels.
const (
	PPIDString      uint32 = 51
	PPIDBinary      uint32 = 53
	PPIDStringEmpty uint32 = 56
	PPIDBinaryEmpty uint32 = 57
)

// DataProducer injects SCTP messages into a router.
type DataProducer struct {
	*entity

	sctpStreamParameters SctpStreamParameters
	label                string
	protocol             string
}

func newDataProducer(t *Transport, id string, opts DataProducerOptions) *DataProducer {
	dp := &DataProducer{
		sctpStreamParameters: opts.SctpStreamParameters,
		label:                opts.Label,
		protocol:             opts.Protocol,
	}
	dp.entity = newEntity(entityParams{
		id:                id,
		kind:              KindDataProducer,
		internal:          t.childInternal("dataProducerId", id),
		channel:           t.channel,
		logger:            t.logger,
		appData:           opts.AppData,
		parent:            t,
		closeMethod:       "dataProducer.close",
		parentClosedEvent: EventTransportClose,
		tap:               t.tap,
	})
	dp.subscribe(func(n Notification) { dp.ignore(n) })
	return dp
}

// applySnapshot keeps the stream parameters the worker settled on.
func (dp *DataProducer) applySnapshot(raw json.RawMessage) error {
	var reply struct {
		SctpStreamParameters *SctpStreamParameters `json:"sctpStreamParameters"`
		Label                *string               `json:"label"`
		Protocol             *string               `json:"protocol"`
	}
	if err := jsoncodec.UnmarshalRaw(raw, &reply); err != nil {
		return err
	}
	if reply.SctpStreamParameters != nil {
		dp.sctpStreamParameters = *reply.SctpStreamParameters
	}
	if reply.Label != nil {
		dp.label = *reply.Label
	}
	if reply.Protocol != nil {
		dp.protocol = *reply.Protocol
	}
	return nil
}

func (dp *DataProducer) SctpStreamParameters() SctpStreamParameters {
	return dp.sctpStreamParameters
}

func (dp *DataProducer) Label() string { return dp.label }

func (dp *DataProducer) Protocol() string { return dp.protocol }

// Close closes the data producer. Its data consumers learn about it through
// "dataproducerclose".
func (dp *DataProducer) Close() { dp.close() }

// Send injects one message as if the endpoint had sent it. ppid is PPIDString
// or PPIDBinary; an empty payload goes out as one byte under the matching
// empty ppid.
func (dp *DataProducer) Send(ppid uint32, payload []byte) error {
	const method = "dataProducer.send"
	if err := dp.checkOpen(method); err != nil {
		return err
	}
	if len(payload) == 0 {
		switch ppid {
		case PPIDString:
			ppid, payload = PPIDStringEmpty, []byte{' '}
		case PPIDBinary:
			ppid, payload = PPIDBinaryEmpty, []byte{0}
		}
	}
	if len(payload) == 0 {
		return &errspkg.InvalidParametersError{Method: method, Reason: "empty payload"}
	}
	return dp.channel.Notify(method, dp.internal, map[string]uint32{"ppid": ppid}, payload)
}

func (dp *DataProducer) GetStats(ctx context.Context) (StatsReport, error) {
	var stats StatsReport
	err := dp.requestInto(ctx, "dataProducer.getStats", nil, &stats)
	return stats, err
}

func (dp *DataProducer) Dump(ctx context.Context) (json.RawMessage, error) {
	return dp.request(ctx, "dataProducer.dump", nil)
}
