package runtime

import (
	"context"
	"encoding/json"

	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
)

// DataConsumer delivers a data producer's messages to the endpoint of its
// transport.
type DataConsumer struct {
	*entity

	dataProducerID       string
	sctpStreamParameters SctpStreamParameters
	label                string
	protocol             string
}

func newDataConsumer(t *Transport, id string, producer *DataProducer, opts DataConsumerOptions) *DataConsumer {
	dc := &DataConsumer{
		dataProducerID:       producer.ID(),
		sctpStreamParameters: producer.SctpStreamParameters(),
		label:                producer.Label(),
		protocol:             producer.Protocol(),
	}
	internal := t.childInternal("dataConsumerId", id)
	internal["dataProducerId"] = producer.ID()
	dc.entity = newEntity(entityParams{
		id:                id,
		kind:              KindDataConsumer,
		internal:          internal,
		channel:           t.channel,
		logger:            t.logger,
		appData:           opts.AppData,
		parent:            t,
		closeMethod:       "dataConsumer.close",
		parentClosedEvent: EventTransportClose,
		tap:               t.tap,
	})
	dc.subscribe(dc.handleNotification)
	return dc
}

func (dc *DataConsumer) applySnapshot(raw json.RawMessage) error {
	var reply struct {
		SctpStreamParameters *SctpStreamParameters `json:"sctpStreamParameters"`
	}
	if err := jsoncodec.UnmarshalRaw(raw, &reply); err != nil {
		return err
	}
	if reply.SctpStreamParameters != nil {
		dc.sctpStreamParameters = *reply.SctpStreamParameters
	}
	return nil
}

func (dc *DataConsumer) DataProducerID() string { return dc.dataProducerID }

func (dc *DataConsumer) SctpStreamParameters() SctpStreamParameters {
	return dc.sctpStreamParameters
}

func (dc *DataConsumer) Label() string { return dc.label }

func (dc *DataConsumer) Protocol() string { return dc.protocol }

func (dc *DataConsumer) Close() { dc.close() }

func (dc *DataConsumer) GetStats(ctx context.Context) (StatsReport, error) {
	var stats StatsReport
	err := dc.requestInto(ctx, "dataConsumer.getStats", nil, &stats)
	return stats, err
}

func (dc *DataConsumer) Dump(ctx context.Context) (json.RawMessage, error) {
	return dc.request(ctx, "dataConsumer.dump", nil)
}

// SetBufferedAmountLowThreshold sets the level below which the worker emits
// "bufferedamountlow".
func (dc *DataConsumer) SetBufferedAmountLowThreshold(ctx context.Context, threshold uint32) error {
	_, err := dc.request(ctx, "dataConsumer.setBufferedAmountLowThreshold", map[string]any{"threshold": threshold})
	return err
}

func (dc *DataConsumer) handleNotification(n Notification) {
	switch v := n.(type) {
	case DataProducerClose:
		dc.teardown(EventDataProducerClose, nil)
	case BufferedAmountLow:
		dc.emit(EventBufferedAmountLow, v.BufferedAmount)
	case SctpSendBufferFull:
		dc.emit(EventSctpSendBufferFull, nil)
	case Message:
		dc.emit(EventMessage, v)
	default:
		dc.ignore(n)
	}
}
