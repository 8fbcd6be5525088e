package runtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/mediaflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/mediaflow/internal/runtime/config"
	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
	"github.com/drblury/mediaflow/internal/runtime/ids"
	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
	"github.com/drblury/mediaflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/mediaflow/internal/runtime/metadata"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// ObserverEvent is one observer emission of an entity tree.
type ObserverEvent struct {
	WorkerID   string     `json:"workerId"`
	EntityKind EntityKind `json:"entityKind"`
	EntityID   string     `json:"entityId"`
	Event      string     `json:"event"`
	EmittedAt  time.Time  `json:"emittedAt"`
	Data       any        `json:"data,omitempty"`
}

// ExporterOptions configures an ObserverExporter.
type ExporterOptions struct {
	Topic    string
	Format   string
	WorkerID string
	// QueueSize bounds the events waiting to be published. Further events
	// are dropped and logged.
	QueueSize int
	Metrics   *ExporterMetrics
	Retry     PublishRetryConfig
}

// ObserverExporter publishes every observer emission of a worker's entity
// tree as a watermill message. Tap never blocks the emitting goroutine.
type ObserverExporter struct {
	publisher message.Publisher
	opts      ExporterOptions
	logger    logging.ServiceLogger
	metrics   *ExporterMetrics

	mu     sync.RWMutex
	closed bool
	queue  chan ObserverEvent
	done   chan struct{}
}

// NewObserverExporter starts an exporter publishing through publisher.
func NewObserverExporter(publisher message.Publisher, opts ExporterOptions, logger logging.ServiceLogger) (*ObserverExporter, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if opts.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	switch opts.Format {
	case "":
		opts.Format = configpkg.FormatJSON
	case configpkg.FormatJSON, configpkg.FormatProtoJSON, configpkg.FormatCloudEvents:
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownFormat, opts.Format)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = configpkg.DefaultObserverQueueSize
	}
	opts.Retry = opts.Retry.withDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	x := &ObserverExporter{
		publisher: publisher,
		opts:      opts,
		logger:    logger.With(logging.LogFields{"component": "observer_exporter", "topic": opts.Topic}),
		metrics:   opts.Metrics,
		queue:     make(chan ObserverEvent, opts.QueueSize),
		done:      make(chan struct{}),
	}
	go x.run()
	return x, nil
}

// Tap queues one observer emission. Entity payloads are replaced by their
// snapshot and errors by their message.
func (x *ObserverExporter) Tap(kind EntityKind, id, event string, payload any) {
	ev := ObserverEvent{
		WorkerID:   x.opts.WorkerID,
		EntityKind: kind,
		EntityID:   id,
		Event:      event,
		EmittedAt:  time.Now().UTC(),
		Data:       exportable(payload),
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return
	}
	select {
	case x.queue <- ev:
		x.metrics.setQueueDepth(len(x.queue))
	default:
		x.metrics.record(kind, event, exportDropped, 0)
		x.logger.Error("Observer export queue full, dropping event", nil, logging.LogFields{
			"entity_kind": string(kind),
			"entity_id":   id,
			"event":       event,
		})
	}
}

func exportable(payload any) any {
	switch v := payload.(type) {
	case nil:
		return nil
	case child:
		return v.Snapshot()
	case error:
		return map[string]string{"error": v.Error()}
	default:
		return v
	}
}

func (x *ObserverExporter) run() {
	defer close(x.done)
	for ev := range x.queue {
		x.metrics.setQueueDepth(len(x.queue))
		start := time.Now()
		if err := x.publish(ev); err != nil {
			x.metrics.record(ev.EntityKind, ev.Event, exportFailed, 0)
			x.logger.Error("Failed to publish observer event", err, logging.LogFields{
				"entity_kind": string(ev.EntityKind),
				"entity_id":   ev.EntityID,
				"event":       ev.Event,
			})
			continue
		}
		x.metrics.record(ev.EntityKind, ev.Event, exportPublished, time.Since(start))
	}
}

func (x *ObserverExporter) publish(ev ObserverEvent) error {
	msg, err := x.newMessage(ev)
	if err != nil {
		return err
	}
	return publishWithRetry(x.publisher, x.opts.Topic, msg, x.opts.Retry)
}

// newMessage encodes ev in the configured format.
func (x *ObserverExporter) newMessage(ev ObserverEvent) (*message.Message, error) {
	var (
		payload     []byte
		contentType = "application/json"
		err         error
	)
	switch x.opts.Format {
	case configpkg.FormatProtoJSON:
		payload, err = encodeProtoJSON(ev)
	case configpkg.FormatCloudEvents:
		contentType = "application/cloudevents+json"
		payload, err = jsoncodec.Marshal(toCloudEvent(ev))
	default:
		payload, err = jsoncodec.Marshal(ev)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal observer event: %w", err)
	}

	md := metadatapkg.New(
		metadatapkg.KeyEntityKind, string(ev.EntityKind),
		metadatapkg.KeyEntityID, ev.EntityID,
		metadatapkg.KeyEvent, ev.Event,
		metadatapkg.KeyFormat, x.opts.Format,
		metadatapkg.KeyContentType, contentType,
		metadatapkg.KeyEmittedAt, ev.EmittedAt.Format(time.RFC3339Nano),
	).With(metadatapkg.KeyWorkerID, ev.WorkerID)

	msg := message.NewMessage(ids.NewULID(), payload)
	md.Stamp(msg)
	// Events of one entity share a correlation id.
	middleware.SetCorrelationID(ev.EntityID, msg)
	return msg, nil
}

// encodeProtoJSON renders ev as a google.protobuf.Struct. The event goes
// through JSON first so typed payloads become plain maps.
func encodeProtoJSON(ev ObserverEvent) ([]byte, error) {
	raw, err := jsoncodec.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := jsoncodec.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return protoJSONMarshalOptions.Marshal(st)
}

func toCloudEvent(ev ObserverEvent) cloudevents.Event {
	source := "mediaflow"
	if ev.WorkerID != "" {
		source = "mediaflow/worker/" + ev.WorkerID
	}
	ce := cloudevents.New(fmt.Sprintf("mediaflow.%s.%s", ev.EntityKind, ev.Event), source, ev.Data)
	ce.Time = ev.EmittedAt
	return ce.WithSubject(ev.EntityID).WithExtension("entitykind", string(ev.EntityKind))
}

// Metrics returns the exporter's metrics, nil when none were configured.
func (x *ObserverExporter) Metrics() *ExporterMetrics { return x.metrics }

// Close stops accepting events, publishes what is queued and closes the
// publisher. Later calls return ErrExporterClosed.
func (x *ObserverExporter) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return errspkg.ErrExporterClosed
	}
	x.closed = true
	close(x.queue)
	x.mu.Unlock()

	<-x.done
	if err := x.publisher.Close(); err != nil {
		return fmt.Errorf("failed to close observer publisher: %w", err)
	}
	return nil
}
