package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/mediaflow/internal/runtime/channel/channeltest"
	configpkg "github.com/drblury/mediaflow/internal/runtime/config"
	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
	"github.com/drblury/mediaflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/mediaflow/internal/runtime/metadata"
	"github.com/drblury/mediaflow/sink"
	"github.com/drblury/mediaflow/sink/sinktest"
)

func TestNewObserverExporterValidation(t *testing.T) {
	_, err := NewObserverExporter(nil, ExporterOptions{Topic: "t"}, nil)
	require.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	_, err = NewObserverExporter(&sinktest.Publisher{}, ExporterOptions{}, nil)
	require.ErrorIs(t, err, errspkg.ErrTopicRequired)

	_, err = NewObserverExporter(&sinktest.Publisher{}, ExporterOptions{Topic: "t", Format: "xml"}, nil)
	require.ErrorIs(t, err, errspkg.ErrUnknownFormat)
}

func TestObserverExporterFormats(t *testing.T) {
	tests := []struct {
		format      string
		contentType string
		check       func(t *testing.T, payload []byte)
	}{
		{
			format:      configpkg.FormatJSON,
			contentType: "application/json",
			check: func(t *testing.T, payload []byte) {
				var ev ObserverEvent
				require.NoError(t, jsoncodec.Unmarshal(payload, &ev))
				assert.Equal(t, "w1", ev.WorkerID)
				assert.Equal(t, KindTransport, ev.EntityKind)
				assert.Equal(t, "t1", ev.EntityID)
				assert.Equal(t, EventDtlsStateChange, ev.Event)
				assert.Equal(t, "connected", ev.Data)
			},
		},
		{
			format:      configpkg.FormatProtoJSON,
			contentType: "application/json",
			check: func(t *testing.T, payload []byte) {
				var fields map[string]any
				require.NoError(t, jsoncodec.Unmarshal(payload, &fields))
				assert.Equal(t, "t1", fields["entityId"])
				assert.Equal(t, "connected", fields["data"])
			},
		},
		{
			format:      configpkg.FormatCloudEvents,
			contentType: "application/cloudevents+json",
			check: func(t *testing.T, payload []byte) {
				var fields map[string]any
				require.NoError(t, jsoncodec.Unmarshal(payload, &fields))
				assert.Equal(t, "mediaflow.transport.dtlsstatechange", fields["type"])
				assert.Equal(t, "mediaflow/worker/w1", fields["source"])
				assert.Equal(t, "t1", fields["subject"])
				assert.Equal(t, "transport", fields["entitykind"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			pub := &sinktest.Publisher{}
			x, err := NewObserverExporter(pub, ExporterOptions{Topic: "observer", Format: tt.format, WorkerID: "w1"}, logging.NewNopLogger())
			require.NoError(t, err)

			x.Tap(KindTransport, "t1", EventDtlsStateChange, DtlsStateConnected)
			require.NoError(t, x.Close())

			msgs := pub.Messages()
			require.Len(t, msgs, 1)
			msg := msgs[0]
			assert.Equal(t, "observer", pub.Published()[0].Topic)
			assert.Equal(t, tt.format, msg.Metadata.Get(metadatapkg.KeyFormat))
			assert.Equal(t, tt.contentType, msg.Metadata.Get(metadatapkg.KeyContentType))
			assert.Equal(t, "transport", msg.Metadata.Get(metadatapkg.KeyEntityKind))
			assert.Equal(t, "w1", msg.Metadata.Get(metadatapkg.KeyWorkerID))
			assert.Equal(t, "t1", middleware.MessageCorrelationID(msg))
			tt.check(t, msg.Payload)
			assert.True(t, pub.Closed())
		})
	}
}

func TestObserverExporterPayloadConversion(t *testing.T) {
	pub := &sinktest.Publisher{}
	x, err := NewObserverExporter(pub, ExporterOptions{Topic: "observer"}, nil)
	require.NoError(t, err)

	x.Tap(KindWorker, "w1", EventDied, errors.New("pipe closed"))
	x.Tap(KindRouter, "r1", EventNewTransport, snapshotStub{id: "t9"})
	require.NoError(t, x.Close())

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"error":"pipe closed"}`, string(extractData(t, msgs[0].Payload)))
	assert.Contains(t, string(extractData(t, msgs[1].Payload)), `"id":"t9"`)
}

// snapshotStub is a minimal child used to check snapshot export.
type snapshotStub struct{ id string }

func (s snapshotStub) ID() string       { return s.id }
func (s snapshotStub) Kind() EntityKind { return KindTransport }
func (s snapshotStub) Snapshot() EntitySnapshot {
	return EntitySnapshot{ID: s.id, Kind: KindTransport}
}
func (s snapshotStub) handleParentClosed() {}

func extractData(t *testing.T, payload []byte) []byte {
	t.Helper()
	var ev struct {
		Data jsoncodec.RawMessage `json:"data"`
	}
	require.NoError(t, jsoncodec.Unmarshal(payload, &ev))
	return ev.Data
}

// blockingPublisher holds every publish until release is closed.
type blockingPublisher struct {
	sinktest.Publisher
	release chan struct{}
	once    sync.Once
}

func (p *blockingPublisher) Publish(topic string, msgs ...*message.Message) error {
	<-p.release
	return p.Publisher.Publish(topic, msgs...)
}

func (p *blockingPublisher) unblock() { p.once.Do(func() { close(p.release) }) }

func TestObserverExporterDropsWhenQueueFull(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	t.Cleanup(pub.unblock)
	rec := logging.NewRecorder()
	metrics := NewExporterMetrics(prometheus.NewRegistry())
	require.NoError(t, metrics.Register())

	x, err := NewObserverExporter(pub, ExporterOptions{Topic: "observer", QueueSize: 1, Metrics: metrics}, rec)
	require.NoError(t, err)

	// One event is held by the publisher, one waits in the queue and the
	// rest must be dropped without blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			x.Tap(KindProducer, "p1", EventScore, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Tap blocked on a full queue")
	}

	pub.unblock()
	require.NoError(t, x.Close())

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(10), snap.TotalPublished+snap.TotalDropped)
	assert.GreaterOrEqual(t, snap.TotalDropped, uint64(8))
	assert.Equal(t, int(snap.TotalDropped), rec.Count("error", "Observer export queue full, dropping event"))
}

func TestObserverExporterCountsFailures(t *testing.T) {
	pub := &sinktest.Publisher{PublishErr: errors.New("broker down")}
	metrics := NewExporterMetrics(prometheus.NewRegistry())
	x, err := NewObserverExporter(pub, ExporterOptions{
		Topic:   "observer",
		Metrics: metrics,
		Retry:   PublishRetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond},
	}, nil)
	require.NoError(t, err)

	x.Tap(KindRouter, "r1", EventClose, nil)
	require.NoError(t, x.Close())

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalFailed)
	assert.Equal(t, uint64(1), snap.Kinds[KindRouter].Failed)
}

func TestObserverExporterCloseTwice(t *testing.T) {
	x, err := NewObserverExporter(&sinktest.Publisher{}, ExporterOptions{Topic: "observer"}, nil)
	require.NoError(t, err)

	require.NoError(t, x.Close())
	require.ErrorIs(t, x.Close(), errspkg.ErrExporterClosed)

	// Taps after close are dropped silently.
	x.Tap(KindRouter, "r1", EventClose, nil)
}

func TestWorkerExportsEntityTree(t *testing.T) {
	pub := &sinktest.Publisher{}
	w, fake, _ := newTestWorker(t, &configpkg.Config{ObserverTopic: "tree"}, WorkerDependencies{Publisher: pub})
	fake.Handle("worker.createRouter", func(channeltest.Request) (any, error) { return map[string]any{}, nil })

	r, err := w.CreateRouter(context.Background(), RouterOptions{})
	require.NoError(t, err)
	r.Close()
	w.Close()
	<-w.Done()

	var events []string
	for _, msg := range pub.Messages() {
		events = append(events, msg.Metadata.Get(metadatapkg.KeyEntityKind)+":"+msg.Metadata.Get(metadatapkg.KeyEvent))
		assert.Equal(t, w.ID(), msg.Metadata.Get(metadatapkg.KeyWorkerID))
	}
	assert.Equal(t, []string{"worker:newrouter", "router:close", "worker:close"}, events)
	assert.Equal(t, "tree", pub.Published()[0].Topic)
	assert.True(t, pub.Closed())
}

func TestWorkerBuildsObserverSinkFromRegistry(t *testing.T) {
	pub := &sinktest.Publisher{}
	registry := sink.NewRegistry()
	registry.Register("memory", func(ctx context.Context, cfg sink.Config, _ watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}, sink.Capabilities{})

	w, _, _ := newTestWorker(t, &configpkg.Config{ObserverSink: "memory"}, WorkerDependencies{Sinks: registry})
	require.NotNil(t, w.Exporter())
	w.Close()
	<-w.Done()

	require.NotEmpty(t, pub.Messages())
	assert.Equal(t, configpkg.DefaultObserverTopic, pub.Published()[0].Topic)
}

func TestWorkerUnknownObserverSink(t *testing.T) {
	host, fake := channeltest.NewPipe()
	defer fake.Close()
	_, err := NewWorkerWithConn(&configpkg.Config{ObserverSink: "carrier-pigeon"}, host, logging.NewNopLogger(), WorkerDependencies{Sinks: sink.NewRegistry()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to build observer sink")
}
