package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/drblury/mediaflow/sink/sinktest"
)

// flakyPublisher fails the first failures publishes.
type flakyPublisher struct {
	sinktest.Publisher
	failures int
	attempts int
}

func (p *flakyPublisher) Publish(topic string, msgs ...*message.Message) error {
	p.attempts++
	if p.attempts <= p.failures {
		return errors.New("temporarily unavailable")
	}
	return p.Publisher.Publish(topic, msgs...)
}

func TestPublishWithRetry(t *testing.T) {
	cfg := PublishRetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

	pub := &flakyPublisher{failures: 2}
	require.NoError(t, publishWithRetry(pub, "t", message.NewMessage("1", nil), cfg))
	assert.Equal(t, 3, pub.attempts)
	assert.Len(t, pub.Messages(), 1)

	pub = &flakyPublisher{failures: 10}
	require.Error(t, publishWithRetry(pub, "t", message.NewMessage("2", nil), cfg))
	assert.Equal(t, 4, pub.attempts)

	cfg.RetryIf = func(error) bool { return false }
	pub = &flakyPublisher{failures: 10}
	require.Error(t, publishWithRetry(pub, "t", message.NewMessage("3", nil), cfg))
	assert.Equal(t, 1, pub.attempts)
}

func TestPublishRetryConfigDefaults(t *testing.T) {
	cfg := PublishRetryConfig{MaxRetries: -1}.withDefaults()
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, 5*time.Second, cfg.MaxInterval)
}

func TestTracingPublisherDecorator(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	inner := &sinktest.Publisher{}
	pub, err := decoratePublisher(inner, TracingPublisherDecorator(provider))
	require.NoError(t, err)

	msg := message.NewMessage("m1", []byte("{}"))
	middleware.SetCorrelationID("entity-1", msg)
	require.NoError(t, pub.Publish("observer", msg))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "ObserverExporter.Publish", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("messaging.destination", "observer"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("message.correlation_id", "entity-1"))

	inner.PublishErr = errors.New("down")
	require.Error(t, pub.Publish("observer", message.NewMessage("m2", nil)))
	spans = recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestMetricsPublisherDecorator(t *testing.T) {
	registry := prometheus.NewRegistry()
	inner := &sinktest.Publisher{}
	pub, err := decoratePublisher(inner, MetricsPublisherDecorator(registry))
	require.NoError(t, err)

	require.NoError(t, pub.Publish("observer", message.NewMessage("m1", nil)))
	assert.Len(t, inner.Messages(), 1)

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDecoratePublisherRequiresPublisher(t *testing.T) {
	_, err := decoratePublisher(nil, TracingPublisherDecorator(nil))
	require.Error(t, err)

	inner := &sinktest.Publisher{}
	pub, err := decoratePublisher(inner, nil)
	require.NoError(t, err)
	assert.Same(t, inner, pub)
}
