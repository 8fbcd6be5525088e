package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const exportTracerName = "mediaflow-observer"

// PublishRetryConfig customises how often a failed observer publish is
// retried before the event is counted as failed.
type PublishRetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg PublishRetryConfig) withDefaults() PublishRetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return cfg
}

// publishWithRetry publishes msg, doubling the wait between attempts up to
// MaxInterval.
func publishWithRetry(pub message.Publisher, topic string, msg *message.Message, cfg PublishRetryConfig) error {
	interval := cfg.InitialInterval
	var err error
	for attempt := 0; ; attempt++ {
		if err = pub.Publish(topic, msg); err == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries || (cfg.RetryIf != nil && !cfg.RetryIf(err)) {
			return err
		}
		time.Sleep(interval)
		interval *= 2
		if interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}
}

// MetricsPublisherDecorator records watermill's publish metrics for the
// observer sink on registerer.
func MetricsPublisherDecorator(registerer prometheus.Registerer) message.PublisherDecorator {
	return func(pub message.Publisher) (message.Publisher, error) {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		return metrics.NewPrometheusMetricsBuilder(registerer, "mediaflow", "observer_sink").DecoratePublisher(pub)
	}
}

// TracingPublisherDecorator wraps every publish in an OpenTelemetry span.
func TracingPublisherDecorator(provider trace.TracerProvider) message.PublisherDecorator {
	return func(pub message.Publisher) (message.Publisher, error) {
		var tracer trace.Tracer
		if provider != nil {
			tracer = provider.Tracer(exportTracerName)
		} else {
			tracer = otel.Tracer(exportTracerName)
		}
		return &tracingPublisher{Publisher: pub, tracer: tracer}, nil
	}
}

type tracingPublisher struct {
	message.Publisher
	tracer trace.Tracer
}

func (p *tracingPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		ctx, span := p.tracer.Start(msg.Context(), "ObserverExporter.Publish", trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("message.uuid", msg.UUID),
			attribute.String("message.correlation_id", middleware.MessageCorrelationID(msg)),
		))
		msg.SetContext(ctx)
		err := p.Publisher.Publish(topic, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			return err
		}
	}
	return nil
}

// decoratePublisher applies decorators in order; the last one is outermost.
func decoratePublisher(pub message.Publisher, decorators ...message.PublisherDecorator) (message.Publisher, error) {
	if pub == nil {
		return nil, errors.New("publisher is nil")
	}
	for _, decorate := range decorators {
		if decorate == nil {
			continue
		}
		decorated, err := decorate(pub)
		if err != nil {
			return nil, err
		}
		pub = decorated
	}
	return pub, nil
}
