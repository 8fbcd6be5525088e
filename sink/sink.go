// Package sink builds the watermill publishers observer events are exported
// through. Each sink (kafka, rabbitmq, aws, etc.) lives in its own sub-package
// and registers itself with the sink registry.
package sink

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Builder creates a publisher from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error)

// Config provides the configuration values needed by sinks, so a sink only
// sees the keys it reads.
type Config interface {
	// GetObserverSink returns the sink name.
	GetObserverSink() string

	// Kafka
	GetKafkaBrokers() []string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetJetStreamStream() string

	// HTTP
	GetHTTPPublisherURL() string

	// IO
	GetIOFile() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
