package sink

// Capabilities describes the delivery properties of a sink.
type Capabilities struct {
	Name string

	// SupportsOrdering indicates events published in order are delivered in
	// order to a single consumer.
	SupportsOrdering bool

	// Durable indicates published events survive a broker restart.
	Durable bool

	// SupportsTracing indicates the sink propagates metadata as headers.
	SupportsTracing bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// Fits reports whether a payload of size bytes can be published.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in sinks.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
		Durable:          true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		Durable:          true,
		SupportsTracing:  true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		Durable:          true,
		SupportsTracing:  true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsOrdering: true,
		Durable:          true,
		SupportsTracing:  true,
		MaxMessageSize:   1048576,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	AWSCapabilities = Capabilities{
		Name:            "aws",
		Durable:         true,
		SupportsTracing: true,
		MaxMessageSize:  262144, // 256KB
	}

	SQSCapabilities = Capabilities{
		Name:            "aws-sqs",
		Durable:         true,
		SupportsTracing: true,
		MaxMessageSize:  262144,
	}
)
