package sinks_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/mediaflow/sink"
	_ "github.com/drblury/mediaflow/sink/sinks"
)

func TestAllSinksRegistered(t *testing.T) {
	assert.Equal(t,
		[]string{"aws", "aws-sqs", "channel", "http", "io", "kafka", "nats", "nats-jetstream", "rabbitmq"},
		sink.DefaultRegistry.Names())

	for _, name := range sink.DefaultRegistry.Names() {
		assert.Equal(t, name, sink.GetCapabilities(name).Name)
	}
}
