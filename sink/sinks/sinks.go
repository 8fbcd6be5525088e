// Package sinks imports all built-in sinks for registration with the default
// registry.
package sinks

import (
	_ "github.com/drblury/mediaflow/sink/aws"
	_ "github.com/drblury/mediaflow/sink/channel"
	_ "github.com/drblury/mediaflow/sink/http"
	_ "github.com/drblury/mediaflow/sink/io"
	_ "github.com/drblury/mediaflow/sink/jetstream"
	_ "github.com/drblury/mediaflow/sink/kafka"
	_ "github.com/drblury/mediaflow/sink/nats"
	_ "github.com/drblury/mediaflow/sink/rabbitmq"
)
