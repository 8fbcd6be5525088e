// Package channel provides an in-memory gochannel sink, useful for tests and
// for consuming observer events in the same process.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/mediaflow/sink"
)

// SinkName is the name used to register this sink.
const SinkName = "channel"

// Factory allows overriding the pubsub creation, for example to keep a
// handle on the subscriber side.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) message.Publisher {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	sink.Register(SinkName, Build, sink.ChannelCapabilities)
}

// Build creates a gochannel publisher. Messages published with no subscriber
// are dropped.
func Build(ctx context.Context, cfg sink.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return Factory(gochannel.Config{OutputChannelBuffer: 256}, logger), nil
}
