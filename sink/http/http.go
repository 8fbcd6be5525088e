// Package http provides a sink that POSTs every message to an HTTP endpoint.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/mediaflow/sink"
)

// SinkName is the name used to register this sink.
const SinkName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

func init() {
	sink.Register(SinkName, Build, sink.HTTPCapabilities)
}

// Build creates a publisher posting to <HTTPPublisherURL>/<topic>.
func Build(ctx context.Context, cfg sink.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	base := cfg.GetHTTPPublisherURL()
	if base == "" {
		return nil, errors.New("http sink requires a publisher URL")
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	return PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(base+topic, msg)
			},
		},
		logger,
	)
}
