// Package jetstream provides a NATS JetStream sink. Events are stored in a
// stream so consumers can replay them.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/mediaflow/sink"
)

// SinkName is the name used to register this sink.
const SinkName = "nats-jetstream"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "MEDIAFLOW"
	// DefaultMaxAge bounds how long events are retained.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("jetstream sink closed")

// Connect allows overriding the connection for testing.
var Connect = func(url string) (JetStream, func(), error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return js, nc.Close, nil
}

// JetStream is the part of nats.JetStreamContext the sink uses.
type JetStream interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

func init() {
	sink.Register(SinkName, Build, sink.NATSJetStreamCapabilities)
}

// Build connects to NATS and makes sure the stream exists.
func Build(ctx context.Context, cfg sink.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return New(Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetJetStreamStream(),
	}, logger)
}

// Config holds JetStream-specific configuration.
type Config struct {
	URL string
	// StreamName defaults to DefaultStreamName.
	StreamName string
	// MaxAge defaults to DefaultMaxAge.
	MaxAge   time.Duration
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Publisher publishes watermill messages into a JetStream stream.
type Publisher struct {
	js     JetStream
	close  func()
	config Config
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config, logger watermill.LoggerAdapter) (*Publisher, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	js, closeConn, err := Connect(cfg.URL)
	if err != nil {
		return nil, err
	}

	p := &Publisher{js: js, close: closeConn, config: cfg, logger: logger}
	if err := p.ensureStream(); err != nil {
		closeConn()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      p.config.StreamName,
		Subjects:  []string{p.config.StreamName + ".>"},
		MaxAge:    p.config.MaxAge,
		Replicas:  p.config.Replicas,
		Retention: nats.LimitsPolicy,
	}

	if _, err := p.js.AddStream(streamCfg); err != nil {
		if _, err := p.js.UpdateStream(streamCfg); err != nil {
			return err
		}
		p.logger.Info("JetStream stream exists", watermill.LogFields{"stream": p.config.StreamName})
	}
	return nil
}

// Publish stores messages under <stream>.<topic>. Metadata becomes headers
// and the message UUID is used for de-duplication.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	subject := p.subject(topic)
	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(nats.MsgIdHdr, msg.UUID)

		if _, err := p.js.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: headers}); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

func (p *Publisher) subject(topic string) string {
	return p.config.StreamName + "." + topic
}

// Close closes the NATS connection. It is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.close != nil {
		p.close()
	}
	return nil
}
