// Package io provides a sink that appends messages to a file as JSON lines.
package io

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
	"github.com/drblury/mediaflow/sink"
)

// SinkName is the name used to register this sink.
const SinkName = "io"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "observer.log"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("io sink closed")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(filePath, logger)
}

func init() {
	sink.Register(SinkName, Build, sink.IOCapabilities)
}

// Build creates a file publisher.
func Build(ctx context.Context, cfg sink.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}
	return PublisherFactory(filePath, logger)
}

// StoredMessage is one line of the file.
type StoredMessage struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends messages to a file. The file stays open until Close.
type Publisher struct {
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewPublisher opens filePath for appending, creating it if needed.
func NewPublisher(filePath string, logger watermill.LoggerAdapter) (*Publisher, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{file: f, logger: logger}, nil
}

// Publish writes one line per message.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	for _, msg := range messages {
		b, err := jsoncodec.Marshal(StoredMessage{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return err
		}
		if _, err := p.file.Write(append(b, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the file. It is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.file.Sync(); err != nil {
		p.logger.Debug("Syncing observer file failed", watermill.LogFields{"error": err.Error()})
	}
	return p.file.Close()
}
