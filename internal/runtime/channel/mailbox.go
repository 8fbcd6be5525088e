package channel

import (
	"fmt"
	"sync"

	"github.com/drblury/mediaflow/internal/runtime/logging"
)

// Listener receives the notifications addressed to one entity. It runs on the
// entity's own mailbox goroutine, never on the channel read loop.
type Listener func(n Notification)

// mailbox is an unbounded FIFO drained by one goroutine, so a slow listener
// only delays its own target.
type mailbox struct {
	targetID string
	listener Listener
	logger   logging.ServiceLogger

	mu     sync.Mutex
	queue  []Notification
	closed bool
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func newMailbox(targetID string, listener Listener, logger logging.ServiceLogger) *mailbox {
	m := &mailbox{
		targetID: targetID,
		listener: listener,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// push queues n and reports false when the mailbox is already closed.
func (m *mailbox) push(n Notification) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, n)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops delivery; queued notifications are discarded.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	close(m.stop)
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
		}
		for {
			n, ok := m.pop()
			if !ok {
				break
			}
			m.deliver(n)
		}
	}
}

func (m *mailbox) pop() (Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.queue) == 0 {
		return Notification{}, false
	}
	n := m.queue[0]
	m.queue[0] = Notification{}
	m.queue = m.queue[1:]
	return n, true
}

func (m *mailbox) deliver(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Notification listener panicked", fmt.Errorf("%v", r), logging.LogFields{
				"target_id": m.targetID,
				"event":     n.Event,
			})
		}
	}()
	m.listener(n)
}
