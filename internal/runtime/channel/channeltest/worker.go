// Package channeltest provides an in-process fake worker that speaks the
// netstring JSON channel protocol over net.Pipe.
package channeltest

import (
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
	"github.com/drblury/mediaflow/internal/runtime/netstring"
)

// Request is one request as received by the fake worker.
type Request struct {
	ID       uint32          `json:"id"`
	Method   string          `json:"method"`
	Internal json.RawMessage `json:"internal,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Notification is one host notification received by the fake worker. Payload
// holds the binary frame that followed it, if any.
type Notification struct {
	Event    string          `json:"event"`
	Internal json.RawMessage `json:"internal,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Payload  []byte          `json:"-"`
}

// Rejection makes a handler reply with an error.
type Rejection struct {
	Name   string
	Reason string
}

func (r *Rejection) Error() string { return r.Name + ": " + r.Reason }

// ErrHold makes a handler leave the request unanswered; the test replies later
// with Reply or Reject, or never.
var ErrHold = errors.New("channeltest: hold reply")

// Handler answers a request. Returning a *Rejection rejects it, ErrHold leaves
// it pending and any other error rejects it with a generic "Error".
type Handler func(req Request) (any, error)

// Worker is the fake worker end of a pipe.
type Worker struct {
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	requests []Request
	received chan Request
	notified []Notification

	done chan struct{}
}

// NewPipe returns the host end of a pipe and the fake worker serving the other
// end. Requests without a handler are accepted with no data.
func NewPipe() (net.Conn, *Worker) {
	host, worker := net.Pipe()
	w := &Worker{
		conn:     worker,
		handlers: make(map[string]Handler),
		received: make(chan Request, 1024),
		done:     make(chan struct{}),
	}
	go w.serve()
	return host, w
}

// Handle installs h for method, replacing any previous handler.
func (w *Worker) Handle(method string, h Handler) {
	w.mu.Lock()
	w.handlers[method] = h
	w.mu.Unlock()
}

// Requests returns every request received so far.
func (w *Worker) Requests() []Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Request, len(w.requests))
	copy(out, w.requests)
	return out
}

// Count returns how many requests for method were received.
func (w *Worker) Count(method string) int {
	n := 0
	for _, r := range w.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

// Notifications returns every host notification received so far.
func (w *Worker) Notifications() []Notification {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Notification, len(w.notified))
	copy(out, w.notified)
	return out
}

// Received streams requests as they arrive.
func (w *Worker) Received() <-chan Request { return w.received }

// Reply accepts request id with data.
func (w *Worker) Reply(id uint32, data any) error {
	msg := map[string]any{"id": id, "accepted": true}
	if data != nil {
		msg["data"] = data
	}
	return w.SendJSON(msg)
}

// Reject fails request id with the given worker error name and reason.
func (w *Worker) Reject(id uint32, name, reason string) error {
	return w.SendJSON(map[string]any{"id": id, "error": name, "reason": reason})
}

// Notify emits a notification for targetID.
func (w *Worker) Notify(targetID, event string, data any) error {
	msg := map[string]any{"targetId": targetID, "event": event}
	if data != nil {
		msg["data"] = data
	}
	return w.SendJSON(msg)
}

// NotifyPayload emits a notification for targetID followed by payload as a
// binary frame.
func (w *Worker) NotifyPayload(targetID, event string, data any, payload []byte) error {
	if err := w.Notify(targetID, event, data); err != nil {
		return err
	}
	return w.SendRaw(append([]byte{'P'}, payload...))
}

// Log emits a worker log line; prefix is one of 'D', 'W', 'E' or 'X'.
func (w *Worker) Log(prefix byte, line string) error {
	return w.SendRaw(append([]byte{prefix}, line...))
}

// SendJSON encodes v and sends it as one frame.
func (w *Worker) SendJSON(v any) error {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return err
	}
	return w.SendRaw(payload)
}

// SendRaw sends payload as one frame.
func (w *Worker) SendRaw(payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return netstring.Encode(w.conn, payload)
}

// WriteBytes writes b to the pipe without framing.
func (w *Worker) WriteBytes(b []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, err := w.conn.Write(b)
	return err
}

// Close simulates the worker going away.
func (w *Worker) Close() error {
	err := w.conn.Close()
	<-w.done
	return err
}

// Done is closed when the fake worker stops reading.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) serve() {
	defer close(w.done)
	dec := netstring.NewDecoder(w.conn, 0)
	for {
		payload, err := dec.Decode()
		if err != nil {
			return
		}
		if len(payload) > 0 && payload[0] == 'P' {
			w.attachPayload(payload[1:])
			continue
		}
		var req Request
		if err := jsoncodec.Unmarshal(payload, &req); err != nil {
			continue
		}
		if req.Method == "" {
			var n Notification
			if err := jsoncodec.Unmarshal(payload, &n); err == nil && n.Event != "" {
				w.mu.Lock()
				w.notified = append(w.notified, n)
				w.mu.Unlock()
			}
			continue
		}

		w.mu.Lock()
		w.requests = append(w.requests, req)
		h := w.handlers[req.Method]
		w.mu.Unlock()

		select {
		case w.received <- req:
		default:
		}

		// Replies are written from their own goroutine so a host that is
		// busy writing never deadlocks against the fake worker.
		go w.answer(req, h)
	}
}

func (w *Worker) attachPayload(payload []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.notified) == 0 {
		return
	}
	last := &w.notified[len(w.notified)-1]
	last.Payload = append([]byte(nil), payload...)
}

func (w *Worker) answer(req Request, h Handler) {
	if h == nil {
		_ = w.Reply(req.ID, nil)
		return
	}
	data, err := h(req)
	var rejection *Rejection
	switch {
	case err == nil:
		_ = w.Reply(req.ID, data)
	case errors.Is(err, ErrHold):
	case errors.As(err, &rejection):
		_ = w.Reject(req.ID, rejection.Name, rejection.Reason)
	default:
		_ = w.Reject(req.ID, "Error", err.Error())
	}
}
