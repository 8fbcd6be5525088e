package channel

import (
	"encoding/json"
)

// Worker error names carried in rejected replies.
const (
	ErrorNameInvalidState = "InvalidStateError"
	ErrorNameType         = "TypeError"
	ErrorNameGeneric      = "Error"
)

// Worker log line prefixes.
const (
	logPrefixDebug = 'D'
	logPrefixWarn  = 'W'
	logPrefixError = 'E'
	logPrefixDump  = 'X'

	// payloadPrefix marks a binary frame that completes the notification
	// sent just before it.
	payloadPrefix = 'P'
)

// requestMessage is written to the worker. Internal addresses the target entity
// and its parents, Data carries the method arguments.
type requestMessage struct {
	ID       uint32 `json:"id"`
	Method   string `json:"method"`
	Internal any    `json:"internal,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// inboundMessage is the union of a reply and a notification. A reply always
// has an id; a notification has a targetId and an event.
type inboundMessage struct {
	ID       *uint32         `json:"id,omitempty"`
	Accepted bool            `json:"accepted,omitempty"`
	Error    string          `json:"error,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (m inboundMessage) isReply() bool { return m.ID != nil }

func (m inboundMessage) isNotification() bool { return m.ID == nil && m.TargetID != "" && m.Event != "" }

func (m inboundMessage) outcome() Outcome {
	if m.Accepted {
		return Outcome{Accepted: true, Data: m.Data}
	}
	name := m.Error
	if name == "" {
		name = ErrorNameGeneric
	}
	return Outcome{Error: name, Reason: m.Reason}
}

// notifyMessage is a host to worker notification. It expects no reply.
type notifyMessage struct {
	Event    string `json:"event"`
	Internal any    `json:"internal,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// Notification is an unsolicited worker event for one target entity. Payload
// is set for events listed in Options.PayloadEvents.
type Notification struct {
	TargetID string
	Event    string
	Data     json.RawMessage
	Payload  []byte
}
