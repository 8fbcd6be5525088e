package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Stamp copies m onto msg. Headers already set on msg win, so a correlation
// id set by middleware survives.
func (m Metadata) Stamp(msg *message.Message) {
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata, len(m))
	}
	for k, v := range m {
		if _, ok := msg.Metadata[k]; ok {
			continue
		}
		msg.Metadata[k] = v
	}
}

// Observed reads the reserved observer keys back from msg. Unknown headers
// are left out.
func Observed(msg *message.Message) Metadata {
	md := Metadata{}
	for _, k := range []string{KeyEntityKind, KeyEntityID, KeyEvent, KeyWorkerID, KeyFormat, KeyContentType, KeyEmittedAt} {
		if v := msg.Metadata.Get(k); v != "" {
			md[k] = v
		}
	}
	return md
}
