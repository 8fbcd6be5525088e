// Package metadata names and builds the headers attached to exported observer
// messages.
package metadata

// Reserved keys set on every exported observer message.
const (
	KeyEntityKind = "entity_kind"
	KeyEntityID   = "entity_id"
	KeyEvent      = "event"
	// KeyWorkerID is the id of the worker whose tree emitted the event.
	KeyWorkerID = "worker_id"
	// KeyFormat is the payload format: json, protojson or cloudevents.
	KeyFormat      = "format"
	KeyContentType = "content_type"
	// KeyEmittedAt is the RFC 3339 emission time.
	KeyEmittedAt = "emitted_at"
)

// Metadata represents the headers carried alongside an exported event.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a copy containing key=value. Empty values are skipped.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	if value != "" {
		cloned[key] = value
	}
	return cloned
}

// WithAll returns a copy containing entries; entries win on conflict.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
