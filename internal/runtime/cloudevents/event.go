// Package cloudevents provides the CloudEvents v1.0 envelope observer events
// are exported in when the "cloudevents" format is selected.
package cloudevents

import (
	"fmt"
	"time"

	"github.com/drblury/mediaflow/internal/runtime/ids"
	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// ContentTypeJSON is the data content type of every exported event.
const ContentTypeJSON = "application/json"

// Event is a CloudEvents v1.0 event in structured JSON mode.
// See https://github.com/cloudevents/spec/blob/v1.0/spec.md.
type Event struct {
	SpecVersion string
	// Type is "<prefix>.<entity kind>.<event>", for example
	// "mediaflow.transport.dtlsstatechange".
	Type string
	// Source identifies the worker, for example "mediaflow/worker/<id>".
	Source string
	// ID is a ULID unless set explicitly.
	ID   string
	Time time.Time
	// Subject is the id of the entity the event belongs to.
	Subject         string
	DataContentType string
	Data            any
	// Extensions are flattened into the top-level object on marshal.
	Extensions map[string]any
}

// New creates an event with a fresh ULID and the current time.
func New(eventType, source string, data any) Event {
	return Event{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		ID:              ids.NewULID(),
		Time:            time.Now().UTC(),
		DataContentType: ContentTypeJSON,
		Data:            data,
	}
}

// WithSubject sets the subject and returns the event.
func (e Event) WithSubject(subject string) Event {
	e.Subject = subject
	return e
}

// WithExtension sets an extension attribute and returns the event. The map is
// copied so events derived from one another do not share it.
func (e Event) WithExtension(key string, value any) Event {
	ext := make(map[string]any, len(e.Extensions)+1)
	for k, v := range e.Extensions {
		ext[k] = v
	}
	ext[key] = value
	e.Extensions = ext
	return e
}

// Validate checks the required attributes.
func (e Event) Validate() error {
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("specversion must be %q, got %q", SpecVersion, e.SpecVersion)
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// MarshalJSON renders the structured-mode JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 8+len(e.Extensions))
	for k, v := range e.Extensions {
		m[k] = v
	}

	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = e.Time.Format(time.RFC3339Nano)
	}
	if e.Subject != "" {
		m["subject"] = e.Subject
	}
	if e.DataContentType != "" {
		m["datacontenttype"] = e.DataContentType
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	return jsoncodec.Marshal(m)
}

// UnmarshalJSON parses a structured-mode object. Unknown attributes become
// extensions.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}

	*e = Event{}
	str := func(key string) (string, error) {
		v, ok := m[key]
		delete(m, key)
		if !ok || v == nil {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("invalid %s: expected string, got %T", key, v)
		}
		return s, nil
	}

	var err error
	for key, dst := range map[string]*string{
		"specversion":     &e.SpecVersion,
		"type":            &e.Type,
		"source":          &e.Source,
		"id":              &e.ID,
		"subject":         &e.Subject,
		"datacontenttype": &e.DataContentType,
	} {
		if *dst, err = str(key); err != nil {
			return err
		}
	}

	ts, err := str("time")
	if err != nil {
		return err
	}
	if ts != "" {
		if e.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return fmt.Errorf("invalid time format: %w", err)
		}
	}

	if v, ok := m["data"]; ok {
		e.Data = v
		delete(m, "data")
	}
	if len(m) > 0 {
		e.Extensions = m
	}
	return nil
}
