package jsoncodec

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

// RawMessage is an undecoded JSON value, typically a reply or notification body.
type RawMessage = json.RawMessage

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Valid reports whether data is a well-formed JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// IsEmpty reports whether raw carries no value (absent or JSON null).
func IsEmpty(raw RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// UnmarshalRaw decodes raw into v, leaving v untouched when raw is empty.
func UnmarshalRaw(raw RawMessage, v any) error {
	if IsEmpty(raw) {
		return nil
	}
	return Unmarshal(raw, v)
}
