package netstring

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []byte(`{"id":1}`)))
	require.NoError(t, Encode(&buf, nil))
	require.NoError(t, Encode(&buf, []byte("Dworker log")))

	assert.Equal(t, `8:{"id":1},0:,11:Dworker log,`, buf.String())

	dec := NewDecoder(&buf, 0)
	for _, want := range []string{`{"id":1}`, "", "Dworker log"} {
		got, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  error
	}{
		{"missing comma", "3:abc;", 0, ErrMalformed},
		{"letter in length", "3a:abc,", 0, ErrMalformed},
		{"empty length", ":abc,", 0, ErrMalformed},
		{"truncated payload", "5:ab", 0, io.ErrUnexpectedEOF},
		{"truncated prefix", "12", 0, io.ErrUnexpectedEOF},
		{"over limit", "10:0123456789,", 8, ErrTooLong},
		{"huge prefix", strings.Repeat("9", 20) + ":", 0, ErrTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(tt.input), tt.max).Decode()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDecodeAtDefaultLimit(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 4194304)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, payload))
	assert.Equal(t, DefaultMaxMessageLength, buf.Len())

	got, err := NewDecoder(&buf, 0).Decode()
	require.NoError(t, err)
	assert.Len(t, got, len(payload))
}

func TestFramingIsLossless(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloads := rapid.SliceOf(rapid.SliceOf(rapid.Byte())).Draw(t, "payloads")

		var stream []byte
		for _, p := range payloads {
			stream = Append(stream, p)
		}

		dec := NewDecoder(bytes.NewReader(stream), 0)
		for i, want := range payloads {
			got, err := dec.Decode()
			if err != nil {
				t.Fatalf("frame %d: %v", i, err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("frame %d: got %q want %q", i, got, want)
			}
		}
		if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF after last frame, got %v", err)
		}
	})
}
