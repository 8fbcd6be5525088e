package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	ID       uint32            `json:"id"`
	Method   string            `json:"method"`
	Internal map[string]string `json:"internal,omitempty"`
	Data     RawMessage        `json:"data,omitempty"`
}

func TestRequestEnvelope(t *testing.T) {
	in := request{
		ID:       3,
		Method:   "router.createWebRtcTransport",
		Internal: map[string]string{"routerId": "r1"},
		Data:     RawMessage(`{"enableUdp":true}`),
	}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":3,"method":"router.createWebRtcTransport","internal":{"routerId":"r1"},"data":{"enableUdp":true}}`, string(data))

	var out request
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.Method, out.Method)
	assert.JSONEq(t, string(in.Data), string(out.Data))

	indented, err := MarshalIndent(map[string]int{"id": 1}, "", "  ")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"id\": 1\n}", string(indented))
}

func TestStreamEncodeDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, map[string]any{"targetId": "t1", "event": "score"}))

	var n struct {
		TargetID string `json:"targetId"`
		Event    string `json:"event"`
	}
	require.NoError(t, Decode(buf, &n))
	assert.Equal(t, "t1", n.TargetID)
	assert.Equal(t, "score", n.Event)
}

func TestRawHelpers(t *testing.T) {
	assert.True(t, IsEmpty(nil))
	assert.True(t, IsEmpty(RawMessage(" null ")))
	assert.False(t, IsEmpty(RawMessage(`{}`)))

	state := struct {
		IceState string `json:"iceState"`
	}{IceState: "new"}
	require.NoError(t, UnmarshalRaw(RawMessage("null"), &state))
	assert.Equal(t, "new", state.IceState, "an absent body leaves the target untouched")
	require.NoError(t, UnmarshalRaw(RawMessage(`{"iceState":"connected"}`), &state))
	assert.Equal(t, "connected", state.IceState)

	assert.True(t, Valid([]byte(`{"accepted":true}`)))
	assert.False(t, Valid([]byte(`{"accepted":`)))
}
