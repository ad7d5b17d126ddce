package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		msgType string
		payload interface{}
	}{
		{"auth", TypeAuth, AuthPayload{Token: "tun_abc", Force: true}},
		{"auth_ok", TypeAuthOK, AuthOKPayload{Domain: "demo", TunnelID: 42}},
		{"request", TypeRequest, RequestPayload{ID: "r1", Method: "GET", Path: "/x", Timeout: 30}},
		{"response", TypeResponse, ResponsePayload{ID: "r1", Status: 200}},
		{"stream_chunk", TypeStreamChunk, StreamChunkPayload{ID: "s1", Data: "data: a\n\n", Sequence: 3}},
		{"tcp_data", TypeTCPData, TCPDataPayload{ConnID: "c1", Data: "AAD/", Sequence: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Encode(tc.msgType, tc.payload)
			require.NoError(t, err)

			env, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tc.msgType, env.Type)
		})
	}
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestParsePayloadRoundTrip(t *testing.T) {
	raw, err := Encode(TypeTCPConnect, TCPConnectPayload{ConnID: "c9"})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)

	var p TCPConnectPayload
	require.NoError(t, env.ParsePayload(&p))
	assert.Equal(t, "c9", p.ConnID)
}

func TestTCPDataBase64RoundTrip(t *testing.T) {
	// Arbitrary bytes including NUL and 0xFF must survive the base64 hop
	// (spec.md §8.5); the codec here doesn't encode/decode base64 itself
	// (that's the session loop's job) but the payload field must carry an
	// opaque string without mangling it.
	weird := "AP8A/w==" // base64 of 0x00 0xff 0x00 0xff
	raw, err := Encode(TypeTCPData, TCPDataPayload{ConnID: "c1", Data: weird, Sequence: 0})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)

	var p TCPDataPayload
	require.NoError(t, env.ParsePayload(&p))
	assert.Equal(t, weird, p.Data)
}
