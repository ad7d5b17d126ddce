// Package protocol implements the tagged-message wire codec shared by the
// tunnel server and the tunnel client: one JSON object per line over a text
// WebSocket, discriminated by a "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators. Unknown types are logged and ignored by the
// session loop rather than rejected outright, except on raw decode errors.
const (
	TypeAuth        = "auth"
	TypeAuthOK      = "auth_ok"
	TypeAuthError   = "auth_error"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeRequest     = "request"
	TypeResponse    = "response"
	TypeStreamStart = "stream_start"
	TypeStreamChunk = "stream_chunk"
	TypeStreamEnd   = "stream_end"
	TypeTCPConnect  = "tcp_connect"
	TypeTCPData     = "tcp_data"
	TypeTCPClose    = "tcp_close"
)

// Auth error codes sent back on the auth_error frame.
const (
	CodeInvalidToken     = "invalid_token"
	CodeDisabled         = "disabled"
	CodeConnectionExists = "connection_exists"
)

// Envelope is the frame shared by every message: a type tag plus a raw
// payload decoded lazily by ParsePayload. This mirrors the teacher's
// type+json.RawMessage envelope, generalized to the richer frame set
// required here (request/response, streaming, tcp framing).
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and wraps it with the given type tag.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	return &Envelope{Type: msgType, Payload: data}, nil
}

// ParsePayload decodes the envelope's payload into v.
func (e *Envelope) ParsePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Encode marshals msgType/payload directly to a line of JSON, the form
// written to the WebSocket.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses one frame off the wire into an Envelope. It rejects only
// malformed JSON and a missing type; it does not check the type tag
// against the known set, so an unrecognized tag is decoded normally and
// the session loop logs it and continues rather than tearing down the
// connection.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("protocol: frame missing type")
	}
	return &env, nil
}

// --- Payloads ---

// AuthPayload is sent client->server to authenticate a new session.
type AuthPayload struct {
	Token string `json:"token"`
	Force bool   `json:"force,omitempty"`
}

// AuthOKPayload confirms a successful auth.
type AuthOKPayload struct {
	Domain   string `json:"domain"`
	TunnelID int64  `json:"tunnel_id"`
}

// AuthErrorPayload rejects an auth attempt; the server closes the socket
// with WS code 1008 immediately after sending this.
type AuthErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RequestPayload is a server->client HTTP request injection.
type RequestPayload struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"` // raw bytes, not base64: textual HTTP body
	Timeout int               `json:"timeout"`        // seconds
}

// ResponsePayload is a client->server unary HTTP reply.
type ResponsePayload struct {
	ID         string            `json:"id"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

// StreamStartPayload begins an SSE-style streamed reply.
type StreamStartPayload struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
}

// StreamChunkPayload carries one SSE chunk. Sequence is informational only
// (see spec.md §4.H / §9): delivery order within a WebSocket is relied on,
// not the sequence number.
type StreamChunkPayload struct {
	ID       string `json:"id"`
	Data     string `json:"data"`
	Sequence int64  `json:"sequence"`
}

// StreamEndPayload terminates a stream, successfully or with an error.
type StreamEndPayload struct {
	ID          string `json:"id"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	TotalChunks int64  `json:"total_chunks"`
}

// TCPConnectPayload opens a new logical TCP leg multiplexed on the socket.
type TCPConnectPayload struct {
	ConnID string `json:"conn_id"`
}

// TCPDataPayload carries one base64-encoded TCP segment. Encoding must be
// loss-free for arbitrary bytes (NUL, 0xFF, etc.) per spec.md §8.5.
type TCPDataPayload struct {
	ConnID   string `json:"conn_id"`
	Data     string `json:"data"` // base64
	Sequence int64  `json:"sequence"`
}

// TCPClosePayload closes one TCP leg, successfully or with an error.
type TCPClosePayload struct {
	ConnID string `json:"conn_id"`
	Error  string `json:"error,omitempty"`
}
