package session

import (
	"encoding/base64"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lance0/tunnelrelay/internal/pending"
	"github.com/lance0/tunnelrelay/internal/protocol"
	"github.com/lance0/tunnelrelay/internal/registry"
	"github.com/lance0/tunnelrelay/internal/store"
)

// authTimeout bounds how long a freshly accepted socket has to send its
// auth frame before the session loop gives up (spec.md §4.D).
const authTimeout = 30 * time.Second

// RelayTable is the subset of internal/tcprelay's RelayTable the session
// loop needs: routing inbound tcp_data/tcp_close frames to a long-lived
// public-listener relay once the pending-TCP table has no entry for the
// conn_id, and tearing every relay owned by a dead session down.
// Structural interface to avoid tcprelay importing session or vice versa.
type RelayTable interface {
	Write(connID string, data []byte) bool
	Close(connID string, errMsg string) bool
	FailAllForSession(owner string)
}

// Manager owns the registry and pending tables shared by every session
// and accepts new WebSocket connections into the session loop.
type Manager struct {
	registry        *registry.Registry
	unary           *pending.UnaryTable
	stream          *pending.StreamTable
	tcp             *pending.TCPTable
	relay           RelayTable
	tunnels         store.TunnelStore
	logger          *log.Logger
	heartbeatPeriod time.Duration
}

// NewManager wires the shared tables a session loop dispatches into.
// heartbeatPeriod is the server's configured heartbeat_interval
// (spec.md §6): how often writePump ws-pings each session; <= 0 uses
// defaultPingPeriod.
func NewManager(reg *registry.Registry, unary *pending.UnaryTable, stream *pending.StreamTable, tcp *pending.TCPTable, relay RelayTable, tunnels store.TunnelStore, logger *log.Logger, heartbeatPeriod time.Duration) *Manager {
	return &Manager{
		registry:        reg,
		unary:           unary,
		stream:          stream,
		tcp:             tcp,
		relay:           relay,
		tunnels:         tunnels,
		logger:          logger,
		heartbeatPeriod: heartbeatPeriod,
	}
}

// Handle drives one accepted WebSocket end to end: auth, registration,
// receive loop, and teardown (spec.md §4.D). It returns once the socket
// is gone.
func (m *Manager) Handle(conn wsConn) {
	conn.SetReadLimit(10 * 1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(authTimeout))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		m.logger.Printf("session: read auth frame: %v", err)
		conn.Close()
		return
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		m.logger.Printf("session: decode auth frame: %v", err)
		conn.Close()
		return
	}
	if env.Type != protocol.TypeAuth {
		m.logger.Printf("session: expected auth frame, got type=%q", env.Type)
		conn.Close()
		return
	}

	var authMsg protocol.AuthPayload
	if err := env.ParsePayload(&authMsg); err != nil {
		m.logger.Printf("session: parse auth payload: %v", err)
		conn.Close()
		return
	}

	record, err := m.tunnels.ByToken(authMsg.Token)
	if err != nil || !record.Enabled {
		m.sendAuthErrorAndClose(conn, protocol.CodeInvalidToken, "invalid or disabled token")
		return
	}

	out := newOutboundConn(conn, m.heartbeatPeriod)
	session, err := m.registry.Register(out, record.ID, record.Domain, authMsg.Token, authMsg.Force)
	if err != nil {
		m.sendAuthErrorAndClose(conn, protocol.CodeConnectionExists, err.Error())
		return
	}

	go out.writePump()

	if err := out.Send(protocol.TypeAuthOK, protocol.AuthOKPayload{Domain: record.Domain, TunnelID: record.ID}); err != nil {
		m.logger.Printf("session: send auth_ok domain=%s: %v", record.Domain, err)
	}
	if err := m.tunnels.TouchLastConnected(authMsg.Token); err != nil {
		m.logger.Printf("session: touch_last_connected domain=%s: %v", record.Domain, err)
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetPongHandler(func(string) error {
		m.registry.TouchHeartbeat(authMsg.Token)
		return nil
	})

	m.readLoop(conn, session)

	m.registry.Unregister(authMsg.Token)
	m.unary.FailAll(authMsg.Token, "session closed")
	m.stream.FailAll(authMsg.Token, "session closed")
	m.tcp.FailAll(authMsg.Token, "session closed")
	m.relay.FailAllForSession(authMsg.Token)
	out.Close(1001, "session ended")
}

func (m *Manager) sendAuthErrorAndClose(conn wsConn, code, errMsg string) {
	data, err := protocol.Encode(protocol.TypeAuthError, protocol.AuthErrorPayload{Error: errMsg, Code: code})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, data)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(1008, errMsg))
	conn.Close()
}

// readLoop is the sole consumer of inbound frames for one session and
// the sole writer into the pending tables for it (spec.md §4.D).
func (m *Manager) readLoop(conn wsConn, session *registry.Session) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				m.logger.Printf("session: domain=%s read error: %v", session.Domain, err)
			}
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			m.logger.Printf("session: domain=%s decode frame: %v", session.Domain, err)
			continue
		}

		m.dispatch(session, env)
	}
}

func (m *Manager) dispatch(session *registry.Session, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePong:
		m.registry.TouchHeartbeat(session.Token)

	case protocol.TypeResponse:
		var p protocol.ResponsePayload
		if err := env.ParsePayload(&p); err != nil {
			m.logger.Printf("session: domain=%s parse response: %v", session.Domain, err)
			return
		}
		m.unary.Resolve(p.ID, pending.UnaryResult{
			Status: p.Status, Headers: p.Headers, Body: p.Body,
			Error: p.Error, DurationMs: p.DurationMs,
		})

	case protocol.TypeStreamStart:
		var p protocol.StreamStartPayload
		if err := env.ParsePayload(&p); err != nil {
			m.logger.Printf("session: domain=%s parse stream_start: %v", session.Domain, err)
			return
		}
		if err := m.stream.PushStart(p.ID, p.Status, p.Headers); err != nil {
			m.logger.Printf("session: domain=%s stream_start id=%s: %v", session.Domain, p.ID, err)
		}

	case protocol.TypeStreamChunk:
		var p protocol.StreamChunkPayload
		if err := env.ParsePayload(&p); err != nil {
			m.logger.Printf("session: domain=%s parse stream_chunk: %v", session.Domain, err)
			return
		}
		if err := m.stream.PushChunk(p.ID, p.Data, p.Sequence); err != nil {
			m.logger.Printf("session: domain=%s stream_chunk id=%s: %v", session.Domain, p.ID, err)
		}

	case protocol.TypeStreamEnd:
		var p protocol.StreamEndPayload
		if err := env.ParsePayload(&p); err != nil {
			m.logger.Printf("session: domain=%s parse stream_end: %v", session.Domain, err)
			return
		}
		if err := m.stream.PushEnd(p.ID, pending.StreamEnd{
			Error: p.Error, DurationMs: p.DurationMs, TotalChunks: p.TotalChunks,
		}); err != nil {
			m.logger.Printf("session: domain=%s stream_end id=%s: %v", session.Domain, p.ID, err)
		}

	case protocol.TypeTCPData:
		var p protocol.TCPDataPayload
		if err := env.ParsePayload(&p); err != nil {
			m.logger.Printf("session: domain=%s parse tcp_data: %v", session.Domain, err)
			return
		}
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			m.logger.Printf("session: domain=%s tcp_data id=%s base64 decode: %v", session.Domain, p.ConnID, err)
			return
		}
		if m.tcp.Append(p.ConnID, data) {
			return
		}
		if m.relay.Write(p.ConnID, data) {
			return
		}
		m.logger.Printf("session: domain=%s tcp_data for unknown conn_id=%s dropped", session.Domain, p.ConnID)

	case protocol.TypeTCPClose:
		var p protocol.TCPClosePayload
		if err := env.ParsePayload(&p); err != nil {
			m.logger.Printf("session: domain=%s parse tcp_close: %v", session.Domain, err)
			return
		}
		if m.tcp.Resolve(p.ConnID, p.Error) {
			return
		}
		if m.relay.Close(p.ConnID, p.Error) {
			return
		}

	default:
		m.logger.Printf("session: domain=%s unknown frame type=%q", session.Domain, env.Type)
	}
}

// NewID allocates an opaque id for a request/conn (spec.md §4.A: "the
// server allocates them").
func NewID() string {
	return uuid.New().String()
}
