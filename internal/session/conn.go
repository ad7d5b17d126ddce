// Package session implements the server-side client session loop
// (spec.md §4.D): the per-connection receive loop that owns one
// authenticated WebSocket, dispatches inbound frames to the registry
// and pending tables, and enforces the single-writer discipline on the
// outbound side (spec.md §5).
package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lance0/tunnelrelay/internal/protocol"
)

const (
	writeWait = 10 * time.Second

	// defaultPingPeriod is used when the caller (NewManager) doesn't
	// configure a heartbeat interval.
	defaultPingPeriod = 54 * time.Second

	// outboundQueueSize bounds how far a single session's writer can
	// fall behind before Send blocks the caller (spec.md §5: every
	// suspension point must be composable with cancellation; here the
	// caller is a forwarder awaiting its own pending-table resolver, so
	// a full queue simply slows that forwarder down rather than
	// growing memory without bound).
	outboundQueueSize = 256
)

// wsConn is the slice of *websocket.Conn the session loop depends on.
// Narrowed to an interface so tests can supply an in-memory fake instead
// of a real socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// outboundConn is the registry.SessionConn implementation backing one
// live session: a bounded send queue drained by a single writer
// goroutine, mirroring the teacher's Tunnel.send/WritePump split
// (internal/server/tunnel.go) generalized to typed Send(msgType, payload)
// calls instead of pre-marshaled bytes.
type outboundConn struct {
	conn       wsConn
	send       chan []byte
	done       chan struct{}
	pingPeriod time.Duration

	closeOnce sync.Once
}

// newOutboundConn wraps conn. pingPeriod is the server's own
// heartbeat_interval (spec.md §6); <= 0 falls back to defaultPingPeriod.
func newOutboundConn(conn wsConn, pingPeriod time.Duration) *outboundConn {
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &outboundConn{
		conn:       conn,
		send:       make(chan []byte, outboundQueueSize),
		done:       make(chan struct{}),
		pingPeriod: pingPeriod,
	}
}

// Send encodes msgType/payload and enqueues it for the writer goroutine.
// Never blocks past the session closing.
func (o *outboundConn) Send(msgType string, payload interface{}) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case o.send <- data:
		return nil
	case <-o.done:
		return websocket.ErrCloseSent
	}
}

// Close implements registry.SessionConn: sends a close frame with code
// and reason, then tears down the writer loop. Idempotent. The close
// frame goes out through WriteControl, which gorilla/websocket allows
// concurrently with writePump's writes.
func (o *outboundConn) Close(code int, reason string) error {
	var err error
	o.closeOnce.Do(func() {
		closeMsg := websocket.FormatCloseMessage(code, reason)
		err = o.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		close(o.done)
		o.conn.Close()
	})
	return err
}

// writePump is the sole writer of o.conn's message stream: drains send,
// and injects periodic pings. Exits when done closes or a write fails.
func (o *outboundConn) writePump() {
	ticker := time.NewTicker(o.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-o.send:
			if !ok {
				return
			}
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-o.done:
			return
		}
	}
}
