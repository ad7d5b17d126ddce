// Package tcprelay implements the public TCP listener relay (spec.md
// §4.H): accept raw inbound TCP, pipe it through an authenticated
// session's WebSocket as tcp_connect/tcp_data/tcp_close frames, and
// write the client's replies back to the inbound socket. Generalizes
// the teacher's webhook HTTP front (internal/server/server.go
// handleWebhook) to a byte-pipe front instead of a request/response one.
package tcprelay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/lance0/tunnelrelay/internal/protocol"
	"github.com/lance0/tunnelrelay/internal/registry"
)

// readChunkSize is the maximum inbound read per tcp_data frame
// (spec.md §4.H step 4).
const readChunkSize = 64 * 1024

type relayConn struct {
	connID string
	owner  string // session token this leg is tied to
	inbound net.Conn

	mu     sync.Mutex
	closed bool
}

// RelayTable is the listener's registry of live inbound legs, keyed by
// conn_id. It satisfies internal/session's RelayTable interface
// structurally.
type RelayTable struct {
	mu      sync.Mutex
	byConn  map[string]*relayConn
	logger  *log.Logger
}

// NewRelayTable creates an empty relay table.
func NewRelayTable(logger *log.Logger) *RelayTable {
	return &RelayTable{byConn: make(map[string]*relayConn), logger: logger}
}

func (t *RelayTable) register(c *relayConn) {
	t.mu.Lock()
	t.byConn[c.connID] = c
	t.mu.Unlock()
}

func (t *RelayTable) remove(connID string) {
	t.mu.Lock()
	delete(t.byConn, connID)
	t.mu.Unlock()
}

// Write implements session.RelayTable: writes inbound tcp_data from the
// session loop to the inbound socket in session-loop arrival order.
// Returns false if connID has no relay (the session loop then drops it
// with a warning, per spec.md §4.D).
func (t *RelayTable) Write(connID string, data []byte) bool {
	t.mu.Lock()
	c, ok := t.byConn[connID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if _, err := c.inbound.Write(data); err != nil {
		t.logger.Printf("tcprelay: write conn_id=%s: %v", connID, err)
		t.closeRelay(c, "")
	}
	return true
}

// Close implements session.RelayTable: tears the relay for connID down
// on an inbound tcp_close frame from the client.
func (t *RelayTable) Close(connID string, errMsg string) bool {
	t.mu.Lock()
	c, ok := t.byConn[connID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.closeRelay(c, errMsg)
	return true
}

// FailAllForSession tears down every relay owned by a session that just
// died, mirroring pending.*Table.FailAll (spec.md §4.C fail_all
// semantics extended to RelayTcp).
func (t *RelayTable) FailAllForSession(owner string) {
	t.mu.Lock()
	var toClose []*relayConn
	for _, c := range t.byConn {
		if c.owner == owner {
			toClose = append(toClose, c)
		}
	}
	t.mu.Unlock()

	for _, c := range toClose {
		t.closeRelay(c, "session closed")
	}
}

func (t *RelayTable) closeRelay(c *relayConn, errMsg string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	t.remove(c.connID)
	c.inbound.Close()
	_ = errMsg
}

// Listener accepts inbound TCP on one port and relays each connection
// through the registry's currently connected session for targetDomain
// (spec.md §4.H step 1: "configured tcp_target_domain, else first
// connected").
type Listener struct {
	registry     *registry.Registry
	relay        *RelayTable
	targetDomain string
	logger       *log.Logger
}

// NewListener wires a public TCP listener relay.
func NewListener(reg *registry.Registry, relay *RelayTable, targetDomain string, logger *log.Logger) *Listener {
	return &Listener{registry: reg, relay: relay, targetDomain: targetDomain, logger: logger}
}

// Serve accepts connections on ln until it errors (typically because the
// caller closed it on shutdown).
func (l *Listener) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("tcprelay: accept: %w", err)
		}
		go l.handle(conn)
	}
}

func (l *Listener) targetSession() (*registry.Session, bool) {
	if l.targetDomain != "" {
		return l.registry.ByDomain(l.targetDomain)
	}
	sessions := l.registry.ListConnected()
	if len(sessions) == 0 {
		return nil, false
	}
	return sessions[0], true
}

func (l *Listener) handle(inbound net.Conn) {
	session, ok := l.targetSession()
	if !ok {
		l.logger.Printf("tcprelay: no connected session for inbound from %s", inbound.RemoteAddr())
		inbound.Close()
		return
	}

	connID := uuid.New().String()
	c := &relayConn{connID: connID, owner: session.Token, inbound: inbound}
	l.relay.register(c)

	if err := session.Conn.Send(protocol.TypeTCPConnect, protocol.TCPConnectPayload{ConnID: connID}); err != nil {
		l.logger.Printf("tcprelay: send tcp_connect conn_id=%s: %v", connID, err)
		l.relay.closeRelay(c, "")
		return
	}

	l.readLoop(c, session)
}

// readLoop is the per-connection read task of spec.md §4.H step 4: read
// up to 64 KiB, base64 it, forward as tcp_data with an incrementing
// sequence (informational only, per spec.md §4.H closing note). EOF or
// error triggers tcp_close to the client and teardown.
func (l *Listener) readLoop(c *relayConn, session *registry.Session) {
	buf := make([]byte, readChunkSize)
	var seq int64

	for {
		n, err := c.inbound.Read(buf)
		if n > 0 {
			data := base64.StdEncoding.EncodeToString(buf[:n])
			sendErr := session.Conn.Send(protocol.TypeTCPData, protocol.TCPDataPayload{
				ConnID: c.connID, Data: data, Sequence: seq,
			})
			seq++
			if sendErr != nil {
				l.logger.Printf("tcprelay: send tcp_data conn_id=%s: %v", c.connID, sendErr)
				l.relay.closeRelay(c, "")
				return
			}
		}
		if err != nil {
			errMsg := ""
			if !errors.Is(err, io.EOF) {
				errMsg = err.Error()
			}
			if sendErr := session.Conn.Send(protocol.TypeTCPClose, protocol.TCPClosePayload{ConnID: c.connID, Error: errMsg}); sendErr != nil {
				l.logger.Printf("tcprelay: send tcp_close conn_id=%s: %v", c.connID, sendErr)
			}
			l.relay.closeRelay(c, errMsg)
			return
		}
	}
}
