package tunnelclient

import (
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lance0/tunnelrelay/internal/protocol"
)

// localTCPConn is one logical TCP leg dialed against the local target
// (spec.md §4.I: "open a TCP connection to the target's host:port").
type localTCPConn struct {
	connID string
	conn   net.Conn

	mu     sync.Mutex
	closed bool
}

func (c *Client) targetHostPort() (string, error) {
	u, err := url.Parse(c.config.TargetURL)
	if err != nil {
		return "", err
	}
	if u.Host != "" {
		return u.Host, nil
	}
	return c.config.TargetURL, nil
}

// handleTCPConnect dials the local target for a new conn_id and starts
// its read loop (spec.md §4.I).
func (c *Client) handleTCPConnect(conn *websocket.Conn, connID string) {
	hostPort, err := c.targetHostPort()
	if err != nil {
		c.logger.Printf("tunnelclient: tcp_connect conn_id=%s: bad target url: %v", connID, err)
		c.send(conn, protocol.TypeTCPClose, protocol.TCPClosePayload{ConnID: connID, Error: err.Error()})
		return
	}

	dialed, err := net.Dial("tcp", hostPort)
	if err != nil {
		c.logger.Printf("tunnelclient: tcp_connect conn_id=%s: dial %s: %v", connID, hostPort, err)
		c.send(conn, protocol.TypeTCPClose, protocol.TCPClosePayload{ConnID: connID, Error: err.Error()})
		return
	}

	local := &localTCPConn{connID: connID, conn: dialed}
	c.tcpMu.Lock()
	c.tcpConn[connID] = local
	c.tcpMu.Unlock()
	c.observer.TCPConnect(connID)

	c.tcpReadLoop(conn, local)
}

// tcpReadLoop reads from the local target and forwards base64-encoded
// segments as tcp_data, with an incrementing sequence (informational
// only, spec.md §4.H/§4.I).
func (c *Client) tcpReadLoop(conn *websocket.Conn, local *localTCPConn) {
	buf := make([]byte, 64*1024)
	var seq int64

	for {
		n, err := local.conn.Read(buf)
		if n > 0 {
			data := base64.StdEncoding.EncodeToString(buf[:n])
			if sendErr := c.send(conn, protocol.TypeTCPData, protocol.TCPDataPayload{
				ConnID: local.connID, Data: data, Sequence: seq,
			}); sendErr != nil {
				c.logger.Printf("tunnelclient: send tcp_data conn_id=%s: %v", local.connID, sendErr)
				c.closeLocalTCP(local.connID, sendErr.Error())
				return
			}
			seq++
		}
		if err != nil {
			errMsg := ""
			if !errors.Is(err, io.EOF) {
				errMsg = err.Error()
			}
			c.send(conn, protocol.TypeTCPClose, protocol.TCPClosePayload{ConnID: local.connID, Error: errMsg})
			c.closeLocalTCP(local.connID, "")
			return
		}
	}
}

// handleTCPData base64-decodes and writes to the matching local
// connection; write failures propagate as tcp_close (spec.md §4.I).
func (c *Client) handleTCPData(conn *websocket.Conn, p protocol.TCPDataPayload) {
	c.tcpMu.Lock()
	local, ok := c.tcpConn[p.ConnID]
	c.tcpMu.Unlock()
	if !ok {
		c.logger.Printf("tunnelclient: tcp_data for unknown conn_id=%s dropped", p.ConnID)
		return
	}

	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		c.logger.Printf("tunnelclient: tcp_data conn_id=%s base64 decode: %v", p.ConnID, err)
		return
	}

	if _, err := local.conn.Write(data); err != nil {
		c.send(conn, protocol.TypeTCPClose, protocol.TCPClosePayload{ConnID: p.ConnID, Error: err.Error()})
		c.closeLocalTCP(p.ConnID, "")
	}
}

// handleTCPClose closes the local connection and drops the record
// (spec.md §4.I).
func (c *Client) handleTCPClose(connID string) {
	c.closeLocalTCP(connID, "")
}

func (c *Client) closeLocalTCP(connID, errMsg string) {
	c.tcpMu.Lock()
	local, ok := c.tcpConn[connID]
	if ok {
		delete(c.tcpConn, connID)
	}
	c.tcpMu.Unlock()
	if !ok {
		return
	}

	local.mu.Lock()
	if local.closed {
		local.mu.Unlock()
		return
	}
	local.closed = true
	local.mu.Unlock()
	local.conn.Close()
	c.observer.TCPClose(connID, errMsg)
}

// teardownTCP closes every local TCP leg when the session dies, the
// client-side mirror of session death cancelling all entries bound to
// it (spec.md §5).
func (c *Client) teardownTCP() {
	c.tcpMu.Lock()
	conns := make([]*localTCPConn, 0, len(c.tcpConn))
	for _, local := range c.tcpConn {
		conns = append(conns, local)
	}
	c.tcpConn = make(map[string]*localTCPConn)
	c.tcpMu.Unlock()

	for _, local := range conns {
		local.mu.Lock()
		local.closed = true
		local.mu.Unlock()
		local.conn.Close()
	}
}
