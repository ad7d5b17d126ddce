// Package tunnelclient implements the tunnel-client runtime (spec.md
// §4.I): auth against the relay server, reconnect-with-backoff, and the
// message loop that executes incoming request/tcp frames against a
// local target. Generalizes the teacher's internal/client (Client.Run /
// connect / runLoop) from a bespoke register/registered handshake to
// the auth/auth_ok one and from HTTP-only forwarding to HTTP, SSE, and
// TCP.
package tunnelclient

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lance0/tunnelrelay/internal/protocol"
)

const (
	authTimeout = 30 * time.Second
	pongWait    = 60 * time.Second
	writeWait   = 10 * time.Second
)

// Config configures one tunnel client (spec.md §6 client options).
type Config struct {
	ServerURL           string
	Token               string
	Force               bool
	TargetURL           string
	ReconnectInterval   time.Duration
	MaxReconnectAttempts int // 0 means infinite
	RequestTimeout      time.Duration
}

// Observer receives activity notifications from a running Client, the
// hook point cmd/tunnel's terminal display attaches to instead of
// scraping *log.Logger output. All methods are optional; NoopObserver
// supplies safe no-ops for whichever a caller doesn't implement.
type Observer interface {
	Connected(domain string, tunnelID int64)
	Disconnected(err error)
	Reconnecting(attempt int)
	Request(id, method, path, body string)
	Response(id string, status int, duration time.Duration, body string)
	TCPConnect(connID string)
	TCPClose(connID, errMsg string)
}

// NoopObserver implements Observer with no-ops; embed it to implement
// only the callbacks a particular Observer cares about.
type NoopObserver struct{}

func (NoopObserver) Connected(string, int64)                        {}
func (NoopObserver) Disconnected(error)                              {}
func (NoopObserver) Reconnecting(int)                                {}
func (NoopObserver) Request(string, string, string, string)          {}
func (NoopObserver) Response(string, int, time.Duration, string)     {}
func (NoopObserver) TCPConnect(string)                               {}
func (NoopObserver) TCPClose(string, string)                         {}

// Client drives one tunnel-client session: connect, authenticate, run
// the message loop, reconnect on disconnect.
type Client struct {
	config    Config
	forwarder *forwarder
	logger    *log.Logger
	observer  Observer

	writeMu sync.Mutex
	conn    *websocket.Conn

	tcpMu   sync.Mutex
	tcpConn map[string]*localTCPConn
}

// New creates a tunnel client against cfg. A nil observer is replaced
// with NoopObserver.
func New(cfg Config, logger *log.Logger, observer Observer) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Client{
		config:    cfg,
		forwarder: newForwarder(cfg.TargetURL, cfg.RequestTimeout),
		logger:    logger,
		observer:  observer,
		tcpConn:   make(map[string]*localTCPConn),
	}
}

// Run drives the reconnect-with-backoff loop until ctx is cancelled or
// the reconnect cap is exhausted (spec.md §4.I).
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.connect(ctx)
		if err != nil {
			attempts++
			c.logger.Printf("tunnelclient: connect attempt %d failed: %v", attempts, err)
			if c.config.MaxReconnectAttempts > 0 && attempts >= c.config.MaxReconnectAttempts {
				return fmt.Errorf("tunnelclient: exceeded max reconnect attempts (%d): %w", c.config.MaxReconnectAttempts, err)
			}
			c.observer.Reconnecting(attempts)
			if !c.sleep(ctx, c.config.ReconnectInterval) {
				return ctx.Err()
			}
			continue
		}

		attempts = 0
		c.conn = conn
		err = c.runLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Printf("tunnelclient: disconnected: %v", err)
		c.observer.Disconnected(err)
		if !c.sleep(ctx, c.config.ReconnectInterval) {
			return ctx.Err()
		}
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// connect dials the server, sends auth, and waits for auth_ok within
// authTimeout (spec.md §4.I).
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := wsURL(c.config.ServerURL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("tunnelclient: dial: %w", err)
	}

	authData, err := protocol.Encode(protocol.TypeAuth, protocol.AuthPayload{Token: c.config.Token, Force: c.config.Force})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, authData); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnelclient: send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnelclient: read auth reply: %w", err)
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		conn.Close()
		return nil, err
	}

	switch env.Type {
	case protocol.TypeAuthOK:
		var ok protocol.AuthOKPayload
		env.ParsePayload(&ok)
		c.logger.Printf("tunnelclient: authenticated domain=%s tunnel_id=%d", ok.Domain, ok.TunnelID)
		c.observer.Connected(ok.Domain, ok.TunnelID)
	case protocol.TypeAuthError:
		var authErr protocol.AuthErrorPayload
		env.ParsePayload(&authErr)
		conn.Close()
		return nil, fmt.Errorf("tunnelclient: auth rejected: %s (%s)", authErr.Error, authErr.Code)
	default:
		conn.Close()
		return nil, fmt.Errorf("tunnelclient: unexpected frame type %q waiting for auth_ok", env.Type)
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetPongHandler(func(string) error { return nil })
	return conn, nil
}

func wsURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("tunnelclient: invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws/tunnel"
	}
	return u.String(), nil
}

// send is the single writer into conn, serializing frames from request
// handlers and TCP read loops alike (spec.md §5 single-writer-per-socket).
func (c *Client) send(conn *websocket.Conn, msgType string, payload interface{}) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// runLoop is the message loop of spec.md §4.I: dispatches every inbound
// frame while READY. The server's writePump (internal/session/conn.go)
// pings every pingPeriod on the ws control channel but this client
// never ws-pings the server, so the default ping handler (auto-pong,
// no deadline reset) would otherwise let a perfectly healthy, busy
// session starve its own read deadline and force a reconnect. Reset
// the deadline from the ping handler itself, and reply with the pong
// the default handler would have sent, through the single-writer lock.
func (c *Client) runLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.teardownTCP()
			return err
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Printf("tunnelclient: decode frame: %v", err)
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			if err := c.send(conn, protocol.TypePong, struct{}{}); err != nil {
				c.logger.Printf("tunnelclient: send pong: %v", err)
			}

		case protocol.TypeRequest:
			var req protocol.RequestPayload
			if err := env.ParsePayload(&req); err != nil {
				c.logger.Printf("tunnelclient: parse request: %v", err)
				continue
			}
			go c.handleRequest(ctx, conn, req)

		case protocol.TypeTCPConnect:
			var p protocol.TCPConnectPayload
			if err := env.ParsePayload(&p); err != nil {
				c.logger.Printf("tunnelclient: parse tcp_connect: %v", err)
				continue
			}
			go c.handleTCPConnect(conn, p.ConnID)

		case protocol.TypeTCPData:
			var p protocol.TCPDataPayload
			if err := env.ParsePayload(&p); err != nil {
				c.logger.Printf("tunnelclient: parse tcp_data: %v", err)
				continue
			}
			c.handleTCPData(conn, p)

		case protocol.TypeTCPClose:
			var p protocol.TCPClosePayload
			if err := env.ParsePayload(&p); err != nil {
				c.logger.Printf("tunnelclient: parse tcp_close: %v", err)
				continue
			}
			c.handleTCPClose(p.ConnID)

		default:
			c.logger.Printf("tunnelclient: unknown frame type=%q", env.Type)
		}
	}
}
