package session

import (
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lance0/tunnelrelay/internal/pending"
	"github.com/lance0/tunnelrelay/internal/protocol"
	"github.com/lance0/tunnelrelay/internal/registry"
	"github.com/lance0/tunnelrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopRelay struct {
	wrote    []string
	closed   []string
	failedOn []string
}

func (r *noopRelay) Write(connID string, data []byte) bool {
	r.wrote = append(r.wrote, connID)
	return false
}
func (r *noopRelay) Close(connID string, errMsg string) bool {
	r.closed = append(r.closed, connID)
	return false
}
func (r *noopRelay) FailAllForSession(owner string) {
	r.failedOn = append(r.failedOn, owner)
}

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *pending.UnaryTable) {
	t.Helper()
	tunnels := store.NewMemoryStore(0)
	unary := pending.NewUnaryTable()
	stream := pending.NewStreamTable(4)
	tcp := pending.NewTCPTable()
	reg := registry.New(90 * time.Second)
	logger := log.New(os.Stderr, "", 0)
	mgr := NewManager(reg, unary, stream, tcp, &noopRelay{}, tunnels, logger, 30*time.Second)
	return mgr, tunnels, unary
}

func startTestServer(t *testing.T, mgr *Manager) (wsURL string, teardown func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		mgr.Handle(conn)
	}))
	wsURL = "ws" + srv.URL[len("http"):]
	return wsURL, srv.Close
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestAuthOKOnValidToken(t *testing.T) {
	mgr, tunnels, _ := newTestManager(t)
	record, err := tunnels.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	url, teardown := startTestServer(t, mgr)
	defer teardown()

	conn := dial(t, url)
	defer conn.Close()

	data, err := protocol.Encode(protocol.TypeAuth, protocol.AuthPayload{Token: record.Token})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAuthOK, env.Type)

	var ok protocol.AuthOKPayload
	require.NoError(t, env.ParsePayload(&ok))
	assert.Equal(t, "demo", ok.Domain)
	assert.Equal(t, record.ID, ok.TunnelID)
}

func TestAuthErrorOnUnknownToken(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	url, teardown := startTestServer(t, mgr)
	defer teardown()

	conn := dial(t, url)
	defer conn.Close()

	data, _ := protocol.Encode(protocol.TypeAuth, protocol.AuthPayload{Token: "tun_nope"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAuthError, env.Type)

	var authErr protocol.AuthErrorPayload
	require.NoError(t, env.ParsePayload(&authErr))
	assert.Equal(t, protocol.CodeInvalidToken, authErr.Code)
}

func TestAuthErrorOnDisabledTunnel(t *testing.T) {
	mgr, tunnels, _ := newTestManager(t)
	record, err := tunnels.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)
	disabled := false
	_, err = tunnels.UpdateFlags("demo", &disabled, nil, nil)
	require.NoError(t, err)

	url, teardown := startTestServer(t, mgr)
	defer teardown()

	conn := dial(t, url)
	defer conn.Close()

	data, _ := protocol.Encode(protocol.TypeAuth, protocol.AuthPayload{Token: record.Token})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAuthError, env.Type)
}

func TestPongTouchesHeartbeat(t *testing.T) {
	mgr, tunnels, _ := newTestManager(t)
	record, err := tunnels.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	url, teardown := startTestServer(t, mgr)
	defer teardown()

	conn := dial(t, url)
	defer conn.Close()

	data, _ := protocol.Encode(protocol.TypeAuth, protocol.AuthPayload{Token: record.Token})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	session, ok := mgr.registry.ByToken(record.Token)
	require.True(t, ok)
	before := session.LastHeartbeatAt()

	time.Sleep(10 * time.Millisecond)
	pong, _ := protocol.Encode(protocol.TypePong, struct{}{})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, pong))

	require.Eventually(t, func() bool {
		return session.LastHeartbeatAt().After(before)
	}, time.Second, 10*time.Millisecond, "application-level pong should advance the session's heartbeat")
}

func TestWSPongTouchesHeartbeat(t *testing.T) {
	mgr, tunnels, _ := newTestManager(t)
	record, err := tunnels.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	url, teardown := startTestServer(t, mgr)
	defer teardown()

	conn := dial(t, url)
	defer conn.Close()

	data, _ := protocol.Encode(protocol.TypeAuth, protocol.AuthPayload{Token: record.Token})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	session, ok := mgr.registry.ByToken(record.Token)
	require.True(t, ok)
	before := session.LastHeartbeatAt()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		return session.LastHeartbeatAt().After(before)
	}, time.Second, 10*time.Millisecond, "ws-level pong should advance the session's heartbeat")
}

func TestResponseResolvesUnaryEntry(t *testing.T) {
	mgr, tunnels, unary := newTestManager(t)
	record, err := tunnels.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	url, teardown := startTestServer(t, mgr)
	defer teardown()

	conn := dial(t, url)
	defer conn.Close()

	data, _ := protocol.Encode(protocol.TypeAuth, protocol.AuthPayload{Token: record.Token})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	resultCh := unary.Create("req-1", record.Token)

	respData, _ := protocol.Encode(protocol.TypeResponse, protocol.ResponsePayload{
		ID: "req-1", Status: 200, Body: "hello",
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, respData))

	select {
	case res := <-resultCh:
		assert.Equal(t, 200, res.Status)
		assert.Equal(t, "hello", res.Body)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for unary resolution")
	}
}

func TestSessionTeardownFailsAllPendingForOwner(t *testing.T) {
	mgr, tunnels, unary := newTestManager(t)
	record, err := tunnels.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	url, teardown := startTestServer(t, mgr)
	defer teardown()

	conn := dial(t, url)

	data, _ := protocol.Encode(protocol.TypeAuth, protocol.AuthPayload{Token: record.Token})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	resultCh := unary.Create("req-1", record.Token)
	conn.Close()

	select {
	case res := <-resultCh:
		assert.Equal(t, "session closed", res.Error)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session-death resolution")
	}
}
