package ingress

import (
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lance0/tunnelrelay/internal/forward"
	"github.com/lance0/tunnelrelay/internal/pending"
	"github.com/lance0/tunnelrelay/internal/protocol"
	"github.com/lance0/tunnelrelay/internal/registry"
	"github.com/lance0/tunnelrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []sentFrame
}

type sentFrame struct {
	msgType string
	payload interface{}
}

func (f *fakeConn) Close(code int, reason string) error { return nil }
func (f *fakeConn) Send(msgType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{msgType: msgType, payload: payload})
	return nil
}

func testLogger() *log.Logger { return log.New(os.Stderr, "", 0) }

func TestDomainFromHost(t *testing.T) {
	assert.Equal(t, "demo", domainFromHost("demo.tunnel.example.com:443", "tunnel.example.com"))
	assert.Equal(t, "demo", domainFromHost("demo.tunnel.example.com", "tunnel.example.com"))
	assert.Equal(t, "demo.otherhost.com", domainFromHost("demo.otherhost.com", "tunnel.example.com"))
	assert.Equal(t, "localhost", domainFromHost("localhost:8080", ""))
}

func TestServeHTTPUnknownDomainReturns404(t *testing.T) {
	memStore := store.NewMemoryStore(0)
	reg := registry.New(time.Minute)
	h := New(Config{
		Tunnels: memStore,
		Unary:   forward.NewUnary(reg, pending.NewUnaryTable(), memStore, memStore, testLogger()),
		Stream:  forward.NewStream(reg, pending.NewStreamTable(4), testLogger()),
		TCP:     forward.NewTCP(reg, pending.NewTCPTable(), testLogger()),
		Logger:  testLogger(),
	})

	req := httptest.NewRequest(http.MethodGet, "http://unknown.example.com/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPUnaryForwardsToSession(t *testing.T) {
	memStore := store.NewMemoryStore(0)
	_, err := memStore.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	reg := registry.New(time.Minute)
	conn := &fakeConn{}
	_, err = reg.Register(conn, 1, "demo", "tun_A", false)
	require.NoError(t, err)

	unaryTbl := pending.NewUnaryTable()
	h := New(Config{
		Tunnels:        memStore,
		Unary:          forward.NewUnary(reg, unaryTbl, memStore, memStore, testLogger()),
		Stream:         forward.NewStream(reg, pending.NewStreamTable(4), testLogger()),
		TCP:            forward.NewTCP(reg, pending.NewTCPTable(), testLogger()),
		BaseDomain:     "example.com",
		DefaultTimeout: time.Second,
		Logger:         testLogger(),
	})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "http://demo.example.com/hello", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		done <- rec
	}()

	require.Eventually(t, func() bool { return unaryTbl.Len() == 1 }, time.Second, time.Millisecond)
	conn.mu.Lock()
	req := conn.sent[0].payload.(protocol.RequestPayload)
	conn.mu.Unlock()

	require.True(t, unaryTbl.Resolve(req.ID, pending.UnaryResult{Status: 200, Body: `{"ok":true}`}))

	rec := <-done
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestServeHTTPTunnelNotConnected(t *testing.T) {
	memStore := store.NewMemoryStore(0)
	_, err := memStore.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	reg := registry.New(time.Minute)
	h := New(Config{
		Tunnels:        memStore,
		Unary:          forward.NewUnary(reg, pending.NewUnaryTable(), memStore, memStore, testLogger()),
		Stream:         forward.NewStream(reg, pending.NewStreamTable(4), testLogger()),
		TCP:            forward.NewTCP(reg, pending.NewTCPTable(), testLogger()),
		BaseDomain:     "example.com",
		DefaultTimeout: 50 * time.Millisecond,
		Logger:         testLogger(),
	})

	req := httptest.NewRequest(http.MethodGet, "http://demo.example.com/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
