package api

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/lance0/tunnelrelay/internal/authjwt"
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

func newTestServer(t *testing.T) (*mux.Router, store.TunnelStore, *registry.Registry, *pending.UnaryTable) {
	t.Helper()
	memStore := store.NewMemoryStore(0)
	reg := registry.New(time.Minute)
	unaryTbl := pending.NewUnaryTable()

	srv := New(Config{
		Tunnels:      memStore,
		Logs:         memStore,
		Registry:     reg,
		UnaryForward: forward.NewUnary(reg, unaryTbl, memStore, memStore, testLogger()),
		TCPForward:   forward.NewTCP(reg, pending.NewTCPTable(), testLogger()),
		JWT:          authjwt.NewVerifier(""),
		Info:         Info{Name: "tunnelrelay"},
		Logger:       testLogger(),
	})

	r := mux.NewRouter()
	srv.Routes(r)
	return r, memStore, reg, unaryTbl
}

func TestHandleCreateAndGet(t *testing.T) {
	r, _, _, _ := newTestServer(t)

	body := strings.NewReader(`{"domain":"demo"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "demo", created.Domain)
	assert.NotEmpty(t, created.Token)

	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/tunnels/demo", nil))
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestHandleCreateTCPMode(t *testing.T) {
	r, memStore, _, _ := newTestServer(t)

	body := strings.NewReader(`{"domain":"raw","mode":"tcp"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	record, err := memStore.ByDomain("raw")
	require.NoError(t, err)
	assert.Equal(t, store.ModeTCP, record.Mode)
}

func TestHandleCreateInvalidMode(t *testing.T) {
	r, _, _, _ := newTestServer(t)

	body := strings.NewReader(`{"domain":"bogus","mode":"carrier-pigeon"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCheckAvailability(t *testing.T) {
	r, memStore, _, _ := newTestServer(t)
	_, err := memStore.Create("taken", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tunnels/check-availability?name=taken", nil))
	var resp availabilityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Available)

	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/tunnels/check-availability?name=free", nil))
	var resp2 availabilityResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp2))
	assert.True(t, resp2.Available)
}

func TestHandleForwardTunnelNotConnected(t *testing.T) {
	r, memStore, _, _ := newTestServer(t)
	_, err := memStore.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	body := strings.NewReader(`{"method":"GET","path":"/hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels/demo/forward", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var result forward.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 503, result.Status)
}

func TestHandleForwardUnknownDomain(t *testing.T) {
	r, _, _, _ := newTestServer(t)

	body := strings.NewReader(`{"method":"GET","path":"/hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels/ghost/forward", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleReplayRoundTrip(t *testing.T) {
	r, memStore, reg, unaryTbl := newTestServer(t)
	_, err := memStore.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	conn := &fakeConn{}
	_, err = reg.Register(conn, 1, "demo", "tun_A", false)
	require.NoError(t, err)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		body := strings.NewReader(`{"method":"GET","path":"/orig","body":"hi"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/tunnels/demo/forward", body)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		done <- rec
	}()

	require.Eventually(t, func() bool { return unaryTbl.Len() == 1 }, time.Second, time.Millisecond)
	conn.mu.Lock()
	reqPayload := conn.sent[0].payload.(protocol.RequestPayload)
	conn.mu.Unlock()
	require.True(t, unaryTbl.Resolve(reqPayload.ID, pending.UnaryResult{Status: 200, Body: `{"ok":true}`}))
	firstRec := <-done
	require.Equal(t, http.StatusOK, firstRec.Code)

	logs, err := memStore.Recent("demo", 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	logID := logs[0].ID

	done2 := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/tunnels/demo/logs/"+strconv.FormatInt(logID, 10)+"/replay", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		done2 <- rec
	}()

	require.Eventually(t, func() bool { return unaryTbl.Len() == 1 }, time.Second, time.Millisecond)
	conn.mu.Lock()
	replayPayload := conn.sent[1].payload.(protocol.RequestPayload)
	conn.mu.Unlock()
	assert.Equal(t, "/orig", replayPayload.Path)
	require.True(t, unaryTbl.Resolve(replayPayload.ID, pending.UnaryResult{Status: 200, Body: `{"replayed":true}`}))

	replayRec := <-done2
	assert.Equal(t, http.StatusOK, replayRec.Code)
	assert.Contains(t, replayRec.Body.String(), "replayed")
}

func TestHandleReplayUnknownLogID(t *testing.T) {
	r, memStore, _, _ := newTestServer(t)
	_, err := memStore.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/tunnels/demo/logs/999/replay", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
