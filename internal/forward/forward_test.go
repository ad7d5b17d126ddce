package forward

import (
	"context"
	"encoding/base64"
	"log"
	"os"
	"sync"
	"testing"
	"time"

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

func (f *fakeConn) sentSnapshot() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentFrame, len(f.sent))
	copy(out, f.sent)
	return out
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}

func TestUnaryForwardNoSession(t *testing.T) {
	reg := registry.New(time.Minute)
	u := NewUnary(reg, pending.NewUnaryTable(), store.NewMemoryStore(0), store.NewMemoryStore(0), testLogger())
	res := u.Forward("demo", "GET", "/", nil, "", time.Second)
	assert.Equal(t, 503, res.Status)
	assert.Equal(t, "tunnel not connected: demo", res.Error)
}

func TestUnaryForwardResolvesAndDecodesJSON(t *testing.T) {
	reg := registry.New(time.Minute)
	conn := &fakeConn{}
	_, err := reg.Register(conn, 1, "demo", "tun_A", false)
	require.NoError(t, err)

	unaryTbl := pending.NewUnaryTable()
	memStore := store.NewMemoryStore(0)
	_, err = memStore.Create("demo", nil, "", "", store.ModeHTTP)
	require.NoError(t, err)

	u := NewUnary(reg, unaryTbl, memStore, memStore, testLogger())

	done := make(chan Result, 1)
	go func() {
		done <- u.Forward("demo", "GET", "/hello", map[string]string{"X-Test": "1"}, "", time.Second)
	}()

	// Wait until the forwarder has created its pending entry and sent
	// the request frame, then resolve it the way the session loop would.
	require.Eventually(t, func() bool { return unaryTbl.Len() == 1 }, time.Second, time.Millisecond)
	snapshot := conn.sentSnapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, protocol.TypeRequest, snapshot[0].msgType)
	req := snapshot[0].payload.(protocol.RequestPayload)

	ok := unaryTbl.Resolve(req.ID, pending.UnaryResult{Status: 200, Body: `{"ok":true}`, DurationMs: 5})
	require.True(t, ok)

	res := <-done
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, map[string]interface{}{"ok": true}, res.Body)
}

func TestUnaryForwardTimeout(t *testing.T) {
	reg := registry.New(time.Minute)
	conn := &fakeConn{}
	_, err := reg.Register(conn, 1, "demo", "tun_A", false)
	require.NoError(t, err)

	unaryTbl := pending.NewUnaryTable()
	u := NewUnary(reg, unaryTbl, store.NewMemoryStore(0), store.NewMemoryStore(0), testLogger())

	res := u.Forward("demo", "GET", "/", nil, "", 20*time.Millisecond)
	assert.Equal(t, 504, res.Status)
	assert.Equal(t, "request timeout", res.Error)
	assert.Equal(t, 0, unaryTbl.Len())
}

func TestStreamForwardHappyPath(t *testing.T) {
	reg := registry.New(time.Minute)
	conn := &fakeConn{}
	_, err := reg.Register(conn, 1, "demo", "tun_A", false)
	require.NoError(t, err)

	streamTbl := pending.NewStreamTable(4)
	s := NewStream(reg, streamTbl, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Forward(ctx, "demo", "GET", "/events", nil, "", time.Second)
	require.NoError(t, err)

	require.Len(t, conn.sent, 1)
	req := conn.sent[0].payload.(protocol.RequestPayload)

	require.NoError(t, streamTbl.PushStart(req.ID, 200, map[string]string{"Content-Type": "text/event-stream"}))
	require.NoError(t, streamTbl.PushChunk(req.ID, "data: hi\n\n", 0))
	require.NoError(t, streamTbl.PushEnd(req.ID, pending.StreamEnd{DurationMs: 10, TotalChunks: 1}))

	first := <-events
	assert.True(t, first.IsStart)
	assert.Equal(t, 200, first.Status)

	second := <-events
	assert.True(t, second.IsChunk)
	assert.Equal(t, "data: hi\n\n", second.Data)

	third := <-events
	assert.True(t, third.IsEnd)
	assert.EqualValues(t, 1, third.TotalChunks)

	_, open := <-events
	assert.False(t, open)
}

func TestTCPForwardAppendThenResolve(t *testing.T) {
	reg := registry.New(time.Minute)
	conn := &fakeConn{}
	_, err := reg.Register(conn, 1, "demo", "tun_A", false)
	require.NoError(t, err)

	tcpTbl := pending.NewTCPTable()
	f := NewTCP(reg, tcpTbl, testLogger())

	done := make(chan TCPResult, 1)
	go func() {
		done <- f.Forward("demo", "ping", time.Second)
	}()

	require.Eventually(t, func() bool { return len(conn.sentSnapshot()) == 2 }, time.Second, time.Millisecond)
	snapshot := conn.sentSnapshot()
	connectReq := snapshot[0].payload.(protocol.TCPConnectPayload)
	dataReq := snapshot[1].payload.(protocol.TCPDataPayload)

	decoded, err := base64.StdEncoding.DecodeString(dataReq.Data)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(decoded))

	require.True(t, tcpTbl.Append(connectReq.ConnID, []byte(`{"pong":true}`)))
	require.True(t, tcpTbl.Resolve(connectReq.ConnID, ""))

	res := <-done
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, map[string]interface{}{"pong": true}, res.Body)
}

func TestTCPForwardTimeout(t *testing.T) {
	reg := registry.New(time.Minute)
	conn := &fakeConn{}
	_, err := reg.Register(conn, 1, "demo", "tun_A", false)
	require.NoError(t, err)

	f := NewTCP(reg, pending.NewTCPTable(), testLogger())
	res := f.Forward("demo", "", 20*time.Millisecond)
	assert.Equal(t, 504, res.Status)
	assert.Equal(t, "request timeout", res.Error)
}
