package tcprelay

import (
	"encoding/base64"
	"log"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lance0/tunnelrelay/internal/protocol"
	"github.com/lance0/tunnelrelay/internal/registry"
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

func testLogger() *log.Logger { return log.New(os.Stderr, "", 0) }

func TestListenerRelaysInboundBytes(t *testing.T) {
	reg := registry.New(time.Minute)
	conn := &fakeConn{}
	_, err := reg.Register(conn, 1, "demo", "tun_A", false)
	require.NoError(t, err)

	relay := NewRelayTable(testLogger())
	listener := NewListener(reg, relay, "demo", testLogger())

	inbound, outbound := net.Pipe()
	defer outbound.Close()

	done := make(chan struct{})
	go func() {
		listener.handle(inbound)
		close(done)
	}()

	_, err = outbound.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(conn.sentSnapshot()) >= 2 }, time.Second, time.Millisecond)
	snapshot := conn.sentSnapshot()
	assert.Equal(t, protocol.TypeTCPConnect, snapshot[0].msgType)

	dataFrame := snapshot[1].payload.(protocol.TCPDataPayload)
	decoded, err := base64.StdEncoding.DecodeString(dataFrame.Data)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(decoded))
	assert.EqualValues(t, 0, dataFrame.Sequence)

	outbound.Close()
	<-done
}

func TestWriteToUnknownConnIDReturnsFalse(t *testing.T) {
	relay := NewRelayTable(testLogger())
	assert.False(t, relay.Write("nope", []byte("x")))
	assert.False(t, relay.Close("nope", ""))
}

func TestFailAllForSessionClosesOwnedRelaysOnly(t *testing.T) {
	relay := NewRelayTable(testLogger())
	a1, a2 := net.Pipe()
	defer a2.Close()
	b1, b2 := net.Pipe()
	defer b2.Close()

	owned := &relayConn{connID: "c1", owner: "tok-A", inbound: a1}
	other := &relayConn{connID: "c2", owner: "tok-B", inbound: b1}
	relay.register(owned)
	relay.register(other)

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := b2.Read(buf)
		readDone <- buf[:n]
	}()

	relay.FailAllForSession("tok-A")

	assert.True(t, owned.closed)
	assert.False(t, other.closed)
	assert.False(t, relay.Write("c1", []byte("x")))
	assert.True(t, relay.Write("c2", []byte("x")))

	select {
	case got := <-readDone:
		assert.Equal(t, "x", string(got))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed write")
	}
}
