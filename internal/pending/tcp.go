package pending

import (
	"sync"
	"time"
)

// TCPResult is what a PendingTcp resolves to once tcp_close arrives (or
// the session dies): the concatenated bytes of every tcp_data chunk
// received before close, or a terminal error.
type TCPResult struct {
	Bytes []byte
	Error string
}

type tcpEntry struct {
	mu        sync.Mutex
	chunks    [][]byte
	owner     string
	ch        chan TCPResult
	resolved  bool
	createdAt time.Time
}

// TCPTable tracks in-flight unary TCP dialogs (spec.md §3 PendingTcp)
// keyed by conn_id.
type TCPTable struct {
	mu      sync.Mutex
	entries map[string]*tcpEntry
}

// NewTCPTable creates an empty table.
func NewTCPTable() *TCPTable {
	return &TCPTable{entries: make(map[string]*tcpEntry)}
}

// Create registers a new pending TCP dialog and returns its result channel.
func (t *TCPTable) Create(connID, owner string) <-chan TCPResult {
	ch := make(chan TCPResult, 1)
	t.mu.Lock()
	t.entries[connID] = &tcpEntry{ch: ch, owner: owner, createdAt: time.Now()}
	t.mu.Unlock()
	return ch
}

// Append adds one tcp_data chunk's bytes to connID's buffer. Returns false
// if connID has no pending entry (caller should then try the listener
// relay table instead, per spec.md §4.D).
func (t *TCPTable) Append(connID string, data []byte) bool {
	t.mu.Lock()
	entry, ok := t.entries[connID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	entry.mu.Lock()
	entry.chunks = append(entry.chunks, data)
	entry.mu.Unlock()
	return true
}

// Resolve concatenates the buffered chunks and delivers the result,
// removing the entry. Returns false if connID was not pending.
func (t *TCPTable) Resolve(connID, errMsg string) bool {
	t.mu.Lock()
	entry, ok := t.entries[connID]
	if ok {
		delete(t.entries, connID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	total := 0
	for _, c := range entry.chunks {
		total += len(c)
	}
	buf := make([]byte, 0, total)
	for _, c := range entry.chunks {
		buf = append(buf, c...)
	}
	entry.mu.Unlock()

	entry.ch <- TCPResult{Bytes: buf, Error: errMsg}
	return true
}

// Cancel removes connID without resolving it — used by the forwarder on
// its own timeout path.
func (t *TCPTable) Cancel(connID string) {
	t.mu.Lock()
	delete(t.entries, connID)
	t.mu.Unlock()
}

// FailAll resolves every entry owned by owner with errMsg.
func (t *TCPTable) FailAll(owner, errMsg string) {
	t.mu.Lock()
	toResolve := make([]*tcpEntry, 0)
	for id, entry := range t.entries {
		if entry.owner == owner {
			toResolve = append(toResolve, entry)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, entry := range toResolve {
		entry.ch <- TCPResult{Error: errMsg}
	}
}

// Len reports the number of pending entries (diagnostics/tests).
func (t *TCPTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
