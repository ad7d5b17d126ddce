// Package pending implements the three correlation tables of spec.md
// §4.C: unary HTTP, streaming HTTP, and TCP. Each table is created by a
// forwarder before it sends a frame, mutated only by the session loop's
// dispatcher, and torn down either by the forwarder draining it or by
// FailAll when the owning session dies.
package pending

import (
	"sync"
	"time"
)

// UnaryResult is what a PendingUnary resolves to: either a successful
// response or a terminal error ("session closed", "request timeout").
type UnaryResult struct {
	Status     int
	Headers    map[string]string
	Body       string
	Error      string
	DurationMs int64
}

type unaryEntry struct {
	ch        chan UnaryResult
	owner     string // token of the session this request was sent on
	createdAt time.Time
}

// UnaryTable tracks in-flight unary HTTP forwards keyed by request id.
type UnaryTable struct {
	mu      sync.Mutex
	entries map[string]*unaryEntry
}

// NewUnaryTable creates an empty table.
func NewUnaryTable() *UnaryTable {
	return &UnaryTable{entries: make(map[string]*unaryEntry)}
}

// Create registers a new pending unary request bound to owner (the
// session's token) and returns the channel its single resolution will be
// delivered on.
func (t *UnaryTable) Create(id, owner string) <-chan UnaryResult {
	ch := make(chan UnaryResult, 1)
	t.mu.Lock()
	t.entries[id] = &unaryEntry{ch: ch, owner: owner, createdAt: time.Now()}
	t.mu.Unlock()
	return ch
}

// Resolve delivers result to the waiter for id, if it is still pending.
// Invariant 8.1: the entry is removed here so a later duplicate response,
// or a later FailAll, cannot resolve it a second time.
func (t *UnaryTable) Resolve(id string, result UnaryResult) bool {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	entry.ch <- result
	return true
}

// Cancel removes id without resolving it — used by the forwarder itself
// once it has already produced a terminal result (e.g. its own timeout)
// so the entry doesn't leak and can't be double-resolved by a late
// response.
func (t *UnaryTable) Cancel(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// FailAll resolves every pending entry owned by the dead session
// (spec.md §4.C) with a "session closed" style error and removes them.
// Entries belonging to other sessions are untouched.
func (t *UnaryTable) FailAll(owner, errMsg string) {
	t.mu.Lock()
	toResolve := make([]*unaryEntry, 0)
	for id, entry := range t.entries {
		if entry.owner == owner {
			toResolve = append(toResolve, entry)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, entry := range toResolve {
		entry.ch <- UnaryResult{Error: errMsg}
	}
}

// Len reports the number of pending entries (diagnostics/tests).
func (t *UnaryTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
