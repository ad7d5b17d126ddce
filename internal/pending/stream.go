package pending

import (
	"errors"
	"sync"
)

// ErrStreamCancelled is returned to a blocked Push* call when the
// consumer has cancelled the stream (Cancel was called) before the
// session could deliver the frame.
var ErrStreamCancelled = errors.New("pending: stream cancelled")

// ErrStreamOrder is returned when the session loop pushes a frame that
// violates start-before-chunk / nothing-after-end ordering (spec.md §5).
// The session dispatcher drops the frame and logs this rather than
// tearing down the connection.
var ErrStreamOrder = errors.New("pending: stream frame out of order")

// ErrStreamAlreadyEnded is returned by PushEnd when the stream already
// has a terminal value (double end, or FailAll raced it).
var ErrStreamAlreadyEnded = errors.New("pending: stream already ended")

// StreamChunk is one queued value before the terminal end: either the
// single leading "start" or one of zero-or-more "chunk" frames.
type StreamChunk struct {
	IsStart bool
	Status  int               // set when IsStart
	Headers map[string]string // set when IsStart
	Data    string            // set when chunk
	Seq     int64             // set when chunk
}

// StreamEnd is the terminal value of a stream: a real stream_end frame,
// a synthetic timeout, or a synthetic session-death sentinel.
type StreamEnd struct {
	Error       string
	DurationMs  int64
	TotalChunks int64
}

type streamEntry struct {
	mu        sync.Mutex
	queue     chan StreamChunk
	end       chan StreamEnd
	cancelled chan struct{}
	owner     string
	started   bool
	ended     bool
	endOnce   sync.Once
}

// finish closes cancelled before queue: any Push* blocked on
// `queue <- v` is also selecting on cancelled, so it wakes via the
// cancelled branch before queue is closed out from under it. Idempotent.
func (e *streamEntry) finish() {
	e.endOnce.Do(func() {
		close(e.cancelled)
		close(e.queue)
	})
}

// StreamTable tracks in-flight streaming HTTP forwards keyed by request
// id. Queue capacity bounds how far the tunnel client can run ahead of a
// slow consumer; once full, the session loop's Push* call blocks,
// transferring backpressure onto the WebSocket read loop (spec.md §4.F).
type StreamTable struct {
	mu       sync.Mutex
	entries  map[string]*streamEntry
	capacity int
}

// NewStreamTable creates an empty table with the given per-stream queue
// capacity.
func NewStreamTable(capacity int) *StreamTable {
	if capacity <= 0 {
		capacity = 1
	}
	return &StreamTable{entries: make(map[string]*streamEntry), capacity: capacity}
}

// Create registers a new pending stream and returns the channels a
// consumer should range over: queue for start/chunk values (closed when
// the stream ends) and end for the single terminal value, sent after
// queue is closed.
func (t *StreamTable) Create(id, owner string) (queue <-chan StreamChunk, end <-chan StreamEnd) {
	entry := &streamEntry{
		queue:     make(chan StreamChunk, t.capacity),
		end:       make(chan StreamEnd, 1),
		cancelled: make(chan struct{}),
		owner:     owner,
	}
	t.mu.Lock()
	t.entries[id] = entry
	t.mu.Unlock()
	return entry.queue, entry.end
}

func (t *StreamTable) lookup(id string) (*streamEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// PushStart delivers the leading stream_start frame. Must precede any
// PushChunk for the same id.
func (t *StreamTable) PushStart(id string, status int, headers map[string]string) error {
	entry, ok := t.lookup(id)
	if !ok {
		return nil // stream already cleaned up (cancelled); nothing to do
	}
	entry.mu.Lock()
	if entry.started || entry.ended {
		entry.mu.Unlock()
		return ErrStreamOrder
	}
	entry.started = true
	entry.mu.Unlock()

	select {
	case entry.queue <- StreamChunk{IsStart: true, Status: status, Headers: headers}:
		return nil
	case <-entry.cancelled:
		return ErrStreamCancelled
	}
}

// PushChunk delivers one stream_chunk frame. Blocks (applying
// backpressure) if the bounded queue is full.
func (t *StreamTable) PushChunk(id string, data string, seq int64) error {
	entry, ok := t.lookup(id)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	if !entry.started || entry.ended {
		entry.mu.Unlock()
		return ErrStreamOrder
	}
	entry.mu.Unlock()

	select {
	case entry.queue <- StreamChunk{Data: data, Seq: seq}:
		return nil
	case <-entry.cancelled:
		return ErrStreamCancelled
	}
}

// PushEnd delivers the terminal stream_end frame (real or synthetic),
// closes the queue so a ranging consumer unblocks, and removes the
// entry from the table.
func (t *StreamTable) PushEnd(id string, end StreamEnd) error {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	alreadyEnded := entry.ended
	entry.ended = true
	entry.mu.Unlock()
	if alreadyEnded {
		return ErrStreamAlreadyEnded
	}

	entry.finish()
	entry.end <- end
	return nil
}

// Cancel tears down a stream the consumer gave up on: unblocks any
// in-flight Push*, removes the entry, and marks it ended so a late
// PushEnd is a no-op.
func (t *StreamTable) Cancel(id string) {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.ended = true
	entry.mu.Unlock()
	entry.finish()
}

// FailAll pushes a synthetic terminator sentinel into every stream owned
// by owner, so any consumer ranging over it wakes and observes
// end-of-stream (spec.md §4.C). Entries belonging to other sessions are
// untouched.
func (t *StreamTable) FailAll(owner, errMsg string) {
	t.mu.Lock()
	toEnd := make([]*streamEntry, 0)
	for id, entry := range t.entries {
		if entry.owner == owner {
			toEnd = append(toEnd, entry)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, entry := range toEnd {
		entry.mu.Lock()
		alreadyEnded := entry.ended
		entry.ended = true
		entry.mu.Unlock()
		if alreadyEnded {
			continue
		}
		entry.finish()
		entry.end <- StreamEnd{Error: errMsg}
	}
}

// Len reports the number of pending entries (diagnostics/tests).
func (t *StreamTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
