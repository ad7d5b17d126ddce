package forward

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lance0/tunnelrelay/internal/pending"
	"github.com/lance0/tunnelrelay/internal/protocol"
	"github.com/lance0/tunnelrelay/internal/registry"
)

// Event is one value of a streaming forward's lazy, finite sequence
// (spec.md §4.F): exactly one IsStart, then zero or more IsChunk in
// sequence order, then exactly one IsEnd.
type Event struct {
	IsStart bool
	IsChunk bool
	IsEnd   bool

	Status  int
	Headers map[string]string

	Data string
	Seq  int64

	Error       string
	DurationMs  int64
	TotalChunks int64
}

// Stream forwards one HTTP request and returns its reply as an SSE-style
// sequence (spec.md §4.F).
type Stream struct {
	registry *registry.Registry
	pending  *pending.StreamTable
	logger   *log.Logger
}

// NewStream wires a streaming HTTP forwarder.
func NewStream(reg *registry.Registry, tbl *pending.StreamTable, logger *log.Logger) *Stream {
	return &Stream{registry: reg, pending: tbl, logger: logger}
}

// Forward injects a request frame and returns a channel of Events. The
// channel is closed once the terminal IsEnd event has been delivered, or
// immediately if ctx is cancelled first. Cancelling ctx before the
// terminal event removes the pending entry without leaking it.
func (s *Stream) Forward(ctx context.Context, domain, method, path string, headers map[string]string, body string, timeout time.Duration) (<-chan Event, error) {
	session, ok := s.registry.ByDomain(domain)
	if !ok {
		return nil, fmt.Errorf("forward: tunnel not connected")
	}

	id := uuid.New().String()
	queue, end := s.pending.Create(id, session.Token)

	err := session.Conn.Send(protocol.TypeRequest, protocol.RequestPayload{
		ID: id, Method: method, Path: path, Headers: headers, Body: body,
		Timeout: int(timeout / time.Second),
	})
	if err != nil {
		s.pending.Cancel(id)
		return nil, fmt.Errorf("forward: send request: %w", err)
	}

	events := make(chan Event, 1)
	go s.pump(ctx, id, queue, end, timeout, events)
	return events, nil
}

// pump is the per-value timeout loop: every value (start, chunk, or the
// terminal end) must arrive within timeout of the previous one, or a
// synthetic timeout end is emitted and the entry is cancelled (spec.md
// §4.F).
func (s *Stream) pump(ctx context.Context, id string, queue <-chan pending.StreamChunk, end <-chan pending.StreamEnd, timeout time.Duration, out chan<- Event) {
	defer close(out)

	for {
		select {
		case chunk, ok := <-queue:
			if !ok {
				s.deliverEnd(ctx, id, end, timeout, out)
				return
			}
			if chunk.IsStart {
				out <- Event{IsStart: true, Status: chunk.Status, Headers: chunk.Headers}
			} else {
				out <- Event{IsChunk: true, Data: chunk.Data, Seq: chunk.Seq}
			}

		case <-time.After(timeout):
			s.pending.Cancel(id)
			out <- Event{IsEnd: true, Error: "stream timeout"}
			return

		case <-ctx.Done():
			s.pending.Cancel(id)
			return
		}
	}
}

// deliverEnd waits for the terminal value after queue has closed:
// PushEnd/FailAll send it on the buffered end channel right after
// finish() closes queue, so this does not block past timeout in
// practice, but still respects it defensively.
func (s *Stream) deliverEnd(ctx context.Context, id string, end <-chan pending.StreamEnd, timeout time.Duration, out chan<- Event) {
	select {
	case e := <-end:
		out <- Event{IsEnd: true, Error: e.Error, DurationMs: e.DurationMs, TotalChunks: e.TotalChunks}
	case <-time.After(timeout):
		out <- Event{IsEnd: true, Error: "stream timeout"}
	case <-ctx.Done():
	}
}
