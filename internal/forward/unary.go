// Package forward implements the three forwarders spec.md §4.E/F/G:
// unary HTTP, streaming HTTP, and unary TCP. Each looks a domain up in
// the registry, creates a pending-table entry, injects a frame onto the
// session's outbound queue, and awaits resolution — generalizing the
// teacher's Tunnel.ForwardRequest (internal/server/tunnel.go) from a
// single request/response shape to all three transport modes.
package forward

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lance0/tunnelrelay/internal/pending"
	"github.com/lance0/tunnelrelay/internal/protocol"
	"github.com/lance0/tunnelrelay/internal/registry"
	"github.com/lance0/tunnelrelay/internal/store"
)

const logBodyTruncate = 2048

// Result is the HTTP-shaped outcome of a unary forward (spec.md §4.E
// step 4/5/6).
type Result struct {
	Status     int
	Headers    map[string]string
	Body       interface{} // decoded JSON value, or the raw string if decoding failed
	Error      string
	DurationMs int64
}

// Unary forwards one HTTP request over an authenticated session and
// awaits its single response (spec.md §4.E).
type Unary struct {
	registry *registry.Registry
	pending  *pending.UnaryTable
	tunnels  store.TunnelStore
	logs     store.RequestLogStore
	logger   *log.Logger
}

// NewUnary wires a unary HTTP forwarder.
func NewUnary(reg *registry.Registry, tbl *pending.UnaryTable, tunnels store.TunnelStore, logs store.RequestLogStore, logger *log.Logger) *Unary {
	return &Unary{registry: reg, pending: tbl, tunnels: tunnels, logs: logs, logger: logger}
}

// Forward injects method/path/headers/body as a request frame on
// domain's session and awaits the matching response up to timeout.
func (u *Unary) Forward(domain, method, path string, headers map[string]string, body string, timeout time.Duration) Result {
	session, ok := u.registry.ByDomain(domain)
	if !ok {
		return Result{Status: 503, Error: "tunnel not connected: " + domain}
	}

	id := uuid.New().String()
	resultCh := u.pending.Create(id, session.Token)
	start := time.Now()

	err := session.Conn.Send(protocol.TypeRequest, protocol.RequestPayload{
		ID: id, Method: method, Path: path, Headers: headers, Body: body,
		Timeout: int(timeout / time.Second),
	})
	if err != nil {
		u.pending.Cancel(id)
		return Result{Status: 502, Error: fmt.Sprintf("forward: send request: %v", err)}
	}

	select {
	case res := <-resultCh:
		return u.finish(domain, session.Token, method, path, headers, body, res, start)
	case <-time.After(timeout):
		u.pending.Cancel(id)
		dur := time.Since(start).Milliseconds()
		u.appendLog(domain, method, path, headers, body, 504, dur, "request timeout")
		return Result{Status: 504, Error: "request timeout", DurationMs: dur}
	}
}

func (u *Unary) finish(domain, token, method, path string, reqHeaders map[string]string, reqBody string, res pending.UnaryResult, start time.Time) Result {
	status := res.Status
	if res.Error != "" && status == 0 {
		status = 502
	}

	var body interface{} = res.Body
	if res.Body != "" {
		var decoded interface{}
		if err := json.Unmarshal([]byte(res.Body), &decoded); err == nil {
			body = decoded
		}
	}

	if err := u.tunnels.IncrementRequests(token, 1); err != nil {
		u.logger.Printf("forward: increment_requests domain=%s: %v", domain, err)
	}
	u.appendLog(domain, method, path, reqHeaders, reqBody, status, res.DurationMs, res.Error)

	return Result{Status: status, Headers: res.Headers, Body: body, Error: res.Error, DurationMs: res.DurationMs}
}

// appendLog records the request envelope, truncated to a fixed length,
// including headers/body so the entry can later be replayed.
// Logging failure must not affect the response (spec.md §4.E).
func (u *Unary) appendLog(domain, method, path string, headers map[string]string, body string, status int, durationMs int64, errMsg string) {
	if u.logs == nil {
		return
	}
	if len(path) > logBodyTruncate {
		path = path[:logBodyTruncate]
	}
	if len(body) > logBodyTruncate {
		body = body[:logBodyTruncate]
	}
	err := u.logs.Append(store.RequestLog{
		Domain: domain, Method: method, Path: path, Headers: headers, Body: body,
		StatusCode: status, DurationMs: durationMs, Error: errMsg,
	})
	if err != nil {
		u.logger.Printf("forward: append request log domain=%s: %v", domain, err)
	}
}
