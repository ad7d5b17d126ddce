package tunnelclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lance0/tunnelrelay/internal/protocol"
)

// streamChunkSize bounds how much of an SSE response body is read per
// stream_chunk frame.
const streamChunkSize = 4096

// forwarder executes inbound request frames against the local target,
// adapted from the teacher's client/forwarder.go (buildURL/isHopByHop)
// but split into the non-SSE and SSE response paths spec.md §4.I
// requires.
type forwarder struct {
	target     string
	httpClient *http.Client
}

func newForwarder(target string, timeout time.Duration) *forwarder {
	return &forwarder{
		target: target,
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// handleRequest executes req against the local target and replies with
// either a single response frame or an SSE start/chunk*/end sequence
// (spec.md §4.I).
func (c *Client) handleRequest(ctx context.Context, conn *websocket.Conn, req protocol.RequestPayload) {
	start := time.Now()
	c.observer.Request(req.ID, req.Method, req.Path, req.Body)

	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = c.config.RequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullURL, err := buildURL(c.forwarder.target, req.Path)
	if err != nil {
		c.sendErrorResponse(conn, req.ID, 500, err, start)
		return
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, fullURL, bytes.NewReader([]byte(req.Body)))
	if err != nil {
		c.sendErrorResponse(conn, req.ID, 500, err, start)
		return
	}
	for k, v := range req.Headers {
		if isHopByHop(k) {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := c.forwarder.httpClient.Do(httpReq)
	if err != nil {
		c.sendErrorResponse(conn, req.ID, statusForDialError(err), err, start)
		return
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		c.streamResponse(conn, req.ID, resp, start)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.sendErrorResponse(conn, req.ID, 502, err, start)
		return
	}

	headers := responseHeaders(resp.Header)
	c.observer.Response(req.ID, resp.StatusCode, time.Since(start), string(body))
	c.sendResponse(conn, protocol.ResponsePayload{
		ID: req.ID, Status: resp.StatusCode, Headers: headers, Body: string(body),
		DurationMs: time.Since(start).Milliseconds(),
	})
}

func (c *Client) sendResponse(conn *websocket.Conn, payload protocol.ResponsePayload) {
	if err := c.send(conn, protocol.TypeResponse, payload); err != nil {
		c.logger.Printf("tunnelclient: send response id=%s: %v", payload.ID, err)
	}
}

func (c *Client) sendErrorResponse(conn *websocket.Conn, id string, status int, err error, start time.Time) {
	c.sendResponse(conn, protocol.ResponsePayload{
		ID: id, Status: status, Error: err.Error(),
		DurationMs: time.Since(start).Milliseconds(),
	})
}

// streamResponse implements the SSE path of spec.md §4.I: stream_start,
// then a stream_chunk per read, then stream_end.
func (c *Client) streamResponse(conn *websocket.Conn, id string, resp *http.Response, start time.Time) {
	if err := c.send(conn, protocol.TypeStreamStart, protocol.StreamStartPayload{
		ID: id, Status: resp.StatusCode, Headers: responseHeaders(resp.Header),
	}); err != nil {
		c.logger.Printf("tunnelclient: send stream_start id=%s: %v", id, err)
		return
	}

	var seq int64
	buf := make([]byte, streamChunkSize)
	var streamErr string

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if sendErr := c.send(conn, protocol.TypeStreamChunk, protocol.StreamChunkPayload{
				ID: id, Data: string(buf[:n]), Sequence: seq,
			}); sendErr != nil {
				c.logger.Printf("tunnelclient: send stream_chunk id=%s: %v", id, sendErr)
				streamErr = sendErr.Error()
				break
			}
			seq++
		}
		if err != nil {
			if err != io.EOF {
				streamErr = err.Error()
			}
			break
		}
	}

	if err := c.send(conn, protocol.TypeStreamEnd, protocol.StreamEndPayload{
		ID: id, Error: streamErr, DurationMs: time.Since(start).Milliseconds(), TotalChunks: seq,
	}); err != nil {
		c.logger.Printf("tunnelclient: send stream_end id=%s: %v", id, err)
	}
}

func responseHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for k, v := range h {
		if isHopByHop(k) || len(v) == 0 {
			continue
		}
		headers[k] = v[0]
	}
	return headers
}

// statusForDialError maps a local target failure to the HTTP status
// spec.md §7 requires: timeouts map to 504, refused connections to 503,
// anything else to 500.
func statusForDialError(err error) int {
	var netErr net.Error
	if ne, ok := err.(net.Error); ok {
		netErr = ne
	}
	if netErr != nil && netErr.Timeout() {
		return 504
	}
	if isConnRefused(err) {
		return 503
	}
	return 500
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	for e := err; e != nil; {
		if oe, ok := e.(*net.OpError); ok {
			opErr = oe
			break
		}
		unwrapper, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = unwrapper.Unwrap()
	}
	if opErr == nil {
		return false
	}
	return strings.Contains(opErr.Err.Error(), "connection refused")
}

// buildURL joins target with the tunnel request's path (may include a
// query string), the way the teacher's client/forwarder.go does.
func buildURL(target, path string) (string, error) {
	base, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("tunnelclient: invalid target url: %w", err)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	pathURL, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("tunnelclient: invalid request path: %w", err)
	}
	return base.ResolveReference(pathURL).String(), nil
}

// isHopByHop reports whether header is a hop-by-hop header that must
// not be copied across the tunnel boundary.
func isHopByHop(header string) bool {
	switch header {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailers", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}
