package forward

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lance0/tunnelrelay/internal/pending"
	"github.com/lance0/tunnelrelay/internal/protocol"
	"github.com/lance0/tunnelrelay/internal/registry"
)

// TCPResult is the HTTP-shaped outcome of a one-shot TCP dialog
// (spec.md §4.G step 4).
type TCPResult struct {
	Status  int
	Headers map[string]string
	Body    interface{}
	Error   string
}

// TCP forwards one HTTP-triggered request as a one-shot TCP dialog:
// connect, optionally write the request body, accumulate replies until
// close, then best-effort-parse the result (spec.md §4.G).
type TCP struct {
	registry *registry.Registry
	pending  *pending.TCPTable
	logger   *log.Logger
}

// NewTCP wires a unary TCP forwarder.
func NewTCP(reg *registry.Registry, tbl *pending.TCPTable, logger *log.Logger) *TCP {
	return &TCP{registry: reg, pending: tbl, logger: logger}
}

// Forward opens a logical TCP leg on domain's session, writes body (if
// any), and awaits the accumulated reply up to timeout.
func (f *TCP) Forward(domain, body string, timeout time.Duration) TCPResult {
	session, ok := f.registry.ByDomain(domain)
	if !ok {
		return TCPResult{Status: 503, Error: "tunnel not connected: " + domain}
	}

	connID := uuid.New().String()
	resultCh := f.pending.Create(connID, session.Token)

	if err := session.Conn.Send(protocol.TypeTCPConnect, protocol.TCPConnectPayload{ConnID: connID}); err != nil {
		f.pending.Cancel(connID)
		return TCPResult{Status: 502, Error: fmt.Sprintf("forward: tcp_connect: %v", err)}
	}

	if body != "" {
		data := base64.StdEncoding.EncodeToString([]byte(body))
		err := session.Conn.Send(protocol.TypeTCPData, protocol.TCPDataPayload{ConnID: connID, Data: data, Sequence: 0})
		if err != nil {
			f.pending.Cancel(connID)
			return TCPResult{Status: 502, Error: fmt.Sprintf("forward: tcp_data: %v", err)}
		}
	}

	select {
	case res := <-resultCh:
		if res.Error != "" {
			return TCPResult{Status: 502, Error: res.Error}
		}
		return parseTCPReply(res.Bytes)
	case <-time.After(timeout):
		f.pending.Cancel(connID)
		// Best-effort notify the client; the dialog is abandoned either way.
		if err := session.Conn.Send(protocol.TypeTCPClose, protocol.TCPClosePayload{ConnID: connID}); err != nil {
			f.logger.Printf("forward: best-effort tcp_close domain=%s conn_id=%s: %v", domain, connID, err)
		}
		return TCPResult{Status: 504, Error: "request timeout"}
	}
}

// parseTCPReply implements spec.md §4.G step 4's best-effort
// reassembly: JSON first, then an HTTP status line, else plain text.
func parseTCPReply(raw []byte) TCPResult {
	var asJSON interface{}
	if err := json.Unmarshal(raw, &asJSON); err == nil {
		return TCPResult{Status: 200, Body: asJSON}
	}

	if bytes.HasPrefix(raw, []byte("HTTP/")) {
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
		if err == nil {
			defer resp.Body.Close()
			body, readErr := io.ReadAll(resp.Body)
			headers := make(map[string]string, len(resp.Header))
			for k := range resp.Header {
				headers[k] = resp.Header.Get(k)
			}
			result := TCPResult{Status: resp.StatusCode, Headers: headers, Body: string(body)}
			if readErr != nil {
				result.Error = readErr.Error()
			}
			return result
		}
	}

	return TCPResult{Status: 200, Body: strings.TrimRight(string(raw), "\x00")}
}
