// Package ingress implements the public HTTP front door: it turns an
// inbound request's Host header into a domain, picks the forwarder
// spec.md §4.E/F/G describes for that tunnel's mode, and writes the
// result back onto the public socket. The richer subdomain-routing
// product surface (reserved names, wildcard certs, vhost middleware)
// is out of scope per spec.md §1 ("the front-end HTTP router that
// turns a subdomain into a tunnel lookup" is an external collaborator);
// this is the minimal routing glue needed to actually exercise
// forwarders E/F/G end to end, grounded on the teacher's
// handleWebhook (internal/server/server.go).
package ingress

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lance0/tunnelrelay/internal/forward"
	"github.com/lance0/tunnelrelay/internal/store"
)

// Handler is the public entry point mounted at "/" (everything not
// matched by the management API or the WebSocket endpoint).
type Handler struct {
	tunnels        store.TunnelStore
	unary          *forward.Unary
	stream         *forward.Stream
	tcp            *forward.TCP
	baseDomain     string
	defaultTimeout time.Duration
	maxBodyBytes   int64
	logger         *log.Logger
}

// Config wires a Handler.
type Config struct {
	Tunnels        store.TunnelStore
	Unary          *forward.Unary
	Stream         *forward.Stream
	TCP            *forward.TCP
	BaseDomain     string // e.g. "tunnel.example.com"; "" disables subdomain stripping
	DefaultTimeout time.Duration
	MaxBodyBytes   int64
	Logger         *log.Logger
}

// New builds an ingress Handler.
func New(cfg Config) *Handler {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 300 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 * 1024 * 1024
	}
	return &Handler{
		tunnels:        cfg.Tunnels,
		unary:          cfg.Unary,
		stream:         cfg.Stream,
		tcp:            cfg.TCP,
		baseDomain:     cfg.BaseDomain,
		defaultTimeout: cfg.DefaultTimeout,
		maxBodyBytes:   cfg.MaxBodyBytes,
		logger:         cfg.Logger,
	}
}

// domainFromHost extracts the tunnel domain label from a request's Host
// header: "{domain}.{baseDomain}" -> domain. When baseDomain is unset,
// or the host doesn't carry it as a suffix, the bare host (port
// stripped) is used verbatim as the domain, so the relay is usable
// behind a per-tunnel DNS record or in local testing without the base
// domain configured.
func domainFromHost(host, baseDomain string) string {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if baseDomain != "" {
		suffix := "." + strings.ToLower(baseDomain)
		if strings.HasSuffix(host, suffix) {
			return strings.TrimSuffix(host, suffix)
		}
	}
	return host
}

// ServeHTTP implements spec.md §2's "public HTTP request → router →
// forwarder E/F → registry B" data flow, plus G for tcp-mode tunnels.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	domain := domainFromHost(r.Host, h.baseDomain)

	record, err := h.tunnels.ByDomain(domain)
	if err != nil || !record.Enabled {
		http.Error(w, "tunnel not found", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	if record.Mode == store.ModeTCP {
		h.serveTCP(w, domain, string(body))
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.serveStream(w, r, domain, r.Method, path, headers, string(body))
		return
	}
	h.serveUnary(w, domain, r.Method, path, headers, string(body))
}

func (h *Handler) serveUnary(w http.ResponseWriter, domain, method, path string, headers map[string]string, body string) {
	result := h.unary.Forward(domain, method, path, headers, body, h.defaultTimeout)
	for k, v := range result.Headers {
		w.Header().Set(k, v)
	}
	writeForwardBody(w, result.Status, result.Body)
}

func (h *Handler) serveTCP(w http.ResponseWriter, domain, body string) {
	result := h.tcp.Forward(domain, body, h.defaultTimeout)
	for k, v := range result.Headers {
		w.Header().Set(k, v)
	}
	writeForwardBody(w, result.Status, result.Body)
}

// writeForwardBody renders a forward.Result-shaped body: raw bytes for
// a string (the no-JSON-decode fallback of spec.md §4.E step 4), or
// re-marshaled JSON otherwise. Losing the backend's exact byte layout
// for JSON bodies is inherent to that contract, not an ingress defect.
func writeForwardBody(w http.ResponseWriter, status int, body interface{}) {
	if status == 0 {
		status = 502
	}
	switch v := body.(type) {
	case nil:
		w.WriteHeader(status)
	case string:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(status)
		io.WriteString(w, v)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
}

// serveStream implements the streaming half of spec.md §4.F at the
// public edge: the caller's own Accept header selected this path (§9
// "SSE detection at the edge"); the tunnel client's actual upstream may
// or may not agree, in which case the forwarder's per-value timeout
// will surface as a synthetic end.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, domain, method, path string, headers map[string]string, body string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, err := h.stream.Forward(r.Context(), domain, method, path, headers, body, h.defaultTimeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	wroteHeader := false
	for ev := range events {
		switch {
		case ev.IsStart:
			for k, v := range ev.Headers {
				w.Header().Set(k, v)
			}
			if w.Header().Get("Content-Type") == "" {
				w.Header().Set("Content-Type", "text/event-stream")
			}
			status := ev.Status
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
			wroteHeader = true
			flusher.Flush()
		case ev.IsChunk:
			if !wroteHeader {
				w.WriteHeader(http.StatusOK)
				wroteHeader = true
			}
			io.WriteString(w, ev.Data)
			flusher.Flush()
		case ev.IsEnd:
			if !wroteHeader {
				status := http.StatusOK
				if ev.Error != "" {
					status = http.StatusBadGateway
				}
				w.WriteHeader(status)
			}
			if ev.Error != "" {
				h.logger.Printf("ingress: stream domain=%s error: %s", domain, ev.Error)
			}
			flusher.Flush()
		}
	}
}
