// Package api implements the management HTTP surface (spec.md §6): CRUD
// on tunnel records, availability checks, log listing, and the
// /api/info discovery endpoint, plus an authenticated forward-test
// endpoint. Routed with gorilla/mux the way the teacher's server.go
// routes its /api subrouter, generalized from hookshot's
// token-based admin auth to the optional-bearer-JWT-on-create plus
// admin-API-key-or-tunnel-token scheme spec.md §6 specifies.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/lance0/tunnelrelay/internal/authjwt"
	"github.com/lance0/tunnelrelay/internal/forward"
	"github.com/lance0/tunnelrelay/internal/registry"
	"github.com/lance0/tunnelrelay/internal/store"
)

// Info is the contract of GET /api/info (spec.md §6, bit-for-bit).
type Info struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	DomainTemplate  string `json:"domain_template"`
	WebSocketURL    string `json:"websocket_url"`
	AuthRequired    bool   `json:"auth_required"`
	Instruction     string `json:"instruction,omitempty"`
}

// Server implements the management HTTP surface described in spec.md
// §6 as an external-interface contract.
type Server struct {
	tunnels    store.TunnelStore
	logs       store.RequestLogStore
	registry   *registry.Registry
	unary      *forward.Unary
	tcp        *forward.TCP
	jwt        *authjwt.Verifier
	adminKey   string
	info       Info
	logger     *log.Logger
}

// Config wires everything a Server needs to answer the management API.
type Config struct {
	Tunnels      store.TunnelStore
	Logs         store.RequestLogStore
	Registry     *registry.Registry
	UnaryForward *forward.Unary
	TCPForward   *forward.TCP
	JWT          *authjwt.Verifier
	AdminAPIKey  string
	Info         Info
	Logger       *log.Logger
}

// New builds the management API's router-ready Server.
func New(cfg Config) *Server {
	return &Server{
		tunnels:  cfg.Tunnels,
		logs:     cfg.Logs,
		registry: cfg.Registry,
		unary:    cfg.UnaryForward,
		tcp:      cfg.TCPForward,
		jwt:      cfg.JWT,
		adminKey: cfg.AdminAPIKey,
		info:     cfg.Info,
		logger:   cfg.Logger,
	}
}

// Routes registers the management surface onto r under /api (spec.md
// §6). The caller mounts r wherever it likes (typically at "/").
func (s *Server) Routes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	api.HandleFunc("/tunnels", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/tunnels", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/tunnels/check-availability", s.handleCheckAvailability).Methods(http.MethodGet)
	api.HandleFunc("/tunnels/{domain}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/tunnels/{domain}", s.handleUpdate).Methods(http.MethodPut)
	api.HandleFunc("/tunnels/{domain}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/tunnels/{domain}/regenerate-token", s.handleRegenerateToken).Methods(http.MethodPost)
	api.HandleFunc("/tunnels/{domain}/forward", s.handleForward).Methods(http.MethodPost)
	api.HandleFunc("/tunnels/{domain}/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/tunnels/{domain}/logs/{id}/replay", s.handleReplay).Methods(http.MethodPost)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.info)
}

type createRequest struct {
	Domain      string `json:"domain"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Mode        string `json:"mode,omitempty"` // "http" (default) or "tcp"
}

type createResponse struct {
	Domain string `json:"domain"`
	Token  string `json:"token"`
	Name   string `json:"name,omitempty"`
}

// handleCreate is POST /api/tunnels: open unless a bearer JWT is
// configured (spec.md §6).
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.jwt.Enabled() {
		if err := s.jwt.VerifyRequest(r); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := store.ModeHTTP
	switch req.Mode {
	case "", string(store.ModeHTTP):
		mode = store.ModeHTTP
	case string(store.ModeTCP):
		mode = store.ModeTCP
	default:
		writeError(w, http.StatusBadRequest, "invalid mode")
		return
	}

	record, err := s.tunnels.Create(req.Domain, nil, req.Name, req.Description, mode)
	switch {
	case errors.Is(err, store.ErrDuplicateDomain):
		writeError(w, http.StatusConflict, "domain already exists")
		return
	case errors.Is(err, store.ErrInvalidDomain):
		writeError(w, http.StatusBadRequest, "invalid domain")
		return
	case err != nil:
		s.logger.Printf("api: create domain=%s: %v", req.Domain, err)
		writeError(w, http.StatusInternalServerError, "failed to create tunnel")
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{Domain: record.Domain, Token: record.Token, Name: record.Name})
}

type tunnelStatus struct {
	Domain        string `json:"domain"`
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	Mode          string `json:"mode"`
	Enabled       bool   `json:"enabled"`
	Connected     bool   `json:"connected"`
	TotalRequests int64  `json:"total_requests"`
	CreatedAt     string `json:"created_at"`
}

func toStatus(record *store.TunnelRecord, connected bool) tunnelStatus {
	return tunnelStatus{
		Domain: record.Domain, Name: record.Name, Description: record.Description,
		Mode: string(record.Mode), Enabled: record.Enabled, Connected: connected,
		TotalRequests: record.TotalRequests, CreatedAt: record.CreatedAt.Format(time.RFC3339),
	}
}

// handleList is GET /api/tunnels: list with per-record connected status.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	limit, offset := pageParams(r)
	records, err := s.tunnels.ListAll(false, limit, offset)
	if err != nil {
		s.logger.Printf("api: list tunnels: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list tunnels")
		return
	}

	out := make([]tunnelStatus, 0, len(records))
	for _, record := range records {
		out = append(out, toStatus(record, s.registry.IsConnected(record.Domain)))
	}
	writeJSON(w, http.StatusOK, out)
}

type availabilityResponse struct {
	Available bool   `json:"available"`
	Name      string `json:"name"`
	Reason    string `json:"reason,omitempty"`
}

// handleCheckAvailability is GET /api/tunnels/check-availability.
func (s *Server) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if err := store.ValidateDomain(name); err != nil {
		writeJSON(w, http.StatusOK, availabilityResponse{Available: false, Name: name, Reason: "invalid domain"})
		return
	}

	_, err := s.tunnels.ByDomain(name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusOK, availabilityResponse{Available: true, Name: name})
	case err != nil:
		s.logger.Printf("api: check-availability domain=%s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "failed to check availability")
	default:
		writeJSON(w, http.StatusOK, availabilityResponse{Available: false, Name: name, Reason: "exists"})
	}
}

// handleGet is GET /api/tunnels/{domain}: admin auth.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	domain := mux.Vars(r)["domain"]

	record, err := s.tunnels.ByDomain(domain)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	if err != nil {
		s.logger.Printf("api: get domain=%s: %v", domain, err)
		writeError(w, http.StatusInternalServerError, "failed to load tunnel")
		return
	}
	writeJSON(w, http.StatusOK, toStatus(record, s.registry.IsConnected(domain)))
}

type updateRequest struct {
	Enabled     *bool   `json:"enabled,omitempty"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// handleUpdate is PUT /api/tunnels/{domain}: admin auth.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	domain := mux.Vars(r)["domain"]

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := s.tunnels.UpdateFlags(domain, req.Enabled, req.Name, req.Description)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	if err != nil {
		s.logger.Printf("api: update domain=%s: %v", domain, err)
		writeError(w, http.StatusInternalServerError, "failed to update tunnel")
		return
	}
	writeJSON(w, http.StatusOK, toStatus(record, s.registry.IsConnected(domain)))
}

// handleDelete is DELETE /api/tunnels/{domain}: admin auth OR the
// tunnel's own bearer token (spec.md §6).
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]

	if s.requireAdmin(r) != nil {
		record, err := s.tunnels.ByDomain(domain)
		if err != nil || bearerToken(r) != record.Token {
			writeError(w, http.StatusUnauthorized, "admin key or tunnel token required")
			return
		}
	}

	if err := s.tunnels.Delete(domain); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tunnel not found")
			return
		}
		s.logger.Printf("api: delete domain=%s: %v", domain, err)
		writeError(w, http.StatusInternalServerError, "failed to delete tunnel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type regenerateResponse struct {
	Token string `json:"token"`
}

// handleRegenerateToken is POST /api/tunnels/{domain}/regenerate-token.
func (s *Server) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	domain := mux.Vars(r)["domain"]

	token, err := s.tunnels.RegenerateToken(domain)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	if err != nil {
		s.logger.Printf("api: regenerate-token domain=%s: %v", domain, err)
		writeError(w, http.StatusInternalServerError, "failed to regenerate token")
		return
	}
	writeJSON(w, http.StatusOK, regenerateResponse{Token: token})
}

type forwardRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"`
}

// handleForward is POST /api/tunnels/{domain}/forward: admin auth, used
// by tooling to probe a tunnel without a public HTTP front. Dispatches
// to the unary HTTP or TCP forwarder depending on the tunnel's mode,
// the same selection the public ingress makes (spec.md §4.G).
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	domain := mux.Vars(r)["domain"]

	var req forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	result, err := s.forwardByMode(domain, req.Method, req.Path, req.Headers, req.Body, timeout)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	if err != nil {
		s.logger.Printf("api: forward domain=%s: %v", domain, err)
		writeError(w, http.StatusInternalServerError, "failed to look up tunnel")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// forwardByMode looks up domain's mode and routes to the matching
// forwarder, returning a JSON-able result either way.
func (s *Server) forwardByMode(domain, method, path string, headers map[string]string, body string, timeout time.Duration) (interface{}, error) {
	record, err := s.tunnels.ByDomain(domain)
	if err != nil {
		return nil, err
	}
	if record.Mode == store.ModeTCP {
		return s.tcp.Forward(domain, body, timeout), nil
	}
	return s.unary.Forward(domain, method, path, headers, body, timeout), nil
}

// handleReplay is POST /api/tunnels/{domain}/logs/{id}/replay: re-sends
// a previously logged request through the same unary/TCP forwarder
// selection handleForward uses (SPEC_FULL.md §3 SUPPLEMENTED FEATURES).
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	vars := mux.Vars(r)
	domain := vars["domain"]
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid log id")
		return
	}

	entry, err := s.logs.ByID(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "log entry not found")
		return
	}
	if err != nil {
		s.logger.Printf("api: replay domain=%s id=%d: %v", domain, id, err)
		writeError(w, http.StatusInternalServerError, "failed to load log entry")
		return
	}
	if entry.Domain != domain {
		writeError(w, http.StatusNotFound, "log entry not found")
		return
	}

	result, err := s.forwardByMode(domain, entry.Method, entry.Path, entry.Headers, entry.Body, 30*time.Second)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	if err != nil {
		s.logger.Printf("api: replay domain=%s id=%d: %v", domain, id, err)
		writeError(w, http.StatusInternalServerError, "failed to look up tunnel")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLogs is GET /api/tunnels/{domain}/logs?limit&offset.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	domain := mux.Vars(r)["domain"]
	limit, offset := pageParams(r)

	logs, err := s.logs.Recent(domain, limit, offset)
	if err != nil {
		s.logger.Printf("api: logs domain=%s: %v", domain, err)
		writeError(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// requireAdmin enforces admin-API-key auth (spec.md §6). A blank
// adminKey means the admin surface is open (matches hookshot's "no
// token configured means open" default for single-operator deployments).
func (s *Server) requireAdmin(r *http.Request) error {
	if s.adminKey == "" {
		return nil
	}
	if bearerToken(r) == s.adminKey {
		return nil
	}
	if r.Header.Get("X-API-Key") == s.adminKey {
		return nil
	}
	return fmt.Errorf("invalid or missing admin credential")
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 50
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
