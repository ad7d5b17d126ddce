// Package registry implements the in-memory tunnel registry (spec.md
// §4.B): an index of live client sessions keyed by token and by domain,
// with the preemption policy applied on re-registration. Scoped to one
// server instance — never a process-wide singleton (spec.md §9).
package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrActiveSessionExists is returned by Register when a healthy session
// already holds the token and force was not requested.
var ErrActiveSessionExists = errors.New("active session exists")

// SessionConn abstracts the half of a WebSocket the registry and the
// forwarders need: closing it with a policy code/reason, and enqueueing
// an outbound frame onto the session's single writer. The session loop
// (internal/session) supplies the real gorilla/websocket-backed
// implementation; tests supply a fake.
type SessionConn interface {
	Close(code int, reason string) error
	Send(msgType string, payload interface{}) error
}

// Session is an ActiveSession (spec.md §3): the in-memory record the
// registry owns for one authenticated WebSocket.
type Session struct {
	Conn     SessionConn
	TunnelID int64
	Domain   string
	Token    string

	ConnectedAt time.Time

	mu              sync.Mutex
	lastHeartbeatAt time.Time
}

// LastHeartbeatAt returns the last time this session's connection proved
// itself alive (pong, or initial registration).
func (s *Session) LastHeartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeatAt
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeatAt = now
	s.mu.Unlock()
}

// Registry is the server-scoped tunnel registry. All operations are
// serialized through one mutex; critical sections are map operations
// only (spec.md §5), any blocking Close() call happens after the lock
// is released.
type Registry struct {
	mu               sync.Mutex
	byToken          map[string]*Session
	domainToToken    map[string]string
	heartbeatTimeout time.Duration
	now              func() time.Time
}

// New creates a registry. heartbeatTimeout is the staleness window used
// by the preemption policy: a session that hasn't proven liveness within
// that window is considered unhealthy even if its socket hasn't errored
// yet.
func New(heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		byToken:          make(map[string]*Session),
		domainToToken:    make(map[string]string),
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
	}
}

// Register installs a new session for (tunnelID, domain, token), applying
// the preemption policy (spec.md §4.B) if a session already holds token.
func (r *Registry) Register(conn SessionConn, tunnelID int64, domain, token string, force bool) (*Session, error) {
	now := r.now()

	r.mu.Lock()
	var toClose SessionConn
	var closeReason string

	if existing, ok := r.byToken[token]; ok {
		healthy := now.Sub(existing.LastHeartbeatAt()) < r.heartbeatTimeout
		if healthy && !force {
			r.mu.Unlock()
			return nil, ErrActiveSessionExists
		}
		toClose = existing.Conn
		if force {
			closeReason = "replaced"
		} else {
			closeReason = "stale"
		}
		delete(r.byToken, token)
	}

	session := &Session{
		Conn:            conn,
		TunnelID:        tunnelID,
		Domain:          domain,
		Token:           token,
		ConnectedAt:     now,
		lastHeartbeatAt: now,
	}
	r.byToken[token] = session
	r.domainToToken[domain] = token
	r.mu.Unlock()

	if toClose != nil {
		code := 1000
		if closeReason == "stale" {
			code = 1001
		}
		toClose.Close(code, closeReason)
	}

	return session, nil
}

// Unregister removes the session for token, but only if it is still the
// session currently installed for its domain (prevents a stale session's
// delayed teardown from clobbering a session that has since preempted it).
func (r *Registry) Unregister(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.byToken[token]
	if !ok {
		return
	}
	delete(r.byToken, token)
	if r.domainToToken[session.Domain] == token {
		delete(r.domainToToken, session.Domain)
	}
}

// ByDomain looks up the live session serving domain.
func (r *Registry) ByDomain(domain string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.domainToToken[domain]
	if !ok {
		return nil, false
	}
	session, ok := r.byToken[token]
	return session, ok
}

// ByToken looks up the live session for token.
func (r *Registry) ByToken(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.byToken[token]
	return session, ok
}

// IsConnected reports whether domain currently has a live session.
func (r *Registry) IsConnected(domain string) bool {
	_, ok := r.ByDomain(domain)
	return ok
}

// ListConnected returns a snapshot of all live sessions.
func (r *Registry) ListConnected() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byToken))
	for _, s := range r.byToken {
		out = append(out, s)
	}
	return out
}

// TouchHeartbeat records proof of liveness for token's session, if any.
func (r *Registry) TouchHeartbeat(token string) {
	r.mu.Lock()
	session, ok := r.byToken[token]
	r.mu.Unlock()
	if ok {
		session.touch(r.now())
	}
}

// Size returns the number of live sessions (spec.md §8.2).
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byToken)
}

// CloseAll closes every live session, used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byToken))
	for _, s := range r.byToken {
		sessions = append(sessions, s)
	}
	r.byToken = make(map[string]*Session)
	r.domainToToken = make(map[string]string)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Conn.Close(1001, "server shutting down")
	}
}
