package store

import (
	"sync"
	"time"
)

// MemoryStore is an in-memory TunnelStore + RequestLogStore, used by
// tests and by single-node deployments that opt out of Postgres. Request
// logs are kept in a bounded ring buffer per domain, the same shape as
// the teacher's RequestStore.
type MemoryStore struct {
	mu         sync.Mutex
	nextID     int64
	nextLogID  int64
	byDomain   map[string]*TunnelRecord
	byToken    map[string]*TunnelRecord
	logs       map[string][]RequestLog
	logsByID   map[int64]RequestLog
	maxPerHost int
}

// NewMemoryStore creates an empty store. maxLogsPerDomain bounds the
// ring buffer per domain; <= 0 means use a sane default.
func NewMemoryStore(maxLogsPerDomain int) *MemoryStore {
	if maxLogsPerDomain <= 0 {
		maxLogsPerDomain = 200
	}
	return &MemoryStore{
		byDomain:   make(map[string]*TunnelRecord),
		byToken:    make(map[string]*TunnelRecord),
		logs:       make(map[string][]RequestLog),
		logsByID:   make(map[int64]RequestLog),
		maxPerHost: maxLogsPerDomain,
	}
}

func (m *MemoryStore) clone(r *TunnelRecord) *TunnelRecord {
	cp := *r
	return &cp
}

// Create implements TunnelStore.
func (m *MemoryStore) Create(domain string, token *string, name, description string, mode Mode) (*TunnelRecord, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byDomain[domain]; exists {
		return nil, ErrDuplicateDomain
	}

	tok := ""
	if token != nil && *token != "" {
		if _, exists := m.byToken[*token]; exists {
			return nil, ErrDuplicateToken
		}
		tok = *token
	} else {
		generated, err := GenerateToken()
		if err != nil {
			return nil, err
		}
		tok = generated
	}

	m.nextID++
	now := time.Now()
	record := &TunnelRecord{
		ID:          m.nextID,
		Domain:      domain,
		Token:       tok,
		Mode:        mode,
		Enabled:     true,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.byDomain[domain] = record
	m.byToken[tok] = record
	return m.clone(record), nil
}

// ByDomain implements TunnelStore.
func (m *MemoryStore) ByDomain(domain string) (*TunnelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.byDomain[domain]
	if !ok {
		return nil, ErrNotFound
	}
	return m.clone(record), nil
}

// ByToken implements TunnelStore.
func (m *MemoryStore) ByToken(token string) (*TunnelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	return m.clone(record), nil
}

// ListAll implements TunnelStore.
func (m *MemoryStore) ListAll(enabledOnly bool, limit, offset int) ([]*TunnelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*TunnelRecord, 0, len(m.byDomain))
	for _, record := range m.byDomain {
		if enabledOnly && !record.Enabled {
			continue
		}
		out = append(out, m.clone(record))
	}

	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// UpdateFlags implements TunnelStore.
func (m *MemoryStore) UpdateFlags(domain string, enabled *bool, name, description *string) (*TunnelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.byDomain[domain]
	if !ok {
		return nil, ErrNotFound
	}
	if enabled != nil {
		record.Enabled = *enabled
	}
	if name != nil {
		record.Name = *name
	}
	if description != nil {
		record.Description = *description
	}
	record.UpdatedAt = time.Now()
	return m.clone(record), nil
}

// Delete implements TunnelStore.
func (m *MemoryStore) Delete(domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.byDomain[domain]
	if !ok {
		return ErrNotFound
	}
	delete(m.byDomain, domain)
	delete(m.byToken, record.Token)
	for _, l := range m.logs[domain] {
		delete(m.logsByID, l.ID)
	}
	delete(m.logs, domain)
	return nil
}

// RegenerateToken implements TunnelStore.
func (m *MemoryStore) RegenerateToken(domain string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.byDomain[domain]
	if !ok {
		return "", ErrNotFound
	}
	newToken, err := GenerateToken()
	if err != nil {
		return "", err
	}
	delete(m.byToken, record.Token)
	record.Token = newToken
	record.UpdatedAt = time.Now()
	m.byToken[newToken] = record
	return newToken, nil
}

// TouchLastConnected implements TunnelStore.
func (m *MemoryStore) TouchLastConnected(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.byToken[token]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	record.LastConnectedAt = &now
	return nil
}

// IncrementRequests implements TunnelStore.
func (m *MemoryStore) IncrementRequests(token string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.byToken[token]
	if !ok {
		return ErrNotFound
	}
	record.TotalRequests += n
	return nil
}

// Append implements RequestLogStore.
func (m *MemoryStore) Append(log RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	m.nextLogID++
	log.ID = m.nextLogID
	m.logsByID[log.ID] = log

	list := append(m.logs[log.Domain], log)
	if len(list) > m.maxPerHost {
		dropped := list[:len(list)-m.maxPerHost]
		for _, d := range dropped {
			delete(m.logsByID, d.ID)
		}
		list = list[len(list)-m.maxPerHost:]
	}
	m.logs[log.Domain] = list
	return nil
}

// ByID implements RequestLogStore.
func (m *MemoryStore) ByID(id int64) (RequestLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logsByID[id]
	if !ok {
		return RequestLog{}, ErrNotFound
	}
	return log, nil
}

// Recent implements RequestLogStore, newest first.
func (m *MemoryStore) Recent(domain string, limit, offset int) ([]RequestLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.logs[domain]
	out := make([]RequestLog, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Count implements RequestLogStore.
func (m *MemoryStore) Count(domain string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.logs[domain])), nil
}
