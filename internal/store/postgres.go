package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements TunnelStore and RequestLogStore against the
// `tunnels` / `tunnel_request_logs` tables (spec.md §6), following the
// same pgxpool-direct-SQL style as ekaya-engine's postgres adapter: a
// pool, plain SQL, pgx.ErrNoRows mapped to the package's own
// ErrNotFound so callers never import pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
	ctx  context.Context
}

// NewPostgresStore opens a pool against connString and verifies
// connectivity with a ping.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &PostgresStore{pool: pool, ctx: ctx}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505) on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

// Create implements TunnelStore.
func (s *PostgresStore) Create(domain string, token *string, name, description string, mode Mode) (*TunnelRecord, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}

	tok := ""
	if token != nil && *token != "" {
		tok = *token
	} else {
		generated, err := GenerateToken()
		if err != nil {
			return nil, err
		}
		tok = generated
	}

	const q = `
		INSERT INTO tunnels (domain, token, mode, enabled, name, description, created_at, updated_at, total_requests)
		VALUES ($1, $2, $3, true, $4, $5, now(), now(), 0)
		RETURNING id, domain, token, mode, enabled, name, description, created_at, updated_at, last_connected_at, total_requests`

	row := s.pool.QueryRow(s.ctx, q, domain, tok, string(mode), name, description)
	record, err := scanTunnel(row)
	if err != nil {
		if isUniqueViolation(err, "tunnels_domain_key") {
			return nil, ErrDuplicateDomain
		}
		if isUniqueViolation(err, "tunnels_token_key") {
			return nil, ErrDuplicateToken
		}
		return nil, fmt.Errorf("store: create tunnel: %w", err)
	}
	return record, nil
}

func scanTunnel(row pgx.Row) (*TunnelRecord, error) {
	var r TunnelRecord
	var mode string
	if err := row.Scan(&r.ID, &r.Domain, &r.Token, &mode, &r.Enabled, &r.Name, &r.Description,
		&r.CreatedAt, &r.UpdatedAt, &r.LastConnectedAt, &r.TotalRequests); err != nil {
		return nil, mapNoRows(err)
	}
	r.Mode = Mode(mode)
	return &r, nil
}

// ByDomain implements TunnelStore.
func (s *PostgresStore) ByDomain(domain string) (*TunnelRecord, error) {
	const q = `SELECT id, domain, token, mode, enabled, name, description, created_at, updated_at, last_connected_at, total_requests
		FROM tunnels WHERE domain = $1`
	record, err := scanTunnel(s.pool.QueryRow(s.ctx, q, domain))
	if err != nil {
		return nil, fmt.Errorf("store: by domain: %w", err)
	}
	return record, nil
}

// ByToken implements TunnelStore.
func (s *PostgresStore) ByToken(token string) (*TunnelRecord, error) {
	const q = `SELECT id, domain, token, mode, enabled, name, description, created_at, updated_at, last_connected_at, total_requests
		FROM tunnels WHERE token = $1`
	record, err := scanTunnel(s.pool.QueryRow(s.ctx, q, token))
	if err != nil {
		return nil, fmt.Errorf("store: by token: %w", err)
	}
	return record, nil
}

// ListAll implements TunnelStore.
func (s *PostgresStore) ListAll(enabledOnly bool, limit, offset int) ([]*TunnelRecord, error) {
	q := `SELECT id, domain, token, mode, enabled, name, description, created_at, updated_at, last_connected_at, total_requests
		FROM tunnels`
	args := []interface{}{}
	if enabledOnly {
		q += ` WHERE enabled = true`
	}
	q += ` ORDER BY id`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(s.ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tunnels: %w", err)
	}
	defer rows.Close()

	var out []*TunnelRecord
	for rows.Next() {
		record, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// UpdateFlags implements TunnelStore.
func (s *PostgresStore) UpdateFlags(domain string, enabled *bool, name, description *string) (*TunnelRecord, error) {
	const q = `
		UPDATE tunnels SET
			enabled = COALESCE($2, enabled),
			name = COALESCE($3, name),
			description = COALESCE($4, description),
			updated_at = now()
		WHERE domain = $1
		RETURNING id, domain, token, mode, enabled, name, description, created_at, updated_at, last_connected_at, total_requests`

	record, err := scanTunnel(s.pool.QueryRow(s.ctx, q, domain, enabled, name, description))
	if err != nil {
		return nil, fmt.Errorf("store: update flags: %w", err)
	}
	return record, nil
}

// Delete implements TunnelStore.
func (s *PostgresStore) Delete(domain string) error {
	tag, err := s.pool.Exec(s.ctx, `DELETE FROM tunnels WHERE domain = $1`, domain)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RegenerateToken implements TunnelStore.
func (s *PostgresStore) RegenerateToken(domain string) (string, error) {
	newToken, err := GenerateToken()
	if err != nil {
		return "", err
	}
	tag, err := s.pool.Exec(s.ctx,
		`UPDATE tunnels SET token = $2, updated_at = now() WHERE domain = $1`, domain, newToken)
	if err != nil {
		return "", fmt.Errorf("store: regenerate token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrNotFound
	}
	return newToken, nil
}

// TouchLastConnected implements TunnelStore.
func (s *PostgresStore) TouchLastConnected(token string) error {
	tag, err := s.pool.Exec(s.ctx,
		`UPDATE tunnels SET last_connected_at = now() WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("store: touch last connected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRequests implements TunnelStore.
func (s *PostgresStore) IncrementRequests(token string, n int64) error {
	tag, err := s.pool.Exec(s.ctx,
		`UPDATE tunnels SET total_requests = total_requests + $2 WHERE token = $1`, token, n)
	if err != nil {
		return fmt.Errorf("store: increment requests: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Append implements RequestLogStore.
func (s *PostgresStore) Append(log RequestLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	headers, err := json.Marshal(log.Headers)
	if err != nil {
		return fmt.Errorf("store: marshal headers: %w", err)
	}
	_, err = s.pool.Exec(s.ctx, `
		INSERT INTO tunnel_request_logs (domain, method, path, headers, body, status_code, duration_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.Domain, log.Method, log.Path, headers, log.Body, log.StatusCode, log.DurationMs, log.Error, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append log: %w", err)
	}
	return nil
}

func scanRequestLog(row pgx.Row) (RequestLog, error) {
	var l RequestLog
	var headers []byte
	if err := row.Scan(&l.ID, &l.Domain, &l.Method, &l.Path, &headers, &l.Body, &l.StatusCode, &l.DurationMs, &l.Error, &l.CreatedAt); err != nil {
		return RequestLog{}, mapNoRows(err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &l.Headers); err != nil {
			return RequestLog{}, fmt.Errorf("store: unmarshal headers: %w", err)
		}
	}
	return l, nil
}

const requestLogColumns = `id, domain, method, path, headers, body, status_code, duration_ms, error, created_at`

// Recent implements RequestLogStore, newest first.
func (s *PostgresStore) Recent(domain string, limit, offset int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(s.ctx, `
		SELECT `+requestLogColumns+`
		FROM tunnel_request_logs WHERE domain = $1
		ORDER BY id DESC LIMIT $2 OFFSET $3`, domain, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: recent logs: %w", err)
	}
	defer rows.Close()

	var out []RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ByID implements RequestLogStore.
func (s *PostgresStore) ByID(id int64) (RequestLog, error) {
	row := s.pool.QueryRow(s.ctx, `SELECT `+requestLogColumns+` FROM tunnel_request_logs WHERE id = $1`, id)
	l, err := scanRequestLog(row)
	if err != nil {
		return RequestLog{}, fmt.Errorf("store: by id: %w", err)
	}
	return l, nil
}

// Count implements RequestLogStore.
func (s *PostgresStore) Count(domain string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(s.ctx, `SELECT count(*) FROM tunnel_request_logs WHERE domain = $1`, domain).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count logs: %w", err)
	}
	return n, nil
}
