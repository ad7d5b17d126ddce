// Package authjwt validates the optional HS256 bearer JWT required on
// tunnel-create (spec.md §6, §8 config option jwt_secret). Grounded on
// ekaya-engine's golang-jwt/v5 claims handling (pkg/auth/claims.go),
// trimmed to the one thing this surface needs: "is this bearer token
// validly signed and unexpired".
package authjwt

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingBearer is returned when no bearer token was presented.
var ErrMissingBearer = errors.New("authjwt: missing bearer token")

// Verifier validates HS256 bearer tokens against one shared secret. A
// nil secret (zero value Verifier) means verification is disabled —
// the management API treats tunnel-create as open in that case
// (spec.md §6).
type Verifier struct {
	secret []byte
}

// NewVerifier wraps secret. An empty secret disables verification.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return &Verifier{}
	}
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether a secret was configured.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// VerifyRequest extracts and validates the Authorization: Bearer header.
// When the verifier is disabled, it always succeeds.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	if !v.Enabled() {
		return nil
	}

	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ErrMissingBearer
	}
	raw := strings.TrimPrefix(header, prefix)

	_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authjwt: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("authjwt: invalid token: %w", err)
	}
	return nil
}
