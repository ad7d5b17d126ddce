package authjwt

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestDisabledVerifierAlwaysPasses(t *testing.T) {
	v := NewVerifier("")
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels", nil)
	assert.NoError(t, v.VerifyRequest(req))
}

func TestValidBearerPasses(t *testing.T) {
	v := NewVerifier("shh")
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, "shh", time.Now().Add(time.Hour)))
	assert.NoError(t, v.VerifyRequest(req))
}

func TestMissingBearerFails(t *testing.T) {
	v := NewVerifier("shh")
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels", nil)
	assert.ErrorIs(t, v.VerifyRequest(req), ErrMissingBearer)
}

func TestWrongSecretFails(t *testing.T) {
	v := NewVerifier("shh")
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, "other", time.Now().Add(time.Hour)))
	assert.Error(t, v.VerifyRequest(req))
}

func TestExpiredTokenFails(t *testing.T) {
	v := NewVerifier("shh")
	req := httptest.NewRequest(http.MethodPost, "/api/tunnels", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, "shh", time.Now().Add(-time.Hour)))
	assert.Error(t, v.VerifyRequest(req))
}
