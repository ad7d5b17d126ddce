package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfigDefaultsFromEnv(t *testing.T) {
	os.Setenv("DATABASE_URL", "memory")
	os.Setenv("JWT_SECRET", "shh")
	defer os.Unsetenv("DATABASE_URL")
	defer os.Unsetenv("JWT_SECRET")

	cfg, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.DatabaseURL)
	assert.Equal(t, "/ws/tunnel", cfg.WSPath)
	assert.Equal(t, 30, cfg.HeartbeatIntervalSec)
	assert.Equal(t, 90, cfg.HeartbeatTimeoutSec)
	assert.Equal(t, 300, cfg.DefaultTimeoutSec)
	assert.Equal(t, 1000, cfg.MaxPendingRequests)
	assert.NoError(t, cfg.Validate())
}

func TestServerConfigValidateRequiresDatabase(t *testing.T) {
	cfg := &ServerConfig{}
	assert.Error(t, cfg.Validate())

	cfg.DatabaseURL = "memory"
	assert.NoError(t, cfg.Validate())

	cfg.TCPListenPort = -1
	assert.Error(t, cfg.Validate())
}

func TestClientConfigValidateRequiresFields(t *testing.T) {
	cfg := &ClientConfig{}
	assert.Error(t, cfg.Validate())

	cfg.ServerURL = "https://relay.example.com"
	cfg.Token = "tun_abc"
	cfg.TargetURL = "http://localhost:3000"
	assert.NoError(t, cfg.Validate())
}

func TestClientConfigDurationHelpers(t *testing.T) {
	cfg := &ClientConfig{ReconnectIntervalSec: 3, RequestTimeoutSec: 15}
	assert.Equal(t, "3s", cfg.ReconnectInterval().String())
	assert.Equal(t, "15s", cfg.RequestTimeout().String())
}
