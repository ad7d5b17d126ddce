// Package config loads tunneld and tunnel client configuration from a
// YAML file with environment-variable overrides, the way the teacher's
// own config package loaded hookshot.yaml — generalized to the
// cleanenv-driven pattern ekaya-engine's pkg/config uses for its own
// server/env split, since the env var surface this module needs
// (secrets included) is considerably larger than hookshot's was.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// ServerConfig holds tunneld's configuration (spec.md §6 env vars).
type ServerConfig struct {
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL" env-default:""`

	WSPath string `yaml:"ws_path" env:"WS_PATH" env-default:"/ws/tunnel"`
	WSURL  string `yaml:"ws_url" env:"WS_URL" env-default:""`

	HeartbeatIntervalSec int `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL" env-default:"30"`
	HeartbeatTimeoutSec  int `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT" env-default:"90"`
	DefaultTimeoutSec    int `yaml:"default_timeout" env:"DEFAULT_TIMEOUT" env-default:"300"`
	MaxPendingRequests   int `yaml:"max_pending_requests" env:"MAX_PENDING_REQUESTS" env-default:"1000"`

	AdminAPIKey string `yaml:"-" env:"ADMIN_API_KEY"`
	JWTSecret   string `yaml:"-" env:"JWT_SECRET"`

	Domain      string `yaml:"domain" env:"DOMAIN" env-default:""`
	Instruction string `yaml:"instruction" env:"INSTRUCTION" env-default:""`

	TCPListenHost    string `yaml:"tcp_listen_host" env:"TCP_LISTEN_HOST" env-default:"0.0.0.0"`
	TCPListenPort    int    `yaml:"tcp_listen_port" env:"TCP_LISTEN_PORT" env-default:"0"`
	TCPTargetDomain  string `yaml:"tcp_target_domain" env:"TCP_TARGET_DOMAIN" env-default:""`

	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
}

// HeartbeatInterval is the duration form of HeartbeatIntervalSec.
func (c *ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// HeartbeatTimeout is the duration form of HeartbeatTimeoutSec.
func (c *ServerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// DefaultTimeout is the duration form of DefaultTimeoutSec.
func (c *ServerConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

// Validate checks invariants a running server can't recover from.
func (c *ServerConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.TCPListenPort < 0 || c.TCPListenPort > 65535 {
		return fmt.Errorf("invalid tcp_listen_port: %d", c.TCPListenPort)
	}
	return nil
}

// ClientConfig holds tunnel client configuration (spec.md §6 env vars).
type ClientConfig struct {
	ServerURL string `yaml:"server_url" env:"SERVER_URL" env-default:""`
	Token     string `yaml:"-" env:"TOKEN"`
	TargetURL string `yaml:"target_url" env:"TARGET_URL" env-default:""`

	ReconnectIntervalSec    int  `yaml:"reconnect_interval" env:"RECONNECT_INTERVAL" env-default:"2"`
	MaxReconnectAttempts    int  `yaml:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS" env-default:"0"`
	Force                   bool `yaml:"force" env:"FORCE" env-default:"false"`
	RequestTimeoutSec       int  `yaml:"request_timeout" env:"REQUEST_TIMEOUT" env-default:"30"`

	Verbose bool `yaml:"verbose" env:"VERBOSE" env-default:"false"`
}

// ReconnectInterval is the duration form of ReconnectIntervalSec.
func (c *ClientConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalSec) * time.Second
}

// RequestTimeout is the duration form of RequestTimeoutSec.
func (c *ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// Validate checks invariants a connecting client can't recover from.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if _, err := url.Parse(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.TargetURL == "" {
		return fmt.Errorf("target_url is required")
	}
	if _, err := url.Parse(c.TargetURL); err != nil {
		return fmt.Errorf("invalid target_url: %w", err)
	}
	return nil
}

// LoadServer reads tunneld configuration from path (when path is
// non-empty; a missing file is an error) with environment variable
// overrides; with an empty path env vars alone are used, the way
// ekaya-engine's Load does.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := readConfig(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient reads tunnel client configuration from path with
// environment variable overrides.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := readConfig(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfig(path string, cfg interface{}) error {
	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return fmt.Errorf("reading environment: %w", err)
		}
		return nil
	}
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	return nil
}
