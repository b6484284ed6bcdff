package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromReader(t *testing.T) {
	yaml := `
server:
  listen: ":9090"
  rateLimit:
    enabled: true
    rps: 5
    burst: 10
auth:
  caFile: /etc/certgate/ca.pem
  challengeTTL: "30s"
  sessionTTL: "12h"
  cookieName: my_session
logging:
  level: debug
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "/etc/certgate/ca.pem", cfg.Auth.CAFile)
	assert.Equal(t, 30*time.Second, cfg.Auth.ChallengeTTL.Duration())
	assert.Equal(t, 12*time.Hour, cfg.Auth.SessionTTL.Duration())
	assert.Equal(t, "my_session", cfg.Auth.CookieName)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Defaults fill in unspecified fields.
	assert.Equal(t, DefaultSweepInterval, cfg.Auth.SweepInterval.Duration())
	assert.Equal(t, SessionBackendMemory, cfg.Auth.SessionStore.Backend)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "certgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  caFile: ca.pem\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ca.pem", cfg.Auth.CAFile)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("auth: [not a map"))
	require.Error(t, err)
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("CERTGATE_TEST_CA", "/tmp/ca.pem")

	yaml := `
auth:
  caFile: ${CERTGATE_TEST_CA}
  cookieName: ${CERTGATE_TEST_COOKIE:-fallback_cookie}
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ca.pem", cfg.Auth.CAFile)
	assert.Equal(t, "fallback_cookie", cfg.Auth.CookieName)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.CAFile = "ca.pem"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing ca file",
			mutate:  func(c *Config) { c.Auth.CAFile = "" },
			wantErr: "caFile",
		},
		{
			name:    "zero challenge ttl",
			mutate:  func(c *Config) { c.Auth.ChallengeTTL = 0 },
			wantErr: "challengeTTL",
		},
		{
			name:    "zero session ttl",
			mutate:  func(c *Config) { c.Auth.SessionTTL = 0 },
			wantErr: "sessionTTL",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Auth.SessionStore.Backend = "etcd" },
			wantErr: "backend",
		},
		{
			name:    "redis backend without addr",
			mutate:  func(c *Config) { c.Auth.SessionStore.Backend = SessionBackendRedis },
			wantErr: "redis.addr",
		},
		{
			name: "redis backend with addr",
			mutate: func(c *Config) {
				c.Auth.SessionStore.Backend = SessionBackendRedis
				c.Auth.SessionStore.Redis.Addr = "localhost:6379"
			},
		},
		{
			name:    "rate limit without rps",
			mutate:  func(c *Config) { c.Server.RateLimit = RateLimitConfig{Enabled: true} },
			wantErr: "rps",
		},
		{
			name:    "sampling rate out of range",
			mutate:  func(c *Config) { c.Tracing.SamplingRate = 1.5 },
			wantErr: "samplingRate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	require.Error(t, Validate(nil))
}

func TestDurationYAML(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalYAML(func(v interface{}) error {
		*(v.(*string)) = "90s"
		return nil
	}))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", out)
}
