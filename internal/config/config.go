// Package config provides configuration loading and validation for certgate.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level certgate configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Listen is the address the HTTP server binds to.
	Listen string `yaml:"listen"`

	// StaticDir is an optional directory of static UI assets served at /.
	StaticDir string `yaml:"staticDir"`

	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig holds per-client rate limiting settings for the
// authentication endpoints.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	RPS     int  `yaml:"rps"`
	Burst   int  `yaml:"burst"`
}

// AuthConfig holds settings for the challenge-response authentication flow.
type AuthConfig struct {
	// CAFile is the path to the PEM file holding the single trust anchor.
	CAFile string `yaml:"caFile"`

	// WatchCAFile enables hot reload of the trust anchor on file change.
	WatchCAFile bool `yaml:"watchCaFile"`

	// ChallengeTTL bounds how long an issued challenge may be answered.
	ChallengeTTL Duration `yaml:"challengeTTL"`

	// SessionTTL bounds the lifetime of an issued session.
	SessionTTL Duration `yaml:"sessionTTL"`

	// SweepInterval is the period of the background expiry sweeps.
	SweepInterval Duration `yaml:"sweepInterval"`

	// CookieName is the session cookie name.
	CookieName string `yaml:"cookieName"`

	// CookieSecure marks the session cookie as HTTPS-only.
	CookieSecure bool `yaml:"cookieSecure"`

	SessionStore SessionStoreConfig `yaml:"sessionStore"`
}

// SessionStoreConfig selects the session ledger backend.
type SessionStoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the session store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	ServiceName  string  `yaml:"serviceName"`
}

// Session store backends.
const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"
)

// Default durations for the authentication flow.
const (
	DefaultChallengeTTL  = 60 * time.Second
	DefaultSessionTTL    = 24 * time.Hour
	DefaultSweepInterval = time.Minute
)

// DefaultCookieName is the default session cookie name.
const DefaultCookieName = "certgate_session"

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     10,
				Burst:   20,
			},
		},
		Auth: AuthConfig{
			ChallengeTTL:  Duration(DefaultChallengeTTL),
			SessionTTL:    Duration(DefaultSessionTTL),
			SweepInterval: Duration(DefaultSweepInterval),
			CookieName:    DefaultCookieName,
			SessionStore: SessionStoreConfig{
				Backend: SessionBackendMemory,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			ServiceName:  "certgate",
			SamplingRate: 1.0,
		},
	}
}

// applyDefaults fills zero-valued fields with defaults.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Auth.ChallengeTTL == 0 {
		c.Auth.ChallengeTTL = d.Auth.ChallengeTTL
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = d.Auth.SessionTTL
	}
	if c.Auth.SweepInterval == 0 {
		c.Auth.SweepInterval = d.Auth.SweepInterval
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = d.Auth.CookieName
	}
	if c.Auth.SessionStore.Backend == "" {
		c.Auth.SessionStore.Backend = d.Auth.SessionStore.Backend
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Logging.Output == "" {
		c.Logging.Output = d.Logging.Output
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
}

// Validate checks the configuration for errors.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	if c.Auth.CAFile == "" {
		return fmt.Errorf("auth.caFile is required")
	}
	if c.Auth.ChallengeTTL <= 0 {
		return fmt.Errorf("auth.challengeTTL must be positive")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("auth.sessionTTL must be positive")
	}
	if c.Auth.SweepInterval <= 0 {
		return fmt.Errorf("auth.sweepInterval must be positive")
	}

	switch c.Auth.SessionStore.Backend {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if c.Auth.SessionStore.Redis.Addr == "" {
			return fmt.Errorf("auth.sessionStore.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown session store backend %q", c.Auth.SessionStore.Backend)
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RPS <= 0 {
			return fmt.Errorf("server.rateLimit.rps must be positive")
		}
		if c.Server.RateLimit.Burst < c.Server.RateLimit.RPS {
			return fmt.Errorf("server.rateLimit.burst must be >= rps")
		}
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.samplingRate must be in [0, 1]")
	}

	return nil
}
