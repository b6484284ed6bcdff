// Package health provides health check and readiness probe endpoints.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/certgate/internal/auth/cert"
)

// DefaultProbeTimeout bounds each readiness check.
const DefaultProbeTimeout = 5 * time.Second

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the service is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the service is unhealthy.
	StatusUnhealthy Status = "unhealthy"
)

// Check is an individual readiness check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// Checker aggregates readiness checks and serves the probe endpoints.
type Checker struct {
	version      string
	startTime    time.Time
	probeTimeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// CheckerOption is a functional option for the checker.
type CheckerOption func(*Checker)

// WithProbeTimeout sets the per-check timeout.
func WithProbeTimeout(timeout time.Duration) CheckerOption {
	return func(c *Checker) {
		c.probeTimeout = timeout
	}
}

// NewChecker creates a health checker.
func NewChecker(version string, opts ...CheckerOption) *Checker {
	c := &Checker{
		version:      version,
		startTime:    time.Now(),
		probeTimeout: DefaultProbeTimeout,
		checks:       make(map[string]CheckFunc),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RegisterCheck registers a readiness check under a name.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// HealthHandler serves the liveness endpoint. The process is alive if it can
// answer; no dependencies are consulted.
func (c *Checker) HealthHandler() gin.HandlerFunc {
	return func(g *gin.Context) {
		g.JSON(http.StatusOK, gin.H{
			"status":    StatusHealthy,
			"version":   c.version,
			"uptime":    time.Since(c.startTime).Round(time.Second).String(),
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler serves the readiness endpoint. Any failing check makes
// the service not ready.
func (c *Checker) ReadinessHandler() gin.HandlerFunc {
	return func(g *gin.Context) {
		c.mu.RLock()
		checks := make(map[string]CheckFunc, len(c.checks))
		for name, fn := range c.checks {
			checks[name] = fn
		}
		c.mu.RUnlock()

		overall := StatusHealthy
		results := make(map[string]Check, len(checks))

		for name, fn := range checks {
			ctx, cancel := context.WithTimeout(g.Request.Context(), c.probeTimeout)
			err := fn(ctx)
			cancel()

			if err != nil {
				overall = StatusUnhealthy
				results[name] = Check{Status: StatusUnhealthy, Message: err.Error()}
			} else {
				results[name] = Check{Status: StatusHealthy}
			}
		}

		status := http.StatusOK
		if overall == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}

		g.JSON(status, gin.H{
			"status":    overall,
			"checks":    results,
			"timestamp": time.Now(),
		})
	}
}

// TrustAnchorCheck reports whether the CA trust anchor is loadable.
func TrustAnchorCheck(anchor *cert.TrustAnchor) CheckFunc {
	return func(ctx context.Context) error {
		_, err := anchor.Certificate()
		return err
	}
}

// RedisCheck reports whether the session store backend answers a ping.
func RedisCheck(client *redis.Client) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
