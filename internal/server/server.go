// Package server provides the HTTP surface for the challenge-response
// authentication service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/certgate/internal/auth"
	"github.com/vyrodovalexey/certgate/internal/config"
	"github.com/vyrodovalexey/certgate/internal/health"
	"github.com/vyrodovalexey/certgate/internal/observability"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

// Server is the certgate HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     *config.ServerConfig
	logger     observability.Logger

	mu      sync.Mutex
	running bool
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg *config.Config, flow *auth.Flow, checker *health.Checker, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.Use(
		RequestID(),
		Logging(logger),
		Recovery(logger),
	)

	s := &Server{
		engine: engine,
		config: &cfg.Server,
		logger: logger,
	}

	handlers := NewHandlers(flow, CookieConfig{
		Name:   cfg.Auth.CookieName,
		Secure: cfg.Auth.CookieSecure,
		MaxAge: cfg.Auth.SessionTTL.Duration(),
	}, logger)

	s.registerRoutes(cfg, flow, handlers, checker)

	return s
}

// registerRoutes wires the authentication endpoints, probes, metrics, and
// the optional static UI.
func (s *Server) registerRoutes(cfg *config.Config, flow *auth.Flow, handlers *Handlers, checker *health.Checker) {
	api := s.engine.Group("/api/auth")

	// The challenge and login endpoints do certificate parsing and
	// signature checks on unauthenticated input, so they carry the rate
	// limit.
	if cfg.Server.RateLimit.Enabled {
		limited := RateLimit(float64(cfg.Server.RateLimit.RPS), cfg.Server.RateLimit.Burst)
		api.POST("/challenge", limited, handlers.Challenge)
		api.POST("/login", limited, handlers.Login)
	} else {
		api.POST("/challenge", handlers.Challenge)
		api.POST("/login", handlers.Login)
	}

	api.POST("/logout", handlers.Logout)
	api.GET("/session", handlers.Session)

	protected := s.engine.Group("/api/protected")
	protected.Use(SessionGate(flow, cfg.Auth.CookieName))
	protected.GET("/whoami", func(c *gin.Context) {
		identity, _ := IdentityFrom(c)
		c.JSON(http.StatusOK, identity)
	})

	if checker != nil {
		s.engine.GET("/healthz", checker.HealthHandler())
		s.engine.GET("/readyz", checker.ReadinessHandler())
	}

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.Server.StaticDir != "" {
		// NoRoute keeps the static fallback from clashing with the API
		// route tree.
		fileServer := http.FileServer(http.Dir(cfg.Server.StaticDir))
		s.engine.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
				c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
				return
			}
			fileServer.ServeHTTP(c.Writer, c.Request)
		})
	}
}

// Engine returns the underlying gin engine, used in tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	s.httpServer = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout.Duration(),
		WriteTimeout: s.config.WriteTimeout.Duration(),
		IdleTimeout:  120 * time.Second,
	}

	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", s.config.Listen),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
