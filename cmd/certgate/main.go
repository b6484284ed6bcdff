// Package main is the entry point for the certgate authentication service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/certgate/internal/audit"
	"github.com/vyrodovalexey/certgate/internal/auth"
	"github.com/vyrodovalexey/certgate/internal/auth/cert"
	"github.com/vyrodovalexey/certgate/internal/auth/challenge"
	"github.com/vyrodovalexey/certgate/internal/auth/session"
	"github.com/vyrodovalexey/certgate/internal/config"
	"github.com/vyrodovalexey/certgate/internal/health"
	"github.com/vyrodovalexey/certgate/internal/observability"
	"github.com/vyrodovalexey/certgate/internal/server"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("CERTGATE_CONFIG_PATH", "configs/certgate.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("CERTGATE_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("CERTGATE_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("certgate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting certgate",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := config.Validate(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("listen", cfg.Server.Listen),
		observability.String("ca_file", cfg.Auth.CAFile),
		observability.String("session_backend", cfg.Auth.SessionStore.Backend),
	)

	return cfg
}

// application holds all application components.
type application struct {
	cfg         *config.Config
	server      *server.Server
	tracer      *observability.Tracer
	anchor      *cert.TrustAnchor
	anchorWatch *config.FileWatcher
	challenges  *challenge.Ledger
	sessions    session.Store
	redisClient *redis.Client
}

// initApplication wires all components together.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}

	anchor := cert.NewTrustAnchor(cfg.Auth.CAFile, cert.WithAnchorLogger(logger))
	if _, err := anchor.Certificate(); err != nil {
		// Startup proceeds; the trust anchor may appear later and
		// verification fails closed until it does.
		logger.Warn("trust anchor not loadable at startup", observability.Error(err))
	}

	verifier, err := cert.NewVerifier(anchor, cert.WithVerifierLogger(logger))
	if err != nil {
		logger.Fatal("failed to initialize certificate verifier", observability.Error(err))
	}

	challenges := challenge.NewLedger(
		challenge.WithTTL(cfg.Auth.ChallengeTTL.Duration()),
		challenge.WithSweepInterval(cfg.Auth.SweepInterval.Duration()),
		challenge.WithLedgerLogger(logger),
	)

	app := &application{
		cfg:        cfg,
		tracer:     tracer,
		anchor:     anchor,
		challenges: challenges,
	}

	app.sessions = initSessionStore(cfg, logger, app)

	flow, err := auth.NewFlow(verifier, challenges, app.sessions,
		auth.WithFlowLogger(logger),
		auth.WithFlowAuditor(audit.NewLogger(logger)),
	)
	if err != nil {
		logger.Fatal("failed to initialize authentication flow", observability.Error(err))
	}

	checker := health.NewChecker(version)
	checker.RegisterCheck("trust_anchor", health.TrustAnchorCheck(anchor))
	if app.redisClient != nil {
		checker.RegisterCheck("redis", health.RedisCheck(app.redisClient))
	}

	app.server = server.NewServer(cfg, flow, checker, logger)

	if cfg.Auth.WatchCAFile {
		watcher, err := config.NewFileWatcher(cfg.Auth.CAFile, func(path string) {
			if err := anchor.Reload(); err != nil {
				logger.Error("trust anchor reload failed",
					observability.String("path", path),
					observability.Error(err),
				)
				return
			}
			logger.Info("trust anchor reloaded", observability.String("path", path))
		}, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Fatal("failed to create trust anchor watcher", observability.Error(err))
		}
		app.anchorWatch = watcher
	}

	return app
}

// initSessionStore builds the configured session store backend.
func initSessionStore(cfg *config.Config, logger observability.Logger, app *application) session.Store {
	switch cfg.Auth.SessionStore.Backend {
	case config.SessionBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Auth.SessionStore.Redis.Addr,
			Password: cfg.Auth.SessionStore.Redis.Password,
			DB:       cfg.Auth.SessionStore.Redis.DB,
		})
		app.redisClient = client

		opts := []session.RedisStoreOption{
			session.WithRedisTTL(cfg.Auth.SessionTTL.Duration()),
			session.WithRedisLogger(logger),
		}
		if prefix := cfg.Auth.SessionStore.Redis.KeyPrefix; prefix != "" {
			opts = append(opts, session.WithRedisKeyPrefix(prefix))
		}

		store, err := session.NewRedisStore(client, opts...)
		if err != nil {
			logger.Fatal("failed to initialize redis session store", observability.Error(err))
		}

		logger.Info("using redis session store",
			observability.String("addr", cfg.Auth.SessionStore.Redis.Addr),
		)
		return store

	default:
		return session.NewMemoryStore(
			session.WithTTL(cfg.Auth.SessionTTL.Duration()),
			session.WithSweepInterval(cfg.Auth.SweepInterval.Duration()),
			session.WithStoreLogger(logger),
		)
	}
}

// run starts the server and blocks until shutdown.
func run(app *application, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if app.anchorWatch != nil {
		if err := app.anchorWatch.Start(ctx); err != nil {
			logger.Fatal("failed to start trust anchor watcher", observability.Error(err))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down",
			observability.String("signal", sig.String()),
		)
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", observability.Error(err))
		}
	}

	shutdown(app, logger)
}

// shutdown stops all components in reverse start order.
func shutdown(app *application, logger observability.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := app.server.Stop(ctx); err != nil {
		logger.Error("server shutdown failed", observability.Error(err))
	}

	if app.anchorWatch != nil {
		app.anchorWatch.Stop()
	}

	app.challenges.Close()

	// The redis-backed store closes its client itself.
	if err := app.sessions.Close(); err != nil {
		logger.Error("session store close failed", observability.Error(err))
	}

	if app.tracer != nil {
		shutdownCtx, cancelTracer := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTracer()
		if err := app.tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", observability.Error(err))
		}
	}

	logger.Info("shutdown complete")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
