// Package main is the entry point for the API key service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeyd/internal/audit"
	"github.com/vyrodovalexey/avakeyd/internal/config"
	"github.com/vyrodovalexey/avakeyd/internal/engine"
	"github.com/vyrodovalexey/avakeyd/internal/health"
	"github.com/vyrodovalexey/avakeyd/internal/issuer"
	"github.com/vyrodovalexey/avakeyd/internal/keystore"
	"github.com/vyrodovalexey/avakeyd/internal/observability"
	"github.com/vyrodovalexey/avakeyd/internal/ratelimit"
	"github.com/vyrodovalexey/avakeyd/internal/registry"
	"github.com/vyrodovalexey/avakeyd/internal/server"
	"github.com/vyrodovalexey/avakeyd/internal/sweeper"
	"github.com/vyrodovalexey/avakeyd/internal/usagelog"
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

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("KEYD_CONFIG_PATH", "configs/keyd.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("KEYD_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("KEYD_LOG_FORMAT", "json"),
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
	fmt.Printf("avakeyd version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) *zap.Logger {
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
func loadAndValidateConfig(configPath string, logger *zap.Logger) *config.Config {
	logger.Info("starting avakeyd",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	if err := config.Validate(cfg); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("listen", cfg.Server.ListenAddress),
		zap.String("storage", cfg.Storage.Backend),
		zap.Duration("rate_window", cfg.RateLimit.Window.Duration()),
		zap.Duration("sweep_interval", cfg.Sweeper.Interval.Duration()),
	)

	return cfg
}

// application holds all application components.
type application struct {
	store    keystore.Store
	registry *registry.Registry
	limiter  *ratelimit.SlidingWindowLimiter
	audit    audit.Logger
	sweeper  *sweeper.Sweeper
	server   *server.Server
	config   *config.Config
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger *zap.Logger) *application {
	store := initStore(cfg, logger)

	auditLogger := initAuditLogger(cfg, store, logger)

	reg := registry.NewWithCacheTTL(store, cfg.Registry.CacheTTL.Duration(), logger)
	limiter := ratelimit.NewSlidingWindowLimiterWithBuckets(
		cfg.RateLimit.Window.Duration(),
		cfg.RateLimit.Buckets,
		logger,
	)
	usage := usagelog.NewRecorder(store, logger)

	eng := engine.New(reg, limiter, usage, auditLogger, logger)
	iss := issuer.New(store, auditLogger, logger)
	sw := sweeper.New(store, reg, auditLogger, cfg.Sweeper.Interval.Duration(), logger)

	checker := health.NewChecker(version)
	checker.Register("keystore", keystoreCheck(store))

	srv := server.New(eng, iss, sw, store, checker, server.Config{
		AdminRateLimit: cfg.Server.AdminRateLimit,
		AdminRateBurst: cfg.Server.AdminRateBurst,
	}, logger)

	return &application{
		store:    store,
		registry: reg,
		limiter:  limiter,
		audit:    auditLogger,
		sweeper:  sw,
		server:   srv,
		config:   cfg,
	}
}

// initStore creates the configured keystore backend.
func initStore(cfg *config.Config, logger *zap.Logger) keystore.Store {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		redisCfg := keystore.DefaultRedisConfig()
		redisCfg.Address = cfg.Storage.Redis.Address
		redisCfg.Password = cfg.Storage.Redis.Password
		redisCfg.DB = cfg.Storage.Redis.DB
		if cfg.Storage.Redis.Prefix != "" {
			redisCfg.Prefix = cfg.Storage.Redis.Prefix
		}
		redisCfg.Logger = logger

		store, err := keystore.NewRedisStore(redisCfg)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		return store

	default:
		return keystore.NewMemoryStore()
	}
}

// initAuditLogger creates the audit logger, optionally mirroring events to
// the configured output.
func initAuditLogger(cfg *config.Config, store keystore.Store, logger *zap.Logger) audit.Logger {
	opts := []audit.LoggerOption{audit.WithZapLogger(logger)}

	if w := auditWriter(cfg.Audit.Output, logger); w != nil {
		opts = append(opts, audit.WithWriter(w))
	}

	return audit.NewLogger(store, opts...)
}

// auditWriter resolves the audit mirror destination. Empty disables the
// mirror.
func auditWriter(output string, logger *zap.Logger) io.Writer {
	switch output {
	case "":
		return nil
	case "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			logger.Warn("failed to open audit output, mirror disabled",
				zap.String("path", output),
				zap.Error(err),
			)
			return nil
		}
		return f
	}
}

// keystoreCheck adapts the keystore ping to a readiness check.
func keystoreCheck(store keystore.Store) health.CheckFunc {
	return func() health.Check {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			return health.Check{Status: health.StatusUnhealthy, Message: err.Error()}
		}
		return health.Check{Status: health.StatusHealthy}
	}
}

// run starts the HTTP server and the sweeper, then blocks until shutdown.
func run(app *application, configPath string, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go app.sweeper.Run(ctx)

	httpServer := &http.Server{
		Addr:              app.config.Server.ListenAddress,
		Handler:           app.server.Router(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, httpServer, watcher, cancel, logger)
}

// startConfigWatcher starts the configuration watcher. Only the reloadable
// fields are applied from reloads.
func startConfigWatcher(app *application, configPath string, logger *zap.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		app.sweeper.SetInterval(newCfg.Sweeper.Interval.Duration())
		app.registry.SetCacheTTL(newCfg.Registry.CacheTTL.Duration())
	}, logger)

	if err != nil {
		logger.Warn("failed to create config watcher", zap.Error(err))
		return nil
	}

	return watcher
}

// waitForShutdown waits for a shutdown signal and performs graceful shutdown.
func waitForShutdown(
	app *application,
	httpServer *http.Server,
	watcher *config.Watcher,
	cancel context.CancelFunc,
	logger *zap.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		app.config.Server.ShutdownTimeout.Duration(),
	)
	defer shutdownCancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop http server gracefully", zap.Error(err))
	}

	// Stops the sweeper loop.
	cancel()

	if err := app.limiter.Close(); err != nil {
		logger.Error("failed to close rate limiter", zap.Error(err))
	}

	if err := app.audit.Close(); err != nil {
		logger.Error("failed to close audit logger", zap.Error(err))
	}

	if err := app.store.Close(); err != nil {
		logger.Error("failed to close keystore", zap.Error(err))
	}

	logger.Info("avakeyd stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
