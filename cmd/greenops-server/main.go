// Package main is the entry point for the greenops-server binary.
// It wires all internal packages together and serves the fleet API.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open database and apply embedded migrations
//  4. Bootstrap the initial admin account (idempotent)
//  5. Build services: registry, telemetry, dispatch, analytics
//  6. Start websocket hub, background reaper, rate limiters
//  7. Serve HTTP until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	cronparser "github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/analytics"
	"github.com/iamdevdhanush/Green/internal/api"
	"github.com/iamdevdhanush/Green/internal/auth"
	"github.com/iamdevdhanush/Green/internal/cache"
	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/dispatch"
	"github.com/iamdevdhanush/Green/internal/energy"
	"github.com/iamdevdhanush/Green/internal/events"
	"github.com/iamdevdhanush/Green/internal/metrics"
	"github.com/iamdevdhanush/Green/internal/ratelimit"
	"github.com/iamdevdhanush/Green/internal/reaper"
	"github.com/iamdevdhanush/Green/internal/registry"
	"github.com/iamdevdhanush/Green/internal/repository"
	"github.com/iamdevdhanush/Green/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const minAdminPasswordLen = 8

type config struct {
	addr          string
	dbDriver      string
	dbDSN         string
	jwtSecret     string
	adminUsername string
	adminPassword string
	redisAddr     string
	redisPassword string
	corsOrigins   string
	logLevel      string

	sweepInterval time.Duration
	offlineWindow time.Duration
	rollupCron    string
	commandTTL    time.Duration

	idleThresholdS    int
	heartbeatInterval int
	idlePowerWatts    float64
	costPerKWh        float64
	co2PerKWh         float64

	rateLimit      uint64
	loginRateLimit uint64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "greenops-server",
		Short: "GreenOps fleet idle-energy telemetry and shutdown control server",
		Long: `GreenOps server is the control plane of the GreenOps system.
It ingests agent heartbeats, accounts wasted idle energy per machine,
dispatches operator-issued shutdown commands, and serves the dashboard
API with a live websocket event stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.addr, "addr", envOrDefault("GREENOPS_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("GREENOPS_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("GREENOPS_DB_DSN", "./greenops.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.jwtSecret, "jwt-secret", envOrDefault("GREENOPS_JWT_SECRET", ""), "HS256 signing secret for access tokens, at least 32 bytes (required)")
	root.PersistentFlags().StringVar(&cfg.adminUsername, "admin-username", envOrDefault("GREENOPS_ADMIN_USERNAME", "admin"), "Initial admin username")
	root.PersistentFlags().StringVar(&cfg.adminPassword, "admin-password", envOrDefault("GREENOPS_ADMIN_PASSWORD", ""), "Initial admin password (empty skips bootstrap)")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("GREENOPS_REDIS_ADDR", ""), "Redis address for the dashboard cache (empty disables caching)")
	root.PersistentFlags().StringVar(&cfg.redisPassword, "redis-password", envOrDefault("GREENOPS_REDIS_PASSWORD", ""), "Redis password")
	root.PersistentFlags().StringVar(&cfg.corsOrigins, "cors-origins", envOrDefault("GREENOPS_CORS_ORIGINS", ""), "Comma-separated list of allowed CORS origins")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("GREENOPS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.PersistentFlags().DurationVar(&cfg.sweepInterval, "sweep-interval", envOrDefaultDuration("GREENOPS_SWEEP_INTERVAL", reaper.DefaultInterval), "How often the offline sweep runs")
	root.PersistentFlags().DurationVar(&cfg.offlineWindow, "offline-window", envOrDefaultDuration("GREENOPS_OFFLINE_WINDOW", reaper.DefaultOfflineWindow), "Silence window before a machine is marked offline")
	root.PersistentFlags().StringVar(&cfg.rollupCron, "rollup-cron", envOrDefault("GREENOPS_ROLLUP_CRON", reaper.DefaultRollupCron), "Cron expression for the monthly analytics rollup")
	root.PersistentFlags().DurationVar(&cfg.commandTTL, "command-ttl", envOrDefaultDuration("GREENOPS_COMMAND_TTL", dispatch.DefaultCommandTTL), "How long a pending shutdown command waits for the agent before expiring")

	root.PersistentFlags().IntVar(&cfg.idleThresholdS, "idle-threshold", envOrDefaultInt("GREENOPS_IDLE_THRESHOLD_SECONDS", energy.DefaultIdleThresholdS), "Seconds of inactivity before a machine counts as idle")
	root.PersistentFlags().IntVar(&cfg.heartbeatInterval, "heartbeat-interval", envOrDefaultInt("GREENOPS_HEARTBEAT_INTERVAL_SECONDS", energy.DefaultIntervalSeconds), "Expected agent heartbeat cadence, caps the idle credit per sample")
	root.PersistentFlags().Float64Var(&cfg.idlePowerWatts, "idle-power-watts", envOrDefaultFloat("GREENOPS_IDLE_POWER_WATTS", energy.DefaultIdlePowerWatts), "Assumed idle power draw per machine, watts")
	root.PersistentFlags().Float64Var(&cfg.costPerKWh, "cost-per-kwh", envOrDefaultFloat("GREENOPS_COST_PER_KWH", energy.DefaultCostPerKWh), "Electricity cost per kWh, USD")
	root.PersistentFlags().Float64Var(&cfg.co2PerKWh, "co2-per-kwh", envOrDefaultFloat("GREENOPS_CO2_KG_PER_KWH", energy.DefaultCO2KgPerKWh), "Grid emission factor, kg CO2 per kWh")

	root.PersistentFlags().Uint64Var(&cfg.rateLimit, "rate-limit", envOrDefaultUint("GREENOPS_RATE_LIMIT", ratelimit.DefaultTokens), "General API requests allowed per client per minute")
	root.PersistentFlags().Uint64Var(&cfg.loginRateLimit, "login-rate-limit", envOrDefaultUint("GREENOPS_LOGIN_RATE_LIMIT", ratelimit.LoginTokens), "Login attempts allowed per client per five minutes")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("greenops-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	// --- Startup validation ---
	// Misconfiguration is fatal before any component starts.
	if cfg.jwtSecret == "" {
		return fmt.Errorf("jwt secret is required, set --jwt-secret or GREENOPS_JWT_SECRET")
	}
	if cfg.adminPassword != "" && len(cfg.adminPassword) < minAdminPasswordLen {
		return fmt.Errorf("admin password must be at least %d characters", minAdminPasswordLen)
	}
	if _, err := cronparser.ParseStandard(cfg.rollupCron); err != nil {
		return fmt.Errorf("invalid rollup cron expression %q: %w", cfg.rollupCron, err)
	}

	jwtMgr, err := auth.NewJWTManager([]byte(cfg.jwtSecret), "greenops")
	if err != nil {
		return err
	}

	logger.Info("starting greenops server",
		zap.String("version", version),
		zap.String("addr", cfg.addr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database ---
	// Retries cover deployments where postgres comes up after the server.
	gdb, err := db.NewWithRetry(ctx, db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	}, 5, 2*time.Second)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, derr := gdb.DB(); derr == nil {
			sqlDB.Close()
		}
	}()

	store := repository.NewStore(gdb)

	// --- Auth ---
	authSvc, err := auth.NewService(store, jwtMgr, logger)
	if err != nil {
		return err
	}
	if cfg.adminPassword == "" {
		logger.Warn("admin bootstrap skipped, no GREENOPS_ADMIN_PASSWORD configured")
	} else {
		if err := auth.EnsureAdmin(ctx, store, logger, cfg.adminUsername, cfg.adminPassword); err != nil {
			return fmt.Errorf("admin bootstrap failed: %w", err)
		}
	}

	// --- Cache (optional) ---
	// A nil cache always misses; the dashboard falls through to the
	// database. Configured-but-unreachable Redis is a startup error.
	var aggCache *cache.Cache
	if cfg.redisAddr != "" {
		aggCache, err = cache.New(ctx, cfg.redisAddr, cfg.redisPassword, 0, 0, logger)
		if err != nil {
			return err
		}
		defer aggCache.Close()
		logger.Info("dashboard cache enabled", zap.String("redis_addr", cfg.redisAddr))
	}

	// --- Event hub ---
	hub := events.NewHub()
	go hub.Run(ctx)
	metrics.RegisterConnectedClients(hub.ConnectedCount)

	// --- Domain services ---
	calc := energy.NewCalculator(energy.Calculator{
		IdlePowerWatts:  cfg.idlePowerWatts,
		CostPerKWh:      cfg.costPerKWh,
		CO2KgPerKWh:     cfg.co2PerKWh,
		IdleThresholdS:  cfg.idleThresholdS,
		IntervalSeconds: cfg.heartbeatInterval,
	})
	regSvc := registry.NewService(store, hub, logger)
	telSvc := telemetry.NewService(store, calc, hub, aggCache, logger)
	dispSvc := dispatch.NewService(store, hub, aggCache, logger, cfg.commandTTL)
	rollupSvc := analytics.NewService(store, logger)

	// --- Background tasks ---
	rp, err := reaper.New(store, rollupSvc, hub, aggCache, logger, reaper.Config{
		Interval:      cfg.sweepInterval,
		OfflineWindow: cfg.offlineWindow,
		RollupCron:    cfg.rollupCron,
	})
	if err != nil {
		return err
	}
	if err := rp.Start(); err != nil {
		return err
	}
	defer func() {
		if err := rp.Stop(); err != nil {
			logger.Error("stopping background tasks", zap.Error(err))
		}
	}()

	// --- Rate limiters ---
	generalLimiter := ratelimit.New(cfg.rateLimit, ratelimit.DefaultInterval, logger)
	loginLimiter := ratelimit.New(cfg.loginRateLimit, ratelimit.LoginInterval, logger)
	defer generalLimiter.Close(context.Background()) //nolint:errcheck
	defer loginLimiter.Close(context.Background())   //nolint:errcheck

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Store:          store,
		AuthService:    authSvc,
		JWTManager:     jwtMgr,
		Registry:       regSvc,
		Telemetry:      telSvc,
		Dispatch:       dispSvc,
		Hub:            hub,
		Cache:          aggCache,
		Logger:         logger,
		GeneralLimiter: generalLimiter,
		LoginLimiter:   loginLimiter,
		CORSOrigins:    splitOrigins(cfg.corsOrigins),
	})

	srv := &http.Server{
		Addr:    cfg.addr,
		Handler: router,
		// No global read/write timeouts: websocket connections outlive any
		// per-request deadline. Header reads and idle keep-alives stay bounded.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down greenops server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultUint(key string, defaultVal uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
