// Package main is the entry point for the greenops-agent binary.
// It runs on each fleet machine, reports idle telemetry to the GreenOps
// server, and executes gated shutdown commands.
//
// Startup sequence:
//  1. Parse CLI flags, load config (env > file > defaults)
//  2. Build logger
//  3. Open the offline heartbeat queue
//  4. Register with the server if no stored credentials exist
//  5. Run the heartbeat/poll loop until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/agent/config"
	"github.com/iamdevdhanush/Green/internal/agent/runtime"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
	)

	root := &cobra.Command{
		Use:   "greenops-agent",
		Short: "GreenOps idle telemetry reporter and shutdown executor",
		Long: `GreenOps agent runs on each fleet machine. It samples user idle time
and resource usage, heartbeats them to the GreenOps server, queues
samples while offline, and re-validates idleness locally before
honoring an operator-issued shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, dryRun)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&configPath, "config", config.FilePath(), "Path to the agent config file")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Log shutdown commands instead of executing them")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("greenops-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, configPath string, dryRun bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting greenops agent",
		zap.String("version", version),
		zap.String("server_url", cfg.ServerURL),
		zap.String("config", configPath),
		zap.Bool("dry_run", dryRun),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agent, err := runtime.New(runtime.Options{
		Config:     cfg,
		ConfigPath: configPath,
		QueuePath:  filepath.Join(filepath.Dir(configPath), "queue.json"),
		Version:    version,
		DryRun:     dryRun,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM) or registration
	// fails for good.
	if err := agent.Run(ctx); err != nil {
		return err
	}

	logger.Info("greenops agent stopped")
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
