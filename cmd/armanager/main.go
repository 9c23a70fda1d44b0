// Package main is the entry point for the armanager binary: the execution
// manager that stores built packages and runs one of them at a time as a
// child process on behalf of controlling peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/buildclient"
	"github.com/arcor2-io/arcor2/internal/manager"
	"github.com/arcor2-io/arcor2/internal/manager/pkgstore"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	addr         string
	buildURL     string
	packagesPath string
	projectPath  string
	stopDeadline time.Duration
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	_ = godotenv.Load()

	cfg := &config{}

	root := &cobra.Command{
		Use:   "armanager",
		Short: "armanager — execution manager for built packages",
		Long: `armanager keeps the library of built execution packages and runs
at most one of them at a time as a supervised child process. Controlling
peers attach over a websocket to install, run, pause and stop packages
and to observe the running script's event stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.addr, "addr", envOrDefault("ARCOR2_EXECUTION_ADDR", ":6790"), "Websocket listen address")
	root.PersistentFlags().StringVar(&cfg.buildURL, "build-url", envOrDefault("ARCOR2_BUILD_URL", "http://localhost:5008"), "Build service base URL")
	root.PersistentFlags().StringVar(&cfg.packagesPath, "packages", envOrDefault("ARCOR2_PACKAGES_PATH", "./packages"), "Directory the package library lives in")
	root.PersistentFlags().StringVar(&cfg.projectPath, "project-path", envOrDefault("ARCOR2_PROJECT_PATH", ""), "Deployment directory the active package is unpacked to and run from (required)")
	root.PersistentFlags().DurationVar(&cfg.stopDeadline, "stop-deadline", 5*time.Second, "Grace period between SIGTERM and SIGKILL when stopping a script")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ARCOR2_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("armanager %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.projectPath == "" {
		return fmt.Errorf("project path is required — set --project-path or ARCOR2_PROJECT_PATH")
	}

	logger.Info("starting armanager",
		zap.String("version", version),
		zap.String("addr", cfg.addr),
		zap.String("build_service", cfg.buildURL),
		zap.String("packages", cfg.packagesPath),
		zap.String("project_path", cfg.projectPath),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := pkgstore.New(cfg.packagesPath, logger)
	if err != nil {
		return fmt.Errorf("open package store: %w", err)
	}

	build := buildclient.New(cfg.buildURL, logger)

	mgr := manager.New(ctx, store, build, manager.Config{
		ProjectPath:  cfg.projectPath,
		StopDeadline: cfg.stopDeadline,
	}, logger)

	httpSrv := &http.Server{Addr: cfg.addr, Handler: mgr.Router()}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("listen on %s: %w", cfg.addr, err)
	case <-ctx.Done():
	}

	logger.Info("shutting down armanager")
	mgr.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
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

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
