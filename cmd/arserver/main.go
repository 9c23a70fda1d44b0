// Package main is the entry point for the arserver binary: the websocket
// control plane clients connect to for scene and project authoring.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables (.env is honoured)
//  2. Build logger
//  3. Build catalog (Project service REST client + cache)
//  4. Build Scene service client
//  5. Build manager link (persistent websocket to the execution manager)
//  6. Start the server and serve /ws until SIGINT/SIGTERM
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

	"github.com/arcor2-io/arcor2/internal/catalog"
	"github.com/arcor2-io/arcor2/internal/sceneclient"
	"github.com/arcor2-io/arcor2/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	addr              string
	projectServiceURL string
	sceneServiceURL   string
	managerURL        string
	lockTimeout       time.Duration
	catalogRefresh    time.Duration
	rpcWarnAfter      time.Duration
	logLevel          string
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
		Use:   "arserver",
		Short: "arserver — websocket control plane for scene and project authoring",
		Long: `arserver is the central coordination service clients connect to.
It mediates scene and project editing over a websocket RPC protocol,
caches object type definitions from the Project service and proxies
execution requests to the execution manager.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.addr, "addr", envOrDefault("ARCOR2_SERVER_ADDR", ":6789"), "Websocket listen address")
	root.PersistentFlags().StringVar(&cfg.projectServiceURL, "project-service-url", envOrDefault("ARCOR2_PROJECT_SERVICE_URL", "http://localhost:11000"), "Project service base URL (scenes, projects, object types)")
	root.PersistentFlags().StringVar(&cfg.sceneServiceURL, "scene-service-url", envOrDefault("ARCOR2_SCENE_SERVICE_URL", "http://localhost:5013"), "Scene service base URL (collisions, robot poses)")
	root.PersistentFlags().StringVar(&cfg.managerURL, "manager-url", envOrDefault("ARCOR2_EXECUTION_URL", "ws://localhost:6790/ws"), "Execution manager websocket URL")
	root.PersistentFlags().DurationVar(&cfg.lockTimeout, "lock-timeout", 2*time.Second, "Grace period a disconnected user keeps their locks")
	root.PersistentFlags().DurationVar(&cfg.catalogRefresh, "catalog-refresh", 30*time.Second, "Object type refresh interval (0 disables the periodic refresh)")
	root.PersistentFlags().DurationVar(&cfg.rpcWarnAfter, "rpc-warn-after", time.Second, "Soft deadline after which a slow RPC handler is logged")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ARCOR2_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("arserver %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting arserver",
		zap.String("version", version),
		zap.String("addr", cfg.addr),
		zap.String("project_service", cfg.projectServiceURL),
		zap.String("scene_service", cfg.sceneServiceURL),
		zap.String("manager", cfg.managerURL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cat := catalog.New(catalog.NewClient(cfg.projectServiceURL, logger), catalog.Options{})
	scene := sceneclient.New(cfg.sceneServiceURL, logger)

	link := server.NewManagerLink(cfg.managerURL, logger)

	srv := server.New(server.Config{
		LockTimeout:    cfg.lockTimeout,
		CatalogRefresh: cfg.catalogRefresh,
		RPCWarnAfter:   cfg.rpcWarnAfter,
	}, cat, scene, link, logger)

	// Manager events flow through the server's relay so clients observe them
	// in arrival order.
	link.SetEventHandler(srv.RelayManagerEvent)
	go link.Run(ctx)

	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("server loop failed", zap.Error(err))
			cancel()
		}
	}()

	httpSrv := &http.Server{Addr: cfg.addr, Handler: srv.Router()}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("listen on %s: %w", cfg.addr, err)
	case <-ctx.Done():
	}

	logger.Info("shutting down arserver")
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
