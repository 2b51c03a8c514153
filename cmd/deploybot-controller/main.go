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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/api"
	"github.com/JasSra/henchmen/internal/auth"
	"github.com/JasSra/henchmen/internal/config"
	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/dispatcher"
	"github.com/JasSra/henchmen/internal/logbroker"
	"github.com/JasSra/henchmen/internal/queue"
	"github.com/JasSra/henchmen/internal/registry"
	"github.com/JasSra/henchmen/internal/store"
	"github.com/JasSra/henchmen/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type controllerConfig struct {
	listenAddr    string
	dbDriver      string
	dbDSN         string
	webhookSecret string
	bindingsPath  string
	logLevel      string
	orphanTimeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &controllerConfig{}

	root := &cobra.Command{
		Use:   "deploybot-controller",
		Short: "DeployBot controller — webhook-driven deployment dispatcher",
		Long: `DeployBot controller turns GitHub push events into deployment jobs,
hands each job to exactly one polling agent on the target host, and
streams deployment logs back out to subscribers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("DEPLOYBOT_LISTEN_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DEPLOYBOT_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("DEPLOYBOT_DB_DSN", "./deploybot.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.webhookSecret, "webhook-secret", envOrDefault("DEPLOYBOT_WEBHOOK_SECRET", ""), "Shared secret for webhook HMAC and agent tokens (required)")
	root.PersistentFlags().StringVar(&cfg.bindingsPath, "bindings", envOrDefault("DEPLOYBOT_BINDINGS", "./bindings.yaml"), "Path to the repository bindings YAML file")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DEPLOYBOT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.orphanTimeout, "orphan-timeout", envDurationOrDefault("DEPLOYBOT_ORPHAN_TIMEOUT", dispatcher.DefaultOrphanTimeout), "How long a running job may outlive its agent's heartbeats before requeue")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("deploybot-controller %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *controllerConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.webhookSecret == "" {
		return fmt.Errorf("webhook secret is required — set --webhook-secret or DEPLOYBOT_WEBHOOK_SECRET")
	}

	logger.Info("starting deploybot controller",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("bindings", cfg.bindingsPath),
		zap.Duration("orphan_timeout", cfg.orphanTimeout),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database and durable store.
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: cfg.logLevel,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	st := store.New(database, logger)

	// Repository bindings with hot reload.
	bindings, err := config.NewLoader(cfg.bindingsPath, logger)
	if err != nil {
		return err
	}
	go bindings.Watch()
	defer bindings.Stop()

	// Queue, registry, dispatcher, broker.
	q := queue.New(st, logger)
	tokens := auth.NewTokenManager(cfg.webhookSecret, "deploybot-controller")
	reg := registry.New(st, tokens, logger)
	broker := logbroker.New(st, logger)
	disp := dispatcher.New(st, q, reg, broker, dispatcher.Config{
		OrphanTimeout: cfg.orphanTimeout,
	}, logger)
	reg.SetOfferer(disp)

	// Reload pending work from the store before serving traffic. Jobs
	// still running keep their idempotency keys reserved in the queue.
	pending, err := st.Recover(ctx, cfg.orphanTimeout, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recovering queue state: %w", err)
	}
	running, err := st.ListJobsByStatus(ctx, db.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("recovering queue state: %w", err)
	}
	q.Rebuild(pending, running)

	translator := webhook.New(cfg.webhookSecret, bindings, disp, logger)

	// Background sweeps.
	liveness, err := registry.NewSweeper(reg, logger)
	if err != nil {
		return err
	}
	if err := liveness.Start(); err != nil {
		return err
	}
	defer liveness.Stop() //nolint:errcheck

	reclaim, err := dispatcher.NewSweeper(disp, logger)
	if err != nil {
		return err
	}
	if err := reclaim.Start(); err != nil {
		return err
	}
	defer reclaim.Stop() //nolint:errcheck

	router := api.NewRouter(api.RouterConfig{
		Store:      st,
		Registry:   reg,
		Dispatcher: disp,
		Broker:     broker,
		Translator: translator,
		Tokens:     tokens,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.listenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down deploybot controller")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
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

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
