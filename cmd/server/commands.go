package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/todo-api/internal/config"
	"github.com/vyrodovalexey/todo-api/internal/server"
	"github.com/vyrodovalexey/todo-api/internal/store"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
}

// newRootCommand creates the todo-api command. Without a subcommand it serves.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Todo items REST service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"path to a YAML config file (default $"+config.EnvConfigFile+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"log level override (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSchemaCommand(opts))

	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the items API until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newSchemaCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the todo_items table if it does not exist, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchema(cmd.Context(), opts)
		},
	}
}

// load resolves the configuration and builds the logger.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}

	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("validating --log-level: %w", err)
		}
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}

	return cfg, logger, nil
}

func runSchema(ctx context.Context, opts *rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cfg.StoreDriver == store.DriverMemory {
		logger.Info("memory store has no schema")
		return nil
	}

	// Opening a database store creates the table.
	itemStore, err := store.Open(ctx, cfg.StoreDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		return err
	}

	logger.Info("schema ready", zap.String("store_driver", cfg.StoreDriver))
	return itemStore.Close()
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("configuration loaded",
		zap.Int("server_port", cfg.ServerPort),
		zap.Int("probe_port", cfg.ProbePort),
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("shutdown_timeout", cfg.ShutdownTimeout),
		zap.Bool("metrics_enabled", cfg.MetricsEnabled),
		zap.String("store_driver", cfg.StoreDriver),
		zap.Bool("events_enabled", cfg.EventsEnabled),
	)

	itemStore, err := store.Open(ctx, cfg.StoreDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		return fmt.Errorf("opening item store: %w", err)
	}
	defer func() {
		if err := itemStore.Close(); err != nil {
			logger.Warn("closing item store", zap.Error(err))
		}
	}()

	redisClient, err := newRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() {
			_ = redisClient.Close()
		}()
	}

	srv := server.New(cfg, logger, itemStore, redisClient)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// newRedisClient connects to Redis when the event feed is relayed across
// replicas. It returns nil when no relay is configured.
func newRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !cfg.EventsEnabled || cfg.RedisURL == "" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", config.EnvRedisURL, err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return client, nil
}
