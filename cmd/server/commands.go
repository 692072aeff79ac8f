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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/procurement-engine/api"
	"github.com/warp/procurement-engine/config"
	"github.com/warp/procurement-engine/logger"
	"github.com/warp/procurement-engine/purchasing"
	"github.com/warp/procurement-engine/store/redisqueue"
	"github.com/warp/procurement-engine/store/sqlite"
)

var version = "dev"

type options struct {
	envFile   string
	dbPath    string
	logLevel  string
	scheduler string
	port      int

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "procurement",
		Short:         "Purchase-order receiving, costing and recovery engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "environment file to load if present")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&opts.scheduler, "scheduler", "", "deferred queue backend: sqlite or redis (overrides SCHEDULER_BACKEND)")

	root.AddCommand(newServeCmd(opts), newRunDeferredCmd(opts))
	return root
}

func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBPath = o.dbPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("scheduler") {
		cfg.SchedulerBackend = o.scheduler
	}
	if flags.Changed("port") {
		cfg.Port = o.port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logger.Setup(cfg.LoggerConfig()); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	o.cfg = cfg
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	store     *sqlite.Store
	redis     *redis.Client
	scheduler purchasing.Scheduler
	locker    api.Locker
	service   *purchasing.ReceivingService
	log       zerolog.Logger
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{log: logger.WithComponent("main")}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a.store = store
	a.scheduler = store

	if cfg.SchedulerBackend == config.BackendRedis {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		a.scheduler = redisqueue.New(a.redis, cfg.RedisQueueKey)
		a.locker = redisqueue.NewLocker(a.redis)
	}

	a.service, err = purchasing.NewReceivingService(purchasing.ServiceDeps{
		Orders:          store,
		Stock:           store,
		Receiving:       store,
		Journal:         store,
		Audit:           store,
		Scheduler:       a.scheduler,
		Logger:          logger.Get(),
		ReviewThreshold: cfg.ReviewThreshold,
		DeferDelay:      cfg.DeferDelay,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) runner(cfg *config.Config) *api.DeferredRunner {
	return api.NewDeferredRunner(api.RunnerDeps{
		Service:   a.service,
		Scheduler: a.scheduler,
		Locker:    a.locker,
		Interval:  cfg.RunnerInterval,
		Logger:    logger.Get(),
	})
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close redis")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close database")
		}
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the deferred-work runner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts.cfg)
		},
	}
	cmd.Flags().IntVar(&opts.port, "port", 8080, "HTTP server port (overrides PORT)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(api.HandlerDeps{
		Service: a.service,
		Stock:   a.store,
		History: a.store,
		Logger:  logger.Get(),
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, api.RouterOptions{RequestLogging: true}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	runner := a.runner(cfg)
	runner.Start()

	errc := make(chan error, 1)
	go func() {
		a.log.Info().Int("port", cfg.Port).Str("db", cfg.DBPath).Str("scheduler", cfg.SchedulerBackend).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		runner.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	a.log.Info().Msg("shutting down server")
	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info().Msg("server stopped")
	return nil
}

func newRunDeferredCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run-deferred",
		Short: "Replay due deferred operations once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.runner(opts.cfg).RunOnce(ctx)
			if err != nil {
				return err
			}
			if stats.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "skipped: another runner holds the lock")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), stats.String())
			return nil
		},
	}
}
