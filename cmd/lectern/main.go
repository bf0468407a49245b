package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/observability"
	"github.com/lecternhq/lectern/internal/pipeline"
	"github.com/lecternhq/lectern/internal/scheduler"
	"github.com/lecternhq/lectern/internal/server"
	"github.com/lecternhq/lectern/internal/store"
	"github.com/lecternhq/lectern/internal/worker"
)

const version = "0.3.0"

var (
	logLevel   string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lectern",
	Short: "Lectern — execution ledger, job queue, and answer cache",
	Long:  "Durable run ledger with idempotent step reuse, a lease-based job queue, and layered answer caching, on embedded SQLite.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Lectern server",
	RunE:  runServer,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start an embedded worker against a local data directory",
	RunE:  runWorker,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Directory containing lectern.yaml")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(cacheCmd)
}

func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" && !rootCmd.PersistentFlags().Changed("log-level") {
		logLevel = cfg.LogLevel
		setupLogging()
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownTracer, err := observability.InitTracer(cfg.OtelEnabled, "lectern", version, cfg.OtelEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	st := store.NewStore(db)
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(st, scheduler.Options{
		Tick:            cfg.SchedulerTick,
		LeaseTimeout:    cfg.LeaseTimeout,
		AnswerRetention: cfg.AnswerRetention,
		GraphIdle:       cfg.GraphIdle,
	})
	go sched.Run(ctx)

	srv := server.New(st, cfg.BindAddr, cfg.JWTSecret)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownTracer, err := observability.InitTracer(cfg.OtelEnabled, "lectern-worker", version, cfg.OtelEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	st := store.NewStore(db)
	defer st.Close()

	exec := pipeline.NewExecutor(st)
	pipeline.RegisterDefaultStages(exec)

	w := worker.New(st, exec, worker.Options{
		Queues:       cfg.Queues,
		LeaseTimeout: cfg.LeaseTimeout,
		PollInterval: cfg.PollInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("worker ready", "worker_id", w.ID(), "queues", cfg.Queues)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
