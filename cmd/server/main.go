package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ifuryst/moviefactory/internal/config"
	"github.com/ifuryst/moviefactory/internal/server"
	"github.com/ifuryst/moviefactory/pkg/logger"
)

var (
	configPath string
	envFile    string
	noWorker   bool
	version    = "0.1.0"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "moviefactory",
	Short: "MovieFactory - automated video production pipeline",
	Long:  `MovieFactory researches a topic, drafts a creative brief and produces the scene images and music for a short video.`,
	RunE:  runServer,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the durable task worker without the HTTP API",
	RunE:  runWorker,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("MovieFactory %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run the queue worker in the API process")
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}

func setup() (*config.Config, *zap.Logger, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, appLogger, nil
}

func runServer(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	appLogger.Info("Starting MovieFactory server", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := server.NewRuntime(ctx, cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	srv := server.NewServer(cfg, rt, appLogger)

	go func() {
		opts := server.StartOptions{Worker: !noWorker, Sweeper: true}
		if err := srv.Start(ctx, opts); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Server failed to start", zap.Error(err))
			cancel()
		}
	}()

	waitForSignal(ctx, appLogger)

	if err := srv.Shutdown(context.Background()); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	appLogger.Info("Server exited")
	return nil
}

func runWorker(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	if cfg.Dispatcher.Mode != "queue" {
		return fmt.Errorf("worker requires dispatcher mode queue, got %q", cfg.Dispatcher.Mode)
	}

	appLogger.Info("Starting MovieFactory worker", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := server.NewRuntime(ctx, cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	rt.Start(ctx, server.StartOptions{Worker: true})

	waitForSignal(ctx, appLogger)

	rt.Stop()
	appLogger.Info("Worker exited")
	return nil
}

func waitForSignal(ctx context.Context, log *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutting down...")
	case <-ctx.Done():
		log.Info("Context cancelled")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
