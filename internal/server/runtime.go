package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/moviefactory/internal/config"
	"github.com/ifuryst/moviefactory/internal/service"
	"github.com/ifuryst/moviefactory/internal/service/assets"
	"github.com/ifuryst/moviefactory/internal/service/dispatch"
	"github.com/ifuryst/moviefactory/internal/service/pipeline"
	"github.com/ifuryst/moviefactory/internal/service/provider"
	"github.com/ifuryst/moviefactory/internal/service/provider/comet"
	"github.com/ifuryst/moviefactory/internal/service/provider/gemini"
	"github.com/ifuryst/moviefactory/internal/service/provider/youtube"
	"github.com/ifuryst/moviefactory/internal/service/provider/ytdlp"
)

// Runtime holds the database, the dispatcher and everything registered on it.
// Both the API server and the standalone worker are built on one.
type Runtime struct {
	Config     *config.Config
	DB         *gorm.DB
	Registry   *dispatch.Registry
	Dispatcher dispatch.Dispatcher
	Pipeline   *pipeline.Pipeline
	Jobs       *service.JobService
	Sweeper    *pipeline.Sweeper

	logger  *zap.Logger
	pool    *dispatch.Pool
	worker  *dispatch.Worker
	closers []func() error
}

// StartOptions selects the background loops a process runs.
type StartOptions struct {
	Worker  bool
	Sweeper bool
}

func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	rt := &Runtime{
		Config:   cfg,
		DB:       db,
		Registry: dispatch.NewRegistry(),
		logger:   logger,
	}
	if sqlDB, err := db.DB(); err == nil {
		rt.closers = append(rt.closers, sqlDB.Close)
	}

	providers, err := rt.newProviders(ctx)
	if err != nil {
		rt.Stop()
		return nil, err
	}

	store, err := assets.NewStore(&cfg.Storage, logger)
	if err != nil {
		rt.Stop()
		return nil, fmt.Errorf("failed to initialize asset store: %w", err)
	}

	if err := rt.newDispatcher(); err != nil {
		rt.Stop()
		return nil, err
	}

	rt.Pipeline = pipeline.New(cfg, db, rt.Dispatcher, providers, store, logger)
	rt.Pipeline.Register(rt.Registry)

	rt.Jobs = service.NewJobService(db, rt.Dispatcher, logger)
	rt.Sweeper = pipeline.NewSweeper(rt.Pipeline,
		config.ParseDuration(cfg.Production.SweepInterval, time.Minute),
		config.ParseDuration(cfg.Production.StaleAfter, 10*time.Minute), logger)

	logger.Info("Runtime initialized",
		zap.String("dispatcher", cfg.Dispatcher.Mode),
		zap.String("ai_provider", cfg.AI.Provider),
		zap.String("storage", cfg.Storage.Driver),
		zap.Strings("tasks", rt.Registry.Names()))

	return rt, nil
}

func (r *Runtime) newProviders(ctx context.Context) (provider.Providers, error) {
	cfg := r.Config

	search, err := youtube.NewClient(ctx, &cfg.YouTube, r.logger)
	if err != nil {
		return provider.Providers{}, fmt.Errorf("failed to initialize youtube client: %w", err)
	}

	media := comet.NewClient(&cfg.AI.Comet, &cfg.Media, r.logger)
	providers := provider.Providers{
		Search:     search,
		Transcript: ytdlp.NewFetcher(&cfg.Transcript, r.logger),
		Analyzer:   media,
		Brief:      media,
		Image:      media,
		Music:      media,
	}

	switch cfg.AI.Provider {
	case "comet":
	case "gemini":
		client, err := gemini.NewClient(ctx, &cfg.AI.Gemini, r.logger)
		if err != nil {
			return provider.Providers{}, fmt.Errorf("failed to initialize gemini client: %w", err)
		}
		r.closers = append(r.closers, client.Close)
		providers.Analyzer = client
		providers.Brief = client
	default:
		return provider.Providers{}, fmt.Errorf("unknown ai provider %q", cfg.AI.Provider)
	}

	return providers, nil
}

func (r *Runtime) newDispatcher() error {
	cfg := r.Config.Dispatcher

	switch cfg.Mode {
	case "inline":
		r.Dispatcher = dispatch.NewInline(r.Registry, r.logger)
	case "pool":
		r.pool = dispatch.NewPool(r.Registry, cfg.Workers, cfg.QueueSize, cfg.MaxAttempts, r.logger)
		r.Dispatcher = r.pool
	case "queue":
		queue := dispatch.NewQueue(r.DB, cfg.MaxAttempts, r.logger)
		r.worker = dispatch.NewWorker(queue, r.Registry, dispatch.WorkerConfig{
			Concurrency:  cfg.Workers,
			BatchSize:    cfg.BatchSize,
			PollInterval: config.ParseDuration(cfg.PollInterval, time.Second),
			LeaseTimeout: config.ParseDuration(cfg.LeaseTimeout, 10*time.Minute),
		}, r.logger)
		r.Dispatcher = queue
	default:
		return fmt.Errorf("unknown dispatcher mode %q", cfg.Mode)
	}
	return nil
}

// Start launches the background loops selected by opts. The in-process pool
// always runs because enqueued work would otherwise never execute.
func (r *Runtime) Start(ctx context.Context, opts StartOptions) {
	if r.pool != nil {
		r.pool.Start(ctx)
	}
	if r.worker != nil && opts.Worker {
		r.worker.Start(ctx)
	}
	if r.Sweeper != nil && opts.Sweeper {
		r.Sweeper.Start(ctx)
	}
}

func (r *Runtime) Stop() {
	if r.Sweeper != nil {
		r.Sweeper.Stop()
	}
	if r.worker != nil {
		r.worker.Stop()
	}
	if r.pool != nil {
		if err := r.pool.Close(); err != nil {
			r.logger.Warn("Dispatcher pool shutdown", zap.Error(err))
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
	r.closers = nil
}
