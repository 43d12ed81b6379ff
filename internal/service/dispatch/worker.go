package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/moviefactory/internal/models"
)

// WorkerConfig bounds a Worker. BatchSize caps the tasks claimed per poll
// and defaults to Concurrency.
type WorkerConfig struct {
	Concurrency  int
	BatchSize    int
	PollInterval time.Duration
	LeaseTimeout time.Duration
}

// Worker polls a Queue and runs claimed tasks under a concurrency limit.
type Worker struct {
	queue    *Queue
	registry *Registry
	config   WorkerConfig
	logger   *zap.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	ticker *time.Ticker
	stopCh chan struct{}
	once   sync.Once
}

func NewWorker(queue *Queue, registry *Registry, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > cfg.Concurrency {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 10 * time.Minute
	}

	return &Worker{
		queue:    queue,
		registry: registry,
		config:   cfg,
		logger:   logger,
		sem:      make(chan struct{}, cfg.Concurrency),
		stopCh:   make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting task worker",
		zap.Int("concurrency", w.config.Concurrency),
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Strings("tasks", w.registry.Names()))

	w.ticker = time.NewTicker(w.config.PollInterval)

	go func() {
		for {
			select {
			case <-w.ticker.C:
				if _, err := w.poll(ctx); err != nil {
					w.logger.Error("Task poll failed", zap.Error(err))
				}
			case <-w.stopCh:
				w.logger.Info("Task worker stopped")
				return
			case <-ctx.Done():
				w.logger.Info("Task worker context cancelled")
				return
			}
		}
	}()
}

// Stop halts polling and waits for in-flight tasks.
func (w *Worker) Stop() {
	w.once.Do(func() {
		if w.ticker != nil {
			w.ticker.Stop()
		}
		close(w.stopCh)
	})
	w.wg.Wait()
	w.logger.Info("Task worker shutdown completed")
}

// RunOnce claims every task due now, runs them and waits for completion.
// It returns the number of tasks executed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	n, err := w.poll(ctx)
	w.wg.Wait()
	return n, err
}

func (w *Worker) poll(ctx context.Context) (int, error) {
	now := time.Now()

	if reclaimed, err := w.queue.reclaim(ctx, now); err != nil {
		return 0, err
	} else if reclaimed > 0 {
		w.logger.Warn("Reclaimed expired task leases", zap.Int64("count", reclaimed))
	}

	free := cap(w.sem) - len(w.sem)
	if free > w.config.BatchSize {
		free = w.config.BatchSize
	}
	tasks, err := w.queue.claim(ctx, now, w.config.LeaseTimeout, free)
	for _, task := range tasks {
		w.sem <- struct{}{}
		w.wg.Add(1)
		go w.run(ctx, task)
	}
	return len(tasks), err
}

func (w *Worker) run(ctx context.Context, task models.Task) {
	defer w.wg.Done()
	defer func() { <-w.sem }()

	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	err := execute(ctx, w.registry, task.Name, task.Payload)
	if err == nil {
		if err := w.queue.complete(ctx, task); err != nil {
			w.logger.Error("Failed to mark task completed", zap.String("task_id", task.ID), zap.Error(err))
		}
		w.logger.Debug("Task completed",
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)))
		return
	}

	retrying, markErr := w.queue.fail(ctx, task, err, time.Now())
	if markErr != nil {
		w.logger.Error("Failed to record task failure", zap.String("task_id", task.ID), zap.Error(markErr))
	}
	w.logger.Warn("Task failed",
		zap.String("task", task.Name),
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempts),
		zap.Bool("retrying", retrying),
		zap.Error(err))
}
