package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/moviefactory/internal/models"
	"github.com/ifuryst/moviefactory/internal/service/dispatch"
)

// Sweeper periodically nudges unfinished productions so that jobs converge
// even when a child callback or an in-memory task was lost. Children that
// have not changed for staleAfter are dispatched again and every processing
// job gets a finalize pass.
type Sweeper struct {
	pipeline   *Pipeline
	interval   time.Duration
	staleAfter time.Duration
	logger     *zap.Logger
	ticker     *time.Ticker
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func NewSweeper(p *Pipeline, interval, staleAfter time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		pipeline:   p,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("Sweeper is disabled")
		return
	}

	s.logger.Info("Starting production sweeper", zap.Duration("interval", s.interval))
	s.ticker = time.NewTicker(s.interval)

	go func() {
		for {
			select {
			case <-s.ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.Error("Sweep failed", zap.Error(err))
				}
			case <-s.stopCh:
				s.logger.Info("Sweeper stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Sweeper context cancelled")
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
}

// Sweep runs one pass and returns how many jobs were nudged.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	staleBefore := time.Now().Add(-s.staleAfter)

	// Queued jobs whose start task never ran
	var waiting []string
	if err := s.pipeline.db.WithContext(ctx).
		Model(&models.ProductionJob{}).
		Where("status IN ? AND updated_at < ?", []models.Status{models.StatusPending, models.StatusQueued}, staleBefore).
		Pluck("id", &waiting).Error; err != nil {
		return 0, err
	}
	for _, id := range waiting {
		jobID := id
		if _, err := s.pipeline.enqueue(ctx, func() (dispatch.Task, error) { return ProductionStartTask(jobID) }); err != nil {
			s.logger.Warn("Failed to restart production", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	var processing []string
	if err := s.pipeline.db.WithContext(ctx).
		Model(&models.ProductionJob{}).
		Where("status = ?", models.StatusProcessing).
		Pluck("id", &processing).Error; err != nil {
		return len(waiting), err
	}

	redispatched := 0
	for _, id := range processing {
		redispatched += s.pipeline.ResumeProduction(ctx, id, staleBefore)
	}

	total := len(waiting) + len(processing)
	if total > 0 {
		s.logger.Debug("Swept unfinished productions",
			zap.Int("restarted", len(waiting)),
			zap.Int("processing", len(processing)),
			zap.Int("redispatched", redispatched))
	}
	return total, nil
}
