package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/moviefactory/internal/models"
)

type childSummary struct {
	total     int
	completed int
	failed    int
	pending   int
}

func (s childSummary) settled() bool {
	return s.pending == 0
}

// FinalizeProduction is the fan-in point of a production job. It is a no-op
// while any scene or track is still in flight and moves the job out of
// processing exactly once after that.
func (p *Pipeline) FinalizeProduction(ctx context.Context, jobID string) error {
	var job models.ProductionJob
	found, err := p.load(ctx, &job, jobID)
	if err != nil {
		return fmt.Errorf("failed to load production job: %w", err)
	}
	log := p.logger.With(zap.String("stage", "production.finalize"), zap.String("job_id", jobID))
	if !found {
		log.Warn("Production job not found")
		return nil
	}
	if job.Status != models.StatusProcessing {
		return nil
	}

	scenes, err := p.summarize(ctx, &models.ProductionScene{}, jobID)
	if err != nil {
		return err
	}
	tracks, err := p.summarize(ctx, &models.ProductionTrack{}, jobID)
	if err != nil {
		return err
	}

	if !scenes.settled() || !tracks.settled() {
		log.Debug("Children still in flight, deferring",
			zap.Int("pending_scenes", scenes.pending),
			zap.Int("pending_tracks", tracks.pending))
		return nil
	}

	extra := map[string]interface{}{
		"failed_scenes": scenes.failed,
		"failed_tracks": tracks.failed,
		"finalized_at":  time.Now(),
	}

	switch {
	case scenes.completed == 0:
		p.fail(ctx, log, &models.ProductionJob{}, jobID, models.StatusFailed, "no scene images generated", extra)
		return nil
	case tracks.completed == 0:
		p.fail(ctx, log, &models.ProductionJob{}, jobID, models.StatusFailed, "no music track generated", extra)
		return nil
	}

	extra["error"] = nil
	moved, err := p.transition(ctx, &models.ProductionJob{}, jobID, models.StatusReady, extra)
	if err != nil {
		return fmt.Errorf("failed to mark production ready: %w", err)
	}
	if moved {
		log.Info("Production assets ready",
			zap.Int("scenes", scenes.completed),
			zap.Int("failed_scenes", scenes.failed),
			zap.Int("tracks", tracks.completed),
			zap.Int("failed_tracks", tracks.failed))
	}
	return nil
}

func (p *Pipeline) summarize(ctx context.Context, model interface{}, jobID string) (childSummary, error) {
	var rows []struct {
		Status models.Status
		Count  int
	}
	if err := p.db.WithContext(ctx).Model(model).
		Select("status, COUNT(*) AS count").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return childSummary{}, fmt.Errorf("failed to summarize children: %w", err)
	}

	var s childSummary
	for _, row := range rows {
		s.total += row.Count
		switch {
		case row.Status == models.StatusCompleted:
			s.completed += row.Count
		case row.Status.Terminal():
			s.failed += row.Count
		default:
			s.pending += row.Count
		}
	}
	return s, nil
}
