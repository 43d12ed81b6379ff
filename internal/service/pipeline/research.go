package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ifuryst/moviefactory/internal/models"
	"github.com/ifuryst/moviefactory/internal/service/provider"
)

// RunResearch drives a research job from pending to completed or failed.
// Errors are recorded on the job; only a failure to read the job is returned
// so that the dispatcher retries it.
func (p *Pipeline) RunResearch(ctx context.Context, jobID string) error {
	var job models.ResearchJob
	found, err := p.load(ctx, &job, jobID)
	if err != nil {
		return fmt.Errorf("failed to load research job: %w", err)
	}
	log := p.logger.With(zap.String("stage", "research"), zap.String("job_id", jobID))
	if !found {
		log.Warn("Research job not found")
		return nil
	}

	failJob := func(reason string) {
		p.fail(ctx, log, &models.ResearchJob{}, jobID, models.StatusFailed, reason, nil)
	}
	defer recoverInto(log, failJob)

	moved, err := p.transition(ctx, &models.ResearchJob{}, jobID, models.StatusSearching, nil)
	if err != nil {
		failJob(err.Error())
		return nil
	}
	if !moved {
		log.Info("Research job already started, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	start := time.Now()
	log.Info("Searching videos", zap.String("topic", job.Topic))

	videos, err := p.providers.Search.SearchVideos(ctx, job.Topic)
	if err != nil {
		failJob("video search failed: " + err.Error())
		return nil
	}
	if len(videos) == 0 {
		failJob("no videos found for topic")
		return nil
	}

	transcripts := p.fetchTranscripts(ctx, log, videos)

	rows := make([]models.ResearchVideo, len(videos))
	var texts []string
	for i, v := range videos {
		rows[i] = newResearchVideo(jobID, i, v)
		if transcripts[i] != "" {
			rows[i].Transcript = strPtr(transcripts[i])
			texts = append(texts, transcripts[i])
		}
	}
	if err := p.db.WithContext(ctx).Create(&rows).Error; err != nil {
		failJob("failed to save videos: " + err.Error())
		return nil
	}

	log.Info("Videos persisted",
		zap.Int("videos", len(rows)),
		zap.Int("transcripts", len(texts)))

	if len(texts) == 0 {
		failJob("no transcripts extracted")
		return nil
	}

	if _, err := p.transition(ctx, &models.ResearchJob{}, jobID, models.StatusAnalyzing, nil); err != nil {
		failJob(err.Error())
		return nil
	}

	if len(texts) > maxAnalysisTranscripts {
		texts = texts[:maxAnalysisTranscripts]
	}

	summary, err := p.providers.Analyzer.AnalyzeText(ctx, job.Topic, texts)
	if err != nil {
		failJob("analysis failed: " + err.Error())
		return nil
	}

	now := time.Now()
	if _, err := p.transition(ctx, &models.ResearchJob{}, jobID, models.StatusCompleted, map[string]interface{}{
		"summary":      summary,
		"completed_at": now,
	}); err != nil {
		failJob(err.Error())
		return nil
	}

	log.Info("Research job completed", zap.Duration("duration", time.Since(start)))
	return nil
}

// fetchTranscripts extracts transcripts concurrently. The result is aligned
// with videos; a failed extraction leaves an empty string.
func (p *Pipeline) fetchTranscripts(ctx context.Context, log *zap.Logger, videos []provider.Video) []string {
	results := make([]string, len(videos))

	var g errgroup.Group
	if p.transcriptConcurrency > 0 {
		g.SetLimit(p.transcriptConcurrency)
	}

	for i, v := range videos {
		i, v := i, v
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Warn("Transcript extraction panicked", zap.String("video_id", v.ExternalID), zap.Any("panic", r))
				}
			}()

			text, err := p.providers.Transcript.GetTranscript(ctx, v.ExternalID)
			if err != nil {
				log.Warn("Transcript unavailable", zap.String("video_id", v.ExternalID), zap.Error(err))
				return nil
			}
			results[i] = text
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func newResearchVideo(jobID string, position int, v provider.Video) models.ResearchVideo {
	row := models.ResearchVideo{
		JobID:        jobID,
		Position:     position,
		ExternalID:   v.ExternalID,
		Title:        v.Title,
		Description:  v.Description,
		ThumbnailURL: v.ThumbnailURL,
		URL:          v.URL(),
		PublishedAt:  v.PublishedAt,
	}
	if v.Channel != "" {
		row.Channel = strPtr(v.Channel)
	}
	if v.Views > 0 {
		views := v.Views
		row.Views = &views
	}
	if v.DurationSeconds > 0 {
		duration := v.DurationSeconds
		row.DurationSeconds = &duration
	}
	return row
}
