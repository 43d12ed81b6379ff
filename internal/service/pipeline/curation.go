package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/ifuryst/moviefactory/internal/models"
	"github.com/ifuryst/moviefactory/internal/service/provider"
)

// RunCuration turns the research of a curation job into a validated creative brief.
func (p *Pipeline) RunCuration(ctx context.Context, jobID string) error {
	var job models.CurationJob
	found, err := p.load(ctx, &job, jobID)
	if err != nil {
		return fmt.Errorf("failed to load curation job: %w", err)
	}
	log := p.logger.With(zap.String("stage", "curation"), zap.String("job_id", jobID))
	if !found {
		log.Warn("Curation job not found")
		return nil
	}

	failJob := func(reason string) {
		p.fail(ctx, log, &models.CurationJob{}, jobID, models.StatusError, reason, map[string]interface{}{
			"creative_brief": errorDocument(reason),
		})
	}
	defer recoverInto(log, failJob)

	moved, err := p.transition(ctx, &models.CurationJob{}, jobID, models.StatusGeneratingBrief, nil)
	if err != nil {
		failJob(err.Error())
		return nil
	}
	if !moved {
		log.Info("Curation job already started, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	contextText, err := p.briefContext(ctx, job)
	if err != nil {
		failJob(err.Error())
		return nil
	}

	raw, err := p.providers.Brief.GenerateBrief(ctx, contextText)
	if err != nil {
		failJob("brief generation failed: " + err.Error())
		return nil
	}

	brief, err := models.ParseBrief(raw)
	if err != nil {
		failJob(err.Error())
		return nil
	}

	normalized, err := brief.JSON()
	if err != nil {
		failJob(err.Error())
		return nil
	}

	if _, err := p.transition(ctx, &models.CurationJob{}, jobID, models.StatusCompleted, map[string]interface{}{
		"creative_brief": datatypes.JSON(normalized),
		"num_scenes":     len(brief.Storyboard),
		"error":          nil,
	}); err != nil {
		failJob(err.Error())
		return nil
	}

	log.Info("Creative brief generated",
		zap.String("title", brief.Title),
		zap.Int("num_scenes", len(brief.Storyboard)))
	return nil
}

// briefContext frames the research summary and up to two verbatim transcripts
// from the eligible videos, in discovery order.
func (p *Pipeline) briefContext(ctx context.Context, job models.CurationJob) (string, error) {
	var research models.ResearchJob
	found, err := p.load(ctx, &research, job.ResearchJobID)
	if err != nil {
		return "", fmt.Errorf("failed to load research job: %w", err)
	}
	if !found {
		return "", fmt.Errorf("research job %s not found", job.ResearchJobID)
	}

	selection, err := job.Selection()
	if err != nil {
		return "", fmt.Errorf("invalid video selection: %w", err)
	}

	var videos []models.ResearchVideo
	if err := p.db.WithContext(ctx).
		Where("job_id = ?", research.ID).
		Order("position").
		Find(&videos).Error; err != nil {
		return "", fmt.Errorf("failed to load research videos: %w", err)
	}

	selected := make(map[string]bool, len(selection))
	for _, id := range selection {
		selected[id] = true
	}

	var transcripts []string
	for _, v := range videos {
		if len(transcripts) == maxBriefTranscripts {
			break
		}
		if selection != nil && !selected[v.ID] && !selected[v.ExternalID] {
			continue
		}
		if v.HasTranscript() {
			transcripts = append(transcripts, *v.Transcript)
		}
	}

	summary := ""
	if research.Summary != nil {
		summary = *research.Summary
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n", research.Topic)
	fmt.Fprintf(&b, "Research Summary:\n%s\n\n", summary)
	if len(transcripts) > 0 {
		b.WriteString("Selected Transcripts:\n")
		b.WriteString(strings.Join(transcripts, provider.TranscriptSeparator))
	}
	return b.String(), nil
}

func errorDocument(reason string) datatypes.JSON {
	data, _ := json.Marshal(map[string]string{"error": reason})
	return datatypes.JSON(data)
}
