package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/moviefactory/internal/models"
	"github.com/ifuryst/moviefactory/internal/service/assets"
	"github.com/ifuryst/moviefactory/internal/service/dispatch"
	"github.com/ifuryst/moviefactory/internal/service/provider"
	"github.com/ifuryst/moviefactory/pkg/util"
)

var errAlreadyStarted = errors.New("production already started")

// StartProduction materializes the scenes and track of a production job and
// fans out one generation task per child. Redelivery for a job that is
// already processing re-dispatches its unfinished children.
func (p *Pipeline) StartProduction(ctx context.Context, jobID string) error {
	var job models.ProductionJob
	found, err := p.load(ctx, &job, jobID)
	if err != nil {
		return fmt.Errorf("failed to load production job: %w", err)
	}
	log := p.logger.With(zap.String("stage", "production"), zap.String("job_id", jobID))
	if !found {
		log.Warn("Production job not found")
		return nil
	}

	failJob := func(reason string) {
		p.fail(ctx, log, &models.ProductionJob{}, jobID, models.StatusFailed, reason, nil)
	}
	defer recoverInto(log, failJob)

	switch job.Status {
	case models.StatusPending, models.StatusQueued:
	case models.StatusProcessing:
		log.Info("Production already processing, re-dispatching unfinished children")
		p.fanOut(ctx, log, jobID)
		return nil
	default:
		log.Info("Production job already finished, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	var curation models.CurationJob
	found, err = p.load(ctx, &curation, job.CurationJobID)
	if err != nil {
		return fmt.Errorf("failed to load curation job: %w", err)
	}
	if !found {
		failJob("curation job not found")
		return nil
	}

	brief, err := curation.ApprovedBrief()
	if err != nil {
		failJob("no approved storyboard found")
		return nil
	}

	imageModel := curation.ImageModel
	if imageModel == "" {
		imageModel = p.defaultImageModel
	}

	scenes := make([]models.ProductionScene, len(brief.Storyboard))
	for i, entry := range brief.Storyboard {
		scenes[i] = models.ProductionScene{
			JobID:       jobID,
			SceneNumber: i + 1,
			Description: entry.Narration,
			ImagePrompt: entry.VisualPrompt,
			ImageModel:  imageModel,
			Status:      models.StatusPending,
		}
	}

	track := models.ProductionTrack{
		JobID:       jobID,
		TrackNumber: 1,
		Prompt:      firstNonEmpty(brief.NarrativeGoal, p.defaultMusicPrompt),
		Mood:        firstNonEmpty(brief.MusicMood, p.defaultMusicMood),
		Status:      models.StatusPending,
	}

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&scenes).Error; err != nil {
			return fmt.Errorf("failed to create scenes: %w", err)
		}
		if err := tx.Create(&track).Error; err != nil {
			return fmt.Errorf("failed to create track: %w", err)
		}
		err := models.Transition(ctx, tx, &models.ProductionJob{}, jobID, models.StatusProcessing, map[string]interface{}{
			"num_scenes": len(scenes),
			"num_tracks": 1,
		})
		if errors.Is(err, models.ErrStaleTransition) {
			return errAlreadyStarted
		}
		return err
	})
	if errors.Is(err, errAlreadyStarted) {
		log.Info("Production job started concurrently, skipping")
		return nil
	}
	if err != nil {
		failJob(err.Error())
		return nil
	}

	log.Info("Production children created", zap.Int("scenes", len(scenes)), zap.Int("tracks", 1))

	p.fanOut(ctx, log, jobID)
	return nil
}

// fanOut dispatches a task for every unfinished child, then a finalize pass.
func (p *Pipeline) fanOut(ctx context.Context, log *zap.Logger, jobID string) {
	p.redispatch(ctx, log, jobID, time.Time{})
}

// ResumeProduction re-dispatches the unfinished children of a processing job
// that have not changed since staleBefore, then schedules a finalize pass.
// It returns how many children were dispatched again.
func (p *Pipeline) ResumeProduction(ctx context.Context, jobID string, staleBefore time.Time) int {
	log := p.logger.With(zap.String("stage", "production"), zap.String("job_id", jobID))
	n := p.redispatch(ctx, log, jobID, staleBefore)
	if n > 0 {
		log.Info("Re-dispatched stale production children", zap.Int("children", n))
	}
	return n
}

// redispatch enqueues unfinished children, limited to those last updated
// before staleBefore when it is set. A child whose task cannot be dispatched
// is failed so that the job converges.
func (p *Pipeline) redispatch(ctx context.Context, log *zap.Logger, jobID string, staleBefore time.Time) int {
	children := func() *gorm.DB {
		q := p.db.WithContext(ctx).Where("job_id = ?", jobID)
		if !staleBefore.IsZero() {
			q = q.Where("updated_at < ?", staleBefore)
		}
		return q
	}

	var scenes []models.ProductionScene
	if err := children().Order("scene_number").Find(&scenes).Error; err != nil {
		log.Error("Failed to load scenes", zap.Error(err))
	}

	var tracks []models.ProductionTrack
	if err := children().Order("track_number").Find(&tracks).Error; err != nil {
		log.Error("Failed to load tracks", zap.Error(err))
	}

	dispatched := 0

	for _, scene := range scenes {
		if scene.Status.Terminal() {
			continue
		}
		sceneID := scene.ID
		if _, err := p.enqueue(ctx, func() (dispatch.Task, error) { return sceneTask(jobID, sceneID) }); err != nil {
			p.fail(ctx, log.With(zap.String("scene_id", sceneID)), &models.ProductionScene{}, sceneID,
				models.StatusFailed, "dispatch failed: "+err.Error(), nil)
			continue
		}
		dispatched++
	}

	for _, track := range tracks {
		if track.Status.Terminal() {
			continue
		}
		trackID := track.ID
		build := func() (dispatch.Task, error) { return trackTask(jobID, trackID) }
		if track.Status == models.StatusPolling {
			attempt := track.PollAttempts + 1
			build = func() (dispatch.Task, error) { return trackPollTask(jobID, trackID, attempt) }
		}
		if _, err := p.enqueue(ctx, build); err != nil {
			p.fail(ctx, log.With(zap.String("track_id", trackID)), &models.ProductionTrack{}, trackID,
				models.StatusFailed, "dispatch failed: "+err.Error(), nil)
			continue
		}
		dispatched++
	}

	p.enqueueFinalize(ctx, jobID)
	return dispatched
}

func (p *Pipeline) handleScene(ctx context.Context, payload []byte) error {
	var req scenePayload
	if err := unmarshalPayload(payload, &req); err != nil || req.SceneID == "" {
		p.logger.Error("Dropping scene task with malformed payload", zap.ByteString("payload", payload))
		return nil
	}
	return p.GenerateScene(ctx, req.JobID, req.SceneID)
}

// GenerateScene produces the image of one scene. It touches only the scene
// row and always hands over to the finalize step.
func (p *Pipeline) GenerateScene(ctx context.Context, jobID, sceneID string) error {
	var scene models.ProductionScene
	found, err := p.load(ctx, &scene, sceneID)
	if err != nil {
		return fmt.Errorf("failed to load scene: %w", err)
	}
	log := p.logger.With(zap.String("stage", "production.scene"), zap.String("job_id", jobID), zap.String("scene_id", sceneID))
	if !found {
		log.Warn("Scene not found")
		return nil
	}
	defer p.enqueueFinalize(ctx, scene.JobID)

	failScene := func(reason string) {
		p.fail(ctx, log, &models.ProductionScene{}, sceneID, models.StatusFailed, reason, nil)
	}
	defer recoverInto(log, failScene)

	switch scene.Status {
	case models.StatusPending:
		moved, err := p.transition(ctx, &models.ProductionScene{}, sceneID, models.StatusGenerating, nil)
		if err != nil {
			failScene(err.Error())
			return nil
		}
		if !moved {
			return nil
		}
	case models.StatusGenerating:
		// A previous attempt stopped mid-call; same-key tasks never overlap, so resume.
		log.Info("Resuming scene generation")
	default:
		return nil
	}

	image, err := p.providers.Image.GenerateImage(ctx, scene.ImagePrompt, scene.ImageModel)
	if err != nil {
		failScene(err.Error())
		return nil
	}

	updates := map[string]interface{}{"image_url": image.URL, "error": nil}
	if asset := p.mirror(ctx, log, image.URL, fmt.Sprintf("productions/%s/scene_%03d", scene.JobID, scene.SceneNumber), ".png"); asset != nil {
		updates["local_image_path"] = asset.Path
	}

	if _, err := p.transition(ctx, &models.ProductionScene{}, sceneID, models.StatusCompleted, updates); err != nil {
		failScene(err.Error())
		return nil
	}

	log.Info("Scene image generated", zap.Int("scene_number", scene.SceneNumber), zap.String("model", scene.ImageModel))
	return nil
}

func (p *Pipeline) handleTrack(ctx context.Context, payload []byte) error {
	var req trackPayload
	if err := unmarshalPayload(payload, &req); err != nil || req.TrackID == "" {
		p.logger.Error("Dropping track task with malformed payload", zap.ByteString("payload", payload))
		return nil
	}
	return p.GenerateTrack(ctx, req.JobID, req.TrackID)
}

// GenerateTrack starts music generation for one track. Synchronous delivery
// completes the track, otherwise it moves to polling and a poll is scheduled.
func (p *Pipeline) GenerateTrack(ctx context.Context, jobID, trackID string) error {
	var track models.ProductionTrack
	found, err := p.load(ctx, &track, trackID)
	if err != nil {
		return fmt.Errorf("failed to load track: %w", err)
	}
	log := p.logger.With(zap.String("stage", "production.track"), zap.String("job_id", jobID), zap.String("track_id", trackID))
	if !found {
		log.Warn("Track not found")
		return nil
	}

	finalize := true
	defer func() {
		if finalize {
			p.enqueueFinalize(ctx, track.JobID)
		}
	}()

	failTrack := func(reason string) {
		p.fail(ctx, log, &models.ProductionTrack{}, trackID, models.StatusFailed, reason, nil)
	}
	defer recoverInto(log, failTrack)

	switch track.Status {
	case models.StatusPending:
		moved, err := p.transition(ctx, &models.ProductionTrack{}, trackID, models.StatusGenerating, nil)
		if err != nil {
			failTrack(err.Error())
			return nil
		}
		if !moved {
			return nil
		}
	case models.StatusGenerating:
		log.Info("Resuming track generation")
	case models.StatusPolling:
		finalize = false
		p.schedulePoll(ctx, log, track.JobID, trackID, track.PollAttempts+1)
		return nil
	default:
		return nil
	}

	task, err := p.providers.Music.GenerateMusic(ctx, track.Prompt, track.Mood)
	if err != nil {
		failTrack(err.Error())
		return nil
	}

	if task.AudioURL != "" {
		p.completeTrack(ctx, log, track, &provider.MusicStatus{State: provider.MusicComplete, AudioURL: task.AudioURL}, task.Handle)
		return nil
	}

	if _, err := p.transition(ctx, &models.ProductionTrack{}, trackID, models.StatusPolling, map[string]interface{}{
		"provider_task_id": task.Handle,
	}); err != nil {
		failTrack(err.Error())
		return nil
	}

	log.Info("Music generation accepted, polling", zap.String("handle", task.Handle))
	finalize = false
	p.schedulePoll(ctx, log, track.JobID, trackID, 1)
	return nil
}

func (p *Pipeline) schedulePoll(ctx context.Context, log *zap.Logger, jobID, trackID string, attempt int) {
	_, err := p.enqueue(ctx, func() (dispatch.Task, error) {
		task, err := trackPollTask(jobID, trackID, attempt)
		return task.After(p.musicPollInterval), err
	})
	if err != nil {
		p.fail(ctx, log, &models.ProductionTrack{}, trackID, models.StatusFailed, "dispatch failed: "+err.Error(), nil)
		p.enqueueFinalize(ctx, jobID)
	}
}

func (p *Pipeline) handleTrackPoll(ctx context.Context, payload []byte) error {
	var req trackPayload
	if err := unmarshalPayload(payload, &req); err != nil || req.TrackID == "" {
		p.logger.Error("Dropping poll task with malformed payload", zap.ByteString("payload", payload))
		return nil
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}
	return p.PollTrack(ctx, req.JobID, req.TrackID, req.Attempt)
}

// PollTrack checks an asynchronous music generation once, rescheduling
// itself until the provider delivers or the poll budget is exhausted.
func (p *Pipeline) PollTrack(ctx context.Context, jobID, trackID string, attempt int) error {
	var track models.ProductionTrack
	found, err := p.load(ctx, &track, trackID)
	if err != nil {
		return fmt.Errorf("failed to load track: %w", err)
	}
	log := p.logger.With(zap.String("stage", "production.track_poll"), zap.String("job_id", jobID),
		zap.String("track_id", trackID), zap.Int("attempt", attempt))
	if !found {
		log.Warn("Track not found")
		return nil
	}
	if track.Status != models.StatusPolling {
		if track.Status.Terminal() {
			p.enqueueFinalize(ctx, track.JobID)
		}
		return nil
	}

	failTrack := func(reason string) {
		p.fail(ctx, log, &models.ProductionTrack{}, trackID, models.StatusFailed, reason, nil)
		p.enqueueFinalize(ctx, track.JobID)
	}
	defer recoverInto(log, failTrack)

	if err := p.db.WithContext(ctx).Model(&models.ProductionTrack{}).
		Where("id = ? AND status = ?", trackID, models.StatusPolling).
		Update("poll_attempts", attempt).Error; err != nil {
		log.Warn("Failed to record poll attempt", zap.Error(err))
	}

	handle := ""
	if track.ProviderTaskID != nil {
		handle = *track.ProviderTaskID
	}

	status, err := p.providers.Music.PollMusic(ctx, handle)
	if err != nil {
		log.Warn("Music poll failed", zap.Error(err))
		status = &provider.MusicStatus{State: provider.MusicPending}
	}

	switch status.State {
	case provider.MusicComplete:
		p.completeTrack(ctx, log, track, status, handle)
		p.enqueueFinalize(ctx, track.JobID)
	case provider.MusicError:
		failTrack(firstNonEmpty(status.Error, "music generation failed"))
	default:
		if attempt >= p.maxMusicPolls {
			failTrack("music generation timed out")
			return nil
		}
		p.schedulePoll(ctx, log, track.JobID, trackID, attempt+1)
	}
	return nil
}

func (p *Pipeline) completeTrack(ctx context.Context, log *zap.Logger, track models.ProductionTrack, status *provider.MusicStatus, handle string) {
	updates := map[string]interface{}{"audio_url": status.AudioURL, "error": nil}
	if handle != "" {
		updates["provider_task_id"] = handle
	}
	if status.Title != "" {
		updates["title"] = status.Title
	}
	if status.DurationSeconds > 0 {
		updates["duration_seconds"] = status.DurationSeconds
	}
	if asset := p.mirror(ctx, log, status.AudioURL, trackKey(track), ".mp3"); asset != nil {
		updates["local_audio_path"] = asset.Path
	}

	moved, err := p.transition(ctx, &models.ProductionTrack{}, track.ID, models.StatusCompleted, updates)
	if err != nil {
		p.fail(ctx, log, &models.ProductionTrack{}, track.ID, models.StatusFailed, err.Error(), nil)
		return
	}
	if moved {
		log.Info("Music track completed", zap.String("audio_url", status.AudioURL))
	}
}

// mirror copies a provider asset into the configured store. Failures keep the
// provider URL and are only logged.
func (p *Pipeline) mirror(ctx context.Context, log *zap.Logger, srcURL, key, fallbackExt string) *assets.Asset {
	if !p.mirrorAssets || srcURL == "" {
		return nil
	}

	ext := fallbackExt
	if u, err := url.Parse(srcURL); err == nil {
		if e := path.Ext(u.Path); e != "" && len(e) <= 5 {
			ext = e
		}
	}

	mirrorCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	asset, err := assets.Mirror(mirrorCtx, p.store, p.httpClient, srcURL, key+ext)
	if err != nil {
		log.Warn("Failed to mirror asset", zap.String("url", srcURL), zap.Error(err))
		return nil
	}
	return asset
}

func trackKey(track models.ProductionTrack) string {
	key := fmt.Sprintf("productions/%s/track_%02d", track.JobID, track.TrackNumber)
	if slug := util.GenerateSlug(track.Mood); slug != "" {
		key += "-" + slug
	}
	return key
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
