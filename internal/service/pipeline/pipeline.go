package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/moviefactory/internal/config"
	"github.com/ifuryst/moviefactory/internal/models"
	"github.com/ifuryst/moviefactory/internal/service/assets"
	"github.com/ifuryst/moviefactory/internal/service/dispatch"
	"github.com/ifuryst/moviefactory/internal/service/provider"
	"github.com/ifuryst/moviefactory/pkg/util"
)

const (
	TaskResearch           = "research.run"
	TaskCuration           = "curation.run"
	TaskProductionStart    = "production.start"
	TaskProductionScene    = "production.scene"
	TaskProductionTrack    = "production.track"
	TaskTrackPoll          = "production.track_poll"
	TaskProductionFinalize = "production.finalize"
)

const (
	// maxAnalysisTranscripts bounds the transcripts sent to the analyzer.
	maxAnalysisTranscripts = 3
	// maxBriefTranscripts bounds the transcripts quoted verbatim in the brief context.
	maxBriefTranscripts = 2
	// maxErrorLength bounds error text persisted on job rows.
	maxErrorLength = 2000
)

type jobPayload struct {
	JobID string `json:"job_id"`
}

type scenePayload struct {
	JobID   string `json:"job_id"`
	SceneID string `json:"scene_id"`
}

type trackPayload struct {
	JobID   string `json:"job_id"`
	TrackID string `json:"track_id"`
	Attempt int    `json:"attempt,omitempty"`
}

func ResearchTask(jobID string) (dispatch.Task, error) {
	return dispatch.NewTask(TaskResearch, "research:"+jobID, jobPayload{JobID: jobID})
}

func CurationTask(jobID string) (dispatch.Task, error) {
	return dispatch.NewTask(TaskCuration, "curation:"+jobID, jobPayload{JobID: jobID})
}

func ProductionStartTask(jobID string) (dispatch.Task, error) {
	return dispatch.NewTask(TaskProductionStart, "production:"+jobID, jobPayload{JobID: jobID})
}

func finalizeTask(jobID string) (dispatch.Task, error) {
	return dispatch.NewTask(TaskProductionFinalize, "finalize:"+jobID, jobPayload{JobID: jobID})
}

func sceneTask(jobID, sceneID string) (dispatch.Task, error) {
	return dispatch.NewTask(TaskProductionScene, "scene:"+sceneID, scenePayload{JobID: jobID, SceneID: sceneID})
}

func trackTask(jobID, trackID string) (dispatch.Task, error) {
	return dispatch.NewTask(TaskProductionTrack, "track:"+trackID, trackPayload{JobID: jobID, TrackID: trackID})
}

func trackPollTask(jobID, trackID string, attempt int) (dispatch.Task, error) {
	return dispatch.NewTask(TaskTrackPoll, fmt.Sprintf("track_poll:%s:%d", trackID, attempt),
		trackPayload{JobID: jobID, TrackID: trackID, Attempt: attempt})
}

// Pipeline runs the research, curation and production stages as dispatched tasks.
type Pipeline struct {
	db         *gorm.DB
	dispatcher dispatch.Dispatcher
	providers  provider.Providers
	store      assets.Store
	httpClient *http.Client
	logger     *zap.Logger

	transcriptConcurrency int
	defaultImageModel     string
	defaultMusicPrompt    string
	defaultMusicMood      string
	musicPollInterval     time.Duration
	maxMusicPolls         int
	mirrorAssets          bool
}

func New(cfg *config.Config, db *gorm.DB, dispatcher dispatch.Dispatcher, providers provider.Providers, store assets.Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		db:                    db,
		dispatcher:            dispatcher,
		providers:             providers,
		store:                 store,
		httpClient:            &http.Client{Timeout: 2 * time.Minute},
		logger:                logger,
		transcriptConcurrency: cfg.Transcript.Concurrency,
		defaultImageModel:     cfg.Media.ImageModel,
		defaultMusicPrompt:    cfg.Production.DefaultMusicPrompt,
		defaultMusicMood:      cfg.Production.DefaultMusicMood,
		musicPollInterval:     config.ParseDuration(cfg.Production.MusicPollInterval, 15*time.Second),
		maxMusicPolls:         cfg.Production.MaxMusicPolls,
		mirrorAssets:          cfg.Production.MirrorAssets && store != nil,
	}
}

// Register binds every stage handler to its task name.
func (p *Pipeline) Register(registry *dispatch.Registry) {
	registry.Register(TaskResearch, p.jobHandler(p.RunResearch))
	registry.Register(TaskCuration, p.jobHandler(p.RunCuration))
	registry.Register(TaskProductionStart, p.jobHandler(p.StartProduction))
	registry.Register(TaskProductionFinalize, p.jobHandler(p.FinalizeProduction))
	registry.Register(TaskProductionScene, p.handleScene)
	registry.Register(TaskProductionTrack, p.handleTrack)
	registry.Register(TaskTrackPoll, p.handleTrackPoll)
}

func (p *Pipeline) jobHandler(run func(ctx context.Context, jobID string) error) dispatch.HandlerFunc {
	return func(ctx context.Context, payload []byte) error {
		var req jobPayload
		if err := unmarshalPayload(payload, &req); err != nil || req.JobID == "" {
			p.logger.Error("Dropping task with malformed payload", zap.ByteString("payload", payload), zap.Error(err))
			return nil
		}
		return run(ctx, req.JobID)
	}
}

// enqueue builds and dispatches a task, returning the id that carries it.
func (p *Pipeline) enqueue(ctx context.Context, build func() (dispatch.Task, error)) (string, error) {
	task, err := build()
	if err != nil {
		return "", err
	}
	return p.dispatcher.Enqueue(ctx, task)
}

func (p *Pipeline) enqueueFinalize(ctx context.Context, jobID string) {
	if _, err := p.enqueue(ctx, func() (dispatch.Task, error) { return finalizeTask(jobID) }); err != nil {
		p.logger.Warn("Failed to enqueue finalize", zap.String("job_id", jobID), zap.Error(err))
	}
}

func unmarshalPayload(payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode task payload: %w", err)
	}
	return nil
}

// load reads a row by id. A missing row is reported as (false, nil).
func (p *Pipeline) load(ctx context.Context, dest interface{}, id string) (bool, error) {
	err := p.db.WithContext(ctx).First(dest, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// transition applies a status change, treating stale transitions as no-ops.
func (p *Pipeline) transition(ctx context.Context, model models.Stateful, id string, to models.Status, extra map[string]interface{}) (bool, error) {
	err := models.Transition(ctx, p.db, model, id, to, extra)
	if errors.Is(err, models.ErrStaleTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// fail moves a record to its failure status with a human readable reason.
func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, model models.Stateful, id string, to models.Status, reason string, extra map[string]interface{}) {
	updates := map[string]interface{}{"error": util.Truncate(reason, maxErrorLength)}
	for k, v := range extra {
		updates[k] = v
	}

	moved, err := p.transition(ctx, model, id, to, updates)
	if err != nil {
		log.Error("Failed to record failure", zap.String("reason", reason), zap.Error(err))
		return
	}
	if moved {
		log.Warn("Marked as "+string(to), zap.String("reason", reason))
	}
}

// recoverInto converts a panic into a recorded failure.
func recoverInto(log *zap.Logger, record func(reason string)) {
	if r := recover(); r != nil {
		log.Error("Recovered from panic", zap.Any("panic", r), zap.Stack("stack"))
		record(fmt.Sprintf("internal error: %v", r))
	}
}

func strPtr(s string) *string {
	return &s
}
