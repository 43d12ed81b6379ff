package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ifuryst/moviefactory/internal/models"
	"github.com/ifuryst/moviefactory/internal/service/dispatch"
	"github.com/ifuryst/moviefactory/internal/service/pipeline"
	"github.com/ifuryst/moviefactory/pkg/util"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrReferenced       = errors.New("still referenced by another job")
	ErrBriefNotApproved = errors.New("creative brief has not been approved")
	ErrNotReady         = errors.New("job has not completed")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidBrief     = models.ErrInvalidBrief
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions pages through jobs, newest first. Normalize clamps Limit and Offset.
type ListOptions struct {
	Limit  int
	Offset int
	Status string
}

func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// JobService creates jobs, schedules their orchestrators and serves reads.
type JobService struct {
	db         *gorm.DB
	dispatcher dispatch.Dispatcher
	logger     *zap.Logger
}

func NewJobService(db *gorm.DB, dispatcher dispatch.Dispatcher, logger *zap.Logger) *JobService {
	return &JobService{
		db:         db,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// CreateResearch persists a pending research job and schedules it.
func (s *JobService) CreateResearch(ctx context.Context, topic string) (*models.ResearchJob, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidInput)
	}

	job := &models.ResearchJob{Topic: topic, Status: models.StatusPending}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create research job: %w", err)
	}

	s.logger.Info("Research job created", zap.String("job_id", job.ID), zap.String("topic", topic))

	if err := s.dispatch(ctx, pipeline.ResearchTask, job.ID); err != nil {
		s.markDispatchFailed(ctx, &models.ResearchJob{}, job.ID, models.StatusFailed, err)
	}
	return s.GetResearch(ctx, job.ID)
}

// CreateCuration persists a pending curation over an existing research job.
// A nil or empty selection makes every video of the research job eligible.
func (s *JobService) CreateCuration(ctx context.Context, researchID string, selectedIDs []string, imageModel string) (*models.CurationJob, error) {
	if err := s.exists(ctx, &models.ResearchJob{}, researchID); err != nil {
		return nil, err
	}

	job := &models.CurationJob{
		ResearchJobID: researchID,
		Status:        models.StatusPending,
		ImageModel:    strings.TrimSpace(imageModel),
	}
	if len(selectedIDs) > 0 {
		data, err := json.Marshal(selectedIDs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		job.SelectedVideoIDs = datatypes.JSON(data)
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create curation job: %w", err)
	}

	s.logger.Info("Curation job created",
		zap.String("job_id", job.ID),
		zap.String("research_job_id", researchID),
		zap.Int("selected_videos", len(selectedIDs)))

	if err := s.dispatch(ctx, pipeline.CurationTask, job.ID); err != nil {
		s.markDispatchFailed(ctx, &models.CurationJob{}, job.ID, models.StatusError, err)
	}
	return s.GetCuration(ctx, job.ID)
}

// ApproveBrief stores the user approved brief of a completed curation. A nil
// edited brief approves the generated one unchanged.
func (s *JobService) ApproveBrief(ctx context.Context, curationID string, edited *models.Brief) (*models.CurationJob, error) {
	job, err := s.GetCuration(ctx, curationID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: curation is %s", ErrNotReady, job.Status)
	}

	raw := []byte(job.CreativeBrief)
	if edited != nil {
		if raw, err = json.Marshal(edited); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBrief, err)
		}
	}

	brief, err := models.ParseBrief(raw)
	if err != nil {
		return nil, err
	}
	normalized, err := brief.JSON()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&models.CurationJob{}).
		Where("id = ?", curationID).
		Updates(map[string]interface{}{
			"user_approved_brief": datatypes.JSON(normalized),
			"num_scenes":          len(brief.Storyboard),
			"approved_at":         now,
		}).Error; err != nil {
		return nil, fmt.Errorf("failed to approve brief: %w", err)
	}

	s.logger.Info("Creative brief approved",
		zap.String("job_id", curationID),
		zap.Bool("edited", edited != nil),
		zap.Int("num_scenes", len(brief.Storyboard)))

	return s.GetCuration(ctx, curationID)
}

// CreateProduction starts production for an approved curation. Repeated calls
// for the same curation return the same job.
func (s *JobService) CreateProduction(ctx context.Context, curationID string) (*models.ProductionJob, error) {
	if existing, err := s.GetProductionByCuration(ctx, curationID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	curation, err := s.GetCuration(ctx, curationID)
	if err != nil {
		return nil, err
	}
	if _, err := curation.ApprovedBrief(); err != nil {
		return nil, ErrBriefNotApproved
	}

	job := &models.ProductionJob{CurationJobID: curationID, Status: models.StatusPending}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		// A concurrent request won the unique index on curation_job_id.
		if existing, lookupErr := s.GetProductionByCuration(ctx, curationID); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create production job: %w", err)
	}

	task, err := pipeline.ProductionStartTask(job.ID)
	if err == nil {
		err = models.Transition(ctx, s.db, &models.ProductionJob{}, job.ID, models.StatusQueued, map[string]interface{}{
			"dispatch_task_id": task.ID,
		})
	}
	if err == nil {
		_, err = s.dispatcher.Enqueue(ctx, task)
	}
	if err != nil {
		s.markDispatchFailed(ctx, &models.ProductionJob{}, job.ID, models.StatusFailed, err)
	}

	s.logger.Info("Production job created",
		zap.String("job_id", job.ID),
		zap.String("curation_job_id", curationID),
		zap.String("task_id", task.ID))

	return s.GetProduction(ctx, job.ID)
}

func (s *JobService) GetResearch(ctx context.Context, id string) (*models.ResearchJob, error) {
	var job models.ResearchJob
	err := s.db.WithContext(ctx).
		Preload("Videos", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&job, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (s *JobService) GetCuration(ctx context.Context, id string) (*models.CurationJob, error) {
	var job models.CurationJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// GetProduction returns the job with scenes ordered by scene number and its tracks.
func (s *JobService) GetProduction(ctx context.Context, id string) (*models.ProductionJob, error) {
	return s.findProduction(ctx, "id = ?", id)
}

func (s *JobService) GetProductionByCuration(ctx context.Context, curationID string) (*models.ProductionJob, error) {
	return s.findProduction(ctx, "curation_job_id = ?", curationID)
}

func (s *JobService) findProduction(ctx context.Context, query string, arg string) (*models.ProductionJob, error) {
	var job models.ProductionJob
	err := s.db.WithContext(ctx).
		Preload("Scenes", func(db *gorm.DB) *gorm.DB { return db.Order("scene_number") }).
		Preload("Tracks", func(db *gorm.DB) *gorm.DB { return db.Order("track_number") }).
		First(&job, query, arg).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (s *JobService) ListResearch(ctx context.Context, opts ListOptions) ([]models.ResearchJob, int64, error) {
	var jobs []models.ResearchJob
	total, err := s.list(ctx, &models.ResearchJob{}, &jobs, opts)
	return jobs, total, err
}

func (s *JobService) ListCuration(ctx context.Context, opts ListOptions) ([]models.CurationJob, int64, error) {
	var jobs []models.CurationJob
	total, err := s.list(ctx, &models.CurationJob{}, &jobs, opts)
	return jobs, total, err
}

func (s *JobService) ListProduction(ctx context.Context, opts ListOptions) ([]models.ProductionJob, int64, error) {
	var jobs []models.ProductionJob
	total, err := s.list(ctx, &models.ProductionJob{}, &jobs, opts)
	return jobs, total, err
}

func (s *JobService) list(ctx context.Context, model interface{}, dest interface{}, opts ListOptions) (int64, error) {
	opts = opts.Normalize()

	query := s.db.WithContext(ctx).Model(model)
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	if err := query.Order("created_at desc").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(dest).Error; err != nil {
		return 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	return total, nil
}

// DeleteResearch removes a research job and its videos unless a curation
// still references it.
func (s *JobService) DeleteResearch(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.ResearchJob
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			return notFound(err)
		}

		var refs int64
		if err := tx.Model(&models.CurationJob{}).Where("research_job_id = ?", id).Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return fmt.Errorf("%w: %d curation job(s)", ErrReferenced, refs)
		}

		if err := tx.Where("job_id = ?", id).Delete(&models.ResearchVideo{}).Error; err != nil {
			return err
		}
		return tx.Delete(&job).Error
	})
	if err != nil {
		return err
	}

	s.logger.Info("Research job deleted", zap.String("job_id", id))
	return nil
}

func (s *JobService) dispatch(ctx context.Context, build func(string) (dispatch.Task, error), id string) error {
	task, err := build(id)
	if err != nil {
		return err
	}
	_, err = s.dispatcher.Enqueue(ctx, task)
	return err
}

func (s *JobService) markDispatchFailed(ctx context.Context, model models.Stateful, id string, to models.Status, cause error) {
	reason := util.Truncate("dispatch failed: "+cause.Error(), 2000)
	s.logger.Error("Failed to dispatch job", zap.String("job_id", id), zap.Error(cause))

	err := models.Transition(ctx, s.db, model, id, to, map[string]interface{}{"error": reason})
	if err != nil && !errors.Is(err, models.ErrStaleTransition) {
		s.logger.Error("Failed to record dispatch failure", zap.String("job_id", id), zap.Error(err))
	}
}

func (s *JobService) exists(ctx context.Context, model interface{}, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
