package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ifuryst/moviefactory/internal/models"
)

// Queue persists tasks in the tasks table so that a Worker in any process
// can execute them.
type Queue struct {
	db          *gorm.DB
	maxAttempts int
	logger      *zap.Logger
}

func NewQueue(db *gorm.DB, maxAttempts int, logger *zap.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{db: db, maxAttempts: maxAttempts, logger: logger}
}

func (q *Queue) Enqueue(ctx context.Context, task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	row := models.Task{
		ID:          task.ID,
		Name:        task.Name,
		DedupeKey:   task.Key,
		Payload:     datatypes.JSON(task.Payload),
		Status:      models.TaskStatusPending,
		MaxAttempts: maxAttempts(task, q.maxAttempts),
		RunAt:       time.Now().Add(task.Delay),
	}

	id := row.ID
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if task.Key != "" {
			var waiting models.Task
			err := tx.Where("dedupe_key = ? AND status = ?", task.Key, models.TaskStatusPending).
				Order("run_at").
				First(&waiting).Error
			if err == nil {
				// Pull the waiting task forward if the new one is due earlier.
				if row.RunAt.Before(waiting.RunAt) {
					if err := tx.Model(&models.Task{}).Where("id = ?", waiting.ID).
						Update("run_at", row.RunAt).Error; err != nil {
						return err
					}
				}
				id = waiting.ID
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task %s: %w", task.Name, err)
	}

	q.logger.Debug("Task enqueued",
		zap.String("task", task.Name),
		zap.String("task_id", id),
		zap.String("key", task.Key),
		zap.Bool("coalesced", id != row.ID))
	return id, nil
}

// notRunningSameKey excludes tasks whose key is held by a processing task.
const notRunningSameKey = "(dedupe_key = '' OR NOT EXISTS (SELECT 1 FROM tasks AS busy WHERE busy.dedupe_key = tasks.dedupe_key AND busy.status = ?))"

// reclaim returns tasks whose lease expired to the pending state.
func (q *Queue) reclaim(ctx context.Context, now time.Time) (int64, error) {
	result := q.db.WithContext(ctx).Model(&models.Task{}).
		Where("status = ? AND lease_until < ?", models.TaskStatusProcessing, now).
		Updates(map[string]interface{}{
			"status":      models.TaskStatusPending,
			"lease_until": nil,
			"run_at":      now,
		})
	return result.RowsAffected, result.Error
}

// claim atomically moves up to limit due tasks to processing.
func (q *Queue) claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	var candidates []models.Task
	if err := q.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", models.TaskStatusPending, now).
		Where(notRunningSameKey, models.TaskStatusProcessing).
		Order("run_at").
		Limit(limit).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to find due tasks: %w", err)
	}

	leaseUntil := now.Add(lease)
	claimed := make([]models.Task, 0, len(candidates))
	for _, task := range candidates {
		result := q.db.WithContext(ctx).Model(&models.Task{}).
			Where("id = ? AND status = ?", task.ID, models.TaskStatusPending).
			Where(notRunningSameKey, models.TaskStatusProcessing).
			Updates(map[string]interface{}{
				"status":      models.TaskStatusProcessing,
				"lease_until": leaseUntil,
				"attempts":    gorm.Expr("attempts + 1"),
			})
		if result.Error != nil {
			return claimed, fmt.Errorf("failed to claim task: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}

		task.Status = models.TaskStatusProcessing
		task.Attempts++
		task.LeaseUntil = &leaseUntil
		claimed = append(claimed, task)
	}
	return claimed, nil
}

func (q *Queue) complete(ctx context.Context, task models.Task) error {
	return q.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND status = ?", task.ID, models.TaskStatusProcessing).
		Updates(map[string]interface{}{
			"status":      models.TaskStatusCompleted,
			"lease_until": nil,
			"last_error":  "",
		}).Error
}

// fail schedules a retry with exponential backoff, or marks the task failed
// once its attempts are exhausted.
func (q *Queue) fail(ctx context.Context, task models.Task, cause error, now time.Time) (retrying bool, err error) {
	updates := map[string]interface{}{
		"lease_until": nil,
		"last_error":  cause.Error(),
	}

	retrying = task.Attempts < task.MaxAttempts && !errors.Is(cause, ErrUnknownTask)
	if retrying {
		updates["status"] = models.TaskStatusPending
		updates["run_at"] = now.Add(Backoff(task.Attempts))
	} else {
		updates["status"] = models.TaskStatusFailed
	}

	err = q.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND status = ?", task.ID, models.TaskStatusProcessing).
		Updates(updates).Error
	return retrying, err
}

// Get returns a stored task by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := q.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}
