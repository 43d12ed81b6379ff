package models

import (
	"time"

	"gorm.io/datatypes"
)

// TaskStatus tracks a durable dispatcher task, independently of the job it drives.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

type Task struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	Name        string         `gorm:"size:100;not null;index" json:"name"`
	DedupeKey   string         `gorm:"size:100;index" json:"dedupe_key"`
	Payload     datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	Status      TaskStatus     `gorm:"size:20;not null;default:'pending';index:idx_task_status_run_at,priority:1" json:"status"`
	Attempts    int            `gorm:"default:0" json:"attempts"`
	MaxAttempts int            `gorm:"default:3" json:"max_attempts"`
	RunAt       time.Time      `gorm:"not null;index:idx_task_status_run_at,priority:2" json:"run_at"`
	LeaseUntil  *time.Time     `json:"lease_until"`
	LastError   string         `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
