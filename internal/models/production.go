package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ProductionJob struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	CurationJobID  string     `gorm:"size:36;not null;uniqueIndex" json:"curation_job_id"`
	Status         Status     `gorm:"size:30;not null;default:'pending';index" json:"status"`
	NumScenes      int        `gorm:"default:0" json:"num_scenes"`
	NumTracks      int        `gorm:"default:0" json:"num_tracks"`
	FailedScenes   int        `gorm:"default:0" json:"failed_scenes"`
	FailedTracks   int        `gorm:"default:0" json:"failed_tracks"`
	DispatchTaskID string     `gorm:"size:64" json:"dispatch_task_id"`
	Error          *string    `gorm:"type:text" json:"error"`
	FinalizedAt    *time.Time `json:"finalized_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Scenes []ProductionScene `gorm:"foreignKey:JobID" json:"scenes,omitempty"`
	Tracks []ProductionTrack `gorm:"foreignKey:JobID" json:"tracks,omitempty"`
}

func (j *ProductionJob) BeforeCreate(*gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

type ProductionScene struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	JobID          string    `gorm:"size:36;not null;index" json:"job_id"`
	SceneNumber    int       `gorm:"not null" json:"scene_number"`
	Description    string    `gorm:"type:text" json:"description"`
	ImagePrompt    string    `gorm:"type:text" json:"image_prompt"`
	ImageModel     string    `gorm:"size:50" json:"image_model"`
	Status         Status    `gorm:"size:20;not null;default:'pending';index" json:"status"`
	ImageURL       *string   `gorm:"type:text" json:"image_url"`
	LocalImagePath *string   `gorm:"type:text" json:"local_image_path"`
	Error          *string   `gorm:"type:text" json:"error"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *ProductionScene) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

type ProductionTrack struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	JobID           string    `gorm:"size:36;not null;index" json:"job_id"`
	TrackNumber     int       `gorm:"not null" json:"track_number"`
	Prompt          string    `gorm:"type:text" json:"prompt"`
	Mood            string    `gorm:"size:100" json:"mood"`
	ProviderTaskID  *string   `gorm:"size:255" json:"provider_task_id"`
	Status          Status    `gorm:"size:20;not null;default:'pending';index" json:"status"`
	Title           *string   `gorm:"type:text" json:"title"`
	DurationSeconds *float64  `json:"duration_seconds"`
	AudioURL        *string   `gorm:"type:text" json:"audio_url"`
	LocalAudioPath  *string   `gorm:"type:text" json:"local_audio_path"`
	PollAttempts    int       `gorm:"default:0" json:"poll_attempts"`
	Error           *string   `gorm:"type:text" json:"error"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *ProductionTrack) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
