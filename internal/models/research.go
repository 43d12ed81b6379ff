package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ResearchJob struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	Status      Status     `gorm:"size:20;not null;default:'pending';index" json:"status"`
	Topic       string     `gorm:"type:text;not null" json:"topic"`
	Summary     *string    `gorm:"type:text" json:"summary"`
	Error       *string    `gorm:"type:text" json:"error"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Videos []ResearchVideo `gorm:"foreignKey:JobID" json:"videos,omitempty"`
}

func (j *ResearchJob) BeforeCreate(*gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// ResearchVideo is one discovered source video. Metadata fields are best-effort
// and stay nil when the search provider could not supply them.
type ResearchVideo struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	JobID           string     `gorm:"size:36;not null;index" json:"job_id"`
	Position        int        `gorm:"not null" json:"position"`
	ExternalID      string     `gorm:"size:64;not null;index" json:"external_id"`
	Title           string     `gorm:"type:text" json:"title"`
	Description     string     `gorm:"type:text" json:"description"`
	ThumbnailURL    string     `gorm:"type:text" json:"thumbnail_url"`
	URL             string     `gorm:"type:text" json:"url"`
	Transcript      *string    `gorm:"type:text" json:"transcript,omitempty"`
	Channel         *string    `gorm:"size:255" json:"channel"`
	Views           *int64     `json:"views"`
	DurationSeconds *int       `json:"duration_seconds"`
	PublishedAt     *time.Time `json:"published_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (v *ResearchVideo) BeforeCreate(*gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}

// HasTranscript reports whether transcript extraction succeeded for the video.
func (v ResearchVideo) HasTranscript() bool {
	return v.Transcript != nil && *v.Transcript != ""
}
