package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CurationJob struct {
	ID                string         `gorm:"primaryKey;size:36" json:"id"`
	ResearchJobID     string         `gorm:"size:36;not null;index" json:"research_job_id"`
	Status            Status         `gorm:"size:20;not null;default:'pending';index" json:"status"`
	SelectedVideoIDs  datatypes.JSON `gorm:"type:jsonb" json:"selected_video_ids"`
	CreativeBrief     datatypes.JSON `gorm:"type:jsonb" json:"creative_brief"`
	UserApprovedBrief datatypes.JSON `gorm:"type:jsonb" json:"user_approved_brief"`
	NumScenes         *int           `json:"num_scenes"`
	ImageModel        string         `gorm:"size:50" json:"image_model,omitempty"`
	Error             *string        `gorm:"type:text" json:"error"`
	ApprovedAt        *time.Time     `json:"approved_at"`
	CreatedAt         time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`

	ResearchJob *ResearchJob `gorm:"foreignKey:ResearchJobID" json:"-"`
}

func (j *CurationJob) BeforeCreate(*gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// Selection returns the explicit video selection, or nil when every video of
// the research job is eligible. An empty list selects everything too.
func (j CurationJob) Selection() ([]string, error) {
	if len(j.SelectedVideoIDs) == 0 || string(j.SelectedVideoIDs) == "null" {
		return nil, nil
	}
	var ids []string
	if err := unmarshalJSON(j.SelectedVideoIDs, &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

// ApprovedBrief parses the user approved brief. It returns ErrInvalidBrief when
// no usable storyboard has been approved.
func (j CurationJob) ApprovedBrief() (*Brief, error) {
	if len(j.UserApprovedBrief) == 0 || string(j.UserApprovedBrief) == "null" {
		return nil, ErrInvalidBrief
	}
	return ParseBrief(j.UserApprovedBrief)
}
