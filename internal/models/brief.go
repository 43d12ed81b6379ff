package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidBrief marks a creative brief that does not satisfy the storyboard schema.
var ErrInvalidBrief = errors.New("invalid creative brief")

var briefValidator = validator.New()

// Brief is the creative brief produced by curation and, once approved, the
// input of production.
type Brief struct {
	Title         string            `json:"title"`
	Hook          string            `json:"hook,omitempty"`
	NarrativeGoal string            `json:"narrative_goal,omitempty"`
	MusicMood     string            `json:"music_mood,omitempty"`
	ColorPalette  []string          `json:"color_palette,omitempty"`
	Storyboard    []StoryboardScene `json:"storyboard" validate:"required,min=1,dive"`
}

type StoryboardScene struct {
	Index        int     `json:"scene_index" validate:"gte=0"`
	Narration    string  `json:"narration" validate:"required"`
	VisualPrompt string  `json:"visual_prompt" validate:"required"`
	Pacing       string  `json:"pacing,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
}

// UnmarshalJSON accepts both "scene_index" and "index" for the position key.
func (s *StoryboardScene) UnmarshalJSON(data []byte) error {
	type plain StoryboardScene
	var raw struct {
		plain
		AltIndex *int `json:"index"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = StoryboardScene(raw.plain)
	if raw.AltIndex != nil && s.Index == 0 {
		s.Index = *raw.AltIndex
	}
	return nil
}

// ParseBrief decodes and validates a provider- or user-authored brief. The
// storyboard is stably ordered by scene index so that positions match the
// index order.
func ParseBrief(raw []byte) (*Brief, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBrief, err)
	}
	if _, ok := probe["storyboard"]; !ok {
		return nil, fmt.Errorf("%w: missing storyboard", ErrInvalidBrief)
	}

	var brief Brief
	if err := json.Unmarshal(raw, &brief); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBrief, err)
	}
	if err := briefValidator.Struct(&brief); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBrief, err)
	}

	sort.SliceStable(brief.Storyboard, func(i, j int) bool {
		return brief.Storyboard[i].Index < brief.Storyboard[j].Index
	})
	return &brief, nil
}

// JSON returns the canonical encoding stored in jsonb columns.
func (b *Brief) JSON() ([]byte, error) {
	return json.Marshal(b)
}

func unmarshalJSON(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}
