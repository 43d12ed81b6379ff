package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/moviefactory/internal/models"
)

func TestParseBrief_OrdersStoryboardByIndex(t *testing.T) {
	raw := []byte(`{
		"title": "Agents",
		"music_mood": "Tech-focused",
		"storyboard": [
			{"scene_index": 2, "narration": "second", "visual_prompt": "p2"},
			{"scene_index": 1, "narration": "first", "visual_prompt": "p1"},
			{"index": 3, "narration": "third", "visual_prompt": "p3"}
		]
	}`)

	brief, err := models.ParseBrief(raw)
	require.NoError(t, err)
	require.Len(t, brief.Storyboard, 3)
	assert.Equal(t, "first", brief.Storyboard[0].Narration)
	assert.Equal(t, "second", brief.Storyboard[1].Narration)
	assert.Equal(t, 3, brief.Storyboard[2].Index)
	assert.Equal(t, "Tech-focused", brief.MusicMood)
}

func TestParseBrief_RejectsMalformedDocuments(t *testing.T) {
	cases := map[string]string{
		"not json":           `storyboard`,
		"missing storyboard": `{"title": "x"}`,
		"error payload":      `{"error": "rate limited"}`,
		"empty storyboard":   `{"storyboard": []}`,
		"storyboard object":  `{"storyboard": {"scene_index": 1}}`,
		"missing narration":  `{"storyboard": [{"scene_index": 1, "visual_prompt": "p"}]}`,
		"missing prompt":     `{"storyboard": [{"scene_index": 1, "narration": "n"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := models.ParseBrief([]byte(raw))
			assert.ErrorIs(t, err, models.ErrInvalidBrief)
		})
	}
}

func TestCurationJob_ApprovedBrief(t *testing.T) {
	job := models.CurationJob{}
	_, err := job.ApprovedBrief()
	assert.ErrorIs(t, err, models.ErrInvalidBrief)

	job.UserApprovedBrief = []byte(`{"storyboard":[{"scene_index":1,"narration":"n","visual_prompt":"p"}]}`)
	brief, err := job.ApprovedBrief()
	require.NoError(t, err)
	assert.Len(t, brief.Storyboard, 1)
}

func TestCurationJob_Selection(t *testing.T) {
	job := models.CurationJob{}
	ids, err := job.Selection()
	require.NoError(t, err)
	assert.Nil(t, ids)

	job.SelectedVideoIDs = []byte(`["v1","v2"]`)
	ids, err = job.Selection()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, ids)

	job.SelectedVideoIDs = []byte(`[]`)
	ids, err = job.Selection()
	require.NoError(t, err)
	assert.Nil(t, ids)
}
