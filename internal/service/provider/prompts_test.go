package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence("  {\"a\":1} "))
	assert.Equal(t, "", StripCodeFence("```"))
}

func TestAnalysisUserPrompt(t *testing.T) {
	got := AnalysisUserPrompt("AI", []string{"one", "two"})
	assert.Equal(t, "Topic: AI\n\nTranscripts:\none\n\n---\n\ntwo", got)
}

func TestVideoURL(t *testing.T) {
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", Video{ExternalID: "abc"}.URL())
}
