package gemini

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text("Executive "), genai.Text("Summary")}},
		}},
	}

	text, err := responseText(resp)
	require.NoError(t, err)
	assert.Equal(t, "Executive Summary", text)
}

func TestResponseText_Empty(t *testing.T) {
	_, err := responseText(&genai.GenerateContentResponse{})
	assert.Error(t, err)

	_, err = responseText(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{}}},
	})
	assert.Error(t, err)
}
