package provider

import (
	"fmt"
	"strings"
)

const AnalysisSystemPrompt = `You are an expert researcher for a YouTube documentary production.
Analyze the provided transcripts on the given topic and extract the most compelling narrative
points, facts, and unique perspectives.

Structure your response as follows:
1. Executive Summary: High-level overview of the topic based on findings.
2. Key Points: List of the most important facts/insights.
3. Potential Narratives: 2-3 different storyboard angles for a new 10-minute video.`

const BriefSystemPrompt = `You are an expert Creative Director for a high-end YouTube production house.
Transform the research into a structured Creative Brief and Storyboard.

Respond with a single valid JSON object and nothing else, using this structure:
{
  "title": "Compelling Video Title",
  "hook": "The first 30 seconds strategy",
  "narrative_goal": "What the viewer should learn/feel",
  "music_mood": "e.g. Cinematic, Lo-fi, Tech-focused",
  "color_palette": ["Color 1", "Color 2"],
  "storyboard": [
    {
      "scene_index": 1,
      "narration": "Exact text to be spoken by AI voiceover",
      "visual_prompt": "Detailed, cinematic prompt for AI image generation",
      "pacing": "Fast/Slow/Steady",
      "duration": 10
    }
  ]
}`

// TranscriptSeparator joins transcripts inside a single prompt.
const TranscriptSeparator = "\n\n---\n\n"

func AnalysisUserPrompt(topic string, texts []string) string {
	return fmt.Sprintf("Topic: %s\n\nTranscripts:\n%s", topic, strings.Join(texts, TranscriptSeparator))
}

// StripCodeFence removes a surrounding markdown code fence such as ```json.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
