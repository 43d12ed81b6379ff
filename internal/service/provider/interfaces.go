package provider

import (
	"context"
	"time"
)

// Video is a search hit returned by a VideoSearcher. Metadata beyond the
// snippet is best-effort and may be zero.
type Video struct {
	ExternalID      string
	Title           string
	Description     string
	ThumbnailURL    string
	PublishedAt     *time.Time
	Channel         string
	Views           int64
	DurationSeconds int
}

// URL returns the public watch URL of the video.
func (v Video) URL() string {
	return "https://www.youtube.com/watch?v=" + v.ExternalID
}

type Image struct {
	URL           string
	Model         string
	RevisedPrompt string
}

// MusicTask is the result of starting a music generation. AudioURL is only set
// when the provider delivered the track synchronously.
type MusicTask struct {
	Handle   string
	AudioURL string
}

type MusicState string

const (
	MusicPending  MusicState = "pending"
	MusicComplete MusicState = "complete"
	MusicError    MusicState = "error"
)

type MusicStatus struct {
	State           MusicState
	AudioURL        string
	Title           string
	DurationSeconds float64
	Error           string
}

type VideoSearcher interface {
	SearchVideos(ctx context.Context, topic string) ([]Video, error)
}

// TranscriptFetcher returns the plain text transcript of a video. An empty
// string means no transcript is available.
type TranscriptFetcher interface {
	GetTranscript(ctx context.Context, externalID string) (string, error)
}

type TextAnalyzer interface {
	AnalyzeText(ctx context.Context, topic string, texts []string) (string, error)
}

// BriefGenerator returns the raw JSON brief document. Callers validate it.
type BriefGenerator interface {
	GenerateBrief(ctx context.Context, contextText string) ([]byte, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt, model string) (*Image, error)
}

type MusicGenerator interface {
	GenerateMusic(ctx context.Context, prompt, mood string) (*MusicTask, error)
	PollMusic(ctx context.Context, handle string) (*MusicStatus, error)
}

// Providers bundles every capability the pipeline depends on.
type Providers struct {
	Search     VideoSearcher
	Transcript TranscriptFetcher
	Analyzer   TextAnalyzer
	Brief      BriefGenerator
	Image      ImageGenerator
	Music      MusicGenerator
}
