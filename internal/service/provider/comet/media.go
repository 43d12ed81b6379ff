package comet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ifuryst/moviefactory/internal/service/provider"
)

var (
	_ provider.ImageGenerator = (*Client)(nil)
	_ provider.MusicGenerator = (*Client)(nil)
)

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

func (c *Client) GenerateImage(ctx context.Context, prompt, model string) (*provider.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, c.imageTimeout)
	defer cancel()

	req := imageRequest{
		Model:          model,
		Prompt:         prompt,
		N:              1,
		Size:           c.imageSize,
		ResponseFormat: "url",
	}

	var resp imageResponse
	err := c.retryWithBackoff(ctx, func() error {
		return c.doJSON(ctx, c.media, http.MethodPost, "/images/generations", req, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate image: %w", err)
	}

	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return nil, errors.New("image generation returned no image")
	}

	revised := resp.Data[0].RevisedPrompt
	if revised == "" {
		revised = prompt
	}
	return &provider.Image{URL: resp.Data[0].URL, Model: model, RevisedPrompt: revised}, nil
}

type sunoRequest struct {
	Prompt           string `json:"prompt"`
	MakeInstrumental bool   `json:"make_instrumental"`
	WaitForModel     bool   `json:"wait_for_model"`
}

type sunoClip struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	AudioURL string `json:"audio_url"`
	Title    string `json:"title"`
	Metadata struct {
		Duration     float64 `json:"duration"`
		ErrorMessage string  `json:"error_message"`
	} `json:"metadata"`
}

// sunoCreateResponse accepts the shapes the gateway is known to return:
// a bare clip list, {"clips": [...]} or {"id": "..."}.
type sunoCreateResponse struct {
	ID    string
	Clips []sunoClip
}

func (r *sunoCreateResponse) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return unmarshal(data, &r.Clips)
	}

	var obj struct {
		ID    string     `json:"id"`
		Clips []sunoClip `json:"clips"`
	}
	if err := unmarshal(data, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	r.Clips = obj.Clips
	return nil
}

func (c *Client) GenerateMusic(ctx context.Context, prompt, mood string) (*provider.MusicTask, error) {
	ctx, cancel := context.WithTimeout(ctx, c.musicTimeout)
	defer cancel()

	req := sunoRequest{
		Prompt:           strings.TrimSpace(mood + " " + prompt),
		MakeInstrumental: c.makeInstrumental,
		WaitForModel:     false,
	}

	var resp sunoCreateResponse
	err := c.retryWithBackoff(ctx, func() error {
		return c.doJSON(ctx, c.media, http.MethodPost, "/audio/suno", req, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create music track: %w", err)
	}

	if len(resp.Clips) > 0 {
		clip := resp.Clips[0]
		task := &provider.MusicTask{Handle: clip.ID}
		if clip.Status == "complete" && clip.AudioURL != "" {
			task.AudioURL = clip.AudioURL
		}
		if task.Handle == "" && task.AudioURL == "" {
			return nil, errors.New("music generation returned a clip without id")
		}
		return task, nil
	}
	if resp.ID != "" {
		return &provider.MusicTask{Handle: resp.ID}, nil
	}
	return nil, errors.New("music generation returned no task handle")
}

func (c *Client) PollMusic(ctx context.Context, handle string) (*provider.MusicStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.musicTimeout)
	defer cancel()

	var clips []sunoClip
	err := c.retryWithBackoff(ctx, func() error {
		return c.doJSON(ctx, c.media, http.MethodGet, "/audio/suno/feed?ids="+url.QueryEscape(handle), nil, &clips)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to poll music track: %w", err)
	}

	for _, clip := range clips {
		if clip.ID != handle {
			continue
		}
		return clipStatus(clip), nil
	}
	if len(clips) == 1 {
		return clipStatus(clips[0]), nil
	}
	return &provider.MusicStatus{State: provider.MusicPending}, nil
}

func clipStatus(clip sunoClip) *provider.MusicStatus {
	switch clip.Status {
	case "complete":
		if clip.AudioURL == "" {
			return &provider.MusicStatus{State: provider.MusicError, Error: "track completed without audio"}
		}
		return &provider.MusicStatus{
			State:           provider.MusicComplete,
			AudioURL:        clip.AudioURL,
			Title:           clip.Title,
			DurationSeconds: clip.Metadata.Duration,
		}
	case "error":
		msg := clip.Metadata.ErrorMessage
		if msg == "" {
			msg = "music generation failed"
		}
		return &provider.MusicStatus{State: provider.MusicError, Error: msg}
	default:
		return &provider.MusicStatus{State: provider.MusicPending}
	}
}
