package comet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/moviefactory/internal/config"
)

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("comet API returned status %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type endpoint struct {
	baseURL string
	apiKey  string
}

// Client talks to the CometAPI gateway, an OpenAI-compatible proxy for
// chat, image and Suno music models.
type Client struct {
	chat  endpoint
	media endpoint

	analysisModel    string
	briefModel       string
	imageSize        string
	makeInstrumental bool

	chatTimeout  time.Duration
	imageTimeout time.Duration
	musicTimeout time.Duration

	backoffs []time.Duration
	client   *http.Client
	logger   *zap.Logger
}

func NewClient(ai *config.CometConfig, media *config.MediaConfig, logger *zap.Logger) *Client {
	instrumental := true
	if media.MakeInstrumental != nil {
		instrumental = *media.MakeInstrumental
	}

	return &Client{
		chat:             endpoint{baseURL: strings.TrimRight(ai.BaseURL, "/"), apiKey: ai.APIKey},
		media:            endpoint{baseURL: strings.TrimRight(media.BaseURL, "/"), apiKey: media.APIKey},
		analysisModel:    ai.AnalysisModel,
		briefModel:       ai.BriefModel,
		imageSize:        media.ImageSize,
		makeInstrumental: instrumental,
		chatTimeout:      config.ParseDuration(ai.Timeout, 60*time.Second),
		imageTimeout:     config.ParseDuration(media.ImageTimeout, 120*time.Second),
		musicTimeout:     config.ParseDuration(media.MusicTimeout, 60*time.Second),
		backoffs:         []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		client:           &http.Client{},
		logger:           logger,
	}
}

// retryWithBackoff runs fn up to len(backoffs) times, sleeping between
// attempts. Only rate limits, server errors and transport failures are retried.
func (c *Client) retryWithBackoff(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < len(c.backoffs); i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return err
		}
		if i == len(c.backoffs)-1 {
			break
		}

		c.logger.Debug("Retrying comet request", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-time.After(c.backoffs[i]):
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", len(c.backoffs), lastErr)
}

func (c *Client) doJSON(ctx context.Context, ep endpoint, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, ep.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+ep.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
