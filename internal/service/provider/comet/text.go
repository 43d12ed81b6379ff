package comet

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ifuryst/moviefactory/internal/service/provider"
)

var (
	_ provider.TextAnalyzer   = (*Client)(nil)
	_ provider.BriefGenerator = (*Client)(nil)
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, req chatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.chatTimeout)
	defer cancel()

	var resp chatResponse
	err := c.retryWithBackoff(ctx, func() error {
		return c.doJSON(ctx, c.chat, http.MethodPost, "/chat/completions", req, &resp)
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) AnalyzeText(ctx context.Context, topic string, texts []string) (string, error) {
	content, err := c.complete(ctx, chatRequest{
		Model: c.analysisModel,
		Messages: []chatMessage{
			{Role: "system", Content: provider.AnalysisSystemPrompt},
			{Role: "user", Content: provider.AnalysisUserPrompt(topic, texts)},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("failed to analyze transcripts: %w", err)
	}
	return content, nil
}

func (c *Client) GenerateBrief(ctx context.Context, contextText string) ([]byte, error) {
	content, err := c.complete(ctx, chatRequest{
		Model: c.briefModel,
		Messages: []chatMessage{
			{Role: "system", Content: provider.BriefSystemPrompt},
			{Role: "user", Content: contextText},
		},
		Temperature: 0.8,
		MaxTokens:   2500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate brief: %w", err)
	}
	return []byte(provider.StripCodeFence(content)), nil
}
