package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ifuryst/moviefactory/internal/config"
	"github.com/ifuryst/moviefactory/internal/service/provider"
)

// Client analyzes transcripts and writes briefs with a Gemini model.
type Client struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

func NewClient(ctx context.Context, cfg *config.GeminiConfig, logger *zap.Logger, opts ...option.ClientOption) (*Client, error) {
	if cfg.APIKey != "" {
		opts = append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	}

	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Client{client: client, model: cfg.Model, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

var (
	_ provider.TextAnalyzer   = (*Client)(nil)
	_ provider.BriefGenerator = (*Client)(nil)
)

func (c *Client) AnalyzeText(ctx context.Context, topic string, texts []string) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.7)
	model.SystemInstruction = genai.NewUserContent(genai.Text(provider.AnalysisSystemPrompt))

	resp, err := model.GenerateContent(ctx, genai.Text(provider.AnalysisUserPrompt(topic, texts)))
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	return responseText(resp)
}

func (c *Client) GenerateBrief(ctx context.Context, contextText string) ([]byte, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.8)
	model.SetMaxOutputTokens(4096)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = genai.NewUserContent(genai.Text(provider.BriefSystemPrompt))

	resp, err := model.GenerateContent(ctx, genai.Text(contextText))
	if err != nil {
		return nil, fmt.Errorf("gemini generate failed: %w", err)
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}
	return []byte(provider.StripCodeFence(text)), nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini returned no candidates")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", errors.New("gemini returned empty content")
	}
	return b.String(), nil
}
