package remote

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// contentModels is the part of genai.Models the client uses.
type contentModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// GeminiClient implements Completer with google.golang.org/genai.
type GeminiClient struct {
	models contentModels
	cfg    GeminiConfig
}

func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key not configured")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{models: client.Models, cfg: cfg}, nil
}

func (c *GeminiClient) Complete(ctx context.Context, system, user string) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	}
	if c.cfg.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(c.cfg.Temperature))
	}
	if c.cfg.MaxTokens > 0 {
		config.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}

	resp, err := c.models.GenerateContent(ctx, c.cfg.Model, genai.Text(user), config)
	if err != nil {
		return "", fmt.Errorf("gemini: generate: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	return text, nil
}
