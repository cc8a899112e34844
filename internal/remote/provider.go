package remote

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Provider names accepted in configuration.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ServiceConfig selects and configures the backend of one service.
type ServiceConfig struct {
	Provider          string
	Model             string
	BaseURL           string
	APIKeyEnv         string
	Temperature       float64
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute int
	MaxRetries        int
}

// NewCompleter builds the Completer named by cfg.Provider. The API key is
// read from the environment variable cfg.APIKeyEnv.
func NewCompleter(ctx context.Context, cfg ServiceConfig) (Completer, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:            key,
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			Temperature:       cfg.Temperature,
			MaxTokens:         cfg.MaxTokens,
			Timeout:           cfg.Timeout,
			RequestsPerMinute: cfg.RequestsPerMinute,
			MaxRetries:        cfg.MaxRetries,
		}), nil
	case ProviderGemini:
		return NewGeminiClient(ctx, GeminiConfig{
			APIKey:      key,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
	}
	return nil, fmt.Errorf("remote: unknown provider %q", cfg.Provider)
}
