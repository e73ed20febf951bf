package llm

import (
	"context"
	"fmt"
	"strings"
)

// Provider names accepted by NewProvider.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// ProviderConfig selects and configures a provider client.
type ProviderConfig struct {
	Name          string
	Model         string
	GeminiAPIKey  string
	OllamaURL     string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// NewProvider builds the client named by cfg.Name.
func NewProvider(ctx context.Context, cfg ProviderConfig) (LLM, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case ProviderGemini, "":
		opts := []GeminiOption{}
		if cfg.Model != "" {
			opts = append(opts, WithGeminiModel(cfg.Model))
		}
		client, err := NewGeminiClient(ctx, cfg.GeminiAPIKey, opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	case ProviderOllama:
		opts := []OllamaOption{}
		if cfg.OllamaURL != "" {
			opts = append(opts, WithBaseURL(cfg.OllamaURL))
		}
		if cfg.Model != "" {
			opts = append(opts, WithModel(cfg.Model))
		}
		return NewOllamaClient(opts...), nil
	case ProviderOpenAI:
		opts := []OpenAIOption{WithOpenAIBaseURL(cfg.OpenAIBaseURL)}
		if cfg.Model != "" {
			opts = append(opts, WithOpenAIModel(cfg.Model))
		}
		return NewOpenAIClient(cfg.OpenAIAPIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Name)
	}
}
