package llm

import (
	"context"
	"errors"
	"iter"

	"google.golang.org/genai"
)

// DefaultGeminiModel is used when neither the request nor the client names a model.
const DefaultGeminiModel = "gemini-2.0-flash"

// geminiModels is the part of *genai.Models the client uses.
type geminiModels interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiClient implements LLM against the Gemini API.
type GeminiClient struct {
	models geminiModels
	model  string
}

// GeminiOption is a functional option for configuring GeminiClient.
type GeminiOption func(*GeminiClient)

// WithGeminiModel sets the fallback model for the client.
func WithGeminiModel(model string) GeminiOption {
	return func(c *GeminiClient) {
		c.model = model
	}
}

// NewGeminiClient creates a Gemini client authenticated with apiKey.
func NewGeminiClient(ctx context.Context, apiKey string, opts ...GeminiOption) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, upstreamError("gemini", err)
	}

	return newGeminiClient(client.Models, opts...), nil
}

func newGeminiClient(models geminiModels, opts ...GeminiOption) *GeminiClient {
	c := &GeminiClient{
		models: models,
		model:  DefaultGeminiModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate returns the complete response for prompt.
func (c *GeminiClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return drain(ctx, c, prompt, opts)
}

// GenerateStream streams response fragments from GenerateContentStream.
func (c *GeminiClient) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	seq := c.models.GenerateContentStream(ctx, model, genai.Text(prompt), geminiConfig(opts))

	chunks := make(chan StreamChunk)

	go func() {
		defer close(chunks)

		for resp, err := range seq {
			if err != nil {
				send(ctx, chunks, StreamChunk{Error: upstreamError("gemini", err), Done: true})
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !send(ctx, chunks, StreamChunk{Token: text}) {
				return
			}
		}
	}()

	return chunks, nil
}

func geminiConfig(opts GenerateOptions) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if opts.Temperature != nil {
		config.Temperature = genai.Ptr(*opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	return config
}

// Ensure GeminiClient implements LLM interface.
var _ LLM = (*GeminiClient)(nil)
