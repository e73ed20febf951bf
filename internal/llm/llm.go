// Package llm provides the provider port and its clients for text generation backends.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUpstream wraps every transport, auth or protocol failure reported by a provider.
var ErrUpstream = errors.New("upstream provider error")

// GenerateOptions configures a generation request.
type GenerateOptions struct {
	// Model is the provider model identifier, e.g. "gemini-1.5-flash".
	// The clients hold no selection state; an empty Model falls back to the client default.
	Model string

	// Temperature controls randomness. Nil leaves the provider default; zero is deterministic.
	Temperature *float32

	// MaxTokens limits the response length; zero leaves the provider default.
	MaxTokens int
}

// StreamChunk is one fragment of streamed output.
type StreamChunk struct {
	// Token contains the generated text fragment. It is never empty unless Error is set.
	Token string

	// Done marks the final chunk.
	Done bool

	// Error is set on the final chunk when the stream failed. It wraps ErrUpstream.
	Error error
}

// LLM is the provider port used by the relay and the channel adapters.
type LLM interface {
	// Generate returns the complete response by draining GenerateStream.
	// An empty provider response yields "" and no error.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// GenerateStream returns a finite channel of non-empty fragments in arrival order.
	// The channel is closed after the last fragment or after a chunk carrying Error.
	// Fragments already delivered are not retracted when a later failure occurs.
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error)
}

// Collect drains a stream into a single string.
// It returns the text gathered so far together with the first error encountered.
func Collect(ctx context.Context, chunks <-chan StreamChunk) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return sb.String(), nil
			}
			if chunk.Error != nil {
				return sb.String(), chunk.Error
			}
			sb.WriteString(chunk.Token)
			if chunk.Done {
				return sb.String(), nil
			}
		}
	}
}

// upstreamError wraps err with ErrUpstream unless it is a context error,
// which callers need to tell apart from provider failures.
func upstreamError(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstream, provider, err)
}

// drain is shared by the clients' Generate implementations.
func drain(ctx context.Context, client LLM, prompt string, opts GenerateOptions) (string, error) {
	chunks, err := client.GenerateStream(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	return Collect(ctx, chunks)
}
