// Package embedding turns page text into vectors through the OpenAI embeddings
// API, with a deterministic mock for tests and offline use.
package embedding

import (
	"context"
	"errors"
)

var (
	// ErrEmptyInput is returned when there is no text left to embed after cleanup.
	ErrEmptyInput = errors.New("embedding input is empty")
	// ErrMissingAPIKey is returned when the OpenAI provider has no API key.
	ErrMissingAPIKey = errors.New("openai api key is not set")
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
