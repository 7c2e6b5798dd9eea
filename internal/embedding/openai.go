package embedding

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/revisit/pkg/utils"
)

const (
	DefaultModel         = "text-embedding-3-small"
	DefaultMaxInputChars = 1000
)

// OpenAIConfig configures OpenAIEmbedder.
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string // empty for api.openai.com
	Model         string
	Dimensions    int
	MaxInputChars int
	// RequestsPerSecond limits API calls; zero or less means unlimited.
	RequestsPerSecond float64
	Burst             int
	CacheSize         int
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint. Requests are rate
// limited and results are cached by input text.
type OpenAIEmbedder struct {
	client        *openai.Client
	model         openai.EmbeddingModel
	dimensions    int
	maxInputChars int
	limiter       *rate.Limiter
	cache         *EmbeddingCache
	logger        *zap.Logger
}

// NewOpenAIEmbedder creates an embedder from cfg.
func NewOpenAIEmbedder(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	return &OpenAIEmbedder{
		client:        openai.NewClientWithConfig(clientCfg),
		model:         openai.EmbeddingModel(cfg.Model),
		dimensions:    cfg.Dimensions,
		maxInputChars: cfg.MaxInputChars,
		limiter:       rate.NewLimiter(limit, burst),
		cache:         NewEmbeddingCache(cfg.CacheSize),
		logger:        logger,
	}, nil
}

// Embed returns the embedding of text after trimming and clipping it to the
// configured input length.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts with one API request for all cache misses.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		inputs []string
		slots  []int
	)
	for i, text := range texts {
		input := e.prepare(text)
		if input == "" {
			return nil, fmt.Errorf("input %d: %w", i, ErrEmptyInput)
		}
		if cached, ok := e.cache.Get(input); ok {
			out[i] = slices.Clone(cached)
			continue
		}
		inputs = append(inputs, input)
		slots = append(slots, i)
	}
	if len(inputs) == 0 {
		return out, nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: inputs,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("openai embeddings: got %d results for %d inputs", len(resp.Data), len(inputs))
	}

	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(inputs) {
			return nil, fmt.Errorf("openai embeddings: result index %d out of range", d.Index)
		}
		if len(d.Embedding) != e.dimensions {
			return nil, fmt.Errorf("openai embeddings: model %s returned %d dimensions, want %d", e.model, len(d.Embedding), e.dimensions)
		}
		e.cache.Set(inputs[d.Index], d.Embedding)
		out[slots[d.Index]] = slices.Clone(d.Embedding)
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai embeddings: no result for input %d", i)
		}
	}

	e.logger.Debug("embedded texts",
		zap.Int("requested", len(texts)),
		zap.Int("sent", len(inputs)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens))
	return out, nil
}

func (e *OpenAIEmbedder) prepare(text string) string {
	return utils.ClipRunes(strings.TrimSpace(text), e.maxInputChars)
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Close is a no-op; the HTTP client needs no teardown.
func (e *OpenAIEmbedder) Close() error { return nil }
