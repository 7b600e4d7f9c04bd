package embeddings

import (
	"context"
	"fmt"
	"time"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	// TEI exposes an OpenAI-compatible embeddings endpoint under /v1.
	defaultLocalBaseURL = "http://localhost:8080/v1"
	defaultLocalModel   = "BAAI/bge-small-en-v1.5"

	// TEI ignores authentication, but the client requires a token.
	teiPlaceholderToken = "placeholder"
)

// LocalConfig holds configuration for the local TEI-compatible provider.
type LocalConfig struct {
	// BaseURL is the embedding server's OpenAI-compatible base URL.
	BaseURL string

	// Model is the embedding model name (reported, TEI serves one model).
	Model string

	// Retries is the number of internal retries on transient failures.
	// Total attempts are 1 + Retries.
	Retries int

	// RetryBaseDelay is the first backoff delay; doubled per attempt.
	RetryBaseDelay time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *LocalConfig) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultLocalBaseURL
	}
	if c.Model == "" {
		c.Model = defaultLocalModel
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
}

// LocalProvider generates embeddings via a local TEI server, driven through
// langchaingo's embedder against TEI's OpenAI-compatible endpoint. It is the
// designated free fallback for paid providers and retries transient failures
// internally with exponential backoff.
type LocalProvider struct {
	config    LocalConfig
	embedder  lcembeddings.Embedder
	dimension int
}

// NewLocalProvider creates a local embedding provider.
func NewLocalProvider(cfg LocalConfig) (*LocalProvider, error) {
	cfg.ApplyDefaults()

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(teiPlaceholderToken),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &LocalProvider{
		config:    cfg,
		embedder:  embedder,
		dimension: DimensionForModel(cfg.Model),
	}, nil
}

// Name implements Provider.
func (p *LocalProvider) Name() string { return "local" }

// Model implements Provider.
func (p *LocalProvider) Model() string { return p.config.Model }

// Dimension implements Provider.
func (p *LocalProvider) Dimension() int { return p.dimension }

// Close is a no-op for the HTTP provider.
func (p *LocalProvider) Close() error { return nil }

// EmbedDocuments generates embeddings for multiple texts.
func (p *LocalProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	var vectors [][]float32
	err := p.withRetry(ctx, func() error {
		var callErr error
		vectors, callErr = p.embedder.EmbedDocuments(ctx, texts)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrInvalidProviderResponse, len(vectors), len(texts))
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *LocalProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	var vector []float32
	err := p.withRetry(ctx, func() error {
		var callErr error
		vector, callErr = p.embedder.EmbedQuery(ctx, text)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

// withRetry runs call, retrying transient failures with exponential backoff.
// Total attempts are 1 + configured retries.
func (p *LocalProvider) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.config.Retries; attempt++ {
		if attempt > 0 {
			backoff := p.config.RetryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = call(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
