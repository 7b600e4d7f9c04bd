// Package embeddings provides embedding generation via multiple providers
// with routing and fallback.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrInvalidProviderResponse indicates a provider returned a malformed
	// vector payload.
	ErrInvalidProviderResponse = errors.New("invalid provider response")
)

// Provider is the interface for embedding providers.
type Provider interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Name identifies the provider ("local", "openai").
	Name() string
	// Model returns the configured model name.
	Model() string
	// Dimension returns the embedding dimension for the configured model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// Kind enumerates the supported provider backends.
type Kind int

const (
	// KindLocal is the free/local TEI-compatible HTTP backend.
	KindLocal Kind = iota
	// KindOpenAI is the paid OpenAI-compatible API backend.
	KindOpenAI
)

// String returns the provider kind name.
func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindOpenAI:
		return "openai"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ProviderConfig is a tagged union selecting one backend configuration.
type ProviderConfig struct {
	Kind   Kind
	Local  LocalConfig
	OpenAI OpenAIConfig
}

// NewProvider creates an embedding provider for the configured kind.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case KindLocal:
		return NewLocalProvider(cfg.Local)
	case KindOpenAI:
		return NewOpenAIProvider(cfg.OpenAI)
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %d", ErrInvalidConfig, int(cfg.Kind))
	}
}

// DimensionForModel returns the embedding dimension for a model name.
// Falls back to 384 if the model is unknown.
func DimensionForModel(model string) int {
	switch model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	case "jinaai/jina-embeddings-v2-base-code":
		return 768
	}
	switch {
	case contains(model, "large"):
		return 1024
	case contains(model, "base"):
		return 768
	default:
		return 384 // safe default for bge-small
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// validateVector checks that a provider returned a non-empty vector of
// finite values.
func validateVector(provider string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: %s returned an empty vector", ErrInvalidProviderResponse, provider)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %s returned a non-finite value at index %d", ErrInvalidProviderResponse, provider, i)
		}
	}
	return nil
}
