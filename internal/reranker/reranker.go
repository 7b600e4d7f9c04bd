// Package reranker rescores retrieval candidates against the query with a
// cross-encoder style pass, falling back to a free local scorer when a paid
// provider is unavailable or fails.
package reranker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/search"
)

var (
	// ErrInvalidConfig indicates invalid reranker configuration.
	ErrInvalidConfig = errors.New("invalid reranker configuration")

	// ErrRerankFailed indicates that a provider call failed.
	ErrRerankFailed = errors.New("rerank request failed")
)

// Provider names understood by the service.
const (
	ProviderLocal  = "local"
	ProviderCohere = "cohere"
	ProviderNone   = "none"
)

// Provider rescores candidates against a query. Implementations return the
// candidates sorted descending by RerankScore, truncated to topK.
type Provider interface {
	Rerank(ctx context.Context, query string, candidates []search.Result, topK int) ([]search.Result, error)
	Name() string
	Close() error
}

// BudgetFlags exposes the budget override consulted before provider
// selection.
type BudgetFlags interface {
	ForceLocalRerank() bool
}

// Options controls one rerank call.
type Options struct {
	// Provider forces a specific provider by name. Highest precedence.
	Provider string

	// TopK caps the returned list. Zero returns all candidates.
	TopK int
}

// Service selects a provider per call and applies the fallback rules.
type Service struct {
	providers       map[string]Provider
	defaultProvider string
	flags           BudgetFlags
	logger          *zap.Logger
}

// NewService creates a reranking service. The local provider is required;
// it is the fallback target for every other provider.
func NewService(providers map[string]Provider, defaultProvider string, flags BudgetFlags, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, ok := providers[ProviderLocal]; !ok {
		return nil, fmt.Errorf("%w: local provider is required", ErrInvalidConfig)
	}
	if defaultProvider == "" {
		defaultProvider = ProviderLocal
	}
	if defaultProvider != ProviderNone {
		if _, ok := providers[defaultProvider]; !ok {
			return nil, fmt.Errorf("%w: unknown default provider %q", ErrInvalidConfig, defaultProvider)
		}
	}
	return &Service{
		providers:       providers,
		defaultProvider: defaultProvider,
		flags:           flags,
		logger:          logger,
	}, nil
}

// Rerank rescores candidates. Selection order is the explicit option, then
// the configured default, then local. "none" or a failing local provider
// yields a passthrough: original order with the prior score reused as the
// rerank score. A paid provider failure falls back once to local.
//
// The second return value names the provider that actually served the call
// ("none" for a passthrough), so callers can attribute cost to the paid
// provider only when it really handled the request.
func (s *Service) Rerank(ctx context.Context, query string, candidates []search.Result, opts Options) ([]search.Result, string, error) {
	if len(candidates) == 0 {
		return []search.Result{}, ProviderNone, nil
	}

	topK := opts.TopK
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}

	name := opts.Provider
	if name == "" {
		name = s.defaultProvider
	}
	if name == ProviderNone {
		return passthrough(candidates, topK), ProviderNone, nil
	}
	if s.flags != nil && s.flags.ForceLocalRerank() {
		name = ProviderLocal
	}

	provider, ok := s.providers[name]
	if !ok {
		s.logger.Warn("unknown rerank provider, using local", zap.String("provider", name))
		provider = s.providers[ProviderLocal]
		name = ProviderLocal
	}

	results, err := provider.Rerank(ctx, query, candidates, topK)
	if err == nil {
		return results, name, nil
	}

	if name != ProviderLocal {
		s.logger.Warn("rerank provider failed, falling back to local",
			zap.String("provider", name),
			zap.Error(err))
		results, err = s.providers[ProviderLocal].Rerank(ctx, query, candidates, topK)
		if err == nil {
			return results, ProviderLocal, nil
		}
	}

	s.logger.Warn("local rerank failed, returning candidates unchanged", zap.Error(err))
	return passthrough(candidates, topK), ProviderNone, nil
}

// Close closes every provider.
func (s *Service) Close() error {
	var errs []error
	for _, p := range s.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func passthrough(candidates []search.Result, topK int) []search.Result {
	out := make([]search.Result, topK)
	copy(out, candidates[:topK])
	for i := range out {
		out[i].RerankScore = originalScore(out[i])
		out[i].Rank = i + 1
	}
	return out
}

// originalScore picks the best pre-rerank score a candidate carries.
func originalScore(r search.Result) float64 {
	switch {
	case r.FusedScore != 0:
		return r.FusedScore
	case r.Similarity != 0:
		return r.Similarity
	default:
		return r.LexicalScore
	}
}
