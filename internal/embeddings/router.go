package embeddings

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is the number of texts embedded per batch.
const DefaultBatchSize = 10

// ContentType classifies text for profile selection.
type ContentType string

const (
	// ContentCode selects the code-oriented profile.
	ContentCode ContentType = "code"
	// ContentDocs selects the prose/documentation profile.
	ContentDocs ContentType = "docs"
)

var importStmtRe = regexp.MustCompile(`(?m)^\s*(import\s+[\w."(]|from\s+\w+\s+import\s|#include\s*<|use\s+\w+(::\w+)+)`)

// BudgetFlags exposes the process-wide budget fallback switch consulted
// before provider resolution. Implemented by costs.FallbackState.
type BudgetFlags interface {
	// ForceLocalEmbeddings reports whether spend limits force the free/local
	// provider.
	ForceLocalEmbeddings() bool
}

// Options control provider resolution for a single embed call.
type Options struct {
	// Provider forces a specific provider by name. Highest precedence.
	Provider string

	// ContentType supplies the content context. When empty it is inferred
	// from Metadata and text heuristics.
	ContentType ContentType

	// Metadata may carry a "content_type" hint from the document.
	Metadata map[string]any
}

// Result is one embedded text with the profile that produced it.
type Result struct {
	Vector       []float32
	Provider     string
	Model        string
	Dimensions   int
	UsedFallback bool
}

// RouterConfig holds routing configuration.
type RouterConfig struct {
	// DefaultProvider is used when no profile matches. Defaults to the
	// local provider.
	DefaultProvider string

	// Profiles maps a content type to a provider name.
	Profiles map[ContentType]string

	// BatchSize is the number of texts per EmbedBatch partition.
	BatchSize int
}

// Router chooses an embedding provider per call and falls back to the
// free/local provider when a paid provider fails.
type Router struct {
	providers map[string]Provider
	local     Provider
	config    RouterConfig
	flags     BudgetFlags
	logger    *zap.Logger
	metrics   *Metrics
}

// NewRouter creates a Router over the given providers. The local provider is
// the designated free fallback and must be present. flags may be nil when no
// budget tracking is wired (tests).
func NewRouter(providers []Provider, cfg RouterConfig, flags BudgetFlags, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, cfg.BatchSize)
	}

	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	local, ok := byName["local"]
	if !ok {
		return nil, fmt.Errorf("%w: local provider is required", ErrInvalidConfig)
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = local.Name()
	}
	if _, ok := byName[cfg.DefaultProvider]; !ok {
		return nil, fmt.Errorf("%w: default provider %q not registered", ErrInvalidConfig, cfg.DefaultProvider)
	}

	return &Router{
		providers: byName,
		local:     local,
		config:    cfg,
		flags:     flags,
		logger:    logger,
		metrics:   NewMetrics(logger),
	}, nil
}

// Close closes every registered provider.
func (r *Router) Close() error {
	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Embed generates an embedding for text using the resolved provider,
// falling back once to the local provider on failure.
func (r *Router) Embed(ctx context.Context, text string, opts Options) (Result, error) {
	start := time.Now()
	primary, err := r.resolve(text, opts)
	if err != nil {
		return Result{}, err
	}

	vec, embedErr := r.embedValidated(ctx, primary, text)
	if embedErr == nil {
		r.metrics.RecordGeneration(ctx, primary.Model(), "embed", time.Since(start), 1, nil)
		return Result{
			Vector:     vec,
			Provider:   primary.Name(),
			Model:      primary.Model(),
			Dimensions: len(vec),
		}, nil
	}

	if primary.Name() == r.local.Name() {
		r.metrics.RecordGeneration(ctx, primary.Model(), "embed", time.Since(start), 1, embedErr)
		return Result{}, embedErr
	}

	r.logger.Warn("primary embedding provider failed, using local fallback",
		zap.String("provider", primary.Name()),
		zap.Error(embedErr))

	vec, err = r.embedValidated(ctx, r.local, text)
	r.metrics.RecordGeneration(ctx, r.local.Model(), "embed", time.Since(start), 1, err)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Vector:       vec,
		Provider:     r.local.Name(),
		Model:        r.local.Model(),
		Dimensions:   len(vec),
		UsedFallback: true,
	}, nil
}

// EmbedBatch partitions texts into fixed-size batches and embeds each
// batch's items concurrently, preserving input order in the output.
func (r *Router) EmbedBatch(ctx context.Context, texts []string, opts Options) ([]Result, error) {
	if len(texts) == 0 {
		return []Result{}, nil
	}
	batchSize := r.config.BatchSize

	start := time.Now()
	results := make([]Result, len(texts))

	for from := 0; from < len(texts); from += batchSize {
		to := from + batchSize
		if to > len(texts) {
			to = len(texts)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := from; i < to; i++ {
			g.Go(func() error {
				res, err := r.Embed(gctx, texts[i], opts)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			r.metrics.RecordGeneration(ctx, "", "embed_batch", time.Since(start), len(texts), err)
			return nil, err
		}
	}

	r.metrics.RecordGeneration(ctx, "", "embed_batch", time.Since(start), len(texts), nil)
	return results, nil
}

// embedValidated embeds one text and validates the returned vector.
func (r *Router) embedValidated(ctx context.Context, p Provider, text string) ([]float32, error) {
	vec, err := p.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := validateVector(p.Name(), vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// resolve picks the provider for a call. Resolution order: budget override,
// explicit provider, content-derived profile, configured default.
func (r *Router) resolve(text string, opts Options) (Provider, error) {
	if r.flags != nil && r.flags.ForceLocalEmbeddings() {
		return r.local, nil
	}

	if opts.Provider != "" {
		p, ok := r.providers[opts.Provider]
		if !ok {
			return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, opts.Provider)
		}
		return p, nil
	}

	ct := opts.ContentType
	if ct == "" {
		ct = DetectContentType(text, opts.Metadata)
	}
	if name, ok := r.config.Profiles[ct]; ok {
		if p, ok := r.providers[name]; ok {
			return p, nil
		}
		r.logger.Warn("profile provider not registered, using default",
			zap.String("content_type", string(ct)),
			zap.String("provider", name))
	}

	return r.providers[r.config.DefaultProvider], nil
}

// DetectContentType infers a content type from document metadata and text
// heuristics: an explicit metadata hint wins, then code-fence density and
// import-statement patterns mark the text as code.
func DetectContentType(text string, metadata map[string]any) ContentType {
	if metadata != nil {
		if hint, ok := metadata["content_type"].(string); ok {
			switch ContentType(hint) {
			case ContentCode, ContentDocs:
				return ContentType(hint)
			}
		}
	}

	if looksLikeCode(text) {
		return ContentCode
	}
	return ContentDocs
}

// looksLikeCode reports whether text reads as source code rather than prose.
func looksLikeCode(text string) bool {
	if text == "" {
		return false
	}

	fences := strings.Count(text, "```")
	lines := strings.Count(text, "\n") + 1
	// A fenced block every ~20 lines is a code-heavy document.
	if fences >= 2 && fences*20 >= lines {
		return true
	}

	return importStmtRe.MatchString(text)
}
