package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/search"
)

// Remote provider defaults.
const (
	DefaultCohereBaseURL = "https://api.cohere.com/v2"
	DefaultCohereModel   = "rerank-v3.5"
	DefaultRemoteTimeout = 30 * time.Second
)

// RemoteConfig holds settings for a hosted rerank API.
type RemoteConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *RemoteConfig) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultCohereBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultCohereModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultRemoteTimeout
	}
}

// RemoteReranker calls a Cohere-compatible rerank endpoint.
type RemoteReranker struct {
	config RemoteConfig
	client *http.Client
}

// NewRemoteReranker creates a remote reranker. An API key is required.
func NewRemoteReranker(cfg RemoteConfig) (*RemoteReranker, error) {
	cfg.ApplyDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	return &RemoteReranker{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements Provider.
func (r *RemoteReranker) Name() string { return ProviderCohere }

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank sends the query and candidate texts to the hosted API and maps the
// returned indices back onto the candidates.
func (r *RemoteReranker) Rerank(ctx context.Context, query string, candidates []search.Result, topK int) ([]search.Result, error) {
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Text
	}

	body, err := json.Marshal(rerankRequest{
		Model:     r.config.Model,
		Query:     query,
		Documents: docs,
		TopN:      topK,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.config.BaseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.config.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRerankFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRerankFailed, resp.StatusCode, msg)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrRerankFailed, err)
	}

	out := make([]search.Result, 0, len(parsed.Results))
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			return nil, fmt.Errorf("%w: index %d out of range", ErrRerankFailed, res.Index)
		}
		c := candidates[res.Index]
		c.RerankScore = res.RelevanceScore
		c.Rank = len(out) + 1
		out = append(out, c)
	}
	return out, nil
}

// Close implements Provider.
func (r *RemoteReranker) Close() error { return nil }

// Config holds service-level reranker settings.
type Config struct {
	// Provider is the default provider name.
	Provider string `koanf:"provider"`

	APIKey  string        `koanf:"api_key"`
	BaseURL string        `koanf:"base_url"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`
}

// NewFromConfig builds a Service from configuration. A paid default
// provider configured without credentials silently degrades to local.
func NewFromConfig(cfg Config, flags BudgetFlags, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	providers := map[string]Provider{
		ProviderLocal: NewLocalReranker(),
	}

	defaultProvider := cfg.Provider
	if defaultProvider == "" {
		defaultProvider = ProviderLocal
	}

	if cfg.APIKey != "" {
		remote, err := NewRemoteReranker(RemoteConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		providers[ProviderCohere] = remote
	} else if defaultProvider == ProviderCohere {
		logger.Info("rerank provider has no credentials, using local",
			zap.String("provider", defaultProvider))
		defaultProvider = ProviderLocal
	}

	return NewService(providers, defaultProvider, flags, logger)
}
