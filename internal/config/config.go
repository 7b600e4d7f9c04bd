// Package config provides configuration loading for corpusd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/logging"
)

// Config is the root configuration for corpusd.
type Config struct {
	Store      StoreConfig      `koanf:"store"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Reranker   RerankerConfig   `koanf:"reranker"`
	Chunker    ChunkerConfig    `koanf:"chunker"`
	Budget     BudgetConfig     `koanf:"budget"`
	Synthesis  SynthesisConfig  `koanf:"synthesis"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Logging    logging.Config   `koanf:"logging"`
}

// TelemetryConfig holds OTLP metrics export settings.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	ServiceVersion string   `koanf:"service_version"`
	Insecure       bool     `koanf:"insecure"`
	ExportInterval Duration `koanf:"export_interval"`
}

// StoreConfig holds Postgres connection settings.
type StoreConfig struct {
	// DSN is the Postgres connection string.
	DSN Secret `koanf:"dsn"`

	// MaxConns caps the connection pool size.
	MaxConns int `koanf:"max_conns"`
}

// ProfileConfig selects a provider/model pair for one content type.
type ProfileConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
}

// EmbeddingsConfig holds embedding provider settings.
type EmbeddingsConfig struct {
	// DefaultProvider is used when no profile matches ("local" or "openai").
	DefaultProvider string `koanf:"default_provider"`

	// Profiles maps a content type ("code", "docs") to a provider profile.
	Profiles map[string]ProfileConfig `koanf:"profiles"`

	// Local configures the free/local TEI-compatible endpoint.
	Local LocalEmbeddingConfig `koanf:"local"`

	// OpenAI configures the paid embedding API.
	OpenAI OpenAIConfig `koanf:"openai"`

	// BatchSize is the number of texts embedded per batch.
	BatchSize int `koanf:"batch_size"`
}

// LocalEmbeddingConfig configures the local embedding endpoint.
type LocalEmbeddingConfig struct {
	BaseURL        string   `koanf:"base_url"`
	Model          string   `koanf:"model"`
	Retries        int      `koanf:"retries"`
	RetryBaseDelay Duration `koanf:"retry_base_delay"`
}

// OpenAIConfig configures the OpenAI-compatible paid API.
type OpenAIConfig struct {
	APIKey  Secret `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// RerankerConfig holds reranker provider settings.
type RerankerConfig struct {
	// Provider is the default rerank provider ("local", "cohere", "none").
	Provider string `koanf:"provider"`

	APIKey  Secret   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Model   string   `koanf:"model"`
	Timeout Duration `koanf:"timeout"`
}

// ChunkerConfig holds text segmentation settings.
type ChunkerConfig struct {
	MaxSize int `koanf:"max_size"`
	Overlap int `koanf:"overlap"`
}

// BudgetConfig holds spend tracking settings.
type BudgetConfig struct {
	// Monthly is the monthly budget. Malformed or non-positive values fall
	// back to the built-in default rather than erroring.
	Monthly string `koanf:"monthly"`
}

// SynthesisConfig holds synthesis engine settings.
type SynthesisConfig struct {
	SimilarityThreshold  float64 `koanf:"similarity_threshold"`
	DetectContradictions bool    `koanf:"detect_contradictions"`

	// LLMProvider selects the contradiction judge backend ("openai", "ollama").
	LLMProvider string `koanf:"llm_provider"`
	LLMModel    string `koanf:"llm_model"`
	OllamaURL   string `koanf:"ollama_url"`
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DSN:      "postgres://localhost:5432/corpusd?sslmode=disable",
			MaxConns: 10,
		},
		Embeddings: EmbeddingsConfig{
			DefaultProvider: "local",
			Profiles: map[string]ProfileConfig{
				"code": {Provider: "local", Model: "jinaai/jina-embeddings-v2-base-code"},
				"docs": {Provider: "local", Model: "BAAI/bge-small-en-v1.5"},
			},
			Local: LocalEmbeddingConfig{
				BaseURL:        "http://localhost:8080/v1",
				Model:          "BAAI/bge-small-en-v1.5",
				Retries:        2,
				RetryBaseDelay: Duration(200 * time.Millisecond),
			},
			OpenAI: OpenAIConfig{
				Model: "text-embedding-3-small",
			},
			BatchSize: 10,
		},
		Reranker: RerankerConfig{
			Provider: "local",
			BaseURL:  "https://api.cohere.com/v2",
			Model:    "rerank-v3.5",
			Timeout:  Duration(15 * time.Second),
		},
		Chunker: ChunkerConfig{
			MaxSize: 800,
			Overlap: 150,
		},
		Budget: BudgetConfig{
			Monthly: "10",
		},
		Synthesis: SynthesisConfig{
			SimilarityThreshold:  0.75,
			DetectContradictions: true,
			LLMProvider:          "ollama",
			LLMModel:             "llama3.1",
			OllamaURL:            "http://localhost:11434",
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			ServiceVersion: "0.1.0",
			Insecure:       true,
			ExportInterval: Duration(15 * time.Second),
		},
		Logging: logging.NewDefaultConfig(),
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store: dsn is required")
	}
	if c.Store.MaxConns <= 0 {
		return fmt.Errorf("store: max_conns must be positive")
	}
	if c.Chunker.MaxSize <= 0 {
		return fmt.Errorf("chunker: max_size must be positive")
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.MaxSize {
		return fmt.Errorf("chunker: overlap must be in [0, max_size)")
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings: batch_size must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
