// Package store persists documents, chunks, and usage records in Postgres.
// One database provides all retrieval primitives the engine needs: ACID
// transactions, upsert-on-conflict keyed by (doc_id, chunk_index), tsvector
// full-text ranking, and pgvector nearest-neighbor search.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid store configuration")

	// ErrDocumentNotFound is returned when a document does not exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrLengthMismatch indicates chunks and embeddings disagree in length.
	ErrLengthMismatch = errors.New("chunk and embedding counts differ")
)

// Config holds Postgres connection settings.
type Config struct {
	// DSN is the Postgres connection string.
	DSN string

	// MaxConns caps the connection pool size.
	MaxConns int32

	// EmbeddingDim is the dimensionality of the chunks.embedding column.
	EmbeddingDim int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.EmbeddingDim <= 0 {
		c.EmbeddingDim = 384
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("%w: dsn is required", ErrInvalidConfig)
	}
	return nil
}

// Store wraps a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
}

// New connects to Postgres and registers the pgvector codec on every
// connection.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("store connected",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int("embedding_dim", cfg.EmbeddingDim))

	return &Store{pool: pool, config: cfg, logger: logger}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS collections (
			id         uuid PRIMARY KEY,
			name       text NOT NULL UNIQUE,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS documents (
			id            uuid PRIMARY KEY,
			collection_id uuid NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
			title         text NOT NULL DEFAULT '',
			file_path     text NOT NULL DEFAULT '',
			content_type  text NOT NULL DEFAULT '',
			file_size     bigint NOT NULL DEFAULT 0,
			source_url    text,
			status        text NOT NULL DEFAULT 'pending',
			error_message text,
			metadata      jsonb NOT NULL DEFAULT '{}',
			created_at    timestamptz NOT NULL DEFAULT now(),
			processed_at  timestamptz,
			updated_at    timestamptz NOT NULL DEFAULT now()
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id              uuid PRIMARY KEY,
			doc_id          uuid NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index     int NOT NULL,
			text            text NOT NULL,
			token_count     int NOT NULL DEFAULT 0,
			embedding       vector(%d),
			embedding_model text NOT NULL DEFAULT '',
			metadata        jsonb NOT NULL DEFAULT '{}',
			text_search     tsvector GENERATED ALWAYS AS (to_tsvector('english', text)) STORED,
			created_at      timestamptz NOT NULL DEFAULT now(),
			UNIQUE (doc_id, chunk_index)
		)`, s.config.EmbeddingDim),

		`CREATE INDEX IF NOT EXISTS chunks_doc_id_idx ON chunks (doc_id)`,
		`CREATE INDEX IF NOT EXISTS chunks_text_search_idx ON chunks USING GIN (text_search)`,
		`CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks USING hnsw (embedding vector_cosine_ops)`,

		`CREATE TABLE IF NOT EXISTS usage_records (
			id            uuid PRIMARY KEY,
			provider      text NOT NULL,
			operation     text NOT NULL,
			units         int NOT NULL DEFAULT 0,
			cost          double precision NOT NULL DEFAULT 0,
			collection_id uuid,
			created_at    timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS usage_records_created_at_idx ON usage_records (created_at)`,

		`CREATE TABLE IF NOT EXISTS budget_alerts (
			id         uuid PRIMARY KEY,
			level      text NOT NULL,
			spend      double precision NOT NULL,
			budget     double precision NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}

	s.logger.Info("schema migrated")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
