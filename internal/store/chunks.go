package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultUpsertWorkers is used when ReplaceOptions.Workers is zero.
	DefaultUpsertWorkers = 10

	upsertRetries        = 3
	upsertRetryBaseDelay = 100 * time.Millisecond
)

// ChunkInput is the per-chunk payload for Replace.
type ChunkInput struct {
	Index    int
	Text     string
	Metadata map[string]any
}

// ReplaceOptions controls a Replace call.
type ReplaceOptions struct {
	// Workers is the upsert worker count, clamped to [1, len(chunks)].
	// Zero selects DefaultUpsertWorkers.
	Workers int

	// Model is recorded as the embedding model for every chunk.
	Model string

	// Metadata is merged under each chunk's own metadata. A chunk key
	// wins over an options key, and an options key wins over the store
	// defaults.
	Metadata map[string]any
}

// EstimateTokens approximates the token count of text as ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func clampWorkers(requested, chunks int) int {
	if requested == 0 {
		requested = DefaultUpsertWorkers
	}
	if requested < 1 {
		requested = 1
	}
	if requested > chunks {
		requested = chunks
	}
	return requested
}

func mergeChunkMetadata(defaults, opts, chunk map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(opts)+len(chunk))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range opts {
		merged[k] = v
	}
	for k, v := range chunk {
		merged[k] = v
	}
	return merged
}

// validateReplace checks the chunk/embedding pairing for Replace. An empty
// vectors list means "store without embeddings" and pairs with any chunk
// count; a non-empty list must match the chunks one to one.
func validateReplace(chunks []ChunkInput, vectors [][]float32) error {
	if len(vectors) != 0 && len(vectors) != len(chunks) {
		return fmt.Errorf("%w: %d chunks, %d embeddings", ErrLengthMismatch, len(chunks), len(vectors))
	}
	return nil
}

// vectorAt returns the embedding paired with chunk i, or nil when embeddings
// were omitted.
func vectorAt(vectors [][]float32, i int) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	return vectors[i]
}

// Replace atomically swaps a document's chunks. Inside one transaction it
// deletes the existing rows and upserts the new set with a worker pool, so
// readers never observe a partially replaced document. A non-empty vectors
// list pairs one embedding per chunk; an empty list stores NULL embeddings.
func (s *Store) Replace(ctx context.Context, docID uuid.UUID, chunks []ChunkInput, vectors [][]float32, opts ReplaceOptions) error {
	if err := validateReplace(chunks, vectors); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serializes concurrent Replace calls for the same document without
	// blocking work on other documents.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, docID); err != nil {
		return fmt.Errorf("acquiring document lock: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("deleting existing chunks: %w", err)
	}

	if len(chunks) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	}

	defaults := map[string]any{"doc_id": docID.String()}
	workers := clampWorkers(opts.Workers, len(chunks))

	// A pgx transaction is single-connection, so statement execution is
	// serialized on txMu. Workers still overlap on row preparation and on
	// retry backoff sleeps.
	var (
		txMu sync.Mutex
		next atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= len(chunks) {
					return nil
				}
				if err := s.upsertChunk(gctx, tx, &txMu, docID, chunks[i], vectorAt(vectors, i), opts.Model, defaults, opts.Metadata); err != nil {
					return fmt.Errorf("upserting chunk %d: %w", chunks[i].Index, err)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("chunks replaced",
		zap.String("doc_id", docID.String()),
		zap.Int("count", len(chunks)),
		zap.Int("workers", workers))
	return nil
}

func (s *Store) upsertChunk(ctx context.Context, tx pgx.Tx, txMu *sync.Mutex, docID uuid.UUID, chunk ChunkInput, vector []float32, model string, defaults, optMeta map[string]any) error {
	meta, err := json.Marshal(mergeChunkMetadata(defaults, optMeta, chunk.Metadata))
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	var embedding any
	if vector != nil {
		embedding = pgvector.NewVector(vector)
	}

	var lastErr error
	for attempt := 1; attempt <= upsertRetries; attempt++ {
		txMu.Lock()
		_, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, doc_id, chunk_index, text, token_count,
				embedding, embedding_model, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (doc_id, chunk_index) DO UPDATE SET
				text = EXCLUDED.text,
				token_count = EXCLUDED.token_count,
				embedding = EXCLUDED.embedding,
				embedding_model = EXCLUDED.embedding_model,
				metadata = EXCLUDED.metadata`,
			uuid.New(), docID, chunk.Index, chunk.Text,
			EstimateTokens(chunk.Text), embedding, model, meta)
		txMu.Unlock()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < upsertRetries {
			delay := upsertRetryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}

// GetChunks returns a document's chunks ordered by index.
func (s *Store) GetChunks(ctx context.Context, docID uuid.UUID) ([]ChunkRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, doc_id, chunk_index, text, token_count, embedding,
			embedding_model, metadata, created_at
		FROM chunks
		WHERE doc_id = $1
		ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var chunks []ChunkRow
	for rows.Next() {
		var (
			c         ChunkRow
			embedding *pgvector.Vector
			meta      []byte
		)
		if err := rows.Scan(&c.ID, &c.DocID, &c.ChunkIndex, &c.Text,
			&c.TokenCount, &embedding, &c.EmbeddingModel, &meta, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if embedding != nil {
			c.Embedding = embedding.Slice()
		}
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks counts a document's chunks.
func (s *Store) CountChunks(ctx context.Context, docID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE doc_id = $1`, docID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}
