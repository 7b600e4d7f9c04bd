package store

import (
	"time"

	"github.com/google/uuid"
)

// Document lifecycle statuses. Transitions are persisted before the
// corresponding pipeline stage begins so observers can poll mid-pipeline.
const (
	StatusPending    = "pending"
	StatusExtracting = "extracting"
	StatusChunking   = "chunking"
	StatusEmbedding  = "embedding"
	StatusComplete   = "complete"
	StatusError      = "error"
)

// Collection is a named, isolated namespace of documents.
type Collection struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is a unit of ingested content. This shape is a stable contract
// consumed by routing/UI layers outside the engine.
type Document struct {
	ID           uuid.UUID      `json:"id"`
	CollectionID uuid.UUID      `json:"collection_id"`
	Title        string         `json:"title"`
	FilePath     string         `json:"file_path"`
	ContentType  string         `json:"content_type"`
	FileSize     int64          `json:"file_size"`
	SourceURL    *string        `json:"source_url,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	ProcessedAt  *time.Time     `json:"processed_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ChunkRow is a persisted chunk. `(doc_id, chunk_index)` is unique.
type ChunkRow struct {
	ID             uuid.UUID      `json:"id"`
	DocID          uuid.UUID      `json:"doc_id"`
	ChunkIndex     int            `json:"chunk_index"`
	Text           string         `json:"text"`
	TokenCount     int            `json:"token_count"`
	Embedding      []float32      `json:"embedding,omitempty"`
	EmbeddingModel string         `json:"embedding_model"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ChunkHit is one row returned by a lexical or vector chunk query, joined
// with its document for citation fields.
type ChunkHit struct {
	ChunkID   uuid.UUID
	DocID     uuid.UUID
	Text      string
	Metadata  map[string]any
	DocTitle  string
	SourceURL string
	// Score is ts_rank for lexical hits and cosine similarity for vector
	// hits, in query result order.
	Score float64
}
