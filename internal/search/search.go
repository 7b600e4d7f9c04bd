// Package search provides lexical and vector retrieval over stored chunks
// and fuses the two rankings with Reciprocal Rank Fusion.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/store"
)

var (
	// ErrInvalidQuery indicates an empty query or one that sanitizes to
	// zero searchable terms.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidTopK indicates a non-positive result limit.
	ErrInvalidTopK = errors.New("topK must be positive")
)

// Result sources.
const (
	SourceLexical = "lexical"
	SourceVector  = "vector"
	SourceBoth    = "both"
)

// DefaultMinSimilarity is the vector search similarity floor.
const DefaultMinSimilarity = 0.3

// Result is one retrieved chunk with whichever scores the pipeline stages
// that produced it computed.
type Result struct {
	ChunkID   uuid.UUID      `json:"chunk_id"`
	DocID     uuid.UUID      `json:"doc_id"`
	Text      string         `json:"text"`
	DocTitle  string         `json:"doc_title"`
	SourceURL string         `json:"source_url,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Rank is 1-based within the list that produced this result.
	Rank int `json:"rank"`

	// Source identifies which searcher(s) found the chunk.
	Source string `json:"source,omitempty"`

	Similarity   float64 `json:"similarity,omitempty"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
	FusedScore   float64 `json:"fused_score,omitempty"`
	RerankScore  float64 `json:"rerank_score,omitempty"`
}

// BestScore returns the most refined score the pipeline has computed for
// the result.
func (r Result) BestScore() float64 {
	switch {
	case r.RerankScore != 0:
		return r.RerankScore
	case r.FusedScore != 0:
		return r.FusedScore
	case r.Similarity != 0:
		return r.Similarity
	default:
		return r.LexicalScore
	}
}

// Citation renders a human-readable source reference for the result.
func (r Result) Citation() string {
	title := r.DocTitle
	if title == "" {
		title = "untitled"
	}
	if section, ok := r.Metadata["heading"].(string); ok && section != "" {
		return fmt.Sprintf("%s, %s", title, section)
	}
	if page, ok := r.Metadata["page"].(float64); ok && page > 0 {
		return fmt.Sprintf("%s, p. %d", title, int(page))
	}
	return title
}

func validateQuery(query string, topK int) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: query is empty", ErrInvalidQuery)
	}
	if topK <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}
	return nil
}

// LexicalIndex is the full-text query surface the searcher needs.
type LexicalIndex interface {
	SearchLexical(ctx context.Context, collectionID uuid.UUID, query string, limit int) ([]store.ChunkHit, error)
}

// VectorIndex is the nearest-neighbor query surface the searcher needs.
type VectorIndex interface {
	SearchVector(ctx context.Context, collectionID uuid.UUID, vector []float32, limit int, minSimilarity float64) ([]store.ChunkHit, error)
}

// QueryEmbedder turns query text into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string, opts embeddings.Options) (embeddings.Result, error)
}

// LexicalSearcher ranks chunks by full-text relevance.
type LexicalSearcher struct {
	index LexicalIndex
}

// NewLexicalSearcher creates a lexical searcher.
func NewLexicalSearcher(index LexicalIndex) *LexicalSearcher {
	return &LexicalSearcher{index: index}
}

// Search returns up to topK lexically ranked results. Raw text-search rank
// values are re-based so the top result scores 1.0 and the rest scale
// proportionally.
func (s *LexicalSearcher) Search(ctx context.Context, collectionID uuid.UUID, query string, topK int) ([]Result, error) {
	if err := validateQuery(query, topK); err != nil {
		return nil, err
	}
	if store.BuildPrefixQuery(query) == "" {
		return nil, fmt.Errorf("%w: no searchable terms in %q", ErrInvalidQuery, query)
	}

	hits, err := s.index.SearchLexical(ctx, collectionID, query, topK)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return lexicalResults(hits), nil
}

func lexicalResults(hits []store.ChunkHit) []Result {
	results := make([]Result, 0, len(hits))
	var top float64
	if len(hits) > 0 {
		top = hits[0].Score
	}
	for i, h := range hits {
		score := h.Score
		if top > 0 {
			score = h.Score / top
		}
		results = append(results, Result{
			ChunkID:      h.ChunkID,
			DocID:        h.DocID,
			Text:         h.Text,
			DocTitle:     h.DocTitle,
			SourceURL:    h.SourceURL,
			Metadata:     h.Metadata,
			Rank:         i + 1,
			Source:       SourceLexical,
			LexicalScore: score,
		})
	}
	return results
}

// VectorSearcher ranks chunks by embedding similarity to the query.
type VectorSearcher struct {
	index         VectorIndex
	embedder      QueryEmbedder
	minSimilarity float64
}

// NewVectorSearcher creates a vector searcher. A non-positive minSimilarity
// selects DefaultMinSimilarity.
func NewVectorSearcher(index VectorIndex, embedder QueryEmbedder, minSimilarity float64) *VectorSearcher {
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	return &VectorSearcher{index: index, embedder: embedder, minSimilarity: minSimilarity}
}

// Search embeds the query and returns up to topK nearest chunks above the
// similarity floor.
func (s *VectorSearcher) Search(ctx context.Context, collectionID uuid.UUID, query string, topK int) ([]Result, error) {
	if err := validateQuery(query, topK); err != nil {
		return nil, err
	}

	emb, err := s.embedder.Embed(ctx, query, embeddings.Options{})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := s.index.SearchVector(ctx, collectionID, emb.Vector, topK, s.minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for i, h := range hits {
		results = append(results, Result{
			ChunkID:    h.ChunkID,
			DocID:      h.DocID,
			Text:       h.Text,
			DocTitle:   h.DocTitle,
			SourceURL:  h.SourceURL,
			Metadata:   h.Metadata,
			Rank:       i + 1,
			Source:     SourceVector,
			Similarity: h.Score,
		})
	}
	return results, nil
}
