package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// BuildPrefixQuery converts free text into a tsquery string that ANDs the
// terms, each with prefix matching. "vector data" becomes
// "vector:* & data:*". An empty result means the text had no usable terms.
func BuildPrefixQuery(text string) string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		var b strings.Builder
		for _, r := range f {
			// tsquery syntax characters would change the query shape.
			switch r {
			case '&', '|', '!', '(', ')', ':', '*', '\'', '\\', '<', '>':
			default:
				b.WriteRune(r)
			}
		}
		if b.Len() == 0 {
			continue
		}
		terms = append(terms, b.String()+":*")
	}
	return strings.Join(terms, " & ")
}

// SearchLexical ranks chunks by full-text relevance over the generated
// tsvector column. Scores are raw ts_rank values in descending order.
func (s *Store) SearchLexical(ctx context.Context, collectionID uuid.UUID, query string, limit int) ([]ChunkHit, error) {
	tsquery := BuildPrefixQuery(query)
	if tsquery == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.doc_id, c.text, c.metadata,
			d.title, COALESCE(d.source_url, ''),
			ts_rank(c.text_search, to_tsquery('english', $2)) AS rank
		FROM chunks c
		JOIN documents d ON d.id = c.doc_id
		WHERE d.collection_id = $1
			AND c.text_search @@ to_tsquery('english', $2)
		ORDER BY rank DESC
		LIMIT $3`, collectionID, tsquery, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	return scanHits(rows)
}

// SearchVector ranks chunks by cosine similarity to the query vector.
// Rows below minSimilarity are excluded. Scores are similarities in [0, 1],
// descending.
func (s *Store) SearchVector(ctx context.Context, collectionID uuid.UUID, vector []float32, limit int, minSimilarity float64) ([]ChunkHit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.doc_id, c.text, c.metadata,
			d.title, COALESCE(d.source_url, ''),
			1 - (c.embedding <=> $2) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.doc_id
		WHERE d.collection_id = $1
			AND c.embedding IS NOT NULL
			AND 1 - (c.embedding <=> $2) >= $3
		ORDER BY c.embedding <=> $2
		LIMIT $4`, collectionID, pgvector.NewVector(vector), minSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	return scanHits(rows)
}

type hitRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanHits(rows hitRows) ([]ChunkHit, error) {
	var hits []ChunkHit
	for rows.Next() {
		var (
			h    ChunkHit
			meta []byte
		)
		if err := rows.Scan(&h.ChunkID, &h.DocID, &h.Text, &meta,
			&h.DocTitle, &h.SourceURL, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		if err := json.Unmarshal(meta, &h.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
