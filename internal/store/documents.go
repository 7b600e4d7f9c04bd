package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateCollection inserts a collection. An existing collection with the
// same name is returned unchanged.
func (s *Store) CreateCollection(ctx context.Context, name string) (*Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: collection name is required", ErrInvalidConfig)
	}

	c := Collection{ID: uuid.New(), Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO collections (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, created_at`,
		c.ID, c.Name).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	return &c, nil
}

// GetCollection looks a collection up by name.
func (s *Store) GetCollection(ctx context.Context, name string) (*Collection, error) {
	var c Collection
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM collections WHERE name = $1`,
		name).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("getting collection: %w", err)
	}
	return &c, nil
}

// DeleteCollection removes a collection and, via cascade, its documents
// and chunks.
func (s *Store) DeleteCollection(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, id)
	}
	return nil
}

// CreateDocument inserts a new document in status pending.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}

	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO documents (id, collection_id, title, file_path, content_type,
			file_size, source_url, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		doc.ID, doc.CollectionID, doc.Title, doc.FilePath, doc.ContentType,
		doc.FileSize, doc.SourceURL, doc.Status, meta).
		Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating document: %w", err)
	}
	return nil
}

// GetDocument fetches one document by ID.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	var (
		doc  Document
		meta []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, collection_id, title, file_path, content_type, file_size,
			source_url, status, error_message, metadata, created_at,
			processed_at, updated_at
		FROM documents WHERE id = $1`, id).
		Scan(&doc.ID, &doc.CollectionID, &doc.Title, &doc.FilePath,
			&doc.ContentType, &doc.FileSize, &doc.SourceURL, &doc.Status,
			&doc.ErrorMessage, &meta, &doc.CreatedAt, &doc.ProcessedAt,
			&doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &doc, nil
}

// ListDocuments returns a collection's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, collectionID uuid.UUID) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, collection_id, title, file_path, content_type, file_size,
			source_url, status, error_message, metadata, created_at,
			processed_at, updated_at
		FROM documents
		WHERE collection_id = $1
		ORDER BY created_at DESC`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc  Document
			meta []byte
		)
		if err := rows.Scan(&doc.ID, &doc.CollectionID, &doc.Title,
			&doc.FilePath, &doc.ContentType, &doc.FileSize, &doc.SourceURL,
			&doc.Status, &doc.ErrorMessage, &meta, &doc.CreatedAt,
			&doc.ProcessedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateStatus records a lifecycle transition. A transition to complete
// also stamps processed_at.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	var processedAt *time.Time
	if status == StatusComplete {
		now := time.Now().UTC()
		processedAt = &now
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET status = $2,
			processed_at = COALESCE($3, processed_at),
			updated_at = now()
		WHERE id = $1`, id, status, processedAt)
	if err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return nil
}

// SetError marks a document failed and records the message. Error is a
// terminal status.
func (s *Store) SetError(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1`, id, StatusError, message)
	if err != nil {
		return fmt.Errorf("recording document error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return nil
}

// UpdateMetadata replaces a document's metadata object.
func (s *Store) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET metadata = $2, updated_at = now() WHERE id = $1`,
		id, meta)
	if err != nil {
		return fmt.Errorf("updating document metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return nil
}

// DeleteDocument removes a document and, via cascade, its chunks.
func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return nil
}
