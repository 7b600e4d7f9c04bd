// Package ingest runs the document ingestion pipeline: extract, chunk,
// embed, persist. Each document moves through a persisted state machine so
// callers can poll progress while the pipeline runs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/store"
)

var (
	// ErrDocumentNotReady indicates a document missing the storage path or
	// content type required to ingest it.
	ErrDocumentNotReady = errors.New("document not ready for ingestion")

	// ErrUnsupportedContentType indicates content no extractor handles.
	ErrUnsupportedContentType = errors.New("unsupported content type")
)

// DocumentStore is the document persistence surface the pipeline needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*store.Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	SetError(ctx context.Context, id uuid.UUID, message string) error
	UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error
}

// ChunkWriter persists a document's replacement chunk set.
type ChunkWriter interface {
	Replace(ctx context.Context, docID uuid.UUID, chunks []store.ChunkInput, vectors [][]float32, opts store.ReplaceOptions) error
}

// BatchEmbedder embeds a batch of texts, preserving input order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string, opts embeddings.Options) ([]embeddings.Result, error)
}

// Source reads a document's raw bytes.
type Source interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// FileSource reads documents from the local filesystem.
type FileSource struct{}

// Read implements Source.
func (FileSource) Read(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Orchestrator drives documents through the ingestion pipeline.
type Orchestrator struct {
	docs      DocumentStore
	chunks    ChunkWriter
	embedder  BatchEmbedder
	extractor Extractor
	splitter  *chunker.Chunker
	source    Source
	logger    *zap.Logger

	// inflight collapses concurrent ingest calls for the same document
	// into one pipeline run.
	inflight singleflight.Group
}

// NewOrchestrator creates an ingestion orchestrator. A nil source defaults
// to the local filesystem.
func NewOrchestrator(docs DocumentStore, chunks ChunkWriter, embedder BatchEmbedder, extractor Extractor, splitter *chunker.Chunker, source Source, logger *zap.Logger) *Orchestrator {
	if source == nil {
		source = FileSource{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		docs:      docs,
		chunks:    chunks,
		embedder:  embedder,
		extractor: extractor,
		splitter:  splitter,
		source:    source,
		logger:    logger,
	}
}

// Ingest runs the pipeline for one document. Concurrent calls for the same
// document id share a single run. Any stage failure is recorded on the
// document as status error with the message, then returned to the caller.
func (o *Orchestrator) Ingest(ctx context.Context, docID uuid.UUID) error {
	_, err, _ := o.inflight.Do(docID.String(), func() (any, error) {
		if err := o.run(ctx, docID); err != nil {
			if setErr := o.docs.SetError(ctx, docID, err.Error()); setErr != nil {
				o.logger.Error("failed to record ingestion error",
					zap.String("doc_id", docID.String()),
					zap.Error(setErr))
			}
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (o *Orchestrator) run(ctx context.Context, docID uuid.UUID) error {
	doc, err := o.docs.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if doc.FilePath == "" || doc.ContentType == "" {
		return fmt.Errorf("%w: missing file path or content type", ErrDocumentNotReady)
	}

	raw, err := o.source.Read(ctx, doc.FilePath)
	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}

	if err := o.docs.UpdateStatus(ctx, docID, store.StatusExtracting); err != nil {
		return err
	}
	text, err := o.extractor.Extract(ctx, raw, doc.ContentType)
	if err != nil {
		return fmt.Errorf("extracting text: %w", err)
	}

	if err := o.docs.UpdateStatus(ctx, docID, store.StatusChunking); err != nil {
		return err
	}
	pieces, err := o.splitter.Split(text, map[string]any{
		"doc_id":       docID.String(),
		"content_type": doc.ContentType,
	})
	if err != nil {
		return fmt.Errorf("chunking document: %w", err)
	}

	// Documents with no extractable text complete with zero chunks.
	if len(pieces) == 0 {
		if err := o.chunks.Replace(ctx, docID, nil, nil, store.ReplaceOptions{}); err != nil {
			return err
		}
		o.logger.Info("document ingested with no chunks",
			zap.String("doc_id", docID.String()))
		return o.docs.UpdateStatus(ctx, docID, store.StatusComplete)
	}

	if err := o.docs.UpdateStatus(ctx, docID, store.StatusEmbedding); err != nil {
		return err
	}
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	embedded, err := o.embedder.EmbedBatch(ctx, texts, embeddings.Options{
		Metadata: doc.Metadata,
	})
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}
	if len(embedded) != len(pieces) {
		return fmt.Errorf("%w: %d chunks, %d embeddings", store.ErrLengthMismatch, len(pieces), len(embedded))
	}

	inputs := make([]store.ChunkInput, len(pieces))
	vectors := make([][]float32, len(pieces))
	for i, p := range pieces {
		meta := make(map[string]any, len(p.Metadata)+5)
		for k, v := range p.Metadata {
			meta[k] = v
		}
		if p.Heading != "" {
			meta["heading"] = p.Heading
		}
		meta["start_offset"] = p.StartOffset
		meta["end_offset"] = p.EndOffset
		meta["embedding_provider"] = embedded[i].Provider
		meta["embedding_model"] = embedded[i].Model
		meta["embedding_dimensions"] = embedded[i].Dimensions

		inputs[i] = store.ChunkInput{Index: p.Index, Text: p.Text, Metadata: meta}
		vectors[i] = embedded[i].Vector
	}

	if err := o.chunks.Replace(ctx, docID, inputs, vectors, store.ReplaceOptions{
		Model: embedded[0].Model,
	}); err != nil {
		return err
	}

	// Record the embedding identity on the document so searches can filter
	// by model compatibility.
	docMeta := make(map[string]any, len(doc.Metadata)+3)
	for k, v := range doc.Metadata {
		docMeta[k] = v
	}
	docMeta["embedding_provider"] = embedded[0].Provider
	docMeta["embedding_model"] = embedded[0].Model
	docMeta["embedding_dimensions"] = embedded[0].Dimensions
	if err := o.docs.UpdateMetadata(ctx, docID, docMeta); err != nil {
		return err
	}

	if err := o.docs.UpdateStatus(ctx, docID, store.StatusComplete); err != nil {
		return err
	}

	o.logger.Info("document ingested",
		zap.String("doc_id", docID.String()),
		zap.Int("chunks", len(pieces)),
		zap.String("model", embedded[0].Model))
	return nil
}
