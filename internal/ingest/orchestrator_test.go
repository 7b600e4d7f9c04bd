package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/store"
)

type fakeDocs struct {
	doc      *store.Document
	getErr   error
	statuses []string
	errorMsg string
	metadata map[string]any
}

func (f *fakeDocs) GetDocument(_ context.Context, _ uuid.UUID) (*store.Document, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.doc, nil
}

func (f *fakeDocs) UpdateStatus(_ context.Context, _ uuid.UUID, status string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeDocs) SetError(_ context.Context, _ uuid.UUID, message string) error {
	f.statuses = append(f.statuses, store.StatusError)
	f.errorMsg = message
	return nil
}

func (f *fakeDocs) UpdateMetadata(_ context.Context, _ uuid.UUID, metadata map[string]any) error {
	f.metadata = metadata
	return nil
}

type fakeChunks struct {
	inputs  []store.ChunkInput
	vectors [][]float32
	opts    store.ReplaceOptions
	calls   int
	err     error
}

func (f *fakeChunks) Replace(_ context.Context, _ uuid.UUID, chunks []store.ChunkInput, vectors [][]float32, opts store.ReplaceOptions) error {
	f.calls++
	f.inputs = chunks
	f.vectors = vectors
	f.opts = opts
	return f.err
}

type fakeBatchEmbedder struct {
	err error
}

func (f *fakeBatchEmbedder) EmbedBatch(_ context.Context, texts []string, _ embeddings.Options) ([]embeddings.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]embeddings.Result, len(texts))
	for i := range texts {
		out[i] = embeddings.Result{
			Vector:     []float32{float32(i), 1},
			Provider:   "local",
			Model:      "bge-small-en-v1.5",
			Dimensions: 2,
		}
	}
	return out, nil
}

type fakeSource struct {
	data []byte
	err  error
}

func (f *fakeSource) Read(context.Context, string) ([]byte, error) {
	return f.data, f.err
}

func testDoc() *store.Document {
	return &store.Document{
		ID:          uuid.New(),
		FilePath:    "/data/notes.txt",
		ContentType: "text/plain",
		Metadata:    map[string]any{"origin": "upload"},
	}
}

func newTestOrchestrator(t *testing.T, docs *fakeDocs, chunks *fakeChunks, embedder *fakeBatchEmbedder, src *fakeSource) *Orchestrator {
	t.Helper()
	splitter, err := chunker.New(chunker.NewDefaultConfig())
	require.NoError(t, err)
	return NewOrchestrator(docs, chunks, embedder, NewTextExtractor(), splitter, src, nil)
}

func TestIngestHappyPath(t *testing.T) {
	docs := &fakeDocs{doc: testDoc()}
	chunks := &fakeChunks{}
	src := &fakeSource{data: []byte("A short document about connection pooling.")}
	o := newTestOrchestrator(t, docs, chunks, &fakeBatchEmbedder{}, src)

	require.NoError(t, o.Ingest(context.Background(), docs.doc.ID))

	assert.Equal(t, []string{
		store.StatusExtracting,
		store.StatusChunking,
		store.StatusEmbedding,
		store.StatusComplete,
	}, docs.statuses)

	require.Equal(t, 1, chunks.calls)
	require.Len(t, chunks.inputs, 1)
	require.Len(t, chunks.vectors, 1)
	assert.Equal(t, "bge-small-en-v1.5", chunks.opts.Model)

	meta := chunks.inputs[0].Metadata
	assert.Equal(t, docs.doc.ID.String(), meta["doc_id"])
	assert.Equal(t, "local", meta["embedding_provider"])
	assert.Equal(t, "bge-small-en-v1.5", meta["embedding_model"])
	assert.Equal(t, 2, meta["embedding_dimensions"])

	require.NotNil(t, docs.metadata)
	assert.Equal(t, "upload", docs.metadata["origin"])
	assert.Equal(t, "bge-small-en-v1.5", docs.metadata["embedding_model"])
}

func TestIngestNotReady(t *testing.T) {
	doc := testDoc()
	doc.FilePath = ""
	docs := &fakeDocs{doc: doc}
	o := newTestOrchestrator(t, docs, &fakeChunks{}, &fakeBatchEmbedder{}, &fakeSource{})

	err := o.Ingest(context.Background(), doc.ID)
	assert.ErrorIs(t, err, ErrDocumentNotReady)
	assert.Equal(t, []string{store.StatusError}, docs.statuses)
	assert.Contains(t, docs.errorMsg, "missing file path")
}

func TestIngestDocumentNotFound(t *testing.T) {
	docs := &fakeDocs{getErr: store.ErrDocumentNotFound}
	o := newTestOrchestrator(t, docs, &fakeChunks{}, &fakeBatchEmbedder{}, &fakeSource{})

	err := o.Ingest(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrDocumentNotFound)
}

func TestIngestEmptyDocumentCompletes(t *testing.T) {
	docs := &fakeDocs{doc: testDoc()}
	chunks := &fakeChunks{}
	o := newTestOrchestrator(t, docs, chunks, &fakeBatchEmbedder{}, &fakeSource{data: []byte("   \n\n  ")})

	require.NoError(t, o.Ingest(context.Background(), docs.doc.ID))

	// No embedding stage for empty documents, but the chunk set is still
	// replaced so re-ingesting a truncated document clears stale chunks.
	assert.Equal(t, []string{
		store.StatusExtracting,
		store.StatusChunking,
		store.StatusComplete,
	}, docs.statuses)
	assert.Equal(t, 1, chunks.calls)
	assert.Empty(t, chunks.inputs)
}

func TestIngestEmbeddingFailureRecorded(t *testing.T) {
	docs := &fakeDocs{doc: testDoc()}
	embedder := &fakeBatchEmbedder{err: errors.New("provider unavailable")}
	o := newTestOrchestrator(t, docs, &fakeChunks{}, embedder, &fakeSource{data: []byte("some text")})

	err := o.Ingest(context.Background(), docs.doc.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider unavailable")
	assert.Equal(t, store.StatusError, docs.statuses[len(docs.statuses)-1])
	assert.Contains(t, docs.errorMsg, "provider unavailable")
}

func TestIngestUnsupportedContentType(t *testing.T) {
	doc := testDoc()
	doc.ContentType = "application/pdf"
	docs := &fakeDocs{doc: doc}
	o := newTestOrchestrator(t, docs, &fakeChunks{}, &fakeBatchEmbedder{}, &fakeSource{data: []byte("%PDF")})

	err := o.Ingest(context.Background(), doc.ID)
	assert.ErrorIs(t, err, ErrUnsupportedContentType)
	assert.Contains(t, docs.errorMsg, "application/pdf")
}

func TestIngestStoreFailure(t *testing.T) {
	docs := &fakeDocs{doc: testDoc()}
	chunks := &fakeChunks{err: fmt.Errorf("upserting chunk 0: %w", errors.New("connection reset"))}
	o := newTestOrchestrator(t, docs, chunks, &fakeBatchEmbedder{}, &fakeSource{data: []byte("some text")})

	err := o.Ingest(context.Background(), docs.doc.ID)
	require.Error(t, err)
	assert.Contains(t, docs.errorMsg, "connection reset")
}

func TestIngestLongDocumentChunks(t *testing.T) {
	docs := &fakeDocs{doc: testDoc()}
	chunks := &fakeChunks{}
	text := strings.Repeat("Connection pools bound resource usage. ", 60)
	o := newTestOrchestrator(t, docs, chunks, &fakeBatchEmbedder{}, &fakeSource{data: []byte(text)})

	require.NoError(t, o.Ingest(context.Background(), docs.doc.ID))

	require.Greater(t, len(chunks.inputs), 1)
	require.Equal(t, len(chunks.inputs), len(chunks.vectors))
	for i, in := range chunks.inputs {
		assert.Equal(t, i, in.Index)
		assert.NotEmpty(t, chunks.vectors[i])
	}
}

func TestExtractorContentTypes(t *testing.T) {
	tests := []struct {
		contentType string
		supported   bool
	}{
		{"text/plain", true},
		{"text/markdown", true},
		{"text/plain; charset=utf-8", true},
		{"application/json", true},
		{"application/yaml", true},
		{"application/pdf", false},
		{"image/png", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.supported, supportsContentType(tt.contentType))
		})
	}
}

func TestExtractorSanitizes(t *testing.T) {
	e := NewTextExtractor()

	out, err := e.Extract(context.Background(), []byte("hello\x00world"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "helloworld", out)

	out, err = e.Extract(context.Background(), []byte{'o', 'k', 0xff, 0xfe}, "text/plain")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ok"))
	assert.True(t, strings.ContainsRune(out, '�'))
}
