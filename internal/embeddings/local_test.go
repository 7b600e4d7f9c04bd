package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// teiEmbeddingRequest mirrors the OpenAI-compatible request TEI accepts.
type teiEmbeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

func newTEIServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeEmbeddingList(w http.ResponseWriter, vectors [][]float32) {
	data := make([]map[string]any, len(vectors))
	for i, v := range vectors {
		data[i] = map[string]any{"object": "embedding", "index": i, "embedding": v}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
	})
}

func TestLocalProviderEmbed(t *testing.T) {
	srv := newTEIServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)

		var req teiEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, defaultLocalModel, req.Model)

		out := make([][]float32, len(req.Input))
		for i := range req.Input {
			out[i] = []float32{0.1, 0.2, 0.3}
		}
		writeEmbeddingList(w, out)
	})

	p, err := NewLocalProvider(LocalConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()

	vectors, err := p.EmbedDocuments(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Len(t, vectors[0], 3)

	vec, err := p.EmbedQuery(ctx, "query")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestLocalProviderEmptyInput(t *testing.T) {
	p, err := NewLocalProvider(LocalConfig{})
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = p.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

// Transient server failures are retried internally with backoff; total
// attempts are 1 + configured retries.
func TestLocalProviderRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int64
	srv := newTEIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		writeEmbeddingList(w, [][]float32{{1, 2}})
	})

	p, err := NewLocalProvider(LocalConfig{
		BaseURL:        srv.URL,
		Retries:        2,
		RetryBaseDelay: time.Millisecond,
	})
	require.NoError(t, err)

	vec, err := p.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestLocalProviderExhaustsRetries(t *testing.T) {
	var attempts atomic.Int64
	srv := newTEIServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	})

	p, err := NewLocalProvider(LocalConfig{
		BaseURL:        srv.URL,
		Retries:        1,
		RetryBaseDelay: time.Millisecond,
	})
	require.NoError(t, err)

	_, err = p.EmbedQuery(context.Background(), "q")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Equal(t, int64(2), attempts.Load())
}

func TestLocalProviderCountMismatch(t *testing.T) {
	srv := newTEIServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddingList(w, [][]float32{{1}})
	})

	p, err := NewLocalProvider(LocalConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestLocalConfigDefaults(t *testing.T) {
	var cfg LocalConfig
	cfg.ApplyDefaults()
	assert.Equal(t, defaultLocalBaseURL, cfg.BaseURL)
	assert.Equal(t, defaultLocalModel, cfg.Model)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryBaseDelay)
}

func TestDetectDimensionFromModel(t *testing.T) {
	assert.Equal(t, 1536, DimensionForModel("text-embedding-3-small"))
	assert.Equal(t, 3072, DimensionForModel("text-embedding-3-large"))
	assert.Equal(t, 768, DimensionForModel("BAAI/bge-base-en-v1.5"))
	assert.Equal(t, 1024, DimensionForModel("BAAI/bge-large-en-v1.5"))
	assert.Equal(t, 384, DimensionForModel("BAAI/bge-small-en-v1.5"))
	assert.Equal(t, 384, DimensionForModel("mystery-model"))
}
