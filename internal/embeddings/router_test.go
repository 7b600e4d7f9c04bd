package embeddings

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scriptable in-memory provider.
type fakeProvider struct {
	name   string
	model  string
	vector []float32
	err    error
	calls  atomic.Int64
}

func (f *fakeProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

func (f *fakeProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

func (f *fakeProvider) Name() string   { return f.name }
func (f *fakeProvider) Model() string  { return f.model }
func (f *fakeProvider) Dimension() int { return len(f.vector) }
func (f *fakeProvider) Close() error   { return nil }

type fakeFlags struct{ forceLocal bool }

func (f *fakeFlags) ForceLocalEmbeddings() bool { return f.forceLocal }

func newTestRouter(t *testing.T, providers []Provider, cfg RouterConfig, flags BudgetFlags) *Router {
	t.Helper()
	r, err := NewRouter(providers, cfg, flags, nil)
	require.NoError(t, err)
	return r
}

func TestNewRouterRequiresLocal(t *testing.T) {
	paid := &fakeProvider{name: "openai", model: "m", vector: []float32{1}}
	_, err := NewRouter([]Provider{paid}, RouterConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEmbedUsesDefaultProvider(t *testing.T) {
	local := &fakeProvider{name: "local", model: "bge", vector: []float32{0.1, 0.2}}
	r := newTestRouter(t, []Provider{local}, RouterConfig{}, nil)

	res, err := r.Embed(context.Background(), "hello", Options{})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Provider)
	assert.Equal(t, "bge", res.Model)
	assert.Equal(t, 2, res.Dimensions)
	assert.False(t, res.UsedFallback)
}

// A failing paid primary falls back once to the local provider; when the
// primary already is the local provider, the error propagates.
func TestEmbedFallback(t *testing.T) {
	t.Run("paid primary fails, local succeeds", func(t *testing.T) {
		paid := &fakeProvider{name: "openai", model: "te3", err: errors.New("boom")}
		local := &fakeProvider{name: "local", model: "bge", vector: []float32{1, 2}}
		r := newTestRouter(t, []Provider{local, paid}, RouterConfig{DefaultProvider: "openai"}, nil)

		res, err := r.Embed(context.Background(), "hello", Options{})
		require.NoError(t, err)
		assert.True(t, res.UsedFallback)
		assert.Equal(t, "local", res.Provider)
		assert.Equal(t, []float32{1, 2}, res.Vector)
	})

	t.Run("local primary fails, error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		local := &fakeProvider{name: "local", model: "bge", err: boom}
		r := newTestRouter(t, []Provider{local}, RouterConfig{}, nil)

		_, err := r.Embed(context.Background(), "hello", Options{})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("both fail, local error surfaces", func(t *testing.T) {
		paid := &fakeProvider{name: "openai", model: "te3", err: errors.New("paid down")}
		localErr := errors.New("local down")
		local := &fakeProvider{name: "local", model: "bge", err: localErr}
		r := newTestRouter(t, []Provider{local, paid}, RouterConfig{DefaultProvider: "openai"}, nil)

		_, err := r.Embed(context.Background(), "hello", Options{})
		assert.ErrorIs(t, err, localErr)
	})
}

func TestEmbedValidatesVectors(t *testing.T) {
	tests := []struct {
		name   string
		vector []float32
	}{
		{"empty vector", []float32{}},
		{"NaN value", []float32{0.1, float32(math.NaN())}},
		{"Inf value", []float32{float32(math.Inf(1))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := &fakeProvider{name: "local", model: "bge", vector: tt.vector}
			r := newTestRouter(t, []Provider{local}, RouterConfig{}, nil)

			_, err := r.Embed(context.Background(), "hello", Options{})
			assert.ErrorIs(t, err, ErrInvalidProviderResponse)
		})
	}
}

// A malformed payload from the paid primary triggers fallback like any
// other failure.
func TestEmbedInvalidResponseTriggersFallback(t *testing.T) {
	paid := &fakeProvider{name: "openai", model: "te3", vector: []float32{}}
	local := &fakeProvider{name: "local", model: "bge", vector: []float32{1}}
	r := newTestRouter(t, []Provider{local, paid}, RouterConfig{DefaultProvider: "openai"}, nil)

	res, err := r.Embed(context.Background(), "hello", Options{})
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
}

func TestEmbedExplicitProviderWins(t *testing.T) {
	paid := &fakeProvider{name: "openai", model: "te3", vector: []float32{9}}
	local := &fakeProvider{name: "local", model: "bge", vector: []float32{1}}
	r := newTestRouter(t, []Provider{local, paid}, RouterConfig{}, nil)

	res, err := r.Embed(context.Background(), "hello", Options{Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Provider)

	_, err = r.Embed(context.Background(), "hello", Options{Provider: "nope"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEmbedContentProfileSelection(t *testing.T) {
	paid := &fakeProvider{name: "openai", model: "te3", vector: []float32{9}}
	local := &fakeProvider{name: "local", model: "bge", vector: []float32{1}}
	cfg := RouterConfig{
		DefaultProvider: "local",
		Profiles:        map[ContentType]string{ContentCode: "openai"},
	}
	r := newTestRouter(t, []Provider{local, paid}, cfg, nil)

	codeText := "import \"fmt\"\n\nfunc main() {}"
	res, err := r.Embed(context.Background(), codeText, Options{})
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Provider)

	res, err = r.Embed(context.Background(), "Plain prose about gardening.", Options{})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Provider)
}

func TestEmbedBudgetOverrideForcesLocal(t *testing.T) {
	paid := &fakeProvider{name: "openai", model: "te3", vector: []float32{9}}
	local := &fakeProvider{name: "local", model: "bge", vector: []float32{1}}
	r := newTestRouter(t, []Provider{local, paid},
		RouterConfig{DefaultProvider: "openai"}, &fakeFlags{forceLocal: true})

	res, err := r.Embed(context.Background(), "hello", Options{Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Provider)
	assert.Equal(t, int64(0), paid.calls.Load())
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	local := &fakeProvider{name: "local", model: "bge", vector: []float32{1}}
	r := newTestRouter(t, []Provider{local}, RouterConfig{BatchSize: 3}, nil)

	texts := []string{"a", "b", "c", "d", "e", "f", "g"}
	results, err := r.EmbedBatch(context.Background(), texts, Options{})
	require.NoError(t, err)
	require.Len(t, results, len(texts))
	for i, res := range results {
		assert.Equal(t, "local", res.Provider, "result %d", i)
		assert.NotEmpty(t, res.Vector)
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	local := &fakeProvider{name: "local", model: "bge", vector: []float32{1}}
	r := newTestRouter(t, []Provider{local}, RouterConfig{}, nil)

	results, err := r.EmbedBatch(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEmbedBatchPropagatesFailure(t *testing.T) {
	boom := errors.New("boom")
	local := &fakeProvider{name: "local", model: "bge", err: boom}
	r := newTestRouter(t, []Provider{local}, RouterConfig{}, nil)

	_, err := r.EmbedBatch(context.Background(), []string{"a", "b"}, Options{})
	assert.ErrorIs(t, err, boom)
}

func TestNewRouterRejectsNegativeBatchSize(t *testing.T) {
	local := &fakeProvider{name: "local", model: "bge", vector: []float32{1}}
	_, err := NewRouter([]Provider{local}, RouterConfig{BatchSize: -1}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name string
		text string
		meta map[string]any
		want ContentType
	}{
		{"metadata hint wins", "prose", map[string]any{"content_type": "code"}, ContentCode},
		{"go import", "import \"os\"\n", nil, ContentCode},
		{"python import", "from collections import deque\n", nil, ContentCode},
		{"c include", "#include <stdio.h>\n", nil, ContentCode},
		{"fenced blocks", "```\nx := 1\n```\nshort\n```\ny := 2\n```", nil, ContentCode},
		{"plain prose", "The quick brown fox jumps over the lazy dog.", nil, ContentDocs},
		{"empty", "", nil, ContentDocs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectContentType(tt.text, tt.meta))
		})
	}
}
