package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{DSN: "postgres://localhost/corpusd"}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, 384, cfg.EmbeddingDim)

	empty := Config{}
	empty.ApplyDefaults()
	assert.ErrorIs(t, empty.Validate(), ErrInvalidConfig)
}

func TestBuildPrefixQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "single term", input: "vector", want: "vector:*"},
		{name: "multiple terms", input: "vector data", want: "vector:* & data:*"},
		{name: "extra whitespace", input: "  vector \t data  ", want: "vector:* & data:*"},
		{name: "strips tsquery syntax", input: "a&b (c:d)", want: "ab:* & cd:*"},
		{name: "empty", input: "", want: ""},
		{name: "only syntax characters", input: "&& || !!", want: ""},
		{name: "unicode preserved", input: "café", want: "café:*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildPrefixQuery(tt.input))
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 250, EstimateTokens(string(make([]byte, 1000))))
}

func TestClampWorkers(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		chunks    int
		want      int
	}{
		{name: "zero selects default", requested: 0, chunks: 100, want: DefaultUpsertWorkers},
		{name: "default clamped to chunk count", requested: 0, chunks: 3, want: 3},
		{name: "negative clamps to one", requested: -5, chunks: 100, want: 1},
		{name: "explicit below chunk count", requested: 4, chunks: 100, want: 4},
		{name: "explicit above chunk count", requested: 50, chunks: 7, want: 7},
		{name: "single chunk", requested: 10, chunks: 1, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampWorkers(tt.requested, tt.chunks))
		})
	}
}

func TestMergeChunkMetadata(t *testing.T) {
	defaults := map[string]any{"doc_id": "d1", "source": "default"}
	opts := map[string]any{"source": "options", "lang": "en"}
	chunk := map[string]any{"lang": "go", "heading": "Intro"}

	merged := mergeChunkMetadata(defaults, opts, chunk)

	assert.Equal(t, "d1", merged["doc_id"])
	assert.Equal(t, "options", merged["source"], "options override defaults")
	assert.Equal(t, "go", merged["lang"], "chunk overrides options")
	assert.Equal(t, "Intro", merged["heading"])

	// Inputs are not mutated.
	assert.Equal(t, "default", defaults["source"])
	assert.Equal(t, "en", opts["lang"])
}

func TestValidateReplace(t *testing.T) {
	chunks := []ChunkInput{{Index: 0, Text: "some text"}, {Index: 1, Text: "more text"}}

	assert.NoError(t, validateReplace(chunks, [][]float32{{1}, {2}}))
	assert.NoError(t, validateReplace(chunks, nil), "omitted embeddings pair with any chunk count")
	assert.NoError(t, validateReplace(chunks, [][]float32{}))
	assert.NoError(t, validateReplace(nil, nil))

	assert.ErrorIs(t, validateReplace(chunks, [][]float32{{1}}), ErrLengthMismatch)
	assert.ErrorIs(t, validateReplace(nil, [][]float32{{1}}), ErrLengthMismatch)
}

func TestVectorAt(t *testing.T) {
	vectors := [][]float32{{1, 2}, {3, 4}}
	assert.Equal(t, []float32{3, 4}, vectorAt(vectors, 1))
	assert.Nil(t, vectorAt(nil, 0))
	assert.Nil(t, vectorAt([][]float32{}, 1))
}
