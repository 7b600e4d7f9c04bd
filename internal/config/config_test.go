package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfigValidates(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 800, cfg.Chunker.MaxSize)
	assert.Equal(t, 150, cfg.Chunker.Overlap)
	assert.Equal(t, "local", cfg.Embeddings.DefaultProvider)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty dsn", func(c *Config) { c.Store.DSN = "" }},
		{"zero max conns", func(c *Config) { c.Store.MaxConns = 0 }},
		{"zero chunk size", func(c *Config) { c.Chunker.MaxSize = 0 }},
		{"negative overlap", func(c *Config) { c.Chunker.Overlap = -1 }},
		{"overlap >= max size", func(c *Config) { c.Chunker.Overlap = c.Chunker.MaxSize }},
		{"zero batch size", func(c *Config) { c.Embeddings.BatchSize = 0 }},
		{"bad logging format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
store:
  dsn: postgres://db:5432/corpusd
  max_conns: 4
chunker:
  max_size: 400
  overlap: 50
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db:5432/corpusd", cfg.Store.DSN.Value())
	assert.Equal(t, 4, cfg.Store.MaxConns)
	assert.Equal(t, 400, cfg.Chunker.MaxSize)
	assert.Equal(t, 50, cfg.Chunker.Overlap)
	// Untouched sections keep defaults.
	assert.Equal(t, 10, cfg.Embeddings.BatchSize)
}

func TestLoadWithFileEnvOverride(t *testing.T) {
	t.Setenv("CORPUSD_STORE_MAX_CONNS", "7")
	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Store.MaxConns)
}

func TestLoadWithFileMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Store.MaxConns)
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("250ms")))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}
