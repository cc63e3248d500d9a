package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 0.85, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 100, cfg.Executor.MaxRows)
	assert.Equal(t, "eligibility", cfg.Schema.Name)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  port: 9000
cache:
  similarity_threshold: 0.92
llm:
  provider: gemini
  model: gemini-2.0-flash
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 0.92, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.Model)
	// Untouched fields keep defaults.
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIMILARITY_THRESHOLD", "0.9")
	t.Setenv("DATABASE_URL", "postgres://example/db")
	t.Setenv("LLM_MODEL", "gpt-4o")
	t.Setenv("DEFAULT_SCHEMA", "public")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, "postgres://example/db", cfg.Database.DSN)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, "public", cfg.Schema.Name)
}

func TestOpenAIKeyAppliesToBothClients(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"threshold above one", func(c *Config) { c.Cache.SimilarityThreshold = 1.5 }},
		{"threshold zero", func(c *Config) { c.Cache.SimilarityThreshold = 0 }},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"zero max rows", func(c *Config) { c.Executor.MaxRows = 0 }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "anthropic-bedrock-v9" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
