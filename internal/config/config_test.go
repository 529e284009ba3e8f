package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MBSCAT_EMBEDDING_PROVIDER",
		"OPENAI_API_KEY",
		"JINA_API_KEY",
		"MBSCAT_DB_PATH",
		"MBSCAT_QUEUE_PATH",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "mbscatalog.db", cfg.Catalog.DBPath)
	assert.Equal(t, 500, cfg.Ingestion.BatchSize)
	assert.Equal(t, "local", cfg.Embedding.Provider)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, 0.6, cfg.Search.LexicalOnlyWeight)
	assert.Equal(t, 0.2, cfg.Search.AgreementBonus)
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
[catalog]
db_path = "/var/lib/mbs/catalog.db"

[embedding]
provider = "openai"
batch_size = 25

[search]
agreement_bonus = 0.2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mbs/catalog.db", cfg.Catalog.DBPath)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, 25, cfg.Embedding.BatchSize)
	assert.Equal(t, 0.2, cfg.Search.AgreementBonus)
	// Untouched sections keep their defaults.
	assert.Equal(t, "mbsqueue.db", cfg.Catalog.QueuePath)
	assert.Equal(t, 500, cfg.Ingestion.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MBSCAT_EMBEDDING_PROVIDER", "jina")
	t.Setenv("JINA_API_KEY", "jk-test")
	t.Setenv("MBSCAT_DB_PATH", "/tmp/override.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "jina", cfg.Embedding.Provider)
	assert.Equal(t, "jk-test", cfg.Embedding.APIKey)
	assert.Equal(t, "/tmp/override.db", cfg.Catalog.DBPath)
}

func TestFileAPIKeyWinsOverEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")

	path := writeConfig(t, `
[embedding]
api_key = "sk-file"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-file", cfg.Embedding.APIKey)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero ingestion batch",
			mutate:  func(c *Config) { c.Ingestion.BatchSize = 0 },
			wantErr: "ingestion.batch_size",
		},
		{
			name:    "negative file size",
			mutate:  func(c *Config) { c.Ingestion.MaxFileSizeBytes = -1 },
			wantErr: "ingestion.max_file_size_bytes",
		},
		{
			name:    "embedding batch over provider limit",
			mutate:  func(c *Config) { c.Embedding.BatchSize = 500 },
			wantErr: "exceeds provider limit",
		},
		{
			name:    "zero retries",
			mutate:  func(c *Config) { c.Embedding.MaxRetries = 0 },
			wantErr: "embedding.max_retries",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Jobs.Workers = 0 },
			wantErr: "jobs.workers",
		},
		{
			name:    "zero retention",
			mutate:  func(c *Config) { c.Jobs.RetentionHours = 0 },
			wantErr: "jobs.retention_hours",
		},
		{
			name:    "weight above one",
			mutate:  func(c *Config) { c.Search.SemanticOnlyWeight = 1.5 },
			wantErr: "semantic_only_weight",
		},
		{
			name:    "zero weight",
			mutate:  func(c *Config) { c.Search.LexicalBothWeight = 0 },
			wantErr: "lexical_both_weight",
		},
		{
			name:    "negative bonus",
			mutate:  func(c *Config) { c.Search.AgreementBonus = -0.1 },
			wantErr: "agreement_bonus",
		},
		{
			name:    "bonus below single-path gap",
			mutate:  func(c *Config) { c.Search.AgreementBonus = 0.15 },
			wantErr: "demote",
		},
		{
			name: "bonus floor follows the weight gap",
			mutate: func(c *Config) {
				c.Search.SemanticBothWeight = 0.5
				c.Search.AgreementBonus = 0.25
			},
			wantErr: "demote",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 200*time.Millisecond, cfg.Embedding.BatchDelay())
	assert.Equal(t, 100*time.Millisecond, cfg.Embedding.BaseDelay())
	assert.Equal(t, 72*time.Hour, cfg.Jobs.Retention())
	assert.Equal(t, 250*time.Millisecond, cfg.Jobs.PollInterval())
}
