// Package config loads and validates service configuration from a TOML
// file with environment-variable overrides for secrets.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration for the catalog service.
type Config struct {
	Catalog   CatalogConfig   `toml:"catalog"`
	Ingestion IngestionConfig `toml:"ingestion"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Jobs      JobsConfig      `toml:"jobs"`
	Search    SearchConfig    `toml:"search"`
}

// CatalogConfig locates the persistent stores.
type CatalogConfig struct {
	DBPath    string `toml:"db_path"`
	QueuePath string `toml:"queue_path"`
}

// IngestionConfig bounds the XML import pipeline.
type IngestionConfig struct {
	MaxFileSizeBytes int64 `toml:"max_file_size_bytes"`
	BatchSize        int   `toml:"batch_size"`
}

// EmbeddingConfig controls the external embedding provider and the
// generator's batching behavior.
type EmbeddingConfig struct {
	Provider     string `toml:"provider"`
	APIKey       string `toml:"api_key"`
	Model        string `toml:"model"`
	BatchSize    int    `toml:"batch_size"`
	MaxBatchSize int    `toml:"max_batch_size"`
	BatchDelayMs int    `toml:"batch_delay_ms"`
	MaxRetries   int    `toml:"max_retries"`
	BaseDelayMs  int    `toml:"base_delay_ms"`
	CacheSize    int    `toml:"cache_size"`
}

// JobsConfig controls the background queue.
type JobsConfig struct {
	Workers        int `toml:"workers"`
	RetentionHours int `toml:"retention_hours"`
	PollIntervalMs int `toml:"poll_interval_ms"`
}

// SearchConfig carries the hybrid merge weights. The defaults are the
// tuned production values; they are configuration, not invariants, and
// any change belongs to the ranking owner.
type SearchConfig struct {
	LexicalOnlyWeight  float64 `toml:"lexical_only_weight"`
	SemanticOnlyWeight float64 `toml:"semantic_only_weight"`
	LexicalBothWeight  float64 `toml:"lexical_both_weight"`
	SemanticBothWeight float64 `toml:"semantic_both_weight"`
	AgreementBonus     float64 `toml:"agreement_bonus"`
}

// Default returns the built-in configuration used when no file is
// supplied.
func Default() *Config {
	return &Config{
		Catalog: CatalogConfig{
			DBPath:    "mbscatalog.db",
			QueuePath: "mbsqueue.db",
		},
		Ingestion: IngestionConfig{
			MaxFileSizeBytes: 512 << 20,
			BatchSize:        500,
		},
		Embedding: EmbeddingConfig{
			Provider:     "local",
			BatchSize:    50,
			MaxBatchSize: 100,
			BatchDelayMs: 200,
			MaxRetries:   3,
			BaseDelayMs:  100,
			CacheSize:    10000,
		},
		Jobs: JobsConfig{
			Workers:        4,
			RetentionHours: 72,
			PollIntervalMs: 250,
		},
		Search: SearchConfig{
			LexicalOnlyWeight:  0.6,
			SemanticOnlyWeight: 0.8,
			LexicalBothWeight:  0.4,
			SemanticBothWeight: 0.6,
			AgreementBonus:     0.2,
		},
	}
}

// Load reads a TOML config file, fills unset fields with defaults, and
// applies environment overrides. Path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secret-bearing fields from the environment so API
// keys never need to live in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("MBSCAT_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("JINA_API_KEY"); v != "" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("MBSCAT_DB_PATH"); v != "" {
		c.Catalog.DBPath = v
	}
	if v := os.Getenv("MBSCAT_QUEUE_PATH"); v != "" {
		c.Catalog.QueuePath = v
	}
}

// Validate rejects configurations that would exceed provider limits or
// break pipeline assumptions. Batch sizing is checked here, at start-up,
// because the inter-batch delay is cooperative and cannot compensate for
// an oversized batch at run time.
func (c *Config) Validate() error {
	if c.Ingestion.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("ingestion.max_file_size_bytes must be positive, got %d", c.Ingestion.MaxFileSizeBytes)
	}
	if c.Ingestion.BatchSize <= 0 {
		return fmt.Errorf("ingestion.batch_size must be positive, got %d", c.Ingestion.BatchSize)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.MaxBatchSize > 0 && c.Embedding.BatchSize > c.Embedding.MaxBatchSize {
		return fmt.Errorf("embedding.batch_size %d exceeds provider limit %d",
			c.Embedding.BatchSize, c.Embedding.MaxBatchSize)
	}
	if c.Embedding.MaxRetries <= 0 {
		return fmt.Errorf("embedding.max_retries must be positive, got %d", c.Embedding.MaxRetries)
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers)
	}
	if c.Jobs.RetentionHours <= 0 {
		return fmt.Errorf("jobs.retention_hours must be positive, got %d", c.Jobs.RetentionHours)
	}
	for name, w := range map[string]float64{
		"lexical_only_weight":  c.Search.LexicalOnlyWeight,
		"semantic_only_weight": c.Search.SemanticOnlyWeight,
		"lexical_both_weight":  c.Search.LexicalBothWeight,
		"semantic_both_weight": c.Search.SemanticBothWeight,
	} {
		if w <= 0 || w > 1 {
			return fmt.Errorf("search.%s must be in (0,1], got %v", name, w)
		}
	}
	if c.Search.AgreementBonus < 0 {
		return fmt.Errorf("search.agreement_bonus must be >= 0, got %v", c.Search.AgreementBonus)
	}
	// An item found by both paths must never rank below what it would
	// score as a single-path hit. For lexical rank r and similarity s
	// in [0,1], r*both_l + s*both_s + bonus >= max(r*only_l, s*only_s)
	// holds for all r,s exactly when the bonus covers the worst-case
	// single-path gap.
	bonusFloor := math.Max(
		c.Search.LexicalOnlyWeight-c.Search.LexicalBothWeight,
		c.Search.SemanticOnlyWeight-c.Search.SemanticBothWeight,
	)
	if c.Search.AgreementBonus < bonusFloor {
		return fmt.Errorf("search.agreement_bonus %v would let agreement demote results, need >= %v",
			c.Search.AgreementBonus, bonusFloor)
	}
	return nil
}

// BatchDelay returns the cooperative pause between embedding batches.
func (c *EmbeddingConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// BaseDelay returns the initial retry backoff.
func (c *EmbeddingConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// Retention returns the terminal-job retention window.
func (c *JobsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// PollInterval returns how often idle workers poll the queue.
func (c *JobsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
