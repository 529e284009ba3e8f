package embedder

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds embedder configuration
type Config struct {
	Provider   string
	APIKey     string
	Model      string
	CacheSize  int
	MaxRetries int
	BaseDelay  time.Duration
}

// New creates an embedder with explicit configuration. Model, retry
// and cache settings that are zero fall back to defaults.
func New(cfg Config) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	retry := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	if cfg.BaseDelay > 0 {
		retry.BaseDelay = cfg.BaseDelay
	}

	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, retry, cache)
	case ProviderJina:
		return NewJinaProvider(cfg.APIKey, cfg.Model, retry, cache)
	case ProviderLocal:
		return NewLocalProvider(cache)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}

// DetectProvider returns the provider that would be used based on the
// current environment. Priority:
//  1. MBSCAT_EMBEDDING_PROVIDER (openai, jina, local)
//  2. API keys: OPENAI_API_KEY, then JINA_API_KEY
//  3. local when nothing is configured
func DetectProvider() string {
	provider := os.Getenv(EnvProvider)
	if provider != "" {
		return strings.ToLower(provider)
	}

	if os.Getenv(EnvOpenAIAPIKey) != "" {
		return ProviderOpenAI
	}
	if os.Getenv(EnvJinaAPIKey) != "" {
		return ProviderJina
	}

	return ProviderLocal
}
