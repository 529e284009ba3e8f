package embedder

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProviderDeterministic(t *testing.T) {
	provider, err := NewLocalProvider(nil)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := provider.GenerateEmbedding(ctx, EmbeddingRequest{Text: "Professional attendance"})
	require.NoError(t, err)
	b, err := provider.GenerateEmbedding(ctx, EmbeddingRequest{Text: "Professional attendance"})
	require.NoError(t, err)
	other, err := provider.GenerateEmbedding(ctx, EmbeddingRequest{Text: "Diagnostic ultrasound"})
	require.NoError(t, err)

	assert.Equal(t, a.Vector, b.Vector, "same text, same vector")
	assert.NotEqual(t, a.Vector, other.Vector)
	assert.Len(t, a.Vector, LocalDimension)

	var norm float64
	for _, v := range a.Vector {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5, "vectors are unit length")
}

func TestLocalProviderRejectsEmptyText(t *testing.T) {
	provider, err := NewLocalProvider(nil)
	require.NoError(t, err)

	_, err = provider.GenerateEmbedding(context.Background(), EmbeddingRequest{})
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = provider.GenerateBatch(context.Background(), BatchEmbeddingRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = provider.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"ok", ""}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLocalProviderBatch(t *testing.T) {
	provider, err := NewLocalProvider(nil)
	require.NoError(t, err)

	resp, err := provider.GenerateBatch(context.Background(), BatchEmbeddingRequest{
		Texts: []string{"a", "b", "c"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 3)
	assert.Equal(t, ProviderLocal, resp.Provider)
	assert.NotEqual(t, resp.Embeddings[0].Vector, resp.Embeddings[1].Vector)
}

func TestCacheHitReturnsCopy(t *testing.T) {
	cache := NewCache(10)
	hash := ComputeHash("text")
	cache.Set(hash, &Embedding{Vector: []float32{1, 2, 3}, Dimension: 3, Hash: hash})

	got, ok := cache.Get(hash)
	require.True(t, ok)
	got.Vector[0] = 99

	again, ok := cache.Get(hash)
	require.True(t, ok)
	assert.Equal(t, float32(1), again.Vector[0], "caller mutations never reach the cache")
}

func TestCacheMiss(t *testing.T) {
	cache := NewCache(10)
	_, ok := cache.Get(ComputeHash("never stored"))
	assert.False(t, ok)
}

func TestCacheEviction(t *testing.T) {
	cache := NewCache(2)
	for _, text := range []string{"a", "b", "c"} {
		cache.Set(ComputeHash(text), &Embedding{Hash: ComputeHash(text)})
	}
	assert.Equal(t, 2, cache.Size())
	_, ok := cache.Get(ComputeHash("a"))
	assert.False(t, ok, "oldest entry evicted")
}

func TestComputeHashStable(t *testing.T) {
	assert.Equal(t, ComputeHash("x"), ComputeHash("x"))
	assert.NotEqual(t, ComputeHash("x"), ComputeHash("y"))
	assert.Len(t, ComputeHash("x"), 64)
}

func TestRetryWithBackoffEventualSuccess(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	calls := 0
	result, err := retryWithBackoff(context.Background(), cfg, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoffExhaustion(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	calls := 0
	wantErr := errors.New("hard down")
	_, err := retryWithBackoff(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 2, calls)
}

func TestRetryWithBackoffCanceled(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, BaseDelay: time.Minute, MaxDelay: time.Minute, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := retryWithBackoff(ctx, cfg, func() (int, error) {
		calls++
		cancel()
		return 0, errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "no second attempt after cancellation")
}

func TestFactorySelectsProvider(t *testing.T) {
	t.Setenv(EnvOpenAIAPIKey, "")

	emb, err := New(Config{Provider: ProviderLocal})
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, emb.Provider())

	_, err = New(Config{Provider: "nonexistent"})
	assert.ErrorIs(t, err, ErrUnsupportedModel)

	_, err = New(Config{Provider: ProviderOpenAI})
	assert.ErrorIs(t, err, ErrNoProviderEnabled, "openai without key is rejected")
}

func TestFactoryThreadsModelAndRetry(t *testing.T) {
	t.Setenv(EnvOpenAIAPIKey, "sk-test")

	emb, err := New(Config{
		Provider:   ProviderOpenAI,
		Model:      "text-embedding-3-large",
		MaxRetries: 5,
		BaseDelay:  250 * time.Millisecond,
	})
	require.NoError(t, err)

	o, ok := emb.(*OpenAIProvider)
	require.True(t, ok)
	assert.Equal(t, "text-embedding-3-large", o.Model(), "configured model reaches the provider")
	assert.Equal(t, 5, o.retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, o.retry.BaseDelay)
	assert.Equal(t, time.Duration(MaxBackoffMs)*time.Millisecond, o.retry.MaxDelay)
}

func TestFactoryDefaultsModelAndRetry(t *testing.T) {
	t.Setenv(EnvJinaAPIKey, "jk-test")

	emb, err := New(Config{Provider: ProviderJina})
	require.NoError(t, err)

	j, ok := emb.(*JinaProvider)
	require.True(t, ok)
	assert.Equal(t, DefaultJinaModel, j.Model())
	assert.Equal(t, DefaultRetryConfig(), j.retry)
}

func TestDetectProviderFromEnv(t *testing.T) {
	t.Setenv(EnvProvider, "")
	t.Setenv(EnvOpenAIAPIKey, "")
	t.Setenv(EnvJinaAPIKey, "")
	assert.Equal(t, ProviderLocal, DetectProvider())

	t.Setenv(EnvJinaAPIKey, "jk-test")
	assert.Equal(t, ProviderJina, DetectProvider())

	t.Setenv(EnvOpenAIAPIKey, "sk-test")
	assert.Equal(t, ProviderOpenAI, DetectProvider(), "openai preferred when both keys exist")

	t.Setenv(EnvProvider, "LOCAL")
	assert.Equal(t, ProviderLocal, DetectProvider(), "explicit setting wins, case-insensitively")
}
