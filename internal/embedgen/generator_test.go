package embedgen

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/mbscatalog/internal/config"
	"github.com/clinicore/mbscatalog/internal/embedder"
	"github.com/clinicore/mbscatalog/internal/storage"
	"github.com/clinicore/mbscatalog/pkg/types"
)

type fakeStore struct {
	storage.Store

	items       map[int64]types.CatalogItem
	embeddings  map[int64][]float32
	failPersist map[int64]bool
}

func newFakeStore(items ...types.CatalogItem) *fakeStore {
	f := &fakeStore{
		items:       make(map[int64]types.CatalogItem),
		embeddings:  make(map[int64][]float32),
		failPersist: make(map[int64]bool),
	}
	for _, it := range items {
		f.items[it.ID] = it
	}
	return f
}

func (f *fakeStore) ListUnembeddedIDs(_ context.Context, limit int) ([]int64, error) {
	var ids []int64
	for id := int64(1); id <= int64(len(f.items)) && len(ids) < limit; id++ {
		if _, ok := f.embeddings[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) GetByIDs(_ context.Context, ids []int64) ([]types.CatalogItem, error) {
	var out []types.CatalogItem
	for _, id := range ids {
		if it, ok := f.items[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateEmbedding(_ context.Context, id int64, vector []float32, _ string) error {
	if f.failPersist[id] {
		return fmt.Errorf("disk full")
	}
	f.embeddings[id] = vector
	return nil
}

// mockEmbedder fails the first failCalls batch calls, then succeeds.
type mockEmbedder struct {
	calls     int
	failCalls int
	batches   [][]string
}

func (m *mockEmbedder) GenerateEmbedding(context.Context, embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	panic("not used")
}

func (m *mockEmbedder) GenerateBatch(_ context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	m.calls++
	if m.calls <= m.failCalls {
		return nil, embedder.ErrProviderFailed
	}
	m.batches = append(m.batches, req.Texts)
	resp := &embedder.BatchEmbeddingResponse{Provider: "mock", Model: "mock-v1"}
	for range req.Texts {
		resp.Embeddings = append(resp.Embeddings, &embedder.Embedding{
			Vector: []float32{1, 0, 0}, Dimension: 3, Provider: "mock", Model: "mock-v1",
		})
	}
	return resp, nil
}

func (m *mockEmbedder) Dimension() int   { return 3 }
func (m *mockEmbedder) Provider() string { return "mock" }
func (m *mockEmbedder) Model() string    { return "mock-v1" }
func (m *mockEmbedder) Close() error     { return nil }

func testItems(n int) []types.CatalogItem {
	items := make([]types.CatalogItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, types.CatalogItem{
			ID: int64(i), ItemNumber: i, Description: fmt.Sprintf("procedure %d", i),
		})
	}
	return items
}

func testGenerator(store storage.Store, emb embedder.Embedder) *Generator {
	g := New(store, emb, config.EmbeddingConfig{BatchSize: 2, MaxBatchSize: 4, BatchDelayMs: 200}, nil)
	g.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return g
}

func TestEmbeddingText(t *testing.T) {
	item := &types.CatalogItem{
		ItemNumber:  23,
		Description: "Professional attendance",
		Category:    "1",
	}
	text := EmbeddingText(item)

	assert.Contains(t, text, "MBS item 23")
	assert.Contains(t, text, "Professional attendance")
	assert.NotContains(t, text, ".. ", "empty fields leave no empty segments")
}

func TestGenerateAllUnembedded(t *testing.T) {
	store := newFakeStore(testItems(5)...)
	emb := &mockEmbedder{}

	result := testGenerator(store, emb).Generate(context.Background(), nil, 0)

	assert.True(t, result.Success)
	assert.Equal(t, 5, result.ItemsProcessed)
	assert.Equal(t, 5, result.ItemsUpdated)
	assert.Equal(t, 0, result.ItemsFailed)
	assert.Len(t, store.embeddings, 5)
	assert.Equal(t, 3, emb.calls, "batch size 2 over 5 items")
}

func TestGenerateExplicitIDs(t *testing.T) {
	store := newFakeStore(testItems(5)...)
	emb := &mockEmbedder{}

	result := testGenerator(store, emb).Generate(context.Background(), []int64{2, 4}, 0)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.ItemsUpdated)
	assert.Contains(t, store.embeddings, int64(2))
	assert.Contains(t, store.embeddings, int64(4))
	assert.NotContains(t, store.embeddings, int64(1))
}

func TestGenerateFailedBatchContinues(t *testing.T) {
	store := newFakeStore(testItems(4)...)
	emb := &mockEmbedder{failCalls: 1}

	result := testGenerator(store, emb).Generate(context.Background(), nil, 0)

	assert.True(t, result.Success, "a failed batch does not fail the pass")
	assert.Equal(t, 4, result.ItemsProcessed)
	assert.Equal(t, 2, result.ItemsFailed, "first batch exhausted its retries")
	assert.Equal(t, 2, result.ItemsUpdated)
	assert.NotContains(t, store.embeddings, int64(1))
	assert.Contains(t, store.embeddings, int64(3), "second batch persisted despite the first failing")
}

func TestGeneratePersistFailureCountsItem(t *testing.T) {
	store := newFakeStore(testItems(2)...)
	store.failPersist[1] = true
	emb := &mockEmbedder{}

	result := testGenerator(store, emb).Generate(context.Background(), nil, 0)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.ItemsFailed)
	assert.Equal(t, 1, result.ItemsUpdated)
}

func TestGenerateRejectsOversizedBatch(t *testing.T) {
	store := newFakeStore(testItems(2)...)
	emb := &mockEmbedder{}

	result := testGenerator(store, emb).Generate(context.Background(), nil, 10)

	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "exceeds provider limit")
	assert.Zero(t, emb.calls, "rejected before any provider call")
}

func TestGenerateNothingToDo(t *testing.T) {
	store := newFakeStore()
	emb := &mockEmbedder{}

	result := testGenerator(store, emb).Generate(context.Background(), nil, 0)

	assert.True(t, result.Success)
	assert.Zero(t, result.ItemsProcessed)
	assert.Zero(t, emb.calls)
}

func TestGenerateCanceledBetweenBatches(t *testing.T) {
	store := newFakeStore(testItems(4)...)
	emb := &mockEmbedder{}
	g := New(store, emb, config.EmbeddingConfig{BatchSize: 2, MaxBatchSize: 4}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	g.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	result := g.Generate(ctx, nil, 0)

	assert.False(t, result.Success)
	require.Len(t, store.embeddings, 2, "first batch already persisted")
}
