package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/mbscatalog/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedItem upserts an item and indexes its description so lexical
// search can find it.
func seedItem(t *testing.T, store *SQLiteStore, item types.CatalogItem) types.CatalogItem {
	t.Helper()
	ctx := context.Background()
	_, err := store.UpsertItem(ctx, &item)
	require.NoError(t, err)
	text := item.SearchText
	if text == "" {
		text = item.Description
	}
	require.NoError(t, store.UpdateSearchText(ctx, item.ID, text))
	item.SearchText = text
	return item
}

func TestUpsertItemInsertThenUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := types.CatalogItem{
		ItemNumber:  23,
		Description: "Professional attendance, level B",
		ScheduleFee: 41.40,
		IsActive:    true,
	}

	inserted, err := store.UpsertItem(ctx, &item)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NotZero(t, item.ID)
	firstID := item.ID

	item.ScheduleFee = 43.90
	inserted, err = store.UpsertItem(ctx, &item)
	require.NoError(t, err)
	assert.False(t, inserted, "same item number is an update")
	assert.Equal(t, firstID, item.ID, "row identity is stable across revisions")

	got, err := store.GetByItemNumber(ctx, 23)
	require.NoError(t, err)
	assert.Equal(t, 43.90, got.ScheduleFee)
}

func TestUpsertItemPreservesDerivedColumns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := seedItem(t, store, types.CatalogItem{
		ItemNumber: 23, Description: "Level B consultation", IsActive: true,
	})
	require.NoError(t, store.UpdateEmbedding(ctx, item.ID, []float32{1, 0, 0}, "test-model"))

	// Re-ingesting the item must not wipe what the other stages wrote.
	update := types.CatalogItem{ItemNumber: 23, Description: "Level B consultation, revised", IsActive: true}
	_, err := store.UpsertItem(ctx, &update)
	require.NoError(t, err)

	got, err := store.GetByItemNumber(ctx, 23)
	require.NoError(t, err)
	assert.Equal(t, "Level B consultation", got.SearchText, "search_text untouched until reindex")
	assert.True(t, got.HasEmbedding, "embedding untouched by upsert")
}

func TestGetByItemNumberNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetByItemNumber(context.Background(), 99999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetByIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := seedItem(t, store, types.CatalogItem{ItemNumber: 23, Description: "a", IsActive: true})
	seedItem(t, store, types.CatalogItem{ItemNumber: 36, Description: "b", IsActive: true})
	c := seedItem(t, store, types.CatalogItem{ItemNumber: 44, Description: "c", IsActive: true})

	items, err := store.GetByIDs(ctx, []int64{a.ID, c.ID, 99999})
	require.NoError(t, err)
	require.Len(t, items, 2, "unknown ids are silently skipped")

	items, err = store.GetByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestListItemIDsPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seedItem(t, store, types.CatalogItem{ItemNumber: i, Description: "x", IsActive: true})
	}

	first, err := store.ListItemIDs(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := store.ListItemIDs(ctx, first[2], 3)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Greater(t, second[0], first[2])
}

func TestUnembeddedSelectionAndEmbeddingRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := seedItem(t, store, types.CatalogItem{ItemNumber: 23, Description: "a", IsActive: true})
	b := seedItem(t, store, types.CatalogItem{ItemNumber: 36, Description: "b", IsActive: true})

	ids, err := store.ListUnembeddedIDs(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, ids)

	vector := []float32{0.1, -0.5, 0.9}
	require.NoError(t, store.UpdateEmbedding(ctx, a.ID, vector, "test-model"))

	ids, err = store.ListUnembeddedIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, ids)

	got, err := store.GetByItemNumber(ctx, 23)
	require.NoError(t, err)
	assert.True(t, got.HasEmbedding)

	matches, err := store.SemanticSearch(ctx, vector, nil, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 23, matches[0].Item.ItemNumber)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6, "stored vector matches itself exactly")
}

func TestBatchTransactionRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	item := types.CatalogItem{ItemNumber: 23, Description: "a", IsActive: true}
	_, err = tx.UpsertItem(ctx, &item)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = store.GetByItemNumber(ctx, 23)
	assert.ErrorIs(t, err, ErrNotFound)

	tx, err = store.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.UpsertItem(ctx, &item)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback(), "rollback after commit is a no-op")

	_, err = store.GetByItemNumber(ctx, 23)
	assert.NoError(t, err)
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &types.IngestionRun{
		ContentHash: "abc123",
		FileName:    "mbs.xml",
		FileSize:    1024,
		Status:      types.RunProcessing,
		StartedAt:   time.Now(),
	}
	require.NoError(t, store.CreateRun(ctx, run))
	require.NotZero(t, run.ID)

	// A processing run is not an idempotency marker.
	_, err := store.CompletedRunByHash(ctx, "abc123")
	assert.ErrorIs(t, err, ErrNotFound)

	run.Status = types.RunCompleted
	run.ItemsProcessed = 10
	run.ItemsInserted = 8
	run.ItemsUpdated = 1
	run.ItemsFailed = 1
	require.NoError(t, store.FinalizeRun(ctx, run))

	prior, err := store.CompletedRunByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, run.ID, prior.ID)
	assert.Equal(t, 8, prior.ItemsInserted)
	assert.NotNil(t, prior.FinishedAt)

	err = store.FinalizeRun(ctx, run)
	assert.Error(t, err, "a run finalizes exactly once")

	latest, err := store.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)
}

func TestFailedRunIsNotIdempotencyMarker(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &types.IngestionRun{ContentHash: "abc123", Status: types.RunProcessing, StartedAt: time.Now()}
	require.NoError(t, store.CreateRun(ctx, run))
	run.Status = types.RunFailed
	run.ErrorMessage = "malformed xml"
	require.NoError(t, store.FinalizeRun(ctx, run))

	_, err := store.CompletedRunByHash(ctx, "abc123")
	assert.ErrorIs(t, err, ErrNotFound, "failed runs never short-circuit a retry")
}

func TestHealthStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stats, err := store.HealthStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalItems)
	assert.Empty(t, stats.LastUpdated)

	active := seedItem(t, store, types.CatalogItem{ItemNumber: 23, Description: "a", IsActive: true})
	seedItem(t, store, types.CatalogItem{ItemNumber: 36, Description: "b", IsActive: false})
	require.NoError(t, store.UpdateEmbedding(ctx, active.ID, []float32{1}, "test-model"))

	stats, err = store.HealthStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalItems)
	assert.Equal(t, 1, stats.ActiveItems)
	assert.Equal(t, 1, stats.ItemsWithEmbeddings)
	assert.NotEmpty(t, stats.LastUpdated)
}
