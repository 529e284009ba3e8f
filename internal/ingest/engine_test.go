package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/mbscatalog/internal/config"
	"github.com/clinicore/mbscatalog/internal/storage"
	"github.com/clinicore/mbscatalog/pkg/types"
)

// fakeStore implements the Store methods the engine touches and records
// committed items. failItem triggers an upsert error for one item
// number so a single batch can be made to roll back.
type fakeStore struct {
	storage.Store

	runs      []*types.IngestionRun
	completed map[string]*types.IngestionRun
	items     map[int]*types.CatalogItem
	failItem  int
	nextRunID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		completed: make(map[string]*types.IngestionRun),
		items:     make(map[int]*types.CatalogItem),
	}
}

func (f *fakeStore) CompletedRunByHash(_ context.Context, hash string) (*types.IngestionRun, error) {
	if run, ok := f.completed[hash]; ok {
		return run, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) CreateRun(_ context.Context, run *types.IngestionRun) error {
	f.nextRunID++
	run.ID = f.nextRunID
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) FinalizeRun(_ context.Context, run *types.IngestionRun) error {
	if run.Status == types.RunCompleted {
		f.completed[run.ContentHash] = run
	}
	return nil
}

func (f *fakeStore) BeginTx(_ context.Context) (storage.Tx, error) {
	return &fakeTx{store: f, staged: make(map[int]*types.CatalogItem)}, nil
}

type fakeTx struct {
	store  *fakeStore
	staged map[int]*types.CatalogItem
	done   bool
}

func (t *fakeTx) UpsertItem(_ context.Context, item *types.CatalogItem) (bool, error) {
	if t.store.failItem != 0 && item.ItemNumber == t.store.failItem {
		return false, fmt.Errorf("constraint violation on item %d", item.ItemNumber)
	}
	_, existsCommitted := t.store.items[item.ItemNumber]
	_, existsStaged := t.staged[item.ItemNumber]
	t.staged[item.ItemNumber] = item
	return !existsCommitted && !existsStaged, nil
}

func (t *fakeTx) Commit() error {
	for n, item := range t.staged {
		t.store.items[n] = item
	}
	t.done = true
	return nil
}

func (t *fakeTx) Rollback() error {
	if !t.done {
		t.staged = nil
	}
	return nil
}

func writeTestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mbs.xml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testEngine(store storage.Store) *Engine {
	return New(store, config.IngestionConfig{MaxFileSizeBytes: 1 << 20, BatchSize: 2}, nil)
}

const sampleXML = `<MBS_XML>
<Data><ItemNum>23</ItemNum><Description>Level B consultation</Description><ScheduleFee>41.40</ScheduleFee></Data>
<Data><ItemNum>36</ItemNum><Description>Level C consultation</Description><ScheduleFee>80.10</ScheduleFee></Data>
<Data><ItemNum>44</ItemNum><Description>Level D consultation</Description><ScheduleFee>118.00</ScheduleFee></Data>
<Data><Description>no item number</Description></Data>
</MBS_XML>`

func TestIngestSuccess(t *testing.T) {
	store := newFakeStore()
	path := writeTestFile(t, sampleXML)

	result := testEngine(store).Ingest(context.Background(), path, "mbs.xml", false)

	assert.True(t, result.Success)
	assert.False(t, result.Skipped)
	assert.Equal(t, 4, result.ItemsProcessed)
	assert.Equal(t, 3, result.ItemsInserted)
	assert.Equal(t, 0, result.ItemsUpdated)
	assert.Equal(t, 1, result.ItemsFailed)
	assert.Len(t, store.items, 3)

	require.Len(t, store.runs, 1)
	run := store.runs[0]
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 3, run.ItemsInserted)
	assert.NotNil(t, run.FinishedAt)
}

func TestIngestIdempotentByHash(t *testing.T) {
	store := newFakeStore()
	path := writeTestFile(t, sampleXML)
	engine := testEngine(store)

	first := engine.Ingest(context.Background(), path, "mbs.xml", false)
	require.True(t, first.Success)

	second := engine.Ingest(context.Background(), path, "mbs.xml", false)
	assert.True(t, second.Success)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.ItemsInserted, second.ItemsInserted)
	assert.Len(t, store.runs, 1, "no new run for identical content")
}

func TestIngestForcedReprocess(t *testing.T) {
	store := newFakeStore()
	path := writeTestFile(t, sampleXML)
	engine := testEngine(store)

	first := engine.Ingest(context.Background(), path, "mbs.xml", false)
	require.True(t, first.Success)

	second := engine.Ingest(context.Background(), path, "mbs.xml", true)
	assert.True(t, second.Success)
	assert.False(t, second.Skipped)
	assert.Equal(t, 0, second.ItemsInserted)
	assert.Equal(t, 3, second.ItemsUpdated)
	assert.Len(t, store.runs, 2)
}

func TestIngestBatchRollbackIsolation(t *testing.T) {
	store := newFakeStore()
	store.failItem = 36 // first batch of two (23, 36) fails
	path := writeTestFile(t, sampleXML)

	result := testEngine(store).Ingest(context.Background(), path, "mbs.xml", false)

	assert.True(t, result.Success, "a failed batch does not fail the run")
	assert.Equal(t, 1, result.ItemsInserted, "third item commits in its own batch")
	assert.Equal(t, 3, result.ItemsFailed, "two from the rolled-back batch plus the numberless record")
	assert.NotContains(t, store.items, 23, "rollback discards the whole batch")
	assert.Contains(t, store.items, 44)
}

func TestIngestOversizedFile(t *testing.T) {
	store := newFakeStore()
	path := writeTestFile(t, sampleXML)
	engine := New(store, config.IngestionConfig{MaxFileSizeBytes: 10, BatchSize: 2}, nil)

	result := engine.Ingest(context.Background(), path, "mbs.xml", false)

	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "exceeds limit")
	assert.Empty(t, store.runs, "oversized input is rejected before any mutation")
}

func TestIngestMissingFile(t *testing.T) {
	store := newFakeStore()

	result := testEngine(store).Ingest(context.Background(), "/does/not/exist.xml", "exist.xml", false)

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.ErrorMessage)
	assert.Empty(t, store.runs)
}

func TestIngestUnrecognizedShapeFinalizesFailed(t *testing.T) {
	store := newFakeStore()
	path := writeTestFile(t, `<Unknown><Row><ItemNum>23</ItemNum></Row></Unknown>`)

	result := testEngine(store).Ingest(context.Background(), path, "mbs.xml", false)

	assert.False(t, result.Success)
	require.Len(t, store.runs, 1)
	assert.Equal(t, types.RunFailed, store.runs[0].Status)
	assert.Contains(t, store.runs[0].ErrorMessage, "no recognized schema shape")
}

func TestIngestCanceledAtBatchBoundary(t *testing.T) {
	store := newFakeStore()
	path := writeTestFile(t, sampleXML)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := testEngine(store).Ingest(ctx, path, "mbs.xml", false)

	assert.False(t, result.Success)
	require.Len(t, store.runs, 1)
	assert.Equal(t, types.RunFailed, store.runs[0].Status)
	assert.Empty(t, store.items, "cancellation before the first batch commits nothing")
}
