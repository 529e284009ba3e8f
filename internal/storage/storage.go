package storage

import (
	"context"

	"github.com/clinicore/mbscatalog/pkg/types"
)

// Store defines the persistence interface for the catalog. The concrete
// SQLite implementation is the only production backend; tests substitute
// fakes for fault injection.
type Store interface {
	// Item operations
	UpsertItem(ctx context.Context, item *types.CatalogItem) (inserted bool, err error)
	GetByItemNumber(ctx context.Context, itemNumber int) (*types.CatalogItem, error)
	GetByIDs(ctx context.Context, ids []int64) ([]types.CatalogItem, error)
	ListItemIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
	ListUnembeddedIDs(ctx context.Context, limit int) ([]int64, error)
	UpdateSearchText(ctx context.Context, id int64, text string) error
	UpdateEmbedding(ctx context.Context, id int64, vector []float32, model string) error

	// Search operations
	LexicalSearch(ctx context.Context, query string, filters *types.SearchFilters, sortBy types.SortBy, limit, offset int) ([]LexicalResult, int, error)
	SemanticSearch(ctx context.Context, vector []float32, filters *types.SearchFilters, limit int) ([]SemanticResult, error)

	// Ingestion run operations
	CreateRun(ctx context.Context, run *types.IngestionRun) error
	CompletedRunByHash(ctx context.Context, contentHash string) (*types.IngestionRun, error)
	FinalizeRun(ctx context.Context, run *types.IngestionRun) error
	LatestRun(ctx context.Context) (*types.IngestionRun, error)

	// Status operations
	HealthStats(ctx context.Context) (*types.HealthStats, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is the transactional subset used by batch upserts. Rollback after
// Commit is a no-op, so `defer tx.Rollback()` is always safe.
type Tx interface {
	Commit() error
	Rollback() error
	UpsertItem(ctx context.Context, item *types.CatalogItem) (inserted bool, err error)
}

// LexicalResult is one full-text match with its normalized bm25 rank
// in (0, 1].
type LexicalResult struct {
	Item types.CatalogItem
	Rank float64
}

// SemanticResult is one nearest-neighbor match with its cosine
// similarity (1 - distance).
type SemanticResult struct {
	Item       types.CatalogItem
	Similarity float64
}
