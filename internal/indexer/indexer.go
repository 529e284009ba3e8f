// Package indexer recomputes the lexical search text for catalog
// items. The search text is pure derived data: it is always
// reconstructible from canonical fields, so reindexing is idempotent
// and safe to run at any time.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/clinicore/mbscatalog/internal/storage"
	"github.com/clinicore/mbscatalog/pkg/types"
)

// descriptionWeight repeats the description in the search text so
// full-text ranking favors description matches over taxonomy labels.
const descriptionWeight = 3

// pageSize bounds the id pages walked when no explicit set is given.
const pageSize = 1000

// Maintainer rebuilds search text for explicit item sets or the whole
// catalog.
type Maintainer struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates an index maintainer.
func New(store storage.Store, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{store: store, logger: logger}
}

// SearchText builds the lexical index representation of an item. The
// concatenation order is fixed; changing it changes ranking for every
// query and requires a full reindex.
func SearchText(item *types.CatalogItem) string {
	parts := make([]string, 0, descriptionWeight+7)
	parts = append(parts, strconv.Itoa(item.ItemNumber))
	for i := 0; i < descriptionWeight; i++ {
		parts = append(parts, item.Description)
	}
	parts = append(parts,
		item.ShortDescription,
		item.Category,
		item.SubCategory,
		item.Group,
		item.SubGroup,
		item.ProviderType,
	)

	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// Reindex recomputes search text for the given item ids, or for every
// item when ids is empty. It never returns a Go error: per-item
// failures are counted and a fatal failure is captured in the result.
func (m *Maintainer) Reindex(ctx context.Context, itemIDs []int64) *types.ReindexResult {
	start := time.Now()
	result := &types.ReindexResult{}

	if len(itemIDs) > 0 {
		m.reindexPage(ctx, itemIDs, result)
	} else if err := m.walkAll(ctx, result); err != nil {
		result.Success = false
		result.ErrorMessage = err.Error()
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		return result
	}

	result.Success = true
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	m.logger.Info("reindex completed",
		"processed", result.ItemsProcessed, "updated", result.ItemsUpdated,
		"failed", result.ItemsFailed, "duration_ms", result.ProcessingTimeMs)
	return result
}

func (m *Maintainer) walkAll(ctx context.Context, result *types.ReindexResult) error {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("reindex canceled: %w", err)
		}
		ids, err := m.store.ListItemIDs(ctx, afterID, pageSize)
		if err != nil {
			return fmt.Errorf("failed to list items: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		m.reindexPage(ctx, ids, result)
		afterID = ids[len(ids)-1]
	}
}

func (m *Maintainer) reindexPage(ctx context.Context, ids []int64, result *types.ReindexResult) {
	items, err := m.store.GetByIDs(ctx, ids)
	if err != nil {
		result.ItemsProcessed += len(ids)
		result.ItemsFailed += len(ids)
		m.logger.Warn("reindex page failed", "size", len(ids), "error", err)
		return
	}
	for i := range items {
		result.ItemsProcessed++
		if err := m.store.UpdateSearchText(ctx, items[i].ID, SearchText(&items[i])); err != nil {
			result.ItemsFailed++
			m.logger.Warn("reindex item failed", "item", items[i].ItemNumber, "error", err)
			continue
		}
		result.ItemsUpdated++
	}
}
