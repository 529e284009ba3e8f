// Package embedgen generates and persists vector embeddings for
// catalog items that do not yet have one.
package embedgen

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/clinicore/mbscatalog/internal/config"
	"github.com/clinicore/mbscatalog/internal/embedder"
	"github.com/clinicore/mbscatalog/internal/storage"
	"github.com/clinicore/mbscatalog/pkg/types"
)

// maxTargetsPerRun bounds one generation pass. Repeated runs pick up
// where the previous one left off since only unembedded items are
// selected.
const maxTargetsPerRun = 50000

// Generator batches unembedded items through the embedding provider
// and persists vectors batch by batch, so partial progress survives a
// crash mid-run.
type Generator struct {
	store    storage.Store
	embedder embedder.Embedder
	cfg      config.EmbeddingConfig
	logger   *slog.Logger

	// sleep is swappable in tests to skip the inter-batch delay.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an embedding generator.
func New(store storage.Store, emb embedder.Embedder, cfg config.EmbeddingConfig, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:    store,
		embedder: emb,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// EmbeddingText builds the provider input for one item from its stable
// identifying fields. Derived columns are deliberately excluded so the
// vector never depends on other pipeline stages.
func EmbeddingText(item *types.CatalogItem) string {
	parts := []string{
		"MBS item " + strconv.Itoa(item.ItemNumber),
		item.Description,
		item.ShortDescription,
		item.Category,
		item.Group,
		item.ProviderType,
	}
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ". ")
}

// Generate embeds the given item ids, or all unembedded items when ids
// is empty. A batchSize of zero uses the configured default. It never
// returns a Go error: failed batches are counted and processing
// continues; a fatal failure is captured in the result.
func (g *Generator) Generate(ctx context.Context, itemIDs []int64, batchSize int) *types.EmbedResult {
	start := time.Now()
	result := &types.EmbedResult{}

	fail := func(msg string) *types.EmbedResult {
		result.Success = false
		result.ErrorMessage = msg
		result.EmbeddingTimeMs = time.Since(start).Milliseconds()
		return result
	}

	if batchSize <= 0 {
		batchSize = g.cfg.BatchSize
	}
	if g.cfg.MaxBatchSize > 0 && batchSize > g.cfg.MaxBatchSize {
		return fail(fmt.Sprintf("batch size %d exceeds provider limit %d", batchSize, g.cfg.MaxBatchSize))
	}

	targets := itemIDs
	if len(targets) == 0 {
		var err error
		targets, err = g.store.ListUnembeddedIDs(ctx, maxTargetsPerRun)
		if err != nil {
			return fail(fmt.Sprintf("failed to select unembedded items: %v", err))
		}
	}
	if len(targets) == 0 {
		result.Success = true
		result.EmbeddingTimeMs = time.Since(start).Milliseconds()
		return result
	}

	for i := 0; i < len(targets); i += batchSize {
		end := i + batchSize
		if end > len(targets) {
			end = len(targets)
		}
		if i > 0 {
			if err := g.sleep(ctx, g.cfg.BatchDelay()); err != nil {
				return fail(fmt.Sprintf("embedding canceled: %v", err))
			}
		}
		g.processBatch(ctx, targets[i:end], result)
	}

	result.Success = true
	result.EmbeddingTimeMs = time.Since(start).Milliseconds()
	g.logger.Info("embedding pass completed",
		"provider", g.embedder.Provider(), "model", g.embedder.Model(),
		"processed", result.ItemsProcessed, "updated", result.ItemsUpdated,
		"failed", result.ItemsFailed, "duration_ms", result.EmbeddingTimeMs)
	return result
}

// processBatch embeds one id batch and persists its vectors. Any
// failure fails the whole batch; the provider call itself already
// retried with backoff inside the embedder.
func (g *Generator) processBatch(ctx context.Context, ids []int64, result *types.EmbedResult) {
	result.ItemsProcessed += len(ids)

	items, err := g.store.GetByIDs(ctx, ids)
	if err != nil {
		result.ItemsFailed += len(ids)
		g.logger.Warn("embedding batch failed to load items", "size", len(ids), "error", err)
		return
	}

	texts := make([]string, len(items))
	for i := range items {
		texts[i] = EmbeddingText(&items[i])
	}

	resp, err := g.embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts})
	if err != nil {
		result.ItemsFailed += len(ids)
		g.logger.Warn("embedding batch failed", "size", len(ids), "error", err)
		return
	}
	if len(resp.Embeddings) != len(items) {
		result.ItemsFailed += len(ids)
		g.logger.Warn("embedding batch returned wrong count",
			"want", len(items), "got", len(resp.Embeddings))
		return
	}

	for i := range items {
		if err := g.store.UpdateEmbedding(ctx, items[i].ID, resp.Embeddings[i].Vector, resp.Model); err != nil {
			result.ItemsFailed++
			g.logger.Warn("failed to persist embedding", "item", items[i].ItemNumber, "error", err)
			continue
		}
		result.ItemsUpdated++
	}
	result.ItemsFailed += len(ids) - len(items)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
