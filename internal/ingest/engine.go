package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/clinicore/mbscatalog/internal/config"
	"github.com/clinicore/mbscatalog/internal/storage"
	"github.com/clinicore/mbscatalog/pkg/types"
)

// Engine imports schedule XML files into the catalog store.
type Engine struct {
	store  storage.Store
	cfg    config.IngestionConfig
	logger *slog.Logger

	// now is swappable in tests for deterministic isActive derivation.
	now func() time.Time
}

// New creates an ingestion engine.
func New(store storage.Store, cfg config.IngestionConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Ingest imports one file. It never returns a Go error: fatal failures
// are captured into the result (and the run record, once one exists).
// A completed prior run for the same content hash short-circuits the
// import unless force is set.
func (e *Engine) Ingest(ctx context.Context, filePath, fileName string, force bool) *types.IngestResult {
	start := e.now()
	result := &types.IngestResult{}

	fail := func(msg string) *types.IngestResult {
		result.Success = false
		result.ErrorMessage = msg
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		return result
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return fail(fmt.Sprintf("cannot read source file: %v", err))
	}
	if info.Size() > e.cfg.MaxFileSizeBytes {
		return fail(fmt.Sprintf("file size %d exceeds limit %d bytes", info.Size(), e.cfg.MaxFileSizeBytes))
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fail(fmt.Sprintf("cannot read source file: %v", err))
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	if !force {
		prior, err := e.store.CompletedRunByHash(ctx, contentHash)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fail(fmt.Sprintf("idempotency check failed: %v", err))
		}
		if prior != nil {
			e.logger.Info("ingest skipped, content already imported",
				"file", fileName, "hash", contentHash[:12], "run_id", prior.ID)
			result.Success = true
			result.Skipped = true
			result.RunID = prior.ID
			result.ItemsProcessed = prior.ItemsProcessed
			result.ItemsInserted = prior.ItemsInserted
			result.ItemsUpdated = prior.ItemsUpdated
			result.ItemsFailed = prior.ItemsFailed
			result.ProcessingTimeMs = time.Since(start).Milliseconds()
			return result
		}
	}

	run := &types.IngestionRun{
		ContentHash: contentHash,
		FileName:    fileName,
		FileSize:    info.Size(),
		Status:      types.RunProcessing,
		StartedAt:   start,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return fail(fmt.Sprintf("cannot record ingestion run: %v", err))
	}
	result.RunID = run.ID

	if err := e.process(ctx, data, run, result); err != nil {
		run.Status = types.RunFailed
		run.ErrorMessage = err.Error()
		run.ErrorDetail = fmt.Sprintf("file=%s hash=%s", fileName, contentHash)
		e.finalize(ctx, run, start, result)
		e.logger.Error("ingest failed", "file", fileName, "run_id", run.ID, "error", err)
		return fail(err.Error())
	}

	run.Status = types.RunCompleted
	e.finalize(ctx, run, start, result)
	result.Success = true
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	e.logger.Info("ingest completed",
		"file", fileName, "run_id", run.ID,
		"processed", result.ItemsProcessed, "inserted", result.ItemsInserted,
		"updated", result.ItemsUpdated, "failed", result.ItemsFailed,
		"duration_ms", result.ProcessingTimeMs)
	return result
}

// process parses, coerces, and batch-upserts. Counts accumulate into
// both the run and the result as batches commit, so a fatal error
// mid-run still finalizes with everything already committed.
func (e *Engine) process(ctx context.Context, data []byte, run *types.IngestionRun, result *types.IngestResult) error {
	doc, err := parseDocument(bytes.NewReader(data))
	if err != nil {
		return err
	}

	raws, shape, err := extractItems(doc)
	if err != nil {
		return err
	}
	e.logger.Debug("schema shape matched", "shape", shape, "records", len(raws))

	now := e.now()
	items := make([]*types.CatalogItem, 0, len(raws))
	for _, raw := range raws {
		item, err := coerceItem(raw, now)
		if err != nil {
			result.ItemsFailed++
			e.logger.Debug("record skipped", "error", err)
			continue
		}
		items = append(items, item)
	}
	result.ItemsProcessed = len(raws)

	for i := 0; i < len(items); i += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ingestion canceled: %w", err)
		}
		end := i + e.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		inserted, updated, err := e.upsertBatch(ctx, items[i:end])
		if err != nil {
			// This batch rolled back; later batches still proceed.
			result.ItemsFailed += end - i
			e.logger.Warn("batch failed", "run_id", run.ID, "batch_start", i, "size", end-i, "error", err)
			continue
		}
		result.ItemsInserted += inserted
		result.ItemsUpdated += updated
	}

	run.ItemsProcessed = result.ItemsProcessed
	run.ItemsInserted = result.ItemsInserted
	run.ItemsUpdated = result.ItemsUpdated
	run.ItemsFailed = result.ItemsFailed
	return nil
}

// upsertBatch writes one batch inside its own transaction.
func (e *Engine) upsertBatch(ctx context.Context, batch []*types.CatalogItem) (inserted, updated int, err error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range batch {
		ins, err := tx.UpsertItem(ctx, item)
		if err != nil {
			return 0, 0, err
		}
		if ins {
			inserted++
		} else {
			updated++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return inserted, updated, nil
}

// finalize stamps the run terminal exactly once. A finalize failure is
// logged but never masks the run outcome already in the result.
func (e *Engine) finalize(ctx context.Context, run *types.IngestionRun, start time.Time, result *types.IngestResult) {
	finished := e.now()
	run.FinishedAt = &finished
	run.DurationMs = finished.Sub(start).Milliseconds()
	run.ItemsProcessed = result.ItemsProcessed
	run.ItemsInserted = result.ItemsInserted
	run.ItemsUpdated = result.ItemsUpdated
	run.ItemsFailed = result.ItemsFailed
	if err := e.store.FinalizeRun(ctx, run); err != nil {
		e.logger.Error("failed to finalize ingestion run", "run_id", run.ID, "error", err)
	}
}
