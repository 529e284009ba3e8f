// Package service wires the pipeline stages, the job queue, and the
// search engine behind one facade consumed by the CLI.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/clinicore/mbscatalog/internal/config"
	"github.com/clinicore/mbscatalog/internal/embedder"
	"github.com/clinicore/mbscatalog/internal/embedgen"
	"github.com/clinicore/mbscatalog/internal/indexer"
	"github.com/clinicore/mbscatalog/internal/ingest"
	"github.com/clinicore/mbscatalog/internal/jobs"
	"github.com/clinicore/mbscatalog/internal/search"
	"github.com/clinicore/mbscatalog/internal/storage"
	"github.com/clinicore/mbscatalog/pkg/types"
)

// Service owns the catalog store, the job queue, and the pipeline
// stages.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	store    storage.Store
	queue    *jobs.Queue
	embedder embedder.Embedder

	ingest   *ingest.Engine
	embedgen *embedgen.Generator
	indexer  *indexer.Maintainer
	search   *search.Engine
}

// New opens the stores and builds every stage. The embedding provider
// comes from configuration; when it cannot be constructed the service
// still works with semantic search degraded to lexical.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewSQLiteStore(cfg.Catalog.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog store: %w", err)
	}

	queue, err := jobs.OpenQueue(cfg.Catalog.QueuePath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open job queue: %w", err)
	}

	emb, err := embedder.New(embedder.Config{
		Provider:   cfg.Embedding.Provider,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		CacheSize:  cfg.Embedding.CacheSize,
		MaxRetries: cfg.Embedding.MaxRetries,
		BaseDelay:  cfg.Embedding.BaseDelay(),
	})
	if err != nil {
		logger.Warn("embedding provider unavailable, semantic search disabled", "error", err)
		emb = nil
	}

	return &Service{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		queue:    queue,
		embedder: emb,
		ingest:   ingest.New(store, cfg.Ingestion, logger),
		embedgen: embedgen.New(store, emb, cfg.Embedding, logger),
		indexer:  indexer.New(store, logger),
		search:   search.New(store, emb, cfg.Search, logger),
	}, nil
}

// Close releases the stores and the provider.
func (s *Service) Close() error {
	if s.embedder != nil {
		_ = s.embedder.Close()
	}
	if err := s.queue.Close(); err != nil {
		_ = s.store.Close()
		return err
	}
	return s.store.Close()
}

// Ingest imports one schedule file synchronously.
func (s *Service) Ingest(ctx context.Context, filePath, fileName string, force bool) *types.IngestResult {
	return s.ingest.Ingest(ctx, filePath, fileName, force)
}

// Embed generates vectors for the given items, or all unembedded ones.
func (s *Service) Embed(ctx context.Context, itemIDs []int64, batchSize int) *types.EmbedResult {
	if s.embedder == nil {
		return &types.EmbedResult{Success: false, ErrorMessage: "no embedding provider configured"}
	}
	return s.embedgen.Generate(ctx, itemIDs, batchSize)
}

// Reindex rebuilds search text for the given items, or the whole
// catalog.
func (s *Service) Reindex(ctx context.Context, itemIDs []int64) *types.ReindexResult {
	return s.indexer.Reindex(ctx, itemIDs)
}

// Search answers one catalog query.
func (s *Service) Search(ctx context.Context, req *types.SearchRequest) (*types.SearchResponse, error) {
	return s.search.Search(ctx, req)
}

// GetItem looks up one item by its schedule number.
func (s *Service) GetItem(ctx context.Context, itemNumber int) (*types.CatalogItem, error) {
	return s.store.GetByItemNumber(ctx, itemNumber)
}

// HealthStats reports catalog coverage plus the latest ingestion run.
func (s *Service) HealthStats(ctx context.Context) (*types.HealthStats, *types.IngestionRun, error) {
	stats, err := s.store.HealthStats(ctx)
	if err != nil {
		return nil, nil, err
	}
	run, err := s.store.LatestRun(ctx)
	if err != nil && err != storage.ErrNotFound {
		return nil, nil, err
	}
	return stats, run, nil
}

// EnqueuePipeline queues the full ingest -> embed -> reindex chain.
func (s *Service) EnqueuePipeline(ctx context.Context, filePath, fileName string, force bool) (*jobs.PipelineJobs, error) {
	return s.queue.EnqueuePipeline(ctx, filePath, fileName, force)
}

// EnqueueIngest queues a standalone ingest job.
func (s *Service) EnqueueIngest(ctx context.Context, filePath, fileName string, force bool) (string, error) {
	return s.queue.EnqueueIngest(ctx, jobs.IngestPayload{
		FilePath: filePath, FileName: fileName, Force: force,
	}, jobs.PriorityIngest, "")
}

// JobStatus returns one job's state, progress, and outcome.
func (s *Service) JobStatus(ctx context.Context, jobID string) (*jobs.Status, error) {
	return s.queue.Status(ctx, jobID)
}

// CancelJob removes a queued job before it starts.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	return s.queue.Cancel(ctx, jobID)
}

// JobCounts returns queue depth per state.
func (s *Service) JobCounts(ctx context.Context) (map[jobs.State]int, error) {
	return s.queue.Counts(ctx)
}

// NewRunner builds the worker runner with a handler per job kind.
func (s *Service) NewRunner() (*jobs.Runner, error) {
	return jobs.NewRunner(s.queue, s.cfg.Jobs, s.jobHandlers(), s.logger)
}

// jobHandlers adapts the pipeline stages to queue handlers. Each
// handler returns the stage result as JSON; a stage-level failure
// becomes a job error so the queue's retry policy applies.
func (s *Service) jobHandlers() map[jobs.Kind]jobs.HandlerFunc {
	return map[jobs.Kind]jobs.HandlerFunc{
		jobs.KindIngest: func(ctx context.Context, job *jobs.Job) (string, error) {
			var p jobs.IngestPayload
			if err := job.DecodePayload(&p); err != nil {
				return "", fmt.Errorf("bad ingest payload: %w", err)
			}
			result := s.Ingest(ctx, p.FilePath, p.FileName, p.Force)
			return marshalResult(result, result.Success, result.ErrorMessage)
		},
		jobs.KindEmbed: func(ctx context.Context, job *jobs.Job) (string, error) {
			var p jobs.EmbedPayload
			if err := job.DecodePayload(&p); err != nil {
				return "", fmt.Errorf("bad embed payload: %w", err)
			}
			result := s.Embed(ctx, p.ItemIDs, p.BatchSize)
			return marshalResult(result, result.Success, result.ErrorMessage)
		},
		jobs.KindReindex: func(ctx context.Context, job *jobs.Job) (string, error) {
			var p jobs.ReindexPayload
			if err := job.DecodePayload(&p); err != nil {
				return "", fmt.Errorf("bad reindex payload: %w", err)
			}
			result := s.Reindex(ctx, p.ItemIDs)
			return marshalResult(result, result.Success, result.ErrorMessage)
		},
	}
}

func marshalResult(result any, success bool, errMsg string) (string, error) {
	if !success {
		return "", fmt.Errorf("%s", errMsg)
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(b), nil
}
