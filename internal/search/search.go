// Package search answers catalog queries by lexical rank, vector
// similarity, or a weighted merge of both.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clinicore/mbscatalog/internal/config"
	"github.com/clinicore/mbscatalog/internal/embedder"
	"github.com/clinicore/mbscatalog/internal/storage"
	"github.com/clinicore/mbscatalog/pkg/types"
)

// DefaultLimit is the page size used when the caller does not set one.
const DefaultLimit = 20

// hybridFetchFactor over-fetches each sub-search so the merged ranking
// has enough candidates to fill a page even when the two result sets
// barely overlap.
const hybridFetchFactor = 3

// Engine runs catalog searches. The embedder may be nil, in which case
// semantic retrieval is unavailable and hybrid degrades to lexical.
type Engine struct {
	store    storage.Store
	embedder embedder.Embedder
	weights  config.SearchConfig
	logger   *slog.Logger
}

// New creates a search engine.
func New(store storage.Store, emb embedder.Embedder, weights config.SearchConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, embedder: emb, weights: weights, logger: logger}
}

// Search answers one query. An empty query returns an empty page
// immediately. A failing semantic path degrades to lexical results; a
// failing lexical path in text mode is a real error. An unknown search
// type is a programmer error and always fails.
func (e *Engine) Search(ctx context.Context, req *types.SearchRequest) (*types.SearchResponse, error) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return &types.SearchResponse{
			Results:          []types.SearchResult{},
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > types.MaxSearchLimit {
		limit = types.MaxSearchLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = types.SortRelevance
	}

	searchType := req.SearchType
	if searchType == "" {
		searchType = types.SearchHybrid
	}

	var (
		resp *types.SearchResponse
		err  error
	)
	switch searchType {
	case types.SearchText:
		resp, err = e.lexical(ctx, query, req.Filters, sortBy, limit, offset)
	case types.SearchSemantic:
		resp, err = e.semantic(ctx, query, req.Filters, limit, offset)
		if err != nil {
			e.logger.Warn("semantic search failed, falling back to lexical", "error", err)
			resp, err = e.lexical(ctx, query, req.Filters, sortBy, limit, offset)
		}
	case types.SearchHybrid:
		resp, err = e.hybrid(ctx, query, req.Filters, sortBy, limit, offset)
	default:
		return nil, fmt.Errorf("unsupported search type %q", req.SearchType)
	}
	if err != nil {
		return nil, err
	}

	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	e.logger.Debug("search completed",
		"type", searchType, "query", query,
		"results", len(resp.Results), "total", resp.Total,
		"duration_ms", resp.ProcessingTimeMs)
	return resp, nil
}

func (e *Engine) lexical(ctx context.Context, query string, filters *types.SearchFilters, sortBy types.SortBy, limit, offset int) (*types.SearchResponse, error) {
	matches, total, err := e.store.LexicalSearch(ctx, query, filters, sortBy, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	results := make([]types.SearchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, types.SearchResult{
			CatalogItem:    m.Item,
			RelevanceScore: m.Rank,
			SearchType:     types.SearchText,
		})
	}
	return &types.SearchResponse{
		Results: results,
		Total:   total,
		HasMore: offset+len(results) < total,
	}, nil
}

func (e *Engine) semantic(ctx context.Context, query string, filters *types.SearchFilters, limit, offset int) (*types.SearchResponse, error) {
	matches, err := e.semanticMatches(ctx, query, filters, offset+limit+1)
	if err != nil {
		return nil, err
	}

	total := len(matches)
	hasMore := false
	if total > offset+limit {
		hasMore = true
	}
	if offset >= len(matches) {
		matches = nil
	} else {
		end := offset + limit
		if end > len(matches) {
			end = len(matches)
		}
		matches = matches[offset:end]
	}

	results := make([]types.SearchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, types.SearchResult{
			CatalogItem:    m.Item,
			RelevanceScore: m.Similarity,
			SearchType:     types.SearchSemantic,
		})
	}
	return &types.SearchResponse{Results: results, Total: total, HasMore: hasMore}, nil
}

func (e *Engine) semanticMatches(ctx context.Context, query string, filters *types.SearchFilters, limit int) ([]storage.SemanticResult, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("no embedding provider available")
	}
	emb, err := e.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	matches, err := e.store.SemanticSearch(ctx, emb.Vector, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	return matches, nil
}

// hybrid runs both sub-searches concurrently and merges by item
// number. One failed sub-search degrades to the other's results; both
// failing is an error.
func (e *Engine) hybrid(ctx context.Context, query string, filters *types.SearchFilters, sortBy types.SortBy, limit, offset int) (*types.SearchResponse, error) {
	fetch := hybridFetchFactor * limit
	if fetch > types.MaxSearchLimit {
		fetch = types.MaxSearchLimit
	}

	var (
		lexMatches []storage.LexicalResult
		semMatches []storage.SemanticResult
		lexErr     error
		semErr     error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lexMatches, _, lexErr = e.store.LexicalSearch(gctx, query, filters, types.SortRelevance, fetch, 0)
		return nil
	})
	g.Go(func() error {
		semMatches, semErr = e.semanticMatches(gctx, query, filters, fetch)
		return nil
	})
	_ = g.Wait()

	if lexErr != nil && semErr != nil {
		return nil, fmt.Errorf("both search paths failed: lexical: %v; semantic: %v", lexErr, semErr)
	}
	if lexErr != nil {
		e.logger.Warn("lexical sub-search failed, using semantic results only", "error", lexErr)
	}
	if semErr != nil {
		e.logger.Warn("semantic sub-search failed, using lexical results only", "error", semErr)
	}

	merged := e.merge(lexMatches, semMatches)
	if sortBy != types.SortRelevance {
		applySort(merged, sortBy)
	}

	total := len(merged)
	page := merged
	if offset >= total {
		page = nil
	} else {
		end := offset + limit
		if end > total {
			end = total
		}
		page = merged[offset:end]
	}

	return &types.SearchResponse{
		Results: page,
		Total:   total,
		HasMore: offset+len(page) < total,
	}, nil
}

// merge combines the two candidate sets into one scoring space. Items
// found by both paths score a weighted sum of both signals plus an
// agreement bonus; single-path items are discounted by their path
// weight. The result is sorted descending by score with item number as
// tiebreaker.
func (e *Engine) merge(lex []storage.LexicalResult, sem []storage.SemanticResult) []types.SearchResult {
	type candidate struct {
		item     types.CatalogItem
		lexRank  float64
		simScore float64
		hasLex   bool
		hasSem   bool
	}

	byNumber := make(map[int]*candidate, len(lex)+len(sem))
	order := make([]int, 0, len(lex)+len(sem))

	for _, m := range lex {
		c := &candidate{item: m.Item, lexRank: m.Rank, hasLex: true}
		byNumber[m.Item.ItemNumber] = c
		order = append(order, m.Item.ItemNumber)
	}
	for _, m := range sem {
		if c, ok := byNumber[m.Item.ItemNumber]; ok {
			c.simScore = m.Similarity
			c.hasSem = true
			continue
		}
		byNumber[m.Item.ItemNumber] = &candidate{item: m.Item, simScore: m.Similarity, hasSem: true}
		order = append(order, m.Item.ItemNumber)
	}

	results := make([]types.SearchResult, 0, len(order))
	for _, n := range order {
		c := byNumber[n]
		var score float64
		switch {
		case c.hasLex && c.hasSem:
			score = c.lexRank*e.weights.LexicalBothWeight +
				c.simScore*e.weights.SemanticBothWeight +
				e.weights.AgreementBonus
		case c.hasLex:
			score = c.lexRank * e.weights.LexicalOnlyWeight
		default:
			score = c.simScore * e.weights.SemanticOnlyWeight
		}
		results = append(results, types.SearchResult{
			CatalogItem:    c.item,
			RelevanceScore: score,
			SearchType:     types.SearchHybrid,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].RelevanceScore != results[j].RelevanceScore {
			return results[i].RelevanceScore > results[j].RelevanceScore
		}
		return results[i].ItemNumber < results[j].ItemNumber
	})
	return results
}

// applySort reorders a merged result set by a field sort. Relevance
// scores are kept on the results so callers still see why each item
// matched.
func applySort(results []types.SearchResult, sortBy types.SortBy) {
	sort.SliceStable(results, func(i, j int) bool {
		switch sortBy {
		case types.SortFeeAsc:
			if results[i].ScheduleFee != results[j].ScheduleFee {
				return results[i].ScheduleFee < results[j].ScheduleFee
			}
		case types.SortFeeDesc:
			if results[i].ScheduleFee != results[j].ScheduleFee {
				return results[i].ScheduleFee > results[j].ScheduleFee
			}
		}
		return results[i].ItemNumber < results[j].ItemNumber
	})
}
