package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/clinicore/mbscatalog/pkg/types"
)

// applyItemFilters appends the shared filter predicates to a query that
// already has a WHERE clause. Both search paths go through here so the
// filter semantics cannot diverge.
func applyItemFilters(query string, args []interface{}, filters *types.SearchFilters) (string, []interface{}) {
	if filters == nil {
		query += " AND c.is_active = 1"
		return query, args
	}

	if !filters.IncludeInactive {
		query += " AND c.is_active = 1"
	}
	if filters.ProviderType != "" {
		query += " AND c.provider_type = ?"
		args = append(args, filters.ProviderType)
	}
	if filters.Category != "" {
		query += " AND c.category = ?"
		args = append(args, filters.Category)
	}
	if filters.MinFee != nil {
		query += " AND c.schedule_fee >= ?"
		args = append(args, *filters.MinFee)
	}
	if filters.MaxFee != nil {
		query += " AND c.schedule_fee <= ?"
		args = append(args, *filters.MaxFee)
	}
	return query, args
}

// lexicalOrderClause maps a sort selection onto SQL. Item number is
// always the tiebreaker so pagination is stable.
func lexicalOrderClause(sortBy types.SortBy) string {
	switch sortBy {
	case types.SortFeeAsc:
		return " ORDER BY c.schedule_fee ASC, c.item_number ASC"
	case types.SortFeeDesc:
		return " ORDER BY c.schedule_fee DESC, c.item_number ASC"
	case types.SortItemNumber:
		return " ORDER BY c.item_number ASC"
	default:
		// bm25 scores are negative; lower is a better match
		return " ORDER BY score ASC, c.item_number ASC"
	}
}

// LexicalSearch runs FTS5 full-text ranking against the precomputed
// search_text column. The returned total counts all matches under the
// same filters, not just the returned page.
func (s *SQLiteStore) LexicalSearch(ctx context.Context, query string, filters *types.SearchFilters, sortBy types.SortBy, limit, offset int) ([]LexicalResult, int, error) {
	sanitized := sanitizeFTSQuery(query)
	if sanitized == "" {
		return []LexicalResult{}, 0, nil
	}
	if limit <= 0 {
		return []LexicalResult{}, 0, nil
	}
	if offset < 0 {
		offset = 0
	}

	base := ` FROM catalog_fts
		INNER JOIN catalog_items c ON catalog_fts.rowid = c.id
		WHERE catalog_fts MATCH ?`
	args := []interface{}{sanitized}
	base, args = applyItemFilters(base, args, filters)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+base, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count lexical matches: %w", err)
	}

	sqlQuery := "SELECT " + itemColumns + ", bm25(catalog_fts) AS score" + base +
		lexicalOrderClause(sortBy) + " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute lexical search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]LexicalResult, 0, limit)
	for rows.Next() {
		var item types.CatalogItem
		var startDate, endDate sql.NullTime
		var score float64
		err := rows.Scan(
			&item.ID, &item.ItemNumber, &item.Description, &item.ShortDescription,
			&item.Category, &item.SubCategory, &item.Group, &item.SubGroup, &item.ProviderType,
			&item.ScheduleFee, &item.Benefit75, &item.Benefit85, &item.Benefit100, &item.DerivedFee,
			&item.Anaesthetic, &item.BasicUnits, &startDate, &endDate, &item.IsActive,
			&item.SearchText, &item.HasEmbedding, &item.CreatedAt, &item.UpdatedAt,
			&score,
		)
		if err != nil {
			return nil, 0, err
		}
		if startDate.Valid {
			t := startDate.Time
			item.StartDate = &t
		}
		if endDate.Valid {
			t := endDate.Time
			item.EndDate = &t
		}
		results = append(results, LexicalResult{Item: item, Rank: normalizeBM25(score)})
	}
	return results, total, rows.Err()
}

// normalizeBM25 converts a raw FTS5 bm25 score (negative, lower is
// better) into a rank in (0, 1].
func normalizeBM25(score float64) float64 {
	return 1.0 / (1.0 + math.Abs(score)/50.0)
}

// SemanticSearch ranks rows holding a vector by cosine similarity.
// Items not yet embedded are invisible here until the embedding
// generator catches up.
func (s *SQLiteStore) SemanticSearch(ctx context.Context, vector []float32, filters *types.SearchFilters, limit int) ([]SemanticResult, error) {
	if limit <= 0 {
		return []SemanticResult{}, nil
	}
	if VectorExtensionAvailable {
		return s.semanticSearchOptimized(ctx, vector, filters, limit)
	}
	return s.semanticSearchFallback(ctx, vector, filters, limit)
}

// semanticSearchOptimized computes distance at the database layer via
// sqlite-vec. vec_distance_cosine returns distance; similarity is
// 1 - distance.
func (s *SQLiteStore) semanticSearchOptimized(ctx context.Context, vector []float32, filters *types.SearchFilters, limit int) ([]SemanticResult, error) {
	blob := serializeVector(vector)
	query := "SELECT " + itemColumns + `, 1.0 - vec_distance_cosine(c.embedding, ?) AS similarity
		FROM catalog_items c
		WHERE c.embedding IS NOT NULL`
	args := []interface{}{blob}
	query, args = applyItemFilters(query, args, filters)
	query += " ORDER BY similarity DESC, c.item_number ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute semantic search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]SemanticResult, 0, limit)
	for rows.Next() {
		var item types.CatalogItem
		var startDate, endDate sql.NullTime
		var similarity float64
		err := rows.Scan(
			&item.ID, &item.ItemNumber, &item.Description, &item.ShortDescription,
			&item.Category, &item.SubCategory, &item.Group, &item.SubGroup, &item.ProviderType,
			&item.ScheduleFee, &item.Benefit75, &item.Benefit85, &item.Benefit100, &item.DerivedFee,
			&item.Anaesthetic, &item.BasicUnits, &startDate, &endDate, &item.IsActive,
			&item.SearchText, &item.HasEmbedding, &item.CreatedAt, &item.UpdatedAt,
			&similarity,
		)
		if err != nil {
			return nil, err
		}
		if startDate.Valid {
			t := startDate.Time
			item.StartDate = &t
		}
		if endDate.Valid {
			t := endDate.Time
			item.EndDate = &t
		}
		results = append(results, SemanticResult{Item: item, Similarity: similarity})
	}
	return results, rows.Err()
}

// semanticSearchFallback loads candidate vectors and computes cosine
// similarity in Go. Used on purego builds.
func (s *SQLiteStore) semanticSearchFallback(ctx context.Context, vector []float32, filters *types.SearchFilters, limit int) ([]SemanticResult, error) {
	query := "SELECT " + itemColumns + `, c.embedding
		FROM catalog_items c
		WHERE c.embedding IS NOT NULL`
	args := []interface{}{}
	query, args = applyItemFilters(query, args, filters)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates := make([]SemanticResult, 0, 256)
	for rows.Next() {
		var item types.CatalogItem
		var startDate, endDate sql.NullTime
		var blob []byte
		err := rows.Scan(
			&item.ID, &item.ItemNumber, &item.Description, &item.ShortDescription,
			&item.Category, &item.SubCategory, &item.Group, &item.SubGroup, &item.ProviderType,
			&item.ScheduleFee, &item.Benefit75, &item.Benefit85, &item.Benefit100, &item.DerivedFee,
			&item.Anaesthetic, &item.BasicUnits, &startDate, &endDate, &item.IsActive,
			&item.SearchText, &item.HasEmbedding, &item.CreatedAt, &item.UpdatedAt,
			&blob,
		)
		if err != nil {
			return nil, err
		}
		if startDate.Valid {
			t := startDate.Time
			item.StartDate = &t
		}
		if endDate.Valid {
			t := endDate.Time
			item.EndDate = &t
		}

		stored := deserializeVector(blob)
		if len(stored) != len(vector) {
			continue // dimension mismatch, skip
		}
		candidates = append(candidates, SemanticResult{
			Item:       item,
			Similarity: cosineSimilarity(vector, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Item.ItemNumber < candidates[j].Item.ItemNumber
	})

	if limit > len(candidates) {
		limit = len(candidates)
	}
	return candidates[:limit], nil
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// FTS5 operator pattern for escaping Boolean operators
var ftsOperatorPattern = regexp.MustCompile(`\b(AND|OR|NOT|NEAR)\b`)

// sanitizeFTSQuery sanitizes a search query for FTS5 to prevent
// injection through MATCH syntax. Each term is double-quoted so
// punctuation inside clinical phrasing ("45-minute consultation")
// cannot be parsed as operators.
func sanitizeFTSQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}

	query = ftsOperatorPattern.ReplaceAllStringFunc(query, strings.ToLower)

	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, `"`, ``)
		if term == "" {
			continue
		}
		quoted = append(quoted, `"`+term+`"`)
	}
	return strings.Join(quoted, " ")
}

// SerializeVector is an exported helper for testing
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is an exported helper for testing
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}

// CosineSimilarity is an exported helper for testing
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
