package types

// SearchType selects which retrieval path answers a query.
type SearchType string

const (
	SearchText     SearchType = "text"
	SearchSemantic SearchType = "semantic"
	SearchHybrid   SearchType = "hybrid"
)

// SortBy orders lexical search results. Relevance is ignored by
// semantic search, which always ranks by similarity.
type SortBy string

const (
	SortRelevance  SortBy = "relevance"
	SortFeeAsc     SortBy = "fee_asc"
	SortFeeDesc    SortBy = "fee_desc"
	SortItemNumber SortBy = "item_number"
)

// SearchFilters narrows both lexical and semantic search. The zero
// value applies no narrowing beyond the active-only default.
type SearchFilters struct {
	ProviderType    string   `json:"providerType,omitempty"`
	Category        string   `json:"category,omitempty"`
	IncludeInactive bool     `json:"includeInactive,omitempty"`
	MinFee          *float64 `json:"minFee,omitempty"`
	MaxFee          *float64 `json:"maxFee,omitempty"`
}

// SearchRequest is the full search contract. Limit is clamped to
// MaxSearchLimit; offset paginates the merged ranking, not the
// underlying sub-searches.
type SearchRequest struct {
	Query      string         `json:"query"`
	SearchType SearchType     `json:"searchType"`
	Filters    *SearchFilters `json:"filters,omitempty"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
	SortBy     SortBy         `json:"sortBy"`
}

// MaxSearchLimit caps both the caller-facing page size and the
// per-sub-search fetch depth in hybrid mode.
const MaxSearchLimit = 100

// SearchResult is one ranked catalog item. RelevanceScore is in the
// merged scoring space for hybrid results, the native space otherwise.
type SearchResult struct {
	CatalogItem
	RelevanceScore float64    `json:"relevanceScore"`
	SearchType     SearchType `json:"searchType"`
}

// SearchResponse carries one page of ranked results.
type SearchResponse struct {
	Results          []SearchResult `json:"results"`
	Total            int            `json:"total"`
	HasMore          bool           `json:"hasMore"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
}
