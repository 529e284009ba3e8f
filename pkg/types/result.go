package types

// IngestResult is the outcome of one ingestion call. The public
// ingestion entry point never returns a bare error: fatal failures are
// captured here with Success=false after being persisted to the run
// record.
type IngestResult struct {
	Success          bool   `json:"success"`
	RunID            int64  `json:"runId,omitempty"`
	ItemsProcessed   int    `json:"itemsProcessed"`
	ItemsInserted    int    `json:"itemsInserted"`
	ItemsUpdated     int    `json:"itemsUpdated"`
	ItemsFailed      int    `json:"itemsFailed"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	Skipped          bool   `json:"skipped"` // prior completed run satisfied this hash
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

// EmbedResult is the outcome of one embedding generation pass.
type EmbedResult struct {
	Success         bool   `json:"success"`
	ItemsProcessed  int    `json:"itemsProcessed"`
	ItemsUpdated    int    `json:"itemsUpdated"`
	ItemsFailed     int    `json:"itemsFailed"`
	EmbeddingTimeMs int64  `json:"embeddingTimeMs"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
}

// ReindexResult is the outcome of one lexical reindex pass.
type ReindexResult struct {
	Success          bool   `json:"success"`
	ItemsProcessed   int    `json:"itemsProcessed"`
	ItemsUpdated     int    `json:"itemsUpdated"`
	ItemsFailed      int    `json:"itemsFailed"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

// HealthStats summarizes catalog coverage for monitoring callers.
type HealthStats struct {
	TotalItems          int    `json:"totalItems"`
	ActiveItems         int    `json:"activeItems"`
	ItemsWithEmbeddings int    `json:"itemsWithEmbeddings"`
	LastUpdated         string `json:"lastUpdated,omitempty"`
}
