package types

import "time"

// CatalogItem is one entry of the billing schedule, keyed by its stable
// external item number. Fee amounts are in dollars. SearchText and
// Embedding are derived columns owned by the index maintainer and the
// embedding generator respectively; the ingestion engine never writes
// them.
type CatalogItem struct {
	ID               int64      `json:"id"`
	ItemNumber       int        `json:"itemNumber"`
	Description      string     `json:"description"`
	ShortDescription string     `json:"shortDescription"`
	Category         string     `json:"category"`
	SubCategory      string     `json:"subCategory"`
	Group            string     `json:"group"`
	SubGroup         string     `json:"subGroup"`
	ProviderType     string     `json:"providerType"`
	ScheduleFee      float64    `json:"scheduleFee"`
	Benefit75        float64    `json:"benefit75"`
	Benefit85        float64    `json:"benefit85"`
	Benefit100       float64    `json:"benefit100"`
	DerivedFee       string     `json:"derivedFee,omitempty"`
	Anaesthetic      bool       `json:"anaesthetic"`
	BasicUnits       int        `json:"basicUnits"`
	StartDate        *time.Time `json:"startDate,omitempty"`
	EndDate          *time.Time `json:"endDate,omitempty"`
	IsActive         bool       `json:"isActive"`
	SearchText       string     `json:"-"`
	HasEmbedding     bool       `json:"hasEmbedding"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// DeriveActive reports whether an item with the given end date is
// currently claimable. An absent end date means the item has no
// scheduled retirement.
func DeriveActive(endDate *time.Time, now time.Time) bool {
	return endDate == nil || endDate.After(now)
}

// IngestionRunStatus enumerates the lifecycle of an ingestion run.
type IngestionRunStatus string

const (
	RunProcessing IngestionRunStatus = "processing"
	RunCompleted  IngestionRunStatus = "completed"
	RunFailed     IngestionRunStatus = "failed"
)

// IngestionRun is the audit record for one attempt to import a specific
// content-hash version of the source file. A completed run is a
// permanent idempotency marker for its hash.
type IngestionRun struct {
	ID             int64              `json:"id"`
	ContentHash    string             `json:"contentHash"`
	FileName       string             `json:"fileName"`
	FileSize       int64              `json:"fileSize"`
	Status         IngestionRunStatus `json:"status"`
	ItemsProcessed int                `json:"itemsProcessed"`
	ItemsInserted  int                `json:"itemsInserted"`
	ItemsUpdated   int                `json:"itemsUpdated"`
	ItemsFailed    int                `json:"itemsFailed"`
	StartedAt      time.Time          `json:"startedAt"`
	FinishedAt     *time.Time         `json:"finishedAt,omitempty"`
	DurationMs     int64              `json:"durationMs"`
	ErrorMessage   string             `json:"errorMessage,omitempty"`
	ErrorDetail    string             `json:"errorDetail,omitempty"`
}
