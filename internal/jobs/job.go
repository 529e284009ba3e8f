// Package jobs runs the pipeline stages as dependent background jobs
// on a SQLite-persisted priority queue.
//
// Jobs move queued -> active -> {completed | failed}, with bounded
// retries between queued and active. A child job is never claimed
// before its parent completes; a failed parent fails its children
// without ever starting them. Terminal jobs are purged after a
// retention window.
package jobs

import (
	"encoding/json"
	"time"
)

// Kind identifies which pipeline stage a job runs.
type Kind string

const (
	KindIngest  Kind = "ingest"
	KindEmbed   Kind = "embed"
	KindReindex Kind = "reindex"
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether a state can no longer change.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Pipeline priorities. Ingest outranks everything so new data lands
// before derived stages churn.
const (
	PriorityIngest  = 10
	PriorityEmbed   = 5
	PriorityReindex = 1
)

// retryPolicy bounds attempts per kind. Embedding gets the most
// retries because its failures are usually transient provider errors.
type retryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

var retryPolicies = map[Kind]retryPolicy{
	KindIngest:  {MaxAttempts: 2, BaseDelay: 30 * time.Second},
	KindEmbed:   {MaxAttempts: 3, BaseDelay: 10 * time.Second},
	KindReindex: {MaxAttempts: 2, BaseDelay: 5 * time.Second},
}

// backoffDelay returns the wait before retry attempt n (1-based).
func (p retryPolicy) backoffDelay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Job is one queued unit of work.
type Job struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	Payload       string     `json:"payload"`
	Priority      int        `json:"priority"`
	State         State      `json:"state"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"maxAttempts"`
	ParentID      string     `json:"parentId,omitempty"`
	Progress      string     `json:"progress,omitempty"`
	Result        string     `json:"result,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	NextRunAt     time.Time  `json:"nextRunAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// IngestPayload is the payload for ingest jobs.
type IngestPayload struct {
	FilePath string `json:"filePath"`
	FileName string `json:"fileName"`
	Force    bool   `json:"force"`
}

// EmbedPayload is the payload for embed jobs. Empty ItemIDs means all
// unembedded items; zero BatchSize means the configured default.
type EmbedPayload struct {
	ItemIDs   []int64 `json:"itemIds,omitempty"`
	BatchSize int     `json:"batchSize,omitempty"`
}

// ReindexPayload is the payload for reindex jobs. Empty ItemIDs means
// the whole catalog.
type ReindexPayload struct {
	ItemIDs []int64 `json:"itemIds,omitempty"`
}

func encodePayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodePayload unmarshals a job's payload into the given payload
// struct.
func (j *Job) DecodePayload(v any) error {
	return json.Unmarshal([]byte(j.Payload), v)
}

// Status is the caller-facing view of one job.
type Status struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	State         State      `json:"state"`
	Progress      string     `json:"progress,omitempty"`
	Result        string     `json:"result,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// PipelineJobs holds the ids of a full ingest pipeline, chained so
// each stage waits on the previous one.
type PipelineJobs struct {
	IngestID  string `json:"ingestId"`
	EmbedID   string `json:"embedId"`
	ReindexID string `json:"reindexId"`
}
