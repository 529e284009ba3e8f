package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/mbscatalog/internal/storage"
)

var (
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotCancelable is returned when canceling a job that already
	// started or finished. In-flight jobs observe context at batch
	// boundaries instead.
	ErrNotCancelable = errors.New("job is not queued, cannot cancel")
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	parent_id TEXT REFERENCES jobs(id),
	progress TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	next_run_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_id);
`

const jobColumns = `id, kind, payload, priority, state, attempts, max_attempts,
	COALESCE(parent_id, ''), progress, result, failure_reason,
	created_at, next_run_at, started_at, finished_at`

// Queue is the persistent job queue. It lives in its own SQLite
// database so queue churn never contends with catalog writes.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

// OpenQueue opens (and creates if needed) the queue database.
func OpenQueue(path string) (*Queue, error) {
	db, err := sql.Open(storage.DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(jobsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create jobs schema: %w", err)
	}
	return &Queue{db: db, now: time.Now}, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// EnqueueIngest queues an ingest job.
func (q *Queue) EnqueueIngest(ctx context.Context, payload IngestPayload, priority int, parentID string) (string, error) {
	return q.enqueue(ctx, q.db, KindIngest, payload, priority, parentID)
}

// EnqueueEmbed queues an embed job.
func (q *Queue) EnqueueEmbed(ctx context.Context, payload EmbedPayload, priority int, parentID string) (string, error) {
	return q.enqueue(ctx, q.db, KindEmbed, payload, priority, parentID)
}

// EnqueueReindex queues a reindex job.
func (q *Queue) EnqueueReindex(ctx context.Context, payload ReindexPayload, priority int, parentID string) (string, error) {
	return q.enqueue(ctx, q.db, KindReindex, payload, priority, parentID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (q *Queue) enqueue(ctx context.Context, ex execer, kind Kind, payload any, priority int, parentID string) (string, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	id := uuid.New().String()
	now := q.now().UTC()
	var parent any
	if parentID != "" {
		parent = parentID
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, priority, state, max_attempts, parent_id, created_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(kind), data, priority, string(StateQueued),
		retryPolicies[kind].MaxAttempts, parent, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	return id, nil
}

// EnqueuePipeline queues the full ingest -> embed -> reindex chain for
// one file. Each stage waits on the previous one, and priorities fall
// along the chain so fresh data always lands first.
func (q *Queue) EnqueuePipeline(ctx context.Context, filePath, fileName string, force bool) (*PipelineJobs, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start pipeline transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ingestID, err := q.enqueue(ctx, tx, KindIngest,
		IngestPayload{FilePath: filePath, FileName: fileName, Force: force}, PriorityIngest, "")
	if err != nil {
		return nil, err
	}
	embedID, err := q.enqueue(ctx, tx, KindEmbed, EmbedPayload{}, PriorityEmbed, ingestID)
	if err != nil {
		return nil, err
	}
	reindexID, err := q.enqueue(ctx, tx, KindReindex, ReindexPayload{}, PriorityReindex, embedID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pipeline: %w", err)
	}
	return &PipelineJobs{IngestID: ingestID, EmbedID: embedID, ReindexID: reindexID}, nil
}

// Status returns the caller-facing view of one job.
func (q *Queue) Status(ctx context.Context, jobID string) (*Status, error) {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Status{
		ID:            job.ID,
		Kind:          job.Kind,
		State:         job.State,
		Progress:      job.Progress,
		Result:        job.Result,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
	}, nil
}

func (q *Queue) getJob(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var (
		job        Job
		kind       string
		state      string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := scan(&job.ID, &kind, &job.Payload, &job.Priority, &state,
		&job.Attempts, &job.MaxAttempts, &job.ParentID, &job.Progress,
		&job.Result, &job.FailureReason, &job.CreatedAt, &job.NextRunAt,
		&startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	job.Kind = Kind(kind)
	job.State = State(state)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

// Cancel removes a queued job before it starts. Active and terminal
// jobs cannot be canceled here.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	now := q.now().UTC()
	result, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, finished_at = ?
		WHERE id = ? AND state = ?`,
		string(StateCanceled), now, jobID, string(StateQueued))
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := q.getJob(ctx, jobID); err != nil {
			return err
		}
		return ErrNotCancelable
	}
	return nil
}

// Claim atomically moves the highest-priority runnable job to active
// and returns it, or nil when nothing is runnable. A job is runnable
// when it is queued, due, and either parentless or has a completed
// parent. Children of failed or canceled parents are failed first so
// they never run against missing inputs.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := q.now().UTC()

	if err := q.failOrphans(ctx, now); err != nil {
		return nil, err
	}

	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs SET state = ?, attempts = attempts + 1, started_at = ?
		WHERE id = (
			SELECT j.id FROM jobs j
			LEFT JOIN jobs p ON p.id = j.parent_id
			WHERE j.state = ? AND j.next_run_at <= ?
				AND (j.parent_id IS NULL OR p.state = ?)
			ORDER BY j.priority DESC, j.created_at, j.id
			LIMIT 1
		) AND state = ?
		RETURNING `+jobColumns,
		string(StateActive), now,
		string(StateQueued), now, string(StateCompleted),
		string(StateQueued))

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// failOrphans fails queued children whose parent can never complete.
// It loops so a failure cascades down a whole dependency chain in one
// call.
func (q *Queue) failOrphans(ctx context.Context, now time.Time) error {
	for {
		result, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET state = ?, failure_reason = ?, finished_at = ?
			WHERE state = ? AND parent_id IN (
				SELECT id FROM jobs WHERE state IN (?, ?)
			)`,
			string(StateFailed), "parent job did not complete", now,
			string(StateQueued), string(StateFailed), string(StateCanceled))
		if err != nil {
			return fmt.Errorf("failed to propagate parent failures: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// RecoverStale returns active jobs to the queue. An active row with no
// live worker is left over from a crashed or killed run; this runs at
// worker startup, before the poll loop claims anything. Jobs with no
// attempts left are failed terminally instead. Returns how many jobs
// were requeued.
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	now := q.now().UTC()

	result, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, started_at = NULL, next_run_at = ?
		WHERE state = ? AND attempts < max_attempts`,
		string(StateQueued), now, string(StateActive))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	requeued, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	_, err = q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, failure_reason = ?, finished_at = ?
		WHERE state = ?`,
		string(StateFailed), "interrupted with no attempts remaining", now,
		string(StateActive))
	if err != nil {
		return 0, fmt.Errorf("failed to fail exhausted stale jobs: %w", err)
	}
	return requeued, nil
}

// MarkCompleted finishes a job with its serialized result.
func (q *Queue) MarkCompleted(ctx context.Context, jobID, result string) error {
	now := q.now().UTC()
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, result = ?, finished_at = ?
		WHERE id = ? AND state = ?`,
		string(StateCompleted), result, now, jobID, string(StateActive))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. While attempts remain the job
// goes back to queued with an exponential backoff delay; otherwise it
// is failed terminally.
func (q *Queue) MarkFailed(ctx context.Context, job *Job, reason string) error {
	now := q.now().UTC()
	policy := retryPolicies[job.Kind]

	if job.Attempts < job.MaxAttempts {
		nextRun := now.Add(policy.backoffDelay(job.Attempts))
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET state = ?, failure_reason = ?, next_run_at = ?
			WHERE id = ? AND state = ?`,
			string(StateQueued), reason, nextRun, job.ID, string(StateActive))
		if err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		return nil
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, failure_reason = ?, finished_at = ?
		WHERE id = ? AND state = ?`,
		string(StateFailed), reason, now, job.ID, string(StateActive))
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// UpdateProgress stores a progress note on an active job.
func (q *Queue) UpdateProgress(ctx context.Context, jobID, progress string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE jobs SET progress = ? WHERE id = ?`, progress, jobID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// Purge deletes terminal jobs older than the retention window and
// returns how many were removed.
func (q *Queue) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := q.now().UTC().Add(-retention)
	result, err := q.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		string(StateCompleted), string(StateFailed), string(StateCanceled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return result.RowsAffected()
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}
