package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinicore/mbscatalog/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite benefits from a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStore creates a new SQLite catalog store and applies any
// pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, store: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx    *sql.Tx
	store *SQLiteStore
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *sqliteTx) UpsertItem(ctx context.Context, item *types.CatalogItem) (bool, error) {
	return t.store.upsertItemWithQuerier(ctx, t.tx, item)
}

func (s *SQLiteStore) querier() querier {
	return s.db
}

// itemColumns is the canonical select list shared by every item read.
const itemColumns = `c.id, c.item_number, c.description, c.short_description,
	c.category, c.sub_category, c.item_group, c.sub_group, c.provider_type,
	c.schedule_fee, c.benefit_75, c.benefit_85, c.benefit_100, c.derived_fee,
	c.anaesthetic, c.basic_units, c.start_date, c.end_date, c.is_active,
	c.search_text, (c.embedding IS NOT NULL), c.created_at, c.updated_at`

// scanItem scans one row produced by itemColumns.
func scanItem(scan func(dest ...interface{}) error) (*types.CatalogItem, error) {
	var item types.CatalogItem
	var startDate, endDate sql.NullTime
	err := scan(
		&item.ID, &item.ItemNumber, &item.Description, &item.ShortDescription,
		&item.Category, &item.SubCategory, &item.Group, &item.SubGroup, &item.ProviderType,
		&item.ScheduleFee, &item.Benefit75, &item.Benefit85, &item.Benefit100, &item.DerivedFee,
		&item.Anaesthetic, &item.BasicUnits, &startDate, &endDate, &item.IsActive,
		&item.SearchText, &item.HasEmbedding, &item.CreatedAt, &item.UpdatedAt,
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
	return &item, nil
}

// Item operations

// upsertItemWithQuerier is the internal implementation that uses a querier.
// The DO UPDATE clause deliberately leaves search_text and the embedding
// columns untouched: those are owned by the index maintainer and the
// embedding generator.
func (s *SQLiteStore) upsertItemWithQuerier(ctx context.Context, q querier, item *types.CatalogItem) (bool, error) {
	var existingID int64
	err := q.QueryRowContext(ctx,
		"SELECT id FROM catalog_items WHERE item_number = ?", item.ItemNumber).Scan(&existingID)
	inserted := err == sql.ErrNoRows
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check item %d: %w", item.ItemNumber, err)
	}

	query := `
		INSERT INTO catalog_items (
			item_number, description, short_description,
			category, sub_category, item_group, sub_group, provider_type,
			schedule_fee, benefit_75, benefit_85, benefit_100, derived_fee,
			anaesthetic, basic_units, start_date, end_date, is_active,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_number) DO UPDATE SET
			description = excluded.description,
			short_description = excluded.short_description,
			category = excluded.category,
			sub_category = excluded.sub_category,
			item_group = excluded.item_group,
			sub_group = excluded.sub_group,
			provider_type = excluded.provider_type,
			schedule_fee = excluded.schedule_fee,
			benefit_75 = excluded.benefit_75,
			benefit_85 = excluded.benefit_85,
			benefit_100 = excluded.benefit_100,
			derived_fee = excluded.derived_fee,
			anaesthetic = excluded.anaesthetic,
			basic_units = excluded.basic_units,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		RETURNING id
	`
	now := time.Now()
	var startDate, endDate interface{}
	if item.StartDate != nil {
		startDate = *item.StartDate
	}
	if item.EndDate != nil {
		endDate = *item.EndDate
	}
	err = q.QueryRowContext(ctx, query,
		item.ItemNumber, item.Description, item.ShortDescription,
		item.Category, item.SubCategory, item.Group, item.SubGroup, item.ProviderType,
		item.ScheduleFee, item.Benefit75, item.Benefit85, item.Benefit100, item.DerivedFee,
		item.Anaesthetic, item.BasicUnits, startDate, endDate, item.IsActive,
		now, now,
	).Scan(&item.ID)
	if err != nil {
		return false, fmt.Errorf("failed to upsert item %d: %w", item.ItemNumber, err)
	}

	item.UpdatedAt = now
	return inserted, nil
}

func (s *SQLiteStore) UpsertItem(ctx context.Context, item *types.CatalogItem) (bool, error) {
	return s.upsertItemWithQuerier(ctx, s.querier(), item)
}

func (s *SQLiteStore) GetByItemNumber(ctx context.Context, itemNumber int) (*types.CatalogItem, error) {
	query := `SELECT ` + itemColumns + ` FROM catalog_items c WHERE c.item_number = ?`
	item, err := scanItem(s.db.QueryRowContext(ctx, query, itemNumber).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) GetByIDs(ctx context.Context, ids []int64) ([]types.CatalogItem, error) {
	if len(ids) == 0 {
		return []types.CatalogItem{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := `SELECT ` + itemColumns + ` FROM catalog_items c WHERE c.id IN (` +
		strings.Join(placeholders, ",") + `) ORDER BY c.item_number`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := make([]types.CatalogItem, 0, len(ids))
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ListItemIDs pages through item ids in ascending order. afterID=0
// starts from the beginning.
func (s *SQLiteStore) ListItemIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	query := `SELECT id FROM catalog_items WHERE id > ? ORDER BY id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListUnembeddedIDs returns ids of items without a stored vector,
// oldest first, so the embedding generator catches up in ingest order.
func (s *SQLiteStore) ListUnembeddedIDs(ctx context.Context, limit int) ([]int64, error) {
	query := `SELECT id FROM catalog_items WHERE embedding IS NULL ORDER BY id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) UpdateSearchText(ctx context.Context, id int64, text string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE catalog_items SET search_text = ? WHERE id = ?`, text, id)
	if err != nil {
		return fmt.Errorf("failed to update search text for item %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateEmbedding(ctx context.Context, id int64, vector []float32, model string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE catalog_items
		SET embedding = ?, embedding_dim = ?, embedding_model = ?, embedded_at = ?
		WHERE id = ?`,
		serializeVector(vector), len(vector), model, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update embedding for item %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ingestion run operations

func (s *SQLiteStore) CreateRun(ctx context.Context, run *types.IngestionRun) error {
	query := `
		INSERT INTO ingestion_runs (content_hash, file_name, file_size, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := s.db.ExecContext(ctx, query,
		run.ContentHash, run.FileName, run.FileSize, string(types.RunProcessing), now)
	if err != nil {
		return fmt.Errorf("failed to create ingestion run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	run.Status = types.RunProcessing
	run.StartedAt = now
	return nil
}

const runColumns = `id, content_hash, file_name, file_size, status,
	items_processed, items_inserted, items_updated, items_failed,
	started_at, finished_at, duration_ms, error_message, error_detail`

func scanRun(scan func(dest ...interface{}) error) (*types.IngestionRun, error) {
	var run types.IngestionRun
	var status string
	var finishedAt sql.NullTime
	err := scan(
		&run.ID, &run.ContentHash, &run.FileName, &run.FileSize, &status,
		&run.ItemsProcessed, &run.ItemsInserted, &run.ItemsUpdated, &run.ItemsFailed,
		&run.StartedAt, &finishedAt, &run.DurationMs, &run.ErrorMessage, &run.ErrorDetail,
	)
	if err != nil {
		return nil, err
	}
	run.Status = types.IngestionRunStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// CompletedRunByHash returns the completed run for a content hash, if
// any. Failed runs do not satisfy idempotency and are not returned.
func (s *SQLiteStore) CompletedRunByHash(ctx context.Context, contentHash string) (*types.IngestionRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingestion_runs
		WHERE content_hash = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, contentHash, string(types.RunCompleted)).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FinalizeRun records the terminal state of a run. The run row is
// finalized exactly once; a second finalize is rejected.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, run *types.IngestionRun) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_runs
		SET status = ?, items_processed = ?, items_inserted = ?, items_updated = ?,
		    items_failed = ?, finished_at = ?, duration_ms = ?, error_message = ?, error_detail = ?
		WHERE id = ? AND status = ?`,
		string(run.Status), run.ItemsProcessed, run.ItemsInserted, run.ItemsUpdated,
		run.ItemsFailed, now, run.DurationMs, run.ErrorMessage, run.ErrorDetail,
		run.ID, string(types.RunProcessing))
	if err != nil {
		return fmt.Errorf("failed to finalize run %d: %w", run.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("run %d already finalized", run.ID)
	}
	run.FinishedAt = &now
	return nil
}

func (s *SQLiteStore) LatestRun(ctx context.Context) (*types.IngestionRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingestion_runs ORDER BY started_at DESC, id DESC LIMIT 1`
	run, err := scanRun(s.db.QueryRowContext(ctx, query).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Status operations

func (s *SQLiteStore) HealthStats(ctx context.Context) (*types.HealthStats, error) {
	stats := &types.HealthStats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(is_active), 0),
		       COUNT(embedding)
		FROM catalog_items`).Scan(&stats.TotalItems, &stats.ActiveItems, &stats.ItemsWithEmbeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to read health stats: %w", err)
	}

	var lastUpdated sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT MAX(updated_at) FROM catalog_items`).Scan(&lastUpdated)
	if err != nil {
		return nil, err
	}
	if lastUpdated.Valid {
		stats.LastUpdated = lastUpdated.Time.UTC().Format(time.RFC3339)
	}

	return stats, nil
}
