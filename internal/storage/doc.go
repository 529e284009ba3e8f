// Package storage persists the billing-schedule catalog in SQLite and
// answers the parametrized lexical and semantic queries the search
// engine is built on.
//
// The layout is one canonical catalog_items table with a precomputed
// search_text column (mirrored into an FTS5 virtual table by triggers)
// and an embedding BLOB column holding little-endian float32 vectors,
// plus an ingestion_runs audit table keyed by content hash. Background
// jobs are persisted by the queue backend, not here.
//
// Both search paths share one WHERE-clause builder so filter semantics
// cannot drift between lexical and semantic retrieval. Lexical ranking
// uses FTS5 bm25() normalized into (0, 1]; semantic ranking uses cosine
// similarity, computed by sqlite-vec when the extension is compiled in
// and in Go otherwise.
//
// # Transactions
//
// Batch upserts run inside an explicit transaction:
//
//	tx, err := store.BeginTx(ctx)
//	if err != nil { ... }
//	defer func() { _ = tx.Rollback() }()
//	for _, item := range batch {
//	    if _, err := tx.UpsertItem(ctx, item); err != nil { ... }
//	}
//	if err := tx.Commit(); err != nil { ... }
//
// A failed statement rolls back the whole batch; committed batches are
// never undone by later failures.
package storage
