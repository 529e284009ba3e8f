// Package ingest imports the published schedule XML into the catalog.
//
// The pipeline is: size check -> content hash -> idempotency check ->
// hardened parse -> shape match -> per-item coercion -> transactional
// batch upserts -> run finalization. Every run is recorded in
// ingestion_runs, and a completed run for a content hash permanently
// short-circuits re-imports of identical files unless forced.
//
// The upstream schema drifts between revisions, so the item collection
// is located by trying an ordered list of shape matchers; the first
// match wins. Each matcher is a pure function over the parsed document
// and is tested independently.
package ingest
