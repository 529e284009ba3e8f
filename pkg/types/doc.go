// Package types defines the shared domain types for the MBS catalog:
// catalog items, ingestion/embedding/reindex results, search requests
// and responses, and job status shapes.
//
// These types are the contract between the ingestion pipeline, the job
// orchestrator, the hybrid search engine, and external callers. They
// carry no behavior beyond validation and derivation helpers so they
// can be shared freely across package boundaries.
package types
