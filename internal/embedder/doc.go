// Package embedder wraps external vector-embedding providers behind a
// single interface with batching, retry, and caching.
//
// Supported providers are OpenAI, Jina AI, and a deterministic local
// fallback used for development and tests. Provider selection is
// explicit via configuration or auto-detected from the environment.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: embedder.ProviderOpenAI, APIKey: key})
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{
//	    Texts: texts,
//	})
//
// Batch requests retry transient provider failures with exponential
// backoff before surfacing an error. Successful embeddings are cached
// by content hash, so re-embedding an unchanged catalog item costs
// nothing.
package embedder
