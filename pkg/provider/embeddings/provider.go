// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider wraps a service that maps text strings to dense
// float32 vectors. Parley uses these vectors for each persona's private
// knowledge collection: ingest and search for a given persona must go
// through the same provider so model and dimension always agree.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Callers must not mix vectors
// from different Provider instances in the same similarity computation.
type Provider interface {
	// Embed computes the embedding vector for a single text string.
	// Returns a float32 slice of length Dimensions() or an error if the
	// request fails or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a
	// single provider call. The returned slice has the same length as
	// texts and the i-th element corresponds to texts[i]. Partial results
	// are not returned; on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by
	// this provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, useful for
	// logging and for ensuring consistent model usage per collection.
	ModelID() string
}
