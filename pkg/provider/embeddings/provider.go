// Package embeddings defines the provider abstraction for text embedding
// backends.
//
// The turn archive embeds conversation turns so past exchanges can be
// recalled by meaning rather than exact wording. Any service that maps text
// to fixed-length float32 vectors fits behind Provider; implementations must
// be safe for concurrent use.
package embeddings

import "context"

// Provider maps text to dense vectors of a fixed dimension.
//
// All vectors from one Provider instance share the same dimensionality and
// vector space. Never compare vectors from different providers or models.
type Provider interface {
	// Embed returns the embedding for a single text. The text is passed to
	// the backend verbatim; model-specific prefixes ("query: " and the like)
	// are the caller's concern.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one backend call. The result has the same
	// length and order as texts. No partial results: on error the whole
	// slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the length of every vector this provider produces. The
	// archive bakes it into the vector column type at schema creation.
	Dimensions() int

	// ModelID names the underlying embedding model, for logging and for
	// refusing to mix vector spaces across restarts.
	ModelID() string
}
