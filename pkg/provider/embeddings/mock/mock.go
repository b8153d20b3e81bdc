// Package mock provides a deterministic test double for the
// embeddings.Provider interface.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/embeddings"
)

// Provider is a mock embeddings provider producing deterministic vectors:
// the same text always maps to the same unit vector, different texts map
// to different directions with overwhelming probability. This keeps
// cosine-similarity ranking stable in tests without a live backend.
type Provider struct {
	mu sync.Mutex

	// Dim is the vector dimensionality. Defaults to 8 when zero.
	Dim int

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// EmbedCalls records every embedded text in order, batch or single.
	EmbedCalls []string
}

// Compile-time interface check.
var _ embeddings.Provider = (*Provider)(nil)

func (p *Provider) dim() int {
	if p.Dim > 0 {
		return p.Dim
	}
	return 8
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return deterministicVector(text, p.dim()), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dim() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-embedder" }

// deterministicVector hashes text into a reproducible unit vector.
func deterministicVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	var norm float64
	for i := range v {
		h := fnv.New64a()
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		// map to (-1, 1)
		x := float64(int64(h.Sum64()))/math.MaxInt64*0.5 + 0.25
		v[i] = float32(x)
		norm += x * x
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range v {
			v[i] /= n
		}
	}
	return v
}
