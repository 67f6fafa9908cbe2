package embedding

import (
	"context"
	"hash/fnv"
	"math/rand"
)

// HashProvider generates a deterministic pseudo-random unit vector from the
// text's bytes. It carries no semantic signal — two texts are "similar" only
// by accident — but it keeps the store functional when the real embedding
// provider is unavailable, and it gives tests reproducible vectors.
type HashProvider struct {
	dim int
}

// NewHashProvider returns a HashProvider producing vectors of the given
// dimension. A non-positive dim falls back to DefaultDimension.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashProvider{dim: dim}
}

// Embed returns the deterministic unit vector for text. It never fails.
func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, p.dim)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	return Normalize(vec), nil
}

// Dimension returns the fixed output dimension.
func (p *HashProvider) Dimension() int {
	return p.dim
}
