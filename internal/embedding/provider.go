// Package embedding provides text-to-vector providers for the Engram memory
// store: an OpenAI-backed client, a deterministic hash fallback that keeps
// the store functional (with degraded relevance) when the real provider is
// down, a ristretto cache decorator, and a circuit-breaker wrapper.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// DefaultDimension is the process-wide embedding dimension used when the
// configuration does not specify one. All stored vectors must share one
// dimension; a mismatch is a data-integrity fault (storage.ErrDimensionMismatch).
const DefaultDimension = 768

// Provider maps text to a fixed-length unit vector.
//
// Implementations must be deterministic enough for caching but are not
// required to be byte-identical across provider upgrades; on upgrade, stored
// vectors must be regenerated or the dimension check must fail loudly rather
// than silently comparing incompatible vectors.
type Provider interface {
	// Embed returns the unit vector for text. The returned slice always has
	// length Dimension().
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the fixed output dimension.
	Dimension() int
}

// Normalize scales vec to unit length in place and returns it. A zero vector
// is returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}

// Cosine returns the cosine similarity of two equal-length vectors. For unit
// vectors this is the dot product, clamped to [-1,1].
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}

// checkDimension validates a provider response length.
func checkDimension(vec []float32, want int) ([]float32, error) {
	if len(vec) != want {
		return nil, fmt.Errorf("provider returned %d dimensions, want %d", len(vec), want)
	}
	return vec, nil
}
