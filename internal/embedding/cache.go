package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedProvider memoizes embeddings by exact text. Producers frequently
// re-store near-identical facts and retrieval callers repeat queries within a
// session, so a small cache saves a large share of API calls.
type CachedProvider struct {
	inner Provider
	cache *ristretto.Cache
}

// NewCachedProvider wraps inner with a ristretto cache holding roughly
// maxEntries vectors. maxEntries <= 0 defaults to 4096.
func NewCachedProvider(inner Provider, maxEntries int64) (*CachedProvider, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}

	// Cost is one unit per vector; counters sized at 10x capacity per the
	// ristretto guidance.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}

	return &CachedProvider{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text, calling the wrapped provider on
// a miss. Errors are never cached.
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if hit, ok := p.cache.Get(text); ok {
		if vec, ok := hit.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Set(text, vec, 1)
	return vec, nil
}

// Dimension returns the wrapped provider's dimension.
func (p *CachedProvider) Dimension() int {
	return p.inner.Dimension()
}

// Wait blocks until buffered cache writes have been applied. Mostly useful
// in tests; ristretto admits entries asynchronously.
func (p *CachedProvider) Wait() {
	p.cache.Wait()
}

// Close releases the cache's internal goroutines.
func (p *CachedProvider) Close() {
	p.cache.Close()
}
