// Package assoc maintains the associative graph between memory entries and
// implements one-hop spreading activation over it during retrieval.
package assoc

import (
	"context"
	"fmt"

	"github.com/recallstack/engram/internal/storage"
	"github.com/recallstack/engram/pkg/types"
)

const (
	// LinkThreshold is the minimum cosine similarity for an automatic link.
	LinkThreshold = 0.70

	// LinkNeighborLimit is how many nearest neighbors are considered when a
	// new entry is linked into the graph.
	LinkNeighborLimit = 50

	// MinWeight and MaxWeight bound the edge weight produced by the linear
	// similarity mapping.
	MinWeight = 0.2
	MaxWeight = 1.0

	// ActivationDamping scales the seed score as it propagates across an
	// edge, keeping neighbors below their seeds.
	ActivationDamping = 0.5
)

// Graph wires the association store and the vector index together.
type Graph struct {
	store storage.Store
}

// NewGraph returns a Graph over the given backend.
func NewGraph(store storage.Store) *Graph {
	return &Graph{store: store}
}

// EdgeWeight maps a similarity at or above LinkThreshold onto (MinWeight,
// MaxWeight] linearly. Similarities below the threshold never form edges, so
// the lowest stored weight is MinWeight.
func EdgeWeight(similarity float64) float64 {
	w := MinWeight + (MaxWeight-MinWeight)*(similarity-LinkThreshold)/(1.0-LinkThreshold)
	if w < MinWeight {
		w = MinWeight
	}
	if w > MaxWeight {
		w = MaxWeight
	}
	return w
}

// AutoLink finds the entry's nearest same-scope neighbors and creates an edge
// to every neighbor at or above LinkThreshold. The entry must already be
// stored. Returns the number of edges created or strengthened.
//
// Failures here degrade the graph, not the store: callers log and continue.
func (g *Graph) AutoLink(ctx context.Context, entry *types.MemoryEntry, vec []float32) (int, error) {
	if entry == nil || len(vec) == 0 {
		return 0, fmt.Errorf("%w: entry and vector are required", storage.ErrInvalidInput)
	}

	candidates, err := g.store.Nearest(ctx, entry.Key(), vec, LinkNeighborLimit, entry.ID)
	if err != nil {
		return 0, fmt.Errorf("auto-link neighbor query: %w", err)
	}

	linked := 0
	for _, c := range candidates {
		if c.Similarity < LinkThreshold {
			// Candidates are similarity-ordered, but the backend contract only
			// promises ranking, so keep scanning instead of breaking.
			continue
		}
		a := types.Association{
			SourceID:  entry.ID,
			TargetID:  c.Entry.ID,
			Weight:    EdgeWeight(c.Similarity),
			UpdatedAt: entry.CreatedAt,
		}
		if err := g.store.UpsertAssociation(ctx, a); err != nil {
			return linked, fmt.Errorf("auto-link upsert %s<->%s: %w", entry.ID, c.Entry.ID, err)
		}
		linked++
	}
	return linked, nil
}

// Neighbor is an entry pulled into a result set by spreading activation.
type Neighbor struct {
	Entry      types.MemoryEntry
	Activation float64
}

// Expand performs one hop of spreading activation from the seed entries.
// Each seed propagates seedScore * weight * ActivationDamping across its
// edges; a neighbor reachable over several edges keeps the maximum
// activation. Entries already in the seed set are not returned. Neighbors
// outside the seeds' scope key are dropped, so expansion can never leak
// across an isolation boundary even if the graph were corrupted.
func (g *Graph) Expand(ctx context.Context, key types.ScopeKey, seeds []types.ScoredEntry) ([]Neighbor, error) {
	if len(seeds) == 0 {
		return nil, nil
	}

	seedScore := make(map[string]float64, len(seeds))
	ids := make([]string, 0, len(seeds))
	for _, s := range seeds {
		seedScore[s.ID] = s.FinalScore
		ids = append(ids, s.ID)
	}

	edges, err := g.store.AssociationsFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("expand edge query: %w", err)
	}
	if len(edges) == 0 {
		return nil, nil
	}

	activation := make(map[string]float64)
	for _, e := range edges {
		for _, endpoint := range []string{e.SourceID, e.TargetID} {
			score, isSeed := seedScore[endpoint]
			if !isSeed {
				continue
			}
			other := e.Other(endpoint)
			if _, alsoSeed := seedScore[other]; alsoSeed {
				continue
			}
			a := score * e.Weight * ActivationDamping
			if a > activation[other] {
				activation[other] = a
			}
		}
	}
	if len(activation) == 0 {
		return nil, nil
	}

	neighborIDs := make([]string, 0, len(activation))
	for id := range activation {
		neighborIDs = append(neighborIDs, id)
	}
	entries, err := g.store.GetMany(ctx, neighborIDs)
	if err != nil {
		return nil, fmt.Errorf("expand neighbor fetch: %w", err)
	}

	neighbors := make([]Neighbor, 0, len(entries))
	for _, e := range entries {
		if e.Key() != key {
			continue
		}
		neighbors = append(neighbors, Neighbor{Entry: e, Activation: activation[e.ID]})
	}
	return neighbors, nil
}
