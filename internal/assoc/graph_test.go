package assoc

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallstack/engram/internal/storage/sqlite"
	"github.com/recallstack/engram/pkg/types"
)

func TestEdgeWeight(t *testing.T) {
	assert.InDelta(t, 0.2, EdgeWeight(0.70), 1e-9, "threshold similarity maps to minimum weight")
	assert.InDelta(t, 1.0, EdgeWeight(1.00), 1e-9, "identical vectors map to maximum weight")
	assert.InDelta(t, 0.6, EdgeWeight(0.85), 1e-9, "midpoint maps linearly")
	assert.Equal(t, 0.2, EdgeWeight(0.50), "below-threshold input clamps to minimum")
	assert.Equal(t, 1.0, EdgeWeight(1.20), "above-one input clamps to maximum")
}

func newGraphStore(t *testing.T) (*Graph, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewGraph(s), s
}

func storeEntry(t *testing.T, s *sqlite.Store, key types.ScopeKey, content string, vec []float32) *types.MemoryEntry {
	t.Helper()
	now := time.Now().UTC()
	e := &types.MemoryEntry{
		ID:             uuid.NewString(),
		Scope:          key.Scope,
		ScopeOwnerID:   key.OwnerID,
		Type:           types.TypeKnowledge,
		Content:        content,
		Importance:     0.5,
		Strength:       1.0,
		DecayRate:      0.15,
		LastAccessedAt: now,
		CreatedAt:      now,
		Source:         types.SourceExplicit,
	}
	require.NoError(t, s.Insert(context.Background(), e, vec))
	return e
}

func TestAutoLinkCreatesEdgesAboveThreshold(t *testing.T) {
	g, s := newGraphStore(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopePersonal, OwnerID: "u1"}

	near := storeEntry(t, s, key, "near neighbor", []float32{0.95, 0.31, 0, 0})
	_ = storeEntry(t, s, key, "unrelated", []float32{0, 0, 1, 0})

	vec := []float32{1, 0, 0, 0}
	entry := storeEntry(t, s, key, "new fact", vec)

	linked, err := g.AutoLink(ctx, entry, vec)
	require.NoError(t, err)
	assert.Equal(t, 1, linked)

	assocs, err := s.AssociationsFor(ctx, []string{entry.ID})
	require.NoError(t, err)
	require.Len(t, assocs, 1)
	assert.Equal(t, near.ID, assocs[0].Other(entry.ID))
	assert.GreaterOrEqual(t, assocs[0].Weight, MinWeight)
	assert.LessOrEqual(t, assocs[0].Weight, MaxWeight)
}

func TestAutoLinkThresholdBoundary(t *testing.T) {
	g, s := newGraphStore(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopePersonal, OwnerID: "u1"}

	// Unit vectors at cosine 0.69 and 0.71 against the query vector: the
	// first sits just under the link threshold, the second just over it.
	below := storeEntry(t, s, key, "just under", []float32{0.69, 0.7238093, 0, 0})
	above := storeEntry(t, s, key, "just over", []float32{0.71, 0.7042016, 0, 0})

	vec := []float32{1, 0, 0, 0}
	entry := storeEntry(t, s, key, "new fact", vec)

	linked, err := g.AutoLink(ctx, entry, vec)
	require.NoError(t, err)
	assert.Equal(t, 1, linked)

	assocs, err := s.AssociationsFor(ctx, []string{entry.ID})
	require.NoError(t, err)
	require.Len(t, assocs, 1)
	assert.Equal(t, above.ID, assocs[0].Other(entry.ID))
	assert.NotEqual(t, below.ID, assocs[0].Other(entry.ID))

	// weight = 0.2 + 0.8*(0.71-0.70)/0.30, barely above the minimum.
	assert.Greater(t, assocs[0].Weight, MinWeight)
	assert.LessOrEqual(t, assocs[0].Weight, 0.23)
}

func TestAutoLinkNeverCrossesScope(t *testing.T) {
	g, s := newGraphStore(t)
	ctx := context.Background()
	alice := types.ScopeKey{Scope: types.ScopePersonal, OwnerID: "alice"}
	bob := types.ScopeKey{Scope: types.ScopePersonal, OwnerID: "bob"}

	vec := []float32{1, 0, 0, 0}
	_ = storeEntry(t, s, bob, "identical but foreign", vec)
	entry := storeEntry(t, s, alice, "my fact", vec)

	linked, err := g.AutoLink(ctx, entry, vec)
	require.NoError(t, err)
	assert.Equal(t, 0, linked, "identical vector in another scope must not link")
}

func TestExpandPropagatesActivation(t *testing.T) {
	g, s := newGraphStore(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopeGlobal}

	seed := storeEntry(t, s, key, "seed", []float32{1, 0, 0, 0})
	neighbor := storeEntry(t, s, key, "neighbor", []float32{0.9, 0.44, 0, 0})
	require.NoError(t, s.UpsertAssociation(ctx, types.Association{
		SourceID: seed.ID, TargetID: neighbor.ID, Weight: 0.8,
	}))

	seeds := []types.ScoredEntry{{MemoryEntry: *seed, FinalScore: 0.9}}
	out, err := g.Expand(ctx, key, seeds)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, neighbor.ID, out[0].Entry.ID)
	assert.InDelta(t, 0.9*0.8*ActivationDamping, out[0].Activation, 1e-9)
}

func TestExpandKeepsMaxActivationAcrossEdges(t *testing.T) {
	g, s := newGraphStore(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopeGlobal}

	seedA := storeEntry(t, s, key, "seed a", []float32{1, 0, 0, 0})
	seedB := storeEntry(t, s, key, "seed b", []float32{0, 1, 0, 0})
	shared := storeEntry(t, s, key, "shared neighbor", []float32{0.7, 0.7, 0, 0})

	require.NoError(t, s.UpsertAssociation(ctx, types.Association{SourceID: seedA.ID, TargetID: shared.ID, Weight: 0.4}))
	require.NoError(t, s.UpsertAssociation(ctx, types.Association{SourceID: seedB.ID, TargetID: shared.ID, Weight: 1.0}))

	seeds := []types.ScoredEntry{
		{MemoryEntry: *seedA, FinalScore: 1.0},
		{MemoryEntry: *seedB, FinalScore: 0.6},
	}
	out, err := g.Expand(ctx, key, seeds)
	require.NoError(t, err)
	require.Len(t, out, 1)

	// seedA path: 1.0*0.4*0.5 = 0.20; seedB path: 0.6*1.0*0.5 = 0.30.
	assert.InDelta(t, 0.30, out[0].Activation, 1e-9)
}

func TestExpandSkipsSeedsAndEmptyGraph(t *testing.T) {
	g, s := newGraphStore(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopeGlobal}

	a := storeEntry(t, s, key, "a", []float32{1, 0, 0, 0})
	b := storeEntry(t, s, key, "b", []float32{0, 1, 0, 0})
	require.NoError(t, s.UpsertAssociation(ctx, types.Association{SourceID: a.ID, TargetID: b.ID, Weight: 0.9}))

	// Both endpoints are seeds; nothing new to pull in.
	seeds := []types.ScoredEntry{
		{MemoryEntry: *a, FinalScore: 0.9},
		{MemoryEntry: *b, FinalScore: 0.8},
	}
	out, err := g.Expand(ctx, key, seeds)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = g.Expand(ctx, key, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
