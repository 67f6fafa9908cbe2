package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallstack/engram/internal/embedding"
	"github.com/recallstack/engram/internal/storage"
	"github.com/recallstack/engram/internal/storage/sqlite"
	"github.com/recallstack/engram/pkg/types"
)

// stubProvider returns fixed vectors for registered texts and hash vectors
// otherwise, so tests control similarity exactly.
type stubProvider struct {
	dim     int
	vectors map[string][]float32
	hash    embedding.Provider
	fail    bool
}

func newStubProvider(dim int) *stubProvider {
	return &stubProvider{
		dim:     dim,
		vectors: make(map[string][]float32),
		hash:    embedding.NewHashProvider(dim),
	}
}

func (p *stubProvider) set(text string, vec []float32) { p.vectors[text] = vec }

func (p *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.fail {
		return nil, errors.New("provider unavailable")
	}
	if vec, ok := p.vectors[text]; ok {
		return embedding.Normalize(vec), nil
	}
	return p.hash.Embed(ctx, text)
}

func (p *stubProvider) Dimension() int { return p.dim }

func newTestEngine(t *testing.T) (*Engine, *stubProvider, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	provider := newStubProvider(4)
	return New(store, provider), provider, store
}

// insertRaw bypasses the engine to control strength and timestamps.
func insertRaw(t *testing.T, s *sqlite.Store, key types.ScopeKey, content string, vec []float32, strength float64, age time.Duration) *types.MemoryEntry {
	t.Helper()
	now := time.Now().UTC()
	e := &types.MemoryEntry{
		ID:             uuid.NewString(),
		Scope:          key.Scope,
		ScopeOwnerID:   key.OwnerID,
		Type:           types.TypeKnowledge,
		Content:        content,
		Importance:     0.0,
		Strength:       strength,
		DecayRate:      0.15,
		LastAccessedAt: now.Add(-age),
		CreatedAt:      now.Add(-age),
		Source:         types.SourceExplicit,
	}
	require.NoError(t, s.Insert(context.Background(), e, embedding.Normalize(vec)))
	return e
}

func TestStoreCreatesEntryWithDefaults(t *testing.T) {
	eng, provider, _ := newTestEngine(t)
	ctx := context.Background()
	provider.set("user prefers tabs", []float32{1, 0, 0, 0})

	entry, err := eng.Store(ctx, StoreInput{
		Scope:      types.ScopePersonal,
		OwnerID:    "u1",
		Content:    "user prefers tabs",
		Importance: 0.6,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, 1.0, entry.Strength)
	assert.Equal(t, 0.15, entry.DecayRate)
	assert.Equal(t, types.TypeKnowledge, entry.Type)
	assert.Equal(t, types.SourceExplicit, entry.Source)

	got, err := eng.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Content, got.Content)
}

func TestStorePermanentDisablesDecay(t *testing.T) {
	eng, provider, _ := newTestEngine(t)
	provider.set("deadline is March 1", []float32{0, 1, 0, 0})

	entry, err := eng.StorePermanent(context.Background(), "proj-1", "deadline is March 1", 0.9)
	require.NoError(t, err)
	assert.True(t, entry.Permanent())
	assert.Equal(t, types.ScopeTeam, entry.Scope)
	assert.Equal(t, "proj-1", entry.ScopeOwnerID)
	assert.Equal(t, types.SourcePlanning, entry.Source)
}

func TestStoreFailsWhenEmbeddingFails(t *testing.T) {
	eng, provider, _ := newTestEngine(t)
	provider.fail = true

	_, err := eng.Store(context.Background(), StoreInput{
		Scope:   types.ScopeGlobal,
		Content: "unembeddable",
	})
	require.Error(t, err, "an entry without a vector is invisible to search and must not be stored")
}

func TestStoreRejectsInvalidScope(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.Store(context.Background(), StoreInput{
		Scope:   types.ScopePersonal, // missing owner
		Content: "orphan fact",
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestSearchScopeIsolation(t *testing.T) {
	eng, provider, store := newTestEngine(t)
	ctx := context.Background()

	alice := types.ScopeKey{Scope: types.ScopePersonal, OwnerID: "alice"}
	bob := types.ScopeKey{Scope: types.ScopePersonal, OwnerID: "bob"}

	// Identical content and vectors in both scopes.
	mine := insertRaw(t, store, alice, "favorite editor is vim", []float32{1, 0, 0, 0}, 1.0, 0)
	insertRaw(t, store, bob, "favorite editor is vim", []float32{1, 0, 0, 0}, 1.0, 0)

	provider.set("editor", []float32{1, 0, 0, 0})
	results, err := eng.Search(ctx, alice, "editor", SearchOptions{SkipReinforcement: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, mine.ID, results[0].ID)
}

func TestSearchRankingDeterminism(t *testing.T) {
	eng, provider, store := newTestEngine(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopeGlobal}

	insertRaw(t, store, key, "a", []float32{1, 0, 0, 0}, 1.0, time.Hour)
	insertRaw(t, store, key, "b", []float32{0.9, 0.44, 0, 0}, 0.8, 2*time.Hour)
	insertRaw(t, store, key, "c", []float32{0.8, 0.6, 0, 0}, 0.6, 3*time.Hour)
	insertRaw(t, store, key, "d", []float32{0, 1, 0, 0}, 1.0, time.Hour)

	provider.set("q", []float32{1, 0, 0, 0})
	first, err := eng.Search(ctx, key, "q", SearchOptions{SkipReinforcement: true})
	require.NoError(t, err)
	second, err := eng.Search(ctx, key, "q", SearchOptions{SkipReinforcement: true})
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID, "ordering must be stable at position %d", i)
	}
	for i := 1; i < len(first); i++ {
		assert.GreaterOrEqual(t, first[i-1].FinalScore, first[i].FinalScore)
	}
}

func TestSearchReinforcesReturnedEntries(t *testing.T) {
	eng, provider, store := newTestEngine(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopeGlobal}

	entry := insertRaw(t, store, key, "recalled", []float32{1, 0, 0, 0}, 0.5, 0)
	provider.set("q", []float32{1, 0, 0, 0})

	_, err := eng.Search(ctx, key, "q", SearchOptions{})
	require.NoError(t, err)

	// Reinforcement is fire-and-forget on a detached context.
	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, entry.ID)
		return err == nil && got.AccessCount == 1
	}, 2*time.Second, 10*time.Millisecond, "returned entry must be reinforced")

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Greater(t, got.Strength, 0.5)
}

func TestSearchSkipReinforcementLeavesEntriesUntouched(t *testing.T) {
	eng, provider, store := newTestEngine(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopeGlobal}

	entry := insertRaw(t, store, key, "read only", []float32{1, 0, 0, 0}, 0.5, 0)
	provider.set("q", []float32{1, 0, 0, 0})

	_, err := eng.Search(ctx, key, "q", SearchOptions{SkipReinforcement: true})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AccessCount)
	assert.Equal(t, 0.5, got.Strength)
}

func TestSpreadingActivationDisplacesWeakSeed(t *testing.T) {
	eng, provider, store := newTestEngine(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopeGlobal}

	// Strong seed, a weak filler that barely makes the cut, and a neighbor
	// with no query similarity but a strong edge to the seed.
	seed := insertRaw(t, store, key, "seed", []float32{1, 0, 0, 0}, 1.0, 0)
	filler := insertRaw(t, store, key, "filler", []float32{0.6, 0.8, 0, 0}, 0.2, 100*time.Hour)
	neighbor := insertRaw(t, store, key, "neighbor", []float32{0, 0, 1, 0}, 0.2, 100*time.Hour)

	require.NoError(t, store.UpsertAssociation(ctx, types.Association{
		SourceID: seed.ID, TargetID: neighbor.ID, Weight: 1.0,
	}))

	provider.set("q", []float32{1, 0, 0, 0})
	results, err := eng.Search(ctx, key, "q", SearchOptions{Limit: 2, SkipReinforcement: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, seed.ID, results[0].ID)
	assert.Equal(t, neighbor.ID, results[1].ID, "activated neighbor must displace the weak seed")

	// Removing the edge removes the neighbor.
	require.NoError(t, store.DeleteAssociation(ctx, seed.ID, neighbor.ID))
	results, err = eng.Search(ctx, key, "q", SearchOptions{Limit: 2, SkipReinforcement: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, seed.ID, results[0].ID)
	assert.Equal(t, filler.ID, results[1].ID)
}

func TestProjectMemoryScenario(t *testing.T) {
	eng, provider, _ := newTestEngine(t)
	ctx := context.Background()

	// The personal vectors sit closer to the query than the deadline entry.
	provider.set("I prefer React", []float32{0.95, 0.31, 0, 0})
	provider.set("I live in Lisbon", []float32{0.90, 0.44, 0, 0})
	provider.set("The project deadline is March 1", []float32{0.5, 0.5, 0.7, 0})
	provider.set("deadline", []float32{1, 0, 0, 0})

	_, err := eng.Store(ctx, StoreInput{Scope: types.ScopePersonal, OwnerID: "u1", Content: "I prefer React", Importance: 0.5})
	require.NoError(t, err)
	_, err = eng.Store(ctx, StoreInput{Scope: types.ScopePersonal, OwnerID: "u1", Content: "I live in Lisbon", Importance: 0.5})
	require.NoError(t, err)
	deadline, err := eng.StorePermanent(ctx, "proj-1", "The project deadline is March 1", 0.9)
	require.NoError(t, err)

	weights := PermanentSearchWeights()
	results, err := eng.Search(ctx,
		types.ScopeKey{Scope: types.ScopeTeam, OwnerID: "proj-1"},
		"deadline",
		SearchOptions{Weights: &weights, SkipReinforcement: true})
	require.NoError(t, err)
	require.Len(t, results, 1, "only the project entry lives in the team scope")
	assert.Equal(t, deadline.ID, results[0].ID)
}

func TestPermanentEntryEffectiveStrengthNeverFades(t *testing.T) {
	eng, provider, store := newTestEngine(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopeTeam, OwnerID: "proj-1"}

	// A year-old permanent entry.
	entry := &types.MemoryEntry{
		ID:             uuid.NewString(),
		Scope:          key.Scope,
		ScopeOwnerID:   key.OwnerID,
		Type:           types.TypeDecision,
		Content:        "requirement",
		Importance:     0.9,
		Strength:       1.0,
		DecayRate:      0,
		LastAccessedAt: time.Now().UTC().Add(-365 * 24 * time.Hour),
		CreatedAt:      time.Now().UTC().Add(-365 * 24 * time.Hour),
		Source:         types.SourcePlanning,
	}
	require.NoError(t, store.Insert(ctx, entry, embedding.Normalize([]float32{1, 0, 0, 0})))

	provider.set("q", []float32{1, 0, 0, 0})
	results, err := eng.Search(ctx, key, "q", SearchOptions{SkipReinforcement: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].EffectiveStrength, "zero decay rate means strength is time-invariant")
}

func TestSearchAllScopesMergesAndIsolates(t *testing.T) {
	eng, provider, store := newTestEngine(t)
	ctx := context.Background()

	vec := []float32{1, 0, 0, 0}
	personal := insertRaw(t, store, types.ScopeKey{Scope: types.ScopePersonal, OwnerID: "u1"}, "my fact", vec, 1.0, 0)
	team := insertRaw(t, store, types.ScopeKey{Scope: types.ScopeTeam, OwnerID: "t1"}, "team fact", vec, 1.0, 0)
	global := insertRaw(t, store, types.ScopeKey{Scope: types.ScopeGlobal}, "global fact", vec, 1.0, 0)
	foreign := insertRaw(t, store, types.ScopeKey{Scope: types.ScopePersonal, OwnerID: "u2"}, "their fact", vec, 1.0, 0)

	provider.set("q", vec)
	results, err := eng.SearchAllScopes(ctx, "q", "u1", "t1", 10)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, r := range results {
		ids[r.ID] = true
	}
	assert.True(t, ids[personal.ID])
	assert.True(t, ids[team.ID])
	assert.True(t, ids[global.ID])
	assert.False(t, ids[foreign.ID], "another user's personal memory must never appear")
}

func TestSearchAllScopesWithoutTeam(t *testing.T) {
	eng, provider, store := newTestEngine(t)
	ctx := context.Background()

	vec := []float32{1, 0, 0, 0}
	personal := insertRaw(t, store, types.ScopeKey{Scope: types.ScopePersonal, OwnerID: "u1"}, "my fact", vec, 1.0, 0)

	provider.set("q", vec)
	results, err := eng.SearchAllScopes(ctx, "q", "u1", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, personal.ID, results[0].ID)
}

func TestSearchFallsBackToHashEmbedding(t *testing.T) {
	eng, provider, store := newTestEngine(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopeGlobal}

	// The stored vector is the hash vector of the query text, so the
	// fallback path finds it with similarity 1.
	hash := embedding.NewHashProvider(4)
	vec, err := hash.Embed(ctx, "offline query")
	require.NoError(t, err)
	entry := insertRaw(t, store, key, "still reachable", vec, 1.0, 0)

	provider.fail = true
	results, err := eng.Search(ctx, key, "offline query", SearchOptions{SkipReinforcement: true})
	require.NoError(t, err, "a degraded search beats no search")
	require.NotEmpty(t, results)
	assert.Equal(t, entry.ID, results[0].ID)
}

func TestRunMaintenancePersistsAndPrunes(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()
	key := types.ScopeKey{Scope: types.ScopeGlobal}

	doomed := insertRaw(t, store, key, "fading", []float32{1, 0, 0, 0}, 0.06, 200*time.Hour)
	keeper := insertRaw(t, store, key, "fresh", []float32{0, 1, 0, 0}, 1.0, 0)

	result, err := eng.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Persisted)
	assert.Equal(t, 1, result.Pruned)

	_, err = store.Get(ctx, doomed.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Get(ctx, keeper.ID)
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	a := insertRaw(t, store, types.ScopeKey{Scope: types.ScopeGlobal}, "a", []float32{1, 0, 0, 0}, 1.0, 0)
	b := insertRaw(t, store, types.ScopeKey{Scope: types.ScopeGlobal}, "b", []float32{0, 1, 0, 0}, 1.0, 0)
	insertRaw(t, store, types.ScopeKey{Scope: types.ScopePersonal, OwnerID: "u1"}, "c", []float32{0, 0, 1, 0}, 1.0, 0)
	require.NoError(t, store.UpsertAssociation(ctx, types.Association{SourceID: a.ID, TargetID: b.ID, Weight: 0.5}))

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 2, stats.Entries["global"])
	assert.Equal(t, 1, stats.Entries["personal/u1"])
	assert.Equal(t, 1, stats.Associations)
}

func TestWeightProfilesSumToOne(t *testing.T) {
	for name, w := range map[string]SearchWeights{
		"default":   DefaultSearchWeights(),
		"permanent": PermanentSearchWeights(),
	} {
		sum := w.Similarity + w.Strength + w.Recency + w.Importance + w.Frequency
		assert.InDelta(t, 1.0, sum, 1e-9, "%s weights must sum to 1", name)
	}
}
