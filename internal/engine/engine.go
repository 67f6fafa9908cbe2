// Package engine orchestrates the memory store: entry lifecycle, hybrid
// search, multi-scope retrieval, association maintenance, and the periodic
// decay/prune cycle. Everything below it (storage, embedding, graph) is
// dependency-injected so the engine itself carries no global state.
package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/recallstack/engram/internal/assoc"
	"github.com/recallstack/engram/internal/decay"
	"github.com/recallstack/engram/internal/embedding"
	"github.com/recallstack/engram/internal/storage"
	"github.com/recallstack/engram/pkg/types"
)

const (
	// DefaultSearchLimit applies when a caller passes no limit.
	DefaultSearchLimit = 10

	// maxCandidatePool caps the nearest-neighbor fetch regardless of limit.
	maxCandidatePool = 100

	// reinforceTimeout bounds the detached fire-and-forget reinforcement
	// write after a search returns.
	reinforceTimeout = 5 * time.Second
)

// SearchWeights is the blend used to rank candidates. The components should
// sum to 1.0 but the engine does not enforce it; callers overriding weights
// own the normalization.
type SearchWeights struct {
	Similarity float64
	Strength   float64
	Recency    float64
	Importance float64
	Frequency  float64
}

// DefaultSearchWeights is the profile for normal, decaying memories.
func DefaultSearchWeights() SearchWeights {
	return SearchWeights{
		Similarity: 0.40,
		Strength:   0.25,
		Recency:    0.15,
		Importance: 0.15,
		Frequency:  0.05,
	}
}

// PermanentSearchWeights biases toward importance and similarity for
// zero-decay project memories, where strength and frequency carry no signal.
func PermanentSearchWeights() SearchWeights {
	return SearchWeights{
		Similarity: 0.40,
		Strength:   0.15,
		Recency:    0.10,
		Importance: 0.35,
		Frequency:  0.00,
	}
}

// StoreInput is the producer-facing store signature. Every memory enters the
// system through it.
type StoreInput struct {
	Scope      types.Scope
	OwnerID    string
	Type       string
	Content    string
	Importance float64
	Source     string

	// Permanent stores the entry with a zero decay rate so it never fades.
	Permanent bool
}

// SearchOptions tunes a single search call.
type SearchOptions struct {
	// Limit is the maximum number of results (default DefaultSearchLimit).
	Limit int

	// Weights overrides the scoring blend. Nil selects DefaultSearchWeights.
	Weights *SearchWeights

	// SkipReinforcement disables the recall-strengthening write. The zero
	// value keeps the default behavior: returned entries are reinforced.
	SkipReinforcement bool
}

// Engine is the memory store orchestrator.
type Engine struct {
	store    storage.Store
	provider embedding.Provider
	fallback embedding.Provider
	graph    *assoc.Graph

	// now is replaceable in tests.
	now func() time.Time
}

// New constructs an Engine over the given backend and embedding provider.
// A deterministic hash provider at the same dimension backs search when the
// real provider is unavailable.
func New(store storage.Store, provider embedding.Provider) *Engine {
	return &Engine{
		store:    store,
		provider: provider,
		fallback: embedding.NewHashProvider(provider.Dimension()),
		graph:    assoc.NewGraph(store),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Store creates a new memory entry. The embedding is generated and persisted
// in the same logical transaction as the entry; an embedding failure fails
// the whole call. Association linking runs afterwards and is best effort.
func (e *Engine) Store(ctx context.Context, in StoreInput) (*types.MemoryEntry, error) {
	now := e.now()

	entry := &types.MemoryEntry{
		ID:             uuid.NewString(),
		Scope:          in.Scope,
		ScopeOwnerID:   in.OwnerID,
		Type:           in.Type,
		Content:        in.Content,
		Importance:     in.Importance,
		Strength:       1.0,
		DecayRate:      decay.DefaultRate,
		LastAccessedAt: now,
		CreatedAt:      now,
		Source:         in.Source,
	}
	if entry.Type == "" {
		entry.Type = types.TypeKnowledge
	}
	if entry.Source == "" {
		entry.Source = types.SourceExplicit
	}
	if in.Permanent {
		entry.DecayRate = decay.PermanentRate
	}
	entry.Clamp()
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	// A stored entry without a real vector is worse than no entry: it would
	// be invisible to search forever. No hash fallback here.
	vec, err := e.provider.Embed(ctx, entry.Content)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}

	if err := e.store.Insert(ctx, entry, vec); err != nil {
		return nil, fmt.Errorf("store entry: %w", err)
	}

	if linked, err := e.graph.AutoLink(ctx, entry, vec); err != nil {
		log.Printf("WARNING: auto-link for entry %s failed after %d edges: %v", entry.ID, linked, err)
	}

	return entry, nil
}

// StorePermanent stores zero-decay project knowledge under the team scope.
func (e *Engine) StorePermanent(ctx context.Context, projectID, content string, importance float64) (*types.MemoryEntry, error) {
	return e.Store(ctx, StoreInput{
		Scope:      types.ScopeTeam,
		OwnerID:    projectID,
		Type:       types.TypeDecision,
		Content:    content,
		Importance: importance,
		Source:     types.SourcePlanning,
		Permanent:  true,
	})
}

// Get retrieves a single entry by ID.
func (e *Engine) Get(ctx context.Context, id string) (*types.MemoryEntry, error) {
	return e.store.Get(ctx, id)
}

// List returns entries for one scope key, newest first.
func (e *Engine) List(ctx context.Context, key types.ScopeKey, opts storage.ListOptions) ([]types.MemoryEntry, error) {
	return e.store.List(ctx, key, opts)
}

// Delete removes an entry, its embedding, and its associations.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// Search runs the hybrid-scored retrieval pipeline within one scope key:
// embed, fetch scoped candidates, blend-score, expand one hop through the
// association graph, and (unless disabled) reinforce the returned entries.
func (e *Engine) Search(ctx context.Context, key types.ScopeKey, query string, opts SearchOptions) ([]types.ScoredEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	weights := DefaultSearchWeights()
	if opts.Weights != nil {
		weights = *opts.Weights
	}

	vec := e.embedQuery(ctx, query)
	now := e.now()

	poolSize := 4 * limit
	if poolSize > maxCandidatePool {
		poolSize = maxCandidatePool
	}
	candidates, err := e.store.Nearest(ctx, key, vec, poolSize, "")
	if err != nil {
		return nil, fmt.Errorf("candidate fetch: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	pool := make([]types.ScoredEntry, 0, len(candidates))
	poolByID := make(map[string]types.ScoredEntry, len(candidates))
	for _, c := range candidates {
		scored := scoreEntry(c.Entry, c.Similarity, now, weights)
		poolByID[scored.ID] = scored
		pool = append(pool, scored)
	}

	sortScored(pool)
	seeds := pool
	if len(seeds) > limit {
		seeds = seeds[:limit]
	}

	results := e.expand(ctx, key, seeds, poolByID, now, weights)

	sortScored(results)
	if len(results) > limit {
		results = results[:limit]
	}

	if !opts.SkipReinforcement {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.ID
		}
		e.reinforceAsync(ids, now)
	}

	return results, nil
}

// expand merges one hop of spreading activation into the seed set. Graph
// failures degrade the result to the plain seeds; search still succeeds.
func (e *Engine) expand(ctx context.Context, key types.ScopeKey, seeds []types.ScoredEntry, poolByID map[string]types.ScoredEntry, now time.Time, weights SearchWeights) []types.ScoredEntry {
	neighbors, err := e.graph.Expand(ctx, key, seeds)
	if err != nil {
		log.Printf("WARNING: association expansion in %s failed: %v", key, err)
		return seeds
	}
	if len(neighbors) == 0 {
		return seeds
	}

	seedIDs := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seedIDs[s.ID] = true
	}

	results := append([]types.ScoredEntry(nil), seeds...)
	for _, n := range neighbors {
		if seedIDs[n.Entry.ID] {
			continue
		}
		var scored types.ScoredEntry
		if pooled, ok := poolByID[n.Entry.ID]; ok {
			// Non-seed pool member: keep its computed components and let the
			// activation lift its rank if it is the stronger signal.
			scored = pooled
			if n.Activation > scored.FinalScore {
				scored.FinalScore = n.Activation
			}
		} else {
			// Out-of-pool neighbor: its similarity to the query was never
			// computed, so the propagated activation is its whole score.
			scored = scoreEntry(n.Entry, 0, now, weights)
			scored.FinalScore = n.Activation
		}
		results = append(results, scored)
	}
	return results
}

// embedQuery embeds the query text, falling back to the deterministic hash
// provider when the real one fails. A degraded search beats no search.
func (e *Engine) embedQuery(ctx context.Context, query string) []float32 {
	vec, err := e.provider.Embed(ctx, query)
	if err == nil {
		return vec
	}
	log.Printf("WARNING: query embedding failed, using hash fallback: %v", err)
	vec, _ = e.fallback.Embed(ctx, query)
	return vec
}

// reinforceAsync strengthens the recalled entries without blocking the
// caller. The write runs on a detached context so cancelling the request
// cannot half-apply it; the backend applies all deltas in one UPDATE.
func (e *Engine) reinforceAsync(ids []string, now time.Time) {
	if len(ids) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reinforceTimeout)
		defer cancel()
		if err := e.store.Reinforce(ctx, ids, now); err != nil {
			log.Printf("WARNING: reinforcement of %d entries failed: %v", len(ids), err)
		}
	}()
}

// SearchAllScopes is the default entry point for agent context assembly. It
// fans out to the caller's personal scope (40% of the limit), team scope
// (30%), and global scope (30%), each rounded up, then merges by score.
// Personal facts never mix across users because the fan-out only ever uses
// the caller's own identifiers.
func (e *Engine) SearchAllScopes(ctx context.Context, query, userID, teamID string, limit int) ([]types.ScoredEntry, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	type slice struct {
		key     types.ScopeKey
		portion int
	}
	slices := []slice{
		{types.ScopeKey{Scope: types.ScopePersonal, OwnerID: userID}, ceilFraction(limit, 0.40)},
		{types.ScopeKey{Scope: types.ScopeTeam, OwnerID: teamID}, ceilFraction(limit, 0.30)},
		{types.ScopeKey{Scope: types.ScopeGlobal}, ceilFraction(limit, 0.30)},
	}

	seen := make(map[string]bool)
	var merged []types.ScoredEntry
	for _, s := range slices {
		if s.key.Validate() != nil {
			// Caller has no identifier for this scope (e.g. no team).
			continue
		}
		results, err := e.Search(ctx, s.key, query, SearchOptions{Limit: s.portion})
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", s.key, err)
		}
		for _, r := range results {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			merged = append(merged, r)
		}
	}

	sortScored(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// MaintenanceResult reports one decay persistence + pruning pass.
type MaintenanceResult struct {
	// Persisted is the number of rows whose decayed strength was written back.
	Persisted int `json:"persisted"`

	// Pruned is the number of entries deleted for falling below the floor.
	Pruned int `json:"pruned"`
}

// RunMaintenance persists elapsed decay into stored strength, then prunes
// entries that decayed below the floor. Intended cadence: hourly or slower.
func (e *Engine) RunMaintenance(ctx context.Context) (MaintenanceResult, error) {
	var result MaintenanceResult

	persisted, err := e.store.PersistDecay(ctx, e.now())
	if err != nil {
		return result, fmt.Errorf("persist decay: %w", err)
	}
	result.Persisted = persisted

	pruned, err := e.store.PruneWeak(ctx, decay.PruneFloor)
	if err != nil {
		return result, fmt.Errorf("prune weak: %w", err)
	}
	result.Pruned = pruned

	log.Printf("maintenance: persisted decay on %d entries, pruned %d", persisted, pruned)
	return result, nil
}

// Stats summarizes the store for the stats endpoint.
type Stats struct {
	Entries      map[string]int `json:"entries"`
	TotalEntries int            `json:"total_entries"`
	Associations int            `json:"associations"`
}

// Stats returns per-scope entry counts and the association total.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	counts, err := e.store.CountByScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	assocs, err := e.store.CountAssociations(ctx)
	if err != nil {
		return nil, fmt.Errorf("count associations: %w", err)
	}

	stats := &Stats{Entries: make(map[string]int, len(counts)), Associations: assocs}
	for key, n := range counts {
		stats.Entries[key.String()] = n
		stats.TotalEntries += n
	}
	return stats, nil
}

// Close releases the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// scoreEntry computes the blended hybrid score for one candidate.
func scoreEntry(entry types.MemoryEntry, similarity float64, now time.Time, w SearchWeights) types.ScoredEntry {
	s := types.ScoredEntry{
		MemoryEntry:       entry,
		Similarity:        similarity,
		EffectiveStrength: decay.EffectiveStrength(&entry, now),
		RecencyScore:      decay.RecencyScore(&entry, now),
		FrequencyScore:    decay.FrequencyScore(&entry),
	}
	s.FinalScore = w.Similarity*s.Similarity +
		w.Strength*s.EffectiveStrength +
		w.Recency*s.RecencyScore +
		w.Importance*s.Importance +
		w.Frequency*s.FrequencyScore
	return s
}

// sortScored orders by FinalScore descending with a deterministic total
// tie-break: newer creation first, then ID descending.
func sortScored(entries []types.ScoredEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

func ceilFraction(limit int, fraction float64) int {
	return int(math.Ceil(float64(limit) * fraction))
}
