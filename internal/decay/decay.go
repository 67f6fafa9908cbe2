// Package decay implements the temporal model that makes Engram a forgetting
// store. All scoring functions are pure: they read an entry's stored fields
// plus a caller-supplied instant and return a score. Reinforcement deltas are
// defined here as constants and as in-memory helpers, but the storage
// backends apply them server-side in a single atomic UPDATE so concurrent
// recalls never lose updates.
package decay

import (
	"math"
	"time"

	"github.com/recallstack/engram/pkg/types"
)

const (
	// DefaultRate is the per-hour decay coefficient for normal entries.
	DefaultRate = 0.15

	// PermanentRate disables decay; effective strength stays at the stored
	// strength forever.
	PermanentRate = 0.0

	// ImportanceDamping is the maximum fraction by which high importance slows
	// decay: effectiveRate = rate * (1 - importance*ImportanceDamping).
	ImportanceDamping = 0.7

	// RecallBoost moves strength toward 1.0 on each recall:
	// strength += RecallBoost * (1 - strength).
	RecallBoost = 0.1

	// RecallRateFactor multiplies the decay rate on each recall, making the
	// entry 15% more resistant to decay per recall.
	RecallRateFactor = 0.85

	// MinRate is the floor the decay rate never drops below through
	// reinforcement. Permanent entries (rate 0) are never reinforced upward
	// to it.
	MinRate = 0.01

	// RecencyHalfLifeHours is the half-life of the creation-freshness signal.
	RecencyHalfLifeHours = 72.0

	// FrequencySaturation is the access count at which the frequency score
	// reaches 1.0: score = ln(1+n)/ln(1+FrequencySaturation).
	FrequencySaturation = 100

	// PruneFloor is the stored strength below which an entry becomes eligible
	// for deletion by the maintenance job after PersistDecay.
	PruneFloor = 0.05

	// PersistDecayIdleHours is how long an entry must sit unaccessed before a
	// maintenance pass folds its decayed strength into the stored value.
	PersistDecayIdleHours = 24.0

	ln2 = 0.6931471805599453
)

// EffectiveRate returns the entry's decay rate after importance damping.
// An importance of 1.0 slows decay by ImportanceDamping (70%).
func EffectiveRate(rate, importance float64) float64 {
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}
	return rate * (1 - importance*ImportanceDamping)
}

// EffectiveStrength returns the entry's retrievability at the given instant:
//
//	strength * exp(-EffectiveRate(decayRate, importance) * hoursSinceLastAccess)
//
// clamped to [0,1]. For a permanent entry (decay rate 0) the result equals the
// stored strength for every instant at or after LastAccessedAt.
func EffectiveStrength(e *types.MemoryEntry, now time.Time) float64 {
	hours := now.Sub(e.LastAccessedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	s := e.Strength * math.Exp(-EffectiveRate(e.DecayRate, e.Importance)*hours)
	return clamp01(s)
}

// RecencyScore measures freshness of creation with a 72-hour half-life:
//
//	exp(-ln2 * hoursSinceCreation / RecencyHalfLifeHours)
//
// It deliberately ignores strength and recall history — an old entry recalled
// a minute ago is still old.
func RecencyScore(e *types.MemoryEntry, now time.Time) float64 {
	hours := now.Sub(e.CreatedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp(-ln2 * hours / RecencyHalfLifeHours)
}

// FrequencyScore maps the access count onto a saturating log scale so the
// marginal value of each additional recall shrinks:
//
//	min(1, ln(1+count) / ln(1+FrequencySaturation))
func FrequencyScore(e *types.MemoryEntry) float64 {
	if e.AccessCount <= 0 {
		return 0
	}
	s := math.Log(1+float64(e.AccessCount)) / math.Log(1+float64(FrequencySaturation))
	return clamp01(s)
}

// Reinforce applies the recall deltas to an in-memory entry: strength moves
// asymptotically toward 1.0, the decay rate drops by RecallRateFactor with a
// MinRate floor, the access count increments, and LastAccessedAt is set.
//
// Storage backends must NOT use this for persisted rows — they express the
// same formulas server-side in one UPDATE (see storage.EntryStore.Reinforce).
// This helper exists for the scoring pipeline and tests.
func Reinforce(e *types.MemoryEntry, now time.Time) {
	e.Strength = e.Strength + RecallBoost*(1-e.Strength)
	if e.DecayRate > 0 {
		e.DecayRate = math.Max(MinRate, e.DecayRate*RecallRateFactor)
	}
	e.AccessCount++
	e.LastAccessedAt = now
	e.Clamp()
}

// PruneEligible reports whether an entry's stored strength has fallen below
// the prune floor. Intended to be evaluated after PersistDecay has folded
// elapsed decay into the stored value.
func PruneEligible(e *types.MemoryEntry) bool {
	return e.Strength < PruneFloor
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
