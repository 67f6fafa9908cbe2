package types

// ScoredEntry is the derived, non-persisted view of an entry produced during
// search. The score components are filled by the retrieval pipeline; callers
// typically only look at FinalScore.
type ScoredEntry struct {
	MemoryEntry

	// Similarity is the cosine similarity between the query vector and the
	// entry's embedding, in [0,1] for unit vectors.
	Similarity float64

	// EffectiveStrength is Strength decayed to the query instant.
	EffectiveStrength float64

	// RecencyScore measures freshness of creation (72-hour half-life),
	// independent of recall history.
	RecencyScore float64

	// FrequencyScore is the saturating log-scale access-frequency signal.
	FrequencyScore float64

	// FinalScore is the weighted blend used for ranking.
	FinalScore float64
}

// ConfidenceLabel maps a final score to the confidence label downstream
// prompting conventionally attaches to retrieved memories. The mapping is a
// caller convention, not enforced by the store.
func ConfidenceLabel(score float64) string {
	switch {
	case score >= 0.7:
		return "high"
	case score >= 0.4:
		return "medium"
	default:
		return "low"
	}
}
