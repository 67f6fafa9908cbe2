package types

import "time"

// Association is a weighted link between two entries in the same scope,
// created automatically when their embeddings are sufficiently similar.
// Exactly one row exists per unordered pair: SourceID/TargetID are stored in
// lexicographic order and re-insertion keeps the maximum of old and new
// weight. Edges are directed in storage but symmetric in use.
type Association struct {
	SourceID  string
	TargetID  string
	Weight    float64 // in (0,1]
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizedPair returns the pair in canonical (lexicographic) order.
func NormalizedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Other returns the endpoint of the edge that is not id. When id is neither
// endpoint it returns the empty string.
func (a *Association) Other(id string) string {
	switch id {
	case a.SourceID:
		return a.TargetID
	case a.TargetID:
		return a.SourceID
	}
	return ""
}
