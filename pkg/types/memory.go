// Package types defines the core data structures for the Engram memory store:
// memory entries, ownership scopes, associations, and the scored view used
// during retrieval.
package types

import (
	"fmt"
	"time"
)

// Scope partitions all storage and retrieval. Entries in different scopes are
// invisible to each other; even association expansion never crosses a scope
// boundary.
type Scope string

const (
	// ScopePersonal holds memories owned by a single user.
	ScopePersonal Scope = "personal"

	// ScopeTeam holds memories owned by a team or project.
	ScopeTeam Scope = "team"

	// ScopeGlobal holds memories visible to every caller. Global entries have
	// no owner.
	ScopeGlobal Scope = "global"
)

// Memory source constants.
const (
	SourceExplicit     = "explicit"     // stored directly by a caller or API
	SourceConversation = "conversation" // extracted from a chat turn
	SourceReflection   = "reflection"   // produced by episodic summarization
	SourcePlanning     = "planning"     // captured during planning mode
)

// Memory type constants. The type is informational only; it never affects
// ranking or isolation.
const (
	TypeKnowledge    = "knowledge"
	TypeConversation = "conversation"
	TypeReflection   = "reflection"
	TypePreference   = "preference"
	TypeDecision     = "decision"
)

// ScopeKey is the isolation key every read and write is restricted to.
// OwnerID is the user ID for personal scope, the team or project ID for team
// scope, and must be empty for global scope.
type ScopeKey struct {
	Scope   Scope
	OwnerID string
}

// Validate checks that the scope value is known and the owner requirement for
// that scope is met.
func (k ScopeKey) Validate() error {
	switch k.Scope {
	case ScopePersonal, ScopeTeam:
		if k.OwnerID == "" {
			return fmt.Errorf("scope %q requires an owner ID", k.Scope)
		}
	case ScopeGlobal:
		if k.OwnerID != "" {
			return fmt.Errorf("global scope must not have an owner ID (got %q)", k.OwnerID)
		}
	default:
		return fmt.Errorf("unknown scope %q", k.Scope)
	}
	return nil
}

// String renders the key for log messages.
func (k ScopeKey) String() string {
	if k.OwnerID == "" {
		return string(k.Scope)
	}
	return string(k.Scope) + "/" + k.OwnerID
}

// MemoryEntry is a unit of stored knowledge.
type MemoryEntry struct {
	// ID is the unique, immutable identifier.
	ID string

	// Scope and ScopeOwnerID form the isolation key (see ScopeKey).
	Scope        Scope
	ScopeOwnerID string

	// Type is the semantic category (knowledge, conversation, ...).
	Type string

	// Content is the text payload. Callers are expected to keep entries
	// short — one fact per entry.
	Content string

	// Importance is the caller-assigned salience in [0,1].
	Importance float64

	// Strength is the current decay-adjusted retrievability in [0,1].
	// New entries start at 1.0.
	Strength float64

	// DecayRate is the per-hour decay coefficient. 0.15 for normal entries;
	// 0.0 marks a permanent entry whose strength never fades.
	DecayRate float64

	// AccessCount is incremented on every recall.
	AccessCount int

	LastAccessedAt time.Time
	CreatedAt      time.Time

	// Source is the provenance tag (explicit, conversation, ...).
	Source string
}

// Key returns the entry's scope key.
func (e *MemoryEntry) Key() ScopeKey {
	return ScopeKey{Scope: e.Scope, OwnerID: e.ScopeOwnerID}
}

// Permanent reports whether the entry is exempt from decay.
func (e *MemoryEntry) Permanent() bool {
	return e.DecayRate == 0
}

// Validate checks the invariants that must hold for a stored entry.
func (e *MemoryEntry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entry ID is required")
	}
	if e.Content == "" {
		return fmt.Errorf("entry content is required")
	}
	if err := e.Key().Validate(); err != nil {
		return err
	}
	if e.Importance < 0 || e.Importance > 1 {
		return fmt.Errorf("importance %f outside [0,1]", e.Importance)
	}
	if e.Strength < 0 || e.Strength > 1 {
		return fmt.Errorf("strength %f outside [0,1]", e.Strength)
	}
	if e.DecayRate < 0 {
		return fmt.Errorf("decay rate %f must be >= 0", e.DecayRate)
	}
	return nil
}

// Clamp forces Importance and Strength back into [0,1]. Called after every
// mutation so malformed arithmetic can never persist an out-of-range value.
func (e *MemoryEntry) Clamp() {
	e.Importance = clamp01(e.Importance)
	e.Strength = clamp01(e.Strength)
	if e.DecayRate < 0 {
		e.DecayRate = 0
	}
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
