// Package storage defines the composable storage contract for the Engram
// memory store. The interfaces are small and focused so backends can be
// implemented independently; both bundled backends (postgres, sqlite)
// implement all of them on a single store type.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/recallstack/engram/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch indicates that stored embeddings were generated at
	// a different dimension than the active provider produces. This is a
	// data-integrity fault requiring an explicit repair (wipe and re-embed),
	// not something a single request should paper over.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Candidate is an entry returned by a scoped nearest-neighbor query together
// with its cosine similarity to the query vector.
type Candidate struct {
	Entry      types.MemoryEntry
	Similarity float64
}

// ListOptions controls scope-filtered listing.
type ListOptions struct {
	// Limit is the maximum number of entries to return (default 50, max 500).
	Limit int

	// Offset is the number of entries to skip.
	Offset int

	// Type filters by the entry's semantic category. Empty means no filter.
	Type string

	// Source filters by provenance tag. Empty means no filter.
	Source string
}

// Normalize applies defaults and caps.
func (o *ListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// EntryStore provides the memory entry lifecycle.
type EntryStore interface {
	// Insert persists a new entry together with its embedding in one logical
	// transaction. A failed embedding write fails the whole call — an entry
	// is useless without its vector.
	Insert(ctx context.Context, entry *types.MemoryEntry, vec []float32) error

	// Get retrieves an entry by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.MemoryEntry, error)

	// GetMany retrieves the entries for the given IDs. Missing IDs are
	// silently skipped; order is not guaranteed.
	GetMany(ctx context.Context, ids []string) ([]types.MemoryEntry, error)

	// List returns entries for exactly one scope key, newest first.
	List(ctx context.Context, key types.ScopeKey, opts ListOptions) ([]types.MemoryEntry, error)

	// Delete removes an entry, its embedding, and every association touching
	// it. Returns ErrNotFound if the entry does not exist.
	Delete(ctx context.Context, id string) error

	// Reinforce applies the recall deltas to every given entry in a single
	// server-side UPDATE (strength += 0.1*(1-strength), decay rate *= 0.85
	// floored at 0.01 when positive, access count +1, last accessed = now).
	// It must never be implemented as read-modify-write from Go; concurrent
	// recalls of the same entry must not lose updates.
	Reinforce(ctx context.Context, ids []string, now time.Time) error

	// PersistDecay folds elapsed decay into the stored strength for every
	// entry not accessed within decay.PersistDecayIdleHours and bumps its
	// last-accessed timestamp to now. Entries with a zero decay rate are
	// skipped. Safe to run concurrently with reads and idempotent when run
	// twice in quick succession. Returns the number of rewritten rows.
	PersistDecay(ctx context.Context, now time.Time) (int, error)

	// PruneWeak deletes entries whose stored strength is below floor,
	// together with their embeddings and associations. Returns the number of
	// deleted entries. Intended to run right after PersistDecay.
	PruneWeak(ctx context.Context, floor float64) (int, error)

	// CountByScope returns the number of entries per scope key.
	CountByScope(ctx context.Context) (map[types.ScopeKey]int, error)

	// Close releases any resources held by the store.
	Close() error
}

// VectorIndex provides scoped nearest-neighbor retrieval over entry
// embeddings.
type VectorIndex interface {
	// Nearest returns up to limit entries in exactly the given scope key,
	// ranked by cosine similarity to vec (most similar first). exclude, when
	// non-empty, is an entry ID left out of the results (used by auto-link
	// to skip the entry being linked).
	Nearest(ctx context.Context, key types.ScopeKey, vec []float32, limit int, exclude string) ([]Candidate, error)

	// EnsureDimension verifies that stored embeddings match dim. On a
	// mismatch it returns ErrDimensionMismatch, unless repair is true, in
	// which case all stored embeddings are dropped and the index is recreated
	// at the new dimension (entries must then be re-embedded out of band).
	EnsureDimension(ctx context.Context, dim int, repair bool) error
}

// AssociationStore manages the weighted same-scope links between entries.
type AssociationStore interface {
	// UpsertAssociation creates or updates the edge for the unordered pair
	// (a.SourceID, a.TargetID), keeping the maximum of the existing and new
	// weight.
	UpsertAssociation(ctx context.Context, a types.Association) error

	// AssociationsFor returns every association touching any of the given
	// entry IDs.
	AssociationsFor(ctx context.Context, ids []string) ([]types.Association, error)

	// DeleteAssociation removes the edge for the unordered pair, if present.
	DeleteAssociation(ctx context.Context, sourceID, targetID string) error

	// CountAssociations returns the total number of edges.
	CountAssociations(ctx context.Context) (int, error)
}

// Store is the full contract the engine requires from a backend.
type Store interface {
	EntryStore
	VectorIndex
	AssociationStore
}
