// Package sqlite provides a pure-Go, file-backed (or in-memory) implementation
// of the Engram storage contract. It has no pgvector, so similarity search
// loads the scope's embeddings and ranks them in Go; fine for single-agent and
// test deployments, not for large shared stores.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/recallstack/engram/internal/decay"
	"github.com/recallstack/engram/internal/storage"
	"github.com/recallstack/engram/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
    id TEXT PRIMARY KEY,
    scope TEXT NOT NULL,
    scope_owner_id TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'knowledge',
    content TEXT NOT NULL,
    importance REAL NOT NULL DEFAULT 0.5,
    strength REAL NOT NULL DEFAULT 1.0,
    decay_rate REAL NOT NULL DEFAULT 0.15,
    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    source TEXT NOT NULL DEFAULT 'explicit'
);

CREATE INDEX IF NOT EXISTS idx_entries_scope ON memory_entries(scope, scope_owner_id);
CREATE INDEX IF NOT EXISTS idx_entries_created_at ON memory_entries(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_entries_strength ON memory_entries(strength);

CREATE TABLE IF NOT EXISTS memory_embeddings (
    entry_id TEXT PRIMARY KEY REFERENCES memory_entries(id) ON DELETE CASCADE,
    embedding BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_associations (
    source_id TEXT NOT NULL REFERENCES memory_entries(id) ON DELETE CASCADE,
    target_id TEXT NOT NULL REFERENCES memory_entries(id) ON DELETE CASCADE,
    weight REAL NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (source_id, target_id),
    CHECK (source_id < target_id)
);

CREATE INDEX IF NOT EXISTS idx_associations_target ON memory_associations(target_id);
`

// Store implements storage.Store on SQLite via the modernc pure-Go driver.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Columns are table-qualified so the list survives the join against
// memory_embeddings in Nearest (both tables have a created_at).
const entrySelectColumns = `
	memory_entries.id, memory_entries.scope, memory_entries.scope_owner_id,
	memory_entries.type, memory_entries.content,
	memory_entries.importance, memory_entries.strength, memory_entries.decay_rate,
	memory_entries.access_count, memory_entries.last_accessed_at,
	memory_entries.created_at, memory_entries.source
`

// New opens or creates a SQLite store at path. Use ":memory:" for an
// in-memory store.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}

	dsn := path
	if path == ":memory:" {
		// A plain :memory: DSN gives each pooled connection its own empty
		// database. A shared-cache memory DSN keeps one database across the
		// pool.
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite handles one writer at a time; serialize through a single
	// connection to avoid SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Insert persists the entry and its embedding in one transaction.
func (s *Store) Insert(ctx context.Context, entry *types.MemoryEntry, vec []float32) error {
	if entry == nil {
		return storage.ErrInvalidInput
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: embedding vector is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_entries (
			id, scope, scope_owner_id, type, content,
			importance, strength, decay_rate,
			access_count, last_accessed_at, created_at, source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Scope, entry.ScopeOwnerID, entry.Type, entry.Content,
		entry.Importance, entry.Strength, entry.DecayRate,
		entry.AccessCount, entry.LastAccessedAt, entry.CreatedAt, entry.Source,
	); err != nil {
		return fmt.Errorf("sqlite: insert entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_embeddings (entry_id, embedding, dimension, created_at)
		VALUES (?, ?, ?, ?)`,
		entry.ID, packVector(vec), len(vec), entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("sqlite: insert embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit insert: %w", err)
	}
	return nil
}

// Get retrieves an entry by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.MemoryEntry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}

	query := `SELECT ` + entrySelectColumns + ` FROM memory_entries WHERE id = ?`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get entry %s: %w", id, err)
	}
	return entry, nil
}

// GetMany retrieves the entries for the given IDs; missing IDs are skipped.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]types.MemoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + entrySelectColumns + ` FROM memory_entries WHERE id IN (` +
		placeholders(len(ids)) + `)`

	rows, err := s.db.QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get many: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// List returns the entries for exactly one scope key, newest first.
func (s *Store) List(ctx context.Context, key types.ScopeKey, opts storage.ListOptions) ([]types.MemoryEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	opts.Normalize()

	query := `SELECT ` + entrySelectColumns + `
		FROM memory_entries
		WHERE scope = ? AND scope_owner_id = ?
		  AND (? = '' OR type = ?)
		  AND (? = '' OR source = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query,
		key.Scope, key.OwnerID,
		opts.Type, opts.Type,
		opts.Source, opts.Source,
		opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// Delete removes an entry; embeddings and associations cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete entry %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Reinforce applies the recall deltas in a single UPDATE. SQLite's two-argument
// min/max scalar functions stand in for LEAST/GREATEST.
func (s *Store) Reinforce(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE memory_entries SET
			strength = min(1.0, strength + %f * (1.0 - strength)),
			decay_rate = CASE WHEN decay_rate > 0
				THEN max(%f, decay_rate * %f)
				ELSE 0 END,
			access_count = access_count + 1,
			last_accessed_at = ?
		WHERE id IN (%s)`,
		decay.RecallBoost, decay.MinRate, decay.RecallRateFactor,
		placeholders(len(ids)))

	args := append([]any{now}, toArgs(ids)...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: reinforce: %w", err)
	}
	return nil
}

// PersistDecay folds elapsed decay into the stored strength for idle rows.
// SQLite builds do not reliably ship the math functions, so the exponential is
// computed in Go inside one transaction; the single-writer pool makes the
// read-then-write safe here.
func (s *Store) PersistDecay(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(decay.PersistDecayIdleHours * float64(time.Hour)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin persist decay: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, importance, strength, decay_rate, last_accessed_at
		FROM memory_entries
		WHERE decay_rate > 0 AND last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: persist decay select: %w", err)
	}

	type update struct {
		id       string
		strength float64
	}
	var updates []update
	for rows.Next() {
		var id string
		var importance, strength, rate float64
		var last time.Time
		if err := rows.Scan(&id, &importance, &strength, &rate, &last); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: persist decay scan: %w", err)
		}
		hours := now.Sub(last).Hours()
		if hours < 0 {
			hours = 0
		}
		decayed := strength * math.Exp(-rate*(1.0-importance*decay.ImportanceDamping)*hours)
		if decayed > 1 {
			decayed = 1
		}
		if decayed < 0 {
			decayed = 0
		}
		updates = append(updates, update{id: id, strength: decayed})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("sqlite: persist decay rows: %w", err)
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE memory_entries SET strength = ?, last_accessed_at = ? WHERE id = ?`,
			u.strength, now, u.id); err != nil {
			return 0, fmt.Errorf("sqlite: persist decay update %s: %w", u.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit persist decay: %w", err)
	}
	return len(updates), nil
}

// PruneWeak deletes entries whose stored strength fell below floor.
func (s *Store) PruneWeak(ctx context.Context, floor float64) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE strength < ?`, floor)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune weak: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune rows affected: %w", err)
	}
	return int(n), nil
}

// CountByScope returns entry counts per scope key.
func (s *Store) CountByScope(ctx context.Context) (map[types.ScopeKey]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, scope_owner_id, COUNT(*)
		FROM memory_entries
		GROUP BY scope, scope_owner_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: count by scope: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.ScopeKey]int)
	for rows.Next() {
		var key types.ScopeKey
		var n int
		if err := rows.Scan(&key.Scope, &key.OwnerID, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scan scope count: %w", err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: scope count rows: %w", err)
	}
	return counts, nil
}

// Nearest loads the scope's embeddings and ranks them by cosine similarity in
// Go. The scope filter runs in SQL, so other scopes' vectors never load.
func (s *Store) Nearest(ctx context.Context, key types.ScopeKey, vec []float32, limit int, exclude string) ([]storage.Candidate, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if len(vec) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT ` + entrySelectColumns + `, emb.embedding
		FROM memory_entries
		JOIN memory_embeddings emb ON emb.entry_id = memory_entries.id
		WHERE scope = ? AND scope_owner_id = ? AND (? = '' OR memory_entries.id <> ?)`

	rows, err := s.db.QueryContext(ctx, query, key.Scope, key.OwnerID, exclude, exclude)
	if err != nil {
		return nil, fmt.Errorf("sqlite: nearest in %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []storage.Candidate
	for rows.Next() {
		var c storage.Candidate
		var blob []byte
		if err := scanEntryInto(rows, &c.Entry, &blob); err != nil {
			return nil, fmt.Errorf("sqlite: scan candidate: %w", err)
		}
		stored := unpackVector(blob)
		if len(stored) != len(vec) {
			// Skip vectors from a mismatched dimension era rather than scoring
			// them zero; EnsureDimension reports the fault properly.
			continue
		}
		c.Similarity = cosine(vec, stored)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: nearest rows: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Entry.ID < candidates[j].Entry.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// EnsureDimension verifies stored embeddings match dim, wiping them when
// repair is set.
func (s *Store) EnsureDimension(ctx context.Context, dim int, repair bool) error {
	if dim <= 0 {
		return fmt.Errorf("%w: dimension must be positive", storage.ErrInvalidInput)
	}

	var minDim, maxDim sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(dimension), MAX(dimension) FROM memory_embeddings`).Scan(&minDim, &maxDim)
	if err != nil {
		return fmt.Errorf("sqlite: dimension check: %w", err)
	}
	if !minDim.Valid {
		return nil
	}
	if int(minDim.Int64) == dim && int(maxDim.Int64) == dim {
		return nil
	}
	if !repair {
		return fmt.Errorf("%w: stored dimensions [%d,%d], provider dimension %d",
			storage.ErrDimensionMismatch, minDim.Int64, maxDim.Int64, dim)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_embeddings`); err != nil {
		return fmt.Errorf("sqlite: wipe embeddings: %w", err)
	}
	return nil
}

// UpsertAssociation creates or strengthens the edge for an unordered pair.
func (s *Store) UpsertAssociation(ctx context.Context, a types.Association) error {
	if a.SourceID == "" || a.TargetID == "" || a.SourceID == a.TargetID {
		return fmt.Errorf("%w: association needs two distinct entry IDs", storage.ErrInvalidInput)
	}
	if a.Weight <= 0 || a.Weight > 1 {
		return fmt.Errorf("%w: association weight %f outside (0,1]", storage.ErrInvalidInput, a.Weight)
	}

	src, dst := types.NormalizedPair(a.SourceID, a.TargetID)
	now := a.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_associations (source_id, target_id, weight, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_id, target_id) DO UPDATE SET
			weight = max(memory_associations.weight, excluded.weight),
			updated_at = excluded.updated_at`,
		src, dst, a.Weight, now, now); err != nil {
		return fmt.Errorf("sqlite: upsert association %s<->%s: %w", src, dst, err)
	}
	return nil
}

// AssociationsFor returns every edge touching any of the given entry IDs.
func (s *Store) AssociationsFor(ctx context.Context, ids []string) ([]types.Association, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ph := placeholders(len(ids))
	query := `
		SELECT source_id, target_id, weight, created_at, updated_at
		FROM memory_associations
		WHERE source_id IN (` + ph + `) OR target_id IN (` + ph + `)`

	args := append(toArgs(ids), toArgs(ids)...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: associations for: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var assocs []types.Association
	for rows.Next() {
		var a types.Association
		if err := rows.Scan(&a.SourceID, &a.TargetID, &a.Weight, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan association: %w", err)
		}
		assocs = append(assocs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: association rows: %w", err)
	}
	return assocs, nil
}

// DeleteAssociation removes the edge for the unordered pair, if present.
func (s *Store) DeleteAssociation(ctx context.Context, sourceID, targetID string) error {
	src, dst := types.NormalizedPair(sourceID, targetID)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_associations WHERE source_id = ? AND target_id = ?`, src, dst); err != nil {
		return fmt.Errorf("sqlite: delete association: %w", err)
	}
	return nil
}

// CountAssociations returns the total number of edges.
func (s *Store) CountAssociations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_associations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count associations: %w", err)
	}
	return n, nil
}

// packVector encodes a float32 slice as little-endian bytes.
func packVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// unpackVector decodes a little-endian float32 blob.
func unpackVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*types.MemoryEntry, error) {
	var e types.MemoryEntry
	if err := scanEntryInto(row, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntryInto(row rowScanner, e *types.MemoryEntry, extra ...any) error {
	dest := []any{
		&e.ID,
		&e.Scope,
		&e.ScopeOwnerID,
		&e.Type,
		&e.Content,
		&e.Importance,
		&e.Strength,
		&e.DecayRate,
		&e.AccessCount,
		&e.LastAccessedAt,
		&e.CreatedAt,
		&e.Source,
	}
	dest = append(dest, extra...)
	return row.Scan(dest...)
}

func scanEntries(rows *sql.Rows) ([]types.MemoryEntry, error) {
	var entries []types.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: entry rows: %w", err)
	}
	return entries, nil
}
