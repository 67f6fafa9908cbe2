// Package postgres provides the PostgreSQL + pgvector implementation of the
// Engram storage contract.
package postgres

// Schema contains the SQL statements to create the database schema.
// All statements are idempotent (IF NOT EXISTS) so the schema can be applied
// on every startup.
const Schema = `
-- Memory entries: one row per stored fact.
CREATE TABLE IF NOT EXISTS memory_entries (
    id TEXT PRIMARY KEY,
    scope TEXT NOT NULL,
    -- Empty string for global scope; a user or team/project ID otherwise.
    scope_owner_id TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'knowledge',
    content TEXT NOT NULL,
    importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    strength DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    decay_rate DOUBLE PRECISION NOT NULL DEFAULT 0.15,
    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    source TEXT NOT NULL DEFAULT 'explicit',

    CONSTRAINT importance_range CHECK (importance >= 0 AND importance <= 1),
    CONSTRAINT strength_range CHECK (strength >= 0 AND strength <= 1),
    CONSTRAINT decay_rate_nonnegative CHECK (decay_rate >= 0)
);

-- Every read and write is filtered by the scope key.
CREATE INDEX IF NOT EXISTS idx_entries_scope ON memory_entries(scope, scope_owner_id);
CREATE INDEX IF NOT EXISTS idx_entries_created_at ON memory_entries(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_entries_strength ON memory_entries(strength);
CREATE INDEX IF NOT EXISTS idx_entries_last_accessed ON memory_entries(last_accessed_at);

-- Embeddings: one vector per entry, written in the same transaction as the
-- entry row. The dimension column guards against mixing vectors produced at
-- different dimensions. The vector column starts untyped because the runtime
-- dimension is configuration; EnsureDimension narrows it to vector(D) once
-- the provider dimension is known.
CREATE TABLE IF NOT EXISTS memory_embeddings (
    entry_id TEXT PRIMARY KEY REFERENCES memory_entries(id) ON DELETE CASCADE,
    embedding vector NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Associations: one row per unordered pair, IDs in lexicographic order.
CREATE TABLE IF NOT EXISTS memory_associations (
    source_id TEXT NOT NULL REFERENCES memory_entries(id) ON DELETE CASCADE,
    target_id TEXT NOT NULL REFERENCES memory_entries(id) ON DELETE CASCADE,
    weight DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (source_id, target_id),
    CONSTRAINT weight_range CHECK (weight > 0 AND weight <= 1),
    CONSTRAINT ordered_pair CHECK (source_id < target_id)
);

CREATE INDEX IF NOT EXISTS idx_associations_target ON memory_associations(target_id);
`

// MigrationVectorIndex creates the approximate-nearest-neighbor index.
// ivfflat needs a column with a declared dimension, which EnsureDimension
// applies first, and at least one row so the list centroids train on real
// data. The statement is guarded accordingly and run by EnsureDimension.
const MigrationVectorIndex = `
DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_indexes WHERE indexname = 'idx_embeddings_cosine'
  ) THEN
    IF EXISTS (SELECT 1 FROM memory_embeddings LIMIT 1) THEN
      EXECUTE 'CREATE INDEX idx_embeddings_cosine ON memory_embeddings USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)';
    END IF;
  END IF;
END$$;
`
