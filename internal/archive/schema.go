package archive

import (
	"context"
	"fmt"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL: turns
// ─────────────────────────────────────────────────────────────────────────────

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id             BIGSERIAL    PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    turn_id        TEXT         NOT NULL UNIQUE,
    user_text      TEXT         NOT NULL,
    assistant_text TEXT         NOT NULL DEFAULT '',
    metrics        JSONB        NOT NULL DEFAULT '{}',
    started_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_started_at
    ON turns (started_at);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON turns USING GIN (to_tsvector('english', user_text || ' ' || assistant_text));
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL: turn_chunks (semantic index, only with an embedder)
// ─────────────────────────────────────────────────────────────────────────────

// ddlTurnChunks returns the semantic index DDL with the embedding dimension
// substituted. The dimension is baked into the column type at schema
// creation; changing the embedding model afterwards requires a manual
// schema change.
func ddlTurnChunks(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS turn_chunks (
    turn_id    TEXT         PRIMARY KEY,
    session_id TEXT         NOT NULL,
    content    TEXT         NOT NULL,
    embedding  vector(%d),
    started_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turn_chunks_session_id
    ON turn_chunks (session_id);

CREATE INDEX IF NOT EXISTS idx_turn_chunks_embedding
    ON turn_chunks USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// EnsureSchema creates the archive tables and indexes. It is idempotent and
// safe to run on every start. The turn_chunks table and the pgvector
// extension are only touched when an embedder is configured, so a plain
// full-text archive works against a database without pgvector installed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{ddlTurns}
	if s.embedder != nil {
		statements = append(statements, ddlTurnChunks(s.dimensions))
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive: ensure schema: %w", err)
		}
	}
	return nil
}
