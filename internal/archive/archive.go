// Package archive persists finished conversation turns to PostgreSQL.
//
// Each committed turn is stored as one row (user text, assistant text,
// per-turn metrics) with a GIN full-text index, so past sessions can be
// recalled through the recall_transcript tool. When an embeddings provider
// is configured, every turn is additionally indexed into a pgvector HNSW
// table for similarity recall of exchanges that share meaning but no words.
//
// The archive is optional: without DATABASE_URL the rest of the system runs
// with history only. Saves happen off the turn path, so a slow or down
// database never adds speech latency.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/loquilabs/loqui/pkg/provider/embeddings"
)

// TurnRecord is one archived conversation turn.
type TurnRecord struct {
	SessionID     string
	TurnID        string
	UserText      string
	AssistantText string
	// Metrics carries the per-turn latency figures as emitted to the
	// client, stored as JSONB. Nil is stored as an empty object.
	Metrics   map[string]any
	StartedAt time.Time
}

// SearchOpts filters a full-text Search.
type SearchOpts struct {
	// SessionID restricts matches to one session. Empty matches all.
	SessionID string
	// After / Before bound the turn start time when non-zero.
	After  time.Time
	Before time.Time
	// Limit caps the result count. Zero or negative means no limit.
	Limit int
}

// SemanticHit is one nearest-neighbour match from SemanticSearch.
type SemanticHit struct {
	Turn TurnRecord
	// Distance is the cosine distance to the query embedding; smaller is
	// closer.
	Distance float64
}

// Option configures a Store.
type Option func(*Store)

// WithEmbedder enables the semantic index. Turns are embedded on save and
// SemanticSearch becomes available. The provider's dimension is baked into
// the turn_chunks schema.
func WithEmbedder(e embeddings.Provider) Option {
	return func(s *Store) { s.embedder = e }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Store is the PostgreSQL-backed turn archive. All methods are safe for
// concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	embedder   embeddings.Provider
	dimensions int
	log        *slog.Logger
}

// New connects to the database at dsn, verifies the connection, and ensures
// the schema exists. Close the returned Store when done.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.embedder != nil {
		s.dimensions = s.embedder.Dimensions()
		if s.dimensions <= 0 {
			return nil, fmt.Errorf("archive: embedder %q reports no dimensions", s.embedder.ModelID())
		}
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	if s.embedder != nil {
		// Register pgvector types on every new connection so vector columns
		// scan into and insert from pgvector.Vector values.
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	s.pool = pool
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveTurn stores one turn, keyed by turn id. Saving the same turn id again
// replaces the stored row, so callers may retry after transient failures.
// When an embedder is configured the turn is also indexed for semantic
// search; an embedding failure is logged and does not fail the save, so the
// text record never depends on the embeddings backend being up.
func (s *Store) SaveTurn(ctx context.Context, rec TurnRecord) error {
	if rec.SessionID == "" || rec.TurnID == "" {
		return errors.New("archive: save turn: session id and turn id are required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	metrics := rec.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}

	const q = `
		INSERT INTO turns
		    (session_id, turn_id, user_text, assistant_text, metrics, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (turn_id) DO UPDATE SET
		    session_id     = EXCLUDED.session_id,
		    user_text      = EXCLUDED.user_text,
		    assistant_text = EXCLUDED.assistant_text,
		    metrics        = EXCLUDED.metrics,
		    started_at     = EXCLUDED.started_at`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.TurnID,
		rec.UserText,
		rec.AssistantText,
		metrics,
		rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: save turn: %w", err)
	}

	if s.embedder != nil {
		if err := s.indexTurn(ctx, rec); err != nil {
			s.log.Warn("turn embedding failed", "err", err, "turn_id", rec.TurnID)
		}
	}
	return nil
}

// indexTurn embeds the turn's text and upserts it into the semantic index.
func (s *Store) indexTurn(ctx context.Context, rec TurnRecord) error {
	content := "user: " + rec.UserText + "\nassistant: " + rec.AssistantText
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	const q = `
		INSERT INTO turn_chunks
		    (turn_id, session_id, content, embedding, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (turn_id) DO UPDATE SET
		    session_id = EXCLUDED.session_id,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    started_at = EXCLUDED.started_at`

	if _, err := s.pool.Exec(ctx, q,
		rec.TurnID,
		rec.SessionID,
		content,
		pgvector.NewVector(vec),
		rec.StartedAt,
	); err != nil {
		return fmt.Errorf("index chunk: %w", err)
	}
	return nil
}

// Search performs a full-text search over user and assistant text. The query
// goes through plainto_tsquery, so no operator syntax is required. Results
// come back newest first.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]TurnRecord, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', user_text || ' ' || assistant_text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "started_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "started_at < "+next(opts.Before))
	}

	q := "SELECT session_id, turn_id, user_text, assistant_text, metrics, started_at\n" +
		"FROM   turns\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY started_at DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return collectTurns(rows)
}

// SemanticSearch returns the topK turns whose chunk embeddings are closest
// (cosine distance) to the query embedding. It requires an embedder; without
// one the semantic index does not exist.
func (s *Store) SemanticSearch(ctx context.Context, embedding []float32, topK int) ([]SemanticHit, error) {
	if s.embedder == nil {
		return nil, errors.New("archive: semantic search requires an embedder")
	}
	if topK <= 0 {
		topK = 5
	}

	const q = `
		SELECT t.session_id, t.turn_id, t.user_text, t.assistant_text, t.metrics, t.started_at,
		       c.embedding <=> $1 AS distance
		FROM   turn_chunks c
		JOIN   turns t ON t.turn_id = c.turn_id
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("archive: semantic search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SemanticHit, error) {
		var h SemanticHit
		if err := row.Scan(
			&h.Turn.SessionID,
			&h.Turn.TurnID,
			&h.Turn.UserText,
			&h.Turn.AssistantText,
			&h.Turn.Metrics,
			&h.Turn.StartedAt,
			&h.Distance,
		); err != nil {
			return SemanticHit{}, err
		}
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	return hits, nil
}

// collectTurns scans pgx rows into TurnRecord values.
func collectTurns(rows pgx.Rows) ([]TurnRecord, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TurnRecord, error) {
		var rec TurnRecord
		if err := row.Scan(
			&rec.SessionID,
			&rec.TurnID,
			&rec.UserText,
			&rec.AssistantText,
			&rec.Metrics,
			&rec.StartedAt,
		); err != nil {
			return TurnRecord{}, err
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if turns == nil {
		turns = []TurnRecord{}
	}
	return turns, nil
}
