// Package rag implements the retrieval engine: per-persona pgvector
// collections of embedded text passages.
//
// Each persona maps to one PostgreSQL table named
// "{owner}_persona_{personaID}_rag", created on first ingest with the
// persona's embedding dimension. One table per collection sidesteps
// pgvector's fixed column dimension: personas with different embedding
// models never share a table.
package rag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/provider/embeddings"
	embopenai "github.com/parley-ai/parley/pkg/provider/embeddings/openai"
)

// Passage is one search hit.
type Passage struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// IngestResult reports what an ingest operation did.
type IngestResult struct {
	ChunksAdded int    `json:"chunks_added"`
	Collection  string `json:"collection"`
}

// DB is the database interface used by the engine. Both *pgxpool.Pool and
// *pgx.Conn satisfy it. Connections must have pgvector types registered.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EmbedderFactory builds an embeddings provider from a resolved profile
// config. Injected so tests can substitute a deterministic embedder.
type EmbedderFactory func(cfg *store.LLMConfig, dim int) (embeddings.Provider, error)

// OpenAIEmbedderFactory is the production factory: one short-lived
// openai-go provider per request, bound to the profile's endpoint.
func OpenAIEmbedderFactory(cfg *store.LLMConfig, dim int) (embeddings.Provider, error) {
	opts := []embopenai.Option{
		embopenai.WithBaseURL(cfg.BaseURL),
		embopenai.WithTimeout(60 * time.Second),
	}
	if dim > 0 {
		opts = append(opts, embopenai.WithDimensions(dim))
	}
	return embopenai.New(cfg.APIKey, cfg.Model, opts...)
}

// Engine is the retrieval engine. Safe for concurrent use; each request
// builds a short-lived embedder bound to (collection, profile) so no
// tenant parameters leak across requests.
type Engine struct {
	db          DB
	profiles    store.ProfileStore
	newEmbedder EmbedderFactory
	http        *http.Client
	log         *slog.Logger
}

// Option is a functional option for Engine.
type Option func(*Engine)

// WithEmbedderFactory replaces the production embedder factory.
func WithEmbedderFactory(f EmbedderFactory) Option {
	return func(e *Engine) { e.newEmbedder = f }
}

// WithHTTPClient replaces the HTTP client used by IngestURL.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.http = c }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates a retrieval engine over db. profiles resolves each
// persona's embedding profile.
func NewEngine(db DB, profiles store.ProfileStore, opts ...Option) *Engine {
	e := &Engine{
		db:          db,
		profiles:    profiles,
		newEmbedder: OpenAIEmbedderFactory,
		http:        &http.Client{Timeout: 30 * time.Second},
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Open connects to the vector store at dsn with pgvector types registered
// on every connection and ensures the vector extension exists.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("rag: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("rag: create pool: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("rag: create vector extension: %w", err)
	}
	return pool, nil
}

// IngestText chunks, embeds and upserts text into the persona's
// collection under the given source tag. Re-ingesting a source replaces
// that source's chunks. The collection table is created on first use with
// the persona's embedding dimension.
func (e *Engine) IngestText(ctx context.Context, persona *store.Persona, text, source string) (*IngestResult, error) {
	collection, embedder, err := e.bind(ctx, persona)
	if err != nil {
		return nil, err
	}

	chunks := SplitText(text, ChunkSize, ChunkOverlap)
	if len(chunks) == 0 {
		return &IngestResult{Collection: collection}, nil
	}

	vectors, err := embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("rag: embed chunks: %w", err)
	}

	if err := e.ensureCollection(ctx, collection, embedder.Dimensions()); err != nil {
		return nil, err
	}

	// replace semantics: old chunks for this source go away first
	if err := e.deleteBySource(ctx, collection, source); err != nil {
		return nil, err
	}

	table := pgx.Identifier{collection}.Sanitize()
	upsert := fmt.Sprintf(`
		INSERT INTO %s (id, source, content, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`, table)

	for i, chunk := range chunks {
		id := ChunkID(collection, source, chunk)
		if _, err := e.db.Exec(ctx, upsert, id, source, chunk, pgvector.NewVector(vectors[i])); err != nil {
			return nil, fmt.Errorf("rag: upsert chunk: %w", err)
		}
	}

	e.log.Info("ingested text",
		"collection", collection,
		"source", source,
		"chunks", len(chunks))
	return &IngestResult{ChunksAdded: len(chunks), Collection: collection}, nil
}

// IngestURL fetches url, extracts its textual content and delegates to
// IngestText with the url as source tag.
func (e *Engine) IngestURL(ctx context.Context, persona *store.Persona, url string) (*IngestResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("rag: build request for %q: %w", url, err)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag: fetch %q: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rag: fetch %q: unexpected status %d", url, resp.StatusCode)
	}

	text, err := ExtractText(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("rag: extract %q: %w", url, err)
	}
	return e.IngestText(ctx, persona, text, url)
}

// DeleteBySource removes all chunks with the matching source tag. A
// missing collection is not an error.
func (e *Engine) DeleteBySource(ctx context.Context, persona *store.Persona, source string) error {
	collection, err := CollectionName(persona.Owner, persona.ID)
	if err != nil {
		return err
	}
	exists, err := e.collectionExists(ctx, collection)
	if err != nil || !exists {
		return err
	}
	return e.deleteBySource(ctx, collection, source)
}

// DeleteCollection drops the persona's whole collection, if present.
func (e *Engine) DeleteCollection(ctx context.Context, persona *store.Persona) error {
	collection, err := CollectionName(persona.Owner, persona.ID)
	if err != nil {
		return err
	}
	table := pgx.Identifier{collection}.Sanitize()
	if _, err := e.db.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("rag: drop collection %s: %w", collection, err)
	}
	return nil
}

// Search embeds query with the persona's own embedding profile and
// returns the topK most similar passages in descending score order.
// A persona with no ingested content yields an empty result, not an
// error.
func (e *Engine) Search(ctx context.Context, persona *store.Persona, query string, topK int) ([]Passage, error) {
	if topK <= 0 {
		topK = 3
	}
	collection, err := CollectionName(persona.Owner, persona.ID)
	if err != nil {
		return nil, err
	}
	exists, err := e.collectionExists(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	_, embedder, err := e.bind(ctx, persona)
	if err != nil {
		return nil, err
	}
	vec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	table := pgx.Identifier{collection}.Sanitize()
	q := fmt.Sprintf(`
		SELECT content, source, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`, table)

	rows, err := e.db.Query(ctx, q, pgvector.NewVector(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("rag: search %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Passage
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.Text, &p.Source, &p.Score); err != nil {
			return nil, fmt.Errorf("rag: search scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}
	return out, nil
}

// bind resolves the persona's embedding profile into a short-lived
// embedder and the collection name. A persona without an embedding
// profile surfaces store.ErrConfig.
func (e *Engine) bind(ctx context.Context, persona *store.Persona) (string, embeddings.Provider, error) {
	collection, err := CollectionName(persona.Owner, persona.ID)
	if err != nil {
		return "", nil, err
	}
	cfg, profile, err := e.profiles.ResolveEmbeddingConfig(ctx, persona)
	if err != nil {
		return "", nil, err
	}
	embedder, err := e.newEmbedder(cfg, profile.EmbeddingDim)
	if err != nil {
		return "", nil, fmt.Errorf("rag: build embedder: %w", err)
	}
	return collection, embedder, nil
}

// ensureCollection creates the collection table and its HNSW cosine index
// if they do not exist. dim is fixed at creation time.
func (e *Engine) ensureCollection(ctx context.Context, collection string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("rag: collection %s: invalid embedding dimension %d: %w", collection, dim, store.ErrConfig)
	}
	table := pgx.Identifier{collection}.Sanitize()
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id        TEXT PRIMARY KEY,
			source    TEXT NOT NULL,
			content   TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops);
		CREATE INDEX IF NOT EXISTS %s ON %s (source);`,
		table, dim,
		pgx.Identifier{"idx_" + collection + "_hnsw"}.Sanitize(), table,
		pgx.Identifier{"idx_" + collection + "_source"}.Sanitize(), table,
	)
	if _, err := e.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("rag: create collection %s: %w", collection, err)
	}
	return nil
}

// collectionExists checks table presence via to_regclass.
func (e *Engine) collectionExists(ctx context.Context, collection string) (bool, error) {
	var reg *string
	if err := e.db.QueryRow(ctx, `SELECT to_regclass($1)::text`, collection).Scan(&reg); err != nil {
		return false, fmt.Errorf("rag: check collection %s: %w", collection, err)
	}
	return reg != nil, nil
}

func (e *Engine) deleteBySource(ctx context.Context, collection, source string) error {
	table := pgx.Identifier{collection}.Sanitize()
	if _, err := e.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE source = $1`, table), source); err != nil {
		return fmt.Errorf("rag: delete by source in %s: %w", collection, err)
	}
	return nil
}
