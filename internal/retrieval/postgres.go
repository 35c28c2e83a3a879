package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Corpus is the PostgreSQL-backed document store the pg searchers share. It
// owns one pool with pgvector types registered on every connection.
type Corpus struct {
	pool *pgxpool.Pool
	dims int
}

// NewCorpus connects to the database at dsn, registers pgvector types, and
// migrates the documents table. dims must match the embedding model feeding
// the corpus.
func NewCorpus(ctx context.Context, dsn string, dims int) (*Corpus, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("retrieval corpus: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("retrieval corpus: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("retrieval corpus: ping: %w", err)
	}

	c := &Corpus{pool: pool, dims: dims}
	if err := c.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("retrieval corpus: migrate: %w", err)
	}
	return c, nil
}

// Migrate creates the documents table and its search indexes.
func (c *Corpus) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id         text PRIMARY KEY,
			tenant_id  text NOT NULL,
			site_id    text NOT NULL,
			title      text NOT NULL DEFAULT '',
			content    text NOT NULL,
			url        text NOT NULL DEFAULT '',
			locale     text NOT NULL DEFAULT '',
			category   text NOT NULL DEFAULT '',
			metadata   jsonb NOT NULL DEFAULT '{}',
			embedding  vector(%d),
			tsv        tsvector GENERATED ALWAYS AS (
				to_tsvector('english', title || ' ' || content)
			) STORED,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`, c.dims),
		`CREATE INDEX IF NOT EXISTS documents_site_idx ON documents (tenant_id, site_id)`,
		`CREATE INDEX IF NOT EXISTS documents_tsv_idx ON documents USING GIN (tsv)`,
		`CREATE INDEX IF NOT EXISTS documents_embedding_idx ON documents
			USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("retrieval corpus: %w", err)
		}
	}
	return nil
}

// Document is one corpus row for indexing.
type Document struct {
	ID        string
	TenantID  string
	SiteID    string
	Title     string
	Content   string
	URL       string
	Locale    string
	Category  string
	Metadata  map[string]string
	Embedding []float32
}

// Index upserts one document.
func (c *Corpus) Index(ctx context.Context, doc Document) error {
	var vec any
	if len(doc.Embedding) > 0 {
		vec = pgvector.NewVector(doc.Embedding)
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO documents
			(id, tenant_id, site_id, title, content, url, locale, category, metadata, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
			title      = EXCLUDED.title,
			content    = EXCLUDED.content,
			url        = EXCLUDED.url,
			locale     = EXCLUDED.locale,
			category   = EXCLUDED.category,
			metadata   = EXCLUDED.metadata,
			embedding  = EXCLUDED.embedding,
			updated_at = now()`,
		doc.ID, doc.TenantID, doc.SiteID, doc.Title, doc.Content, doc.URL,
		doc.Locale, doc.Category, doc.Metadata, vec)
	if err != nil {
		return fmt.Errorf("retrieval corpus: index %s: %w", doc.ID, err)
	}
	return nil
}

// Ping checks database connectivity, for readiness probes.
func (c *Corpus) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases the connection pool.
func (c *Corpus) Close() error {
	c.pool.Close()
	return nil
}

// Searchers returns the pg-backed strategy set. The vector strategy is
// omitted when embedder is nil.
func (c *Corpus) Searchers(embedder Embedder) []Searcher {
	out := []Searcher{
		&fulltextSearcher{pool: c.pool},
		&structuredSearcher{pool: c.pool},
	}
	if embedder != nil {
		out = append([]Searcher{&vectorSearcher{pool: c.pool, embedder: embedder}}, out...)
	}
	return out
}

// ── Vector strategy ─────────────────────────────────────────────────────────

type vectorSearcher struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

var _ Searcher = (*vectorSearcher)(nil)

func (s *vectorSearcher) Name() string { return StrategyVector }

func (s *vectorSearcher) Search(ctx context.Context, q Query) ([]Item, error) {
	embedding, err := s.embedder.Embed(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, title, content, url, metadata, embedding <=> $1 AS distance
		FROM documents
		WHERE tenant_id = $2 AND site_id = $3 AND embedding IS NOT NULL
		  AND ($4 = '' OR locale = $4)
		ORDER BY distance
		LIMIT $5`,
		pgvector.NewVector(embedding), q.Principal.TenantID, q.Principal.SiteID,
		q.Locale, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Item, error) {
		var item Item
		var distance float64
		if err := row.Scan(&item.ID, &item.Title, &item.Content, &item.URL, &item.Metadata, &distance); err != nil {
			return Item{}, err
		}
		// Cosine distance ∈ [0, 2]; flip to a descending relevance score.
		item.Score = 1 - distance
		return item, nil
	})
}

// ── Fulltext strategy ───────────────────────────────────────────────────────

type fulltextSearcher struct {
	pool *pgxpool.Pool
}

var _ Searcher = (*fulltextSearcher)(nil)

func (s *fulltextSearcher) Name() string { return StrategyFulltext }

func (s *fulltextSearcher) Search(ctx context.Context, q Query) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, content, url, metadata,
		       ts_rank(tsv, websearch_to_tsquery('english', $1)) AS rank
		FROM documents
		WHERE tenant_id = $2 AND site_id = $3
		  AND tsv @@ websearch_to_tsquery('english', $1)
		  AND ($4 = '' OR locale = $4)
		ORDER BY rank DESC
		LIMIT $5`,
		q.Query, q.Principal.TenantID, q.Principal.SiteID, q.Locale, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("fulltext search: %w", err)
	}
	return pgx.CollectRows(rows, scanItem)
}

// ── Structured strategy ─────────────────────────────────────────────────────

type structuredSearcher struct {
	pool *pgxpool.Pool
}

var _ Searcher = (*structuredSearcher)(nil)

func (s *structuredSearcher) Name() string { return StrategyStructured }

// structuredFields lists the columns callers may filter on.
var structuredFields = map[string]string{
	"category": "category",
	"locale":   "locale",
	"url":      "url",
}

func (s *structuredSearcher) Search(ctx context.Context, q Query) ([]Item, error) {
	args := []any{q.Principal.TenantID, q.Principal.SiteID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"tenant_id = $1", "site_id = $2"}
	for field, value := range q.Filters {
		col, ok := structuredFields[field]
		if !ok {
			continue
		}
		conditions = append(conditions, col+" = "+next(value))
	}
	if len(conditions) == 2 {
		// No usable filters; a bare site scan is not a structured lookup.
		return nil, nil
	}

	args = append(args, q.TopK)
	query := fmt.Sprintf(`
		SELECT id, title, content, url, metadata, 1.0 AS rank
		FROM documents
		WHERE %s
		ORDER BY updated_at DESC
		LIMIT $%d`, strings.Join(conditions, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("structured search: %w", err)
	}
	return pgx.CollectRows(rows, scanItem)
}

func scanItem(row pgx.CollectableRow) (Item, error) {
	var item Item
	if err := row.Scan(&item.ID, &item.Title, &item.Content, &item.URL, &item.Metadata, &item.Score); err != nil {
		return Item{}, err
	}
	return item, nil
}
