// Package postgres provides a pgvector-backed implementation of
// [vectorstore.Store].
//
// All collections share two tables: rag_collections records each collection's
// name and dimension, rag_chunks holds the embedded chunks with an HNSW index
// for approximate nearest-neighbour search. The vector column dimension is
// baked in at migration time and must match the embedding model configured
// for the deployment.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/colloquyhq/colloquy/pkg/vectorstore"
)

// Ensure Store implements the vectorstore.Store interface at compile time.
var _ vectorstore.Store = (*Store)(nil)

const ddlCollections = `
CREATE TABLE IF NOT EXISTS rag_collections (
    name        TEXT         PRIMARY KEY,
    dims        INT          NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlChunks returns the chunk table DDL with the vector dimension substituted.
func ddlChunks(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS rag_chunks (
    collection  TEXT         NOT NULL REFERENCES rag_collections (name) ON DELETE CASCADE ON UPDATE CASCADE,
    id          TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    source      TEXT         NOT NULL DEFAULT '',
    metadata    JSONB        NOT NULL DEFAULT '{}',
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_rag_chunks_source
    ON rag_chunks (collection, source);

CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding
    ON rag_chunks USING hnsw (embedding vector_cosine_ops);
`, dims)
}

// Migrate creates or ensures all required tables, indexes, and the pgvector
// extension exist. It is idempotent and safe to call on every application
// start. Changing dims after the first migration requires a manual schema
// change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	for _, stmt := range []string{ddlCollections, ddlChunks(dims)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("vectorstore postgres: migrate: %w", err)
		}
	}
	return nil
}

// Store is the pgvector-backed vector store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dims int
}

// New establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate].
//
// dims is the embedding dimension for the whole store; every collection
// created through this store must use it.
func New(ctx context.Context, dsn string, dims int) (*Store, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("vectorstore postgres: dims must be positive, got %d", dims)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorstore postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectorstore postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, dims: dims}, nil
}

// EnsureCollection implements vectorstore.Store.
func (s *Store) EnsureCollection(ctx context.Context, name string, dims int) error {
	if !vectorstore.ValidCollectionName(name) {
		return fmt.Errorf("vectorstore postgres: ensure %q: %w", name, vectorstore.ErrInvalidCollectionName)
	}
	if dims != s.dims {
		return fmt.Errorf("vectorstore postgres: ensure %q: store holds %d-dim vectors, requested %d: %w",
			name, s.dims, dims, vectorstore.ErrDimensionMismatch)
	}

	const q = `
		INSERT INTO rag_collections (name, dims)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, name, dims); err != nil {
		return fmt.Errorf("vectorstore postgres: ensure %q: %w", name, err)
	}
	return nil
}

// HasCollection implements vectorstore.Store.
func (s *Store) HasCollection(ctx context.Context, name string) (bool, error) {
	var exists bool
	const q = `SELECT EXISTS (SELECT 1 FROM rag_collections WHERE name = $1)`
	if err := s.pool.QueryRow(ctx, q, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("vectorstore postgres: has %q: %w", name, err)
	}
	return exists, nil
}

// ListCollections implements vectorstore.Store.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM rag_collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("vectorstore postgres: list collections: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("vectorstore postgres: list collections: scan: %w", err)
	}
	return names, nil
}

// RenameCollection implements vectorstore.Store. Chunk rows follow via
// ON UPDATE CASCADE on the collection foreign key.
func (s *Store) RenameCollection(ctx context.Context, from, to string) error {
	if !vectorstore.ValidCollectionName(to) {
		return fmt.Errorf("vectorstore postgres: rename to %q: %w", to, vectorstore.ErrInvalidCollectionName)
	}

	tag, err := s.pool.Exec(ctx, `UPDATE rag_collections SET name = $2 WHERE name = $1`, from, to)
	if err != nil {
		return fmt.Errorf("vectorstore postgres: rename %q: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vectorstore postgres: rename %q: %w", from, vectorstore.ErrCollectionNotFound)
	}
	return nil
}

// DropCollection implements vectorstore.Store. Chunks go with the collection
// via ON DELETE CASCADE.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rag_collections WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("vectorstore postgres: drop %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vectorstore postgres: drop %q: %w", name, vectorstore.ErrCollectionNotFound)
	}
	return nil
}

// Upsert implements vectorstore.Store. All documents are written in one
// transaction so a re-ingest never leaves a collection half replaced.
func (s *Store) Upsert(ctx context.Context, collection string, docs []vectorstore.Document) error {
	if err := s.requireCollection(ctx, collection); err != nil {
		return err
	}
	for _, doc := range docs {
		if len(doc.Embedding) != s.dims {
			return fmt.Errorf("vectorstore postgres: upsert %q: vector has %d dims, want %d: %w",
				doc.ID, len(doc.Embedding), s.dims, vectorstore.ErrDimensionMismatch)
		}
	}

	const q = `
		INSERT INTO rag_chunks (collection, id, text, source, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (collection, id) DO UPDATE
		SET text = EXCLUDED.text,
		    source = EXCLUDED.source,
		    metadata = EXCLUDED.metadata,
		    embedding = EXCLUDED.embedding`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("vectorstore postgres: upsert into %q: begin: %w", collection, err)
	}
	defer tx.Rollback(ctx)

	for _, doc := range docs {
		meta := doc.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		_, err := tx.Exec(ctx, q, collection, doc.ID, doc.Text, doc.Source, meta, pgvector.NewVector(doc.Embedding))
		if err != nil {
			return fmt.Errorf("vectorstore postgres: upsert %q into %q: %w", doc.ID, collection, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("vectorstore postgres: upsert into %q: commit: %w", collection, err)
	}
	return nil
}

// Search implements vectorstore.Store.
func (s *Store) Search(ctx context.Context, collection string, query []float32, topK int, filter *vectorstore.Filter) ([]vectorstore.SearchResult, error) {
	if err := s.requireCollection(ctx, collection); err != nil {
		return nil, err
	}
	if len(query) != s.dims {
		return nil, fmt.Errorf("vectorstore postgres: search %q: query has %d dims, want %d: %w",
			collection, len(query), s.dims, vectorstore.ErrDimensionMismatch)
	}
	if topK <= 0 {
		return nil, nil
	}

	args := []any{pgvector.NewVector(query), collection}
	conditions := []string{"collection = $2"}
	if filter != nil && filter.Source != "" {
		args = append(args, filter.Source)
		conditions = append(conditions, fmt.Sprintf("source = $%d", len(args)))
	}
	args = append(args, topK)

	q := fmt.Sprintf(`
		SELECT id, text, source, metadata, embedding,
		       embedding <=> $1 AS distance
		FROM   rag_chunks
		WHERE  %s
		ORDER  BY distance
		LIMIT  $%d`, strings.Join(conditions, "\n  AND  "), len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore postgres: search %q: %w", collection, err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.SearchResult, error) {
		var (
			r        vectorstore.SearchResult
			vec      pgvector.Vector
			distance float64
		)
		if err := row.Scan(&r.ID, &r.Text, &r.Source, &r.Metadata, &vec, &distance); err != nil {
			return r, err
		}
		r.Embedding = vec.Slice()
		// Cosine distance is 1 - similarity.
		r.Score = 1 - distance
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore postgres: search %q: scan: %w", collection, err)
	}
	return results, nil
}

// Delete implements vectorstore.Store.
func (s *Store) Delete(ctx context.Context, collection string, filter vectorstore.Filter) (int, error) {
	if err := s.requireCollection(ctx, collection); err != nil {
		return 0, err
	}
	if filter.Source == "" {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM rag_chunks WHERE collection = $1 AND source = $2`,
		collection, filter.Source)
	if err != nil {
		return 0, fmt.Errorf("vectorstore postgres: delete from %q: %w", collection, err)
	}
	return int(tag.RowsAffected()), nil
}

// Close implements vectorstore.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// requireCollection returns ErrCollectionNotFound when the collection is
// missing.
func (s *Store) requireCollection(ctx context.Context, name string) error {
	exists, err := s.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("vectorstore postgres: %q: %w", name, vectorstore.ErrCollectionNotFound)
	}
	return nil
}
