// Package rag implements tenant- and persona-scoped retrieval over a vector
// store.
//
// Every (tenant, persona) pair owns one collection; isolation is enforced by
// collection naming, so a query can never cross tenants regardless of what it
// contains. Retrieval failures are reported to callers but are designed to be
// non-fatal: the worker drops the knowledge section and generates without it.
package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/colloquyhq/colloquy/pkg/provider/embeddings"
	"github.com/colloquyhq/colloquy/pkg/vectorstore"
)

// ErrCollectionNotFound is returned by Search when the persona has no
// knowledge collection. It aliases the vector store sentinel so callers can
// test either.
var ErrCollectionNotFound = vectorstore.ErrCollectionNotFound

// CollectionName derives the canonical collection name for a tenant/persona
// pair: "u_{tenant}_persona_{persona}_rag". The "u_" prefix guarantees the
// name never starts with a digit, which some vector store backends forbid.
// Characters outside [A-Za-z0-9_] in either segment are replaced with "_".
func CollectionName(tenantID, personaID string) string {
	return fmt.Sprintf("u_%s_persona_%s_rag", sanitizeSegment(tenantID), sanitizeSegment(personaID))
}

// LegacyCollectionName is the pre-migration form without the "u_" prefix.
func LegacyCollectionName(tenantID, personaID string) string {
	return fmt.Sprintf("%s_persona_%s_rag", sanitizeSegment(tenantID), sanitizeSegment(personaID))
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// chunkID derives a stable chunk identifier: the 16-hex prefix of
// sha256("{tenant}:{persona}:{source}:{chunk}"). Re-ingesting identical
// content therefore overwrites rather than duplicates.
func chunkID(tenantID, personaID, source, chunk string) string {
	sum := sha256.Sum256([]byte(tenantID + ":" + personaID + ":" + source + ":" + chunk))
	return hex.EncodeToString(sum[:])[:16]
}

// Doc is one retrieved knowledge chunk.
type Doc struct {
	// PageContent is the chunk text.
	PageContent string
	// Metadata carries the chunk's stored attributes plus its source.
	Metadata map[string]string
	// Score is the similarity to the query, higher is closer.
	Score float64
}

// IngestResult reports what an Ingest call wrote.
type IngestResult struct {
	// Count is the number of chunks upserted.
	Count int
	// Collection is the collection the chunks were written to.
	Collection string
}

// Retriever performs persona-scoped ingestion and similarity search.
//
// Retriever is safe for concurrent use.
type Retriever struct {
	store    vectorstore.Store
	embedder embeddings.Provider
	splitter *Splitter
	logger   *slog.Logger
}

// NewRetriever constructs a Retriever over the given store and embedder. A
// nil logger falls back to slog.Default().
func NewRetriever(store vectorstore.Store, embedder embeddings.Provider, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    store,
		embedder: embedder,
		splitter: NewSplitter(DefaultChunkSize, DefaultChunkOverlap),
		logger:   logger,
	}
}

// Ingest splits text into chunks, embeds them, and upserts them into the
// persona's collection, creating it on first use. Chunks from the same
// source replace any previously ingested version of that source.
func (r *Retriever) Ingest(ctx context.Context, tenantID, personaID, text, source string) (*IngestResult, error) {
	collection := CollectionName(tenantID, personaID)
	chunks := r.splitter.Split(text)
	if len(chunks) == 0 {
		return &IngestResult{Count: 0, Collection: collection}, nil
	}

	if err := r.store.EnsureCollection(ctx, collection, r.embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("rag: ingest: %w", err)
	}

	vectors, err := r.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("rag: ingest: embed: %w", err)
	}

	// Replace the source wholesale so stale chunks of a shrunk document do
	// not linger.
	if _, err := r.store.Delete(ctx, collection, vectorstore.Filter{Source: source}); err != nil {
		return nil, fmt.Errorf("rag: ingest: clear source: %w", err)
	}

	docs := make([]vectorstore.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = vectorstore.Document{
			ID:        chunkID(tenantID, personaID, source, chunk),
			Text:      chunk,
			Source:    source,
			Embedding: vectors[i],
			Metadata:  map[string]string{"chunk": fmt.Sprintf("%d", i)},
		}
	}
	if err := r.store.Upsert(ctx, collection, docs); err != nil {
		return nil, fmt.Errorf("rag: ingest: %w", err)
	}

	r.logger.Info("ingested knowledge chunks",
		"collection", collection, "source", source, "chunks", len(docs))
	return &IngestResult{Count: len(docs), Collection: collection}, nil
}

// Search embeds the query and returns up to topK chunks from the persona's
// collection, most similar first. topK values below 1 fall back to the
// default of 3. A filter may restrict results to a single source.
func (r *Retriever) Search(ctx context.Context, tenantID, personaID, query string, topK int, filter *vectorstore.Filter) ([]Doc, error) {
	if topK <= 0 {
		topK = 3
	}
	collection := CollectionName(tenantID, personaID)

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: search: embed: %w", err)
	}
	results, err := r.store.Search(ctx, collection, vector, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("rag: search %s: %w", collection, err)
	}

	docs := make([]Doc, len(results))
	for i, res := range results {
		meta := make(map[string]string, len(res.Metadata)+1)
		for k, v := range res.Metadata {
			meta[k] = v
		}
		meta["source"] = res.Source
		docs[i] = Doc{PageContent: res.Text, Metadata: meta, Score: res.Score}
	}
	return docs, nil
}

// HasKnowledge reports whether the persona has a knowledge collection.
func (r *Retriever) HasKnowledge(ctx context.Context, tenantID, personaID string) (bool, error) {
	ok, err := r.store.HasCollection(ctx, CollectionName(tenantID, personaID))
	if err != nil {
		return false, fmt.Errorf("rag: has knowledge: %w", err)
	}
	return ok, nil
}

// DeleteBySource removes all chunks ingested from the given source.
func (r *Retriever) DeleteBySource(ctx context.Context, tenantID, personaID, source string) (int, error) {
	collection := CollectionName(tenantID, personaID)
	removed, err := r.store.Delete(ctx, collection, vectorstore.Filter{Source: source})
	if err != nil {
		return 0, fmt.Errorf("rag: delete by source: %w", err)
	}
	return removed, nil
}

// Drop removes the persona's entire knowledge collection. Dropping a persona
// that never had one is not an error.
func (r *Retriever) Drop(ctx context.Context, tenantID, personaID string) error {
	err := r.store.DropCollection(ctx, CollectionName(tenantID, personaID))
	if err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return fmt.Errorf("rag: drop: %w", err)
	}
	return nil
}

// BuildQuery forms the retrieval query for prompt assembly: the new user
// message joined with the content of up to the three most recent history
// entries.
func BuildQuery(userMessage string, history []string) string {
	parts := make([]string, 0, 4)
	if userMessage != "" {
		parts = append(parts, userMessage)
	}
	start := max(0, len(history)-3)
	parts = append(parts, history[start:]...)
	return strings.TrimSpace(strings.Join(parts, " "))
}

// BuildContext runs a search and joins the retrieved chunks into the text
// block embedded in the system prompt. An empty string means no context.
func (r *Retriever) BuildContext(ctx context.Context, tenantID, personaID, query string, topK int) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}
	docs, err := r.Search(ctx, tenantID, personaID, query, topK, nil)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "", nil
	}
	parts := make([]string, len(docs))
	for i, d := range docs {
		parts[i] = d.PageContent
	}
	return strings.Join(parts, "\n\n"), nil
}
