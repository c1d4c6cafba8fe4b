package rag

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/colloquyhq/colloquy/pkg/provider/embeddings/charfreq"
	embmock "github.com/colloquyhq/colloquy/pkg/provider/embeddings/mock"
	"github.com/colloquyhq/colloquy/pkg/vectorstore"
)

func newTestRetriever() (*Retriever, *vectorstore.MemoryStore) {
	store := vectorstore.NewMemoryStore()
	return NewRetriever(store, charfreq.New(64), slog.Default()), store
}

func TestIngestEmbedsEveryChunk(t *testing.T) {
	t.Parallel()

	embedder := &embmock.Provider{
		DimensionsValue:  3,
		EmbedBatchResult: [][]float32{{1, 0, 0}},
	}
	r := NewRetriever(vectorstore.NewMemoryStore(), embedder, slog.Default())

	if _, err := r.Ingest(context.Background(), "acme", "sage", "short background", "bio"); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(embedder.EmbedBatchCalls) != 1 {
		t.Fatalf("EmbedBatch called %d times, want 1", len(embedder.EmbedBatchCalls))
	}
	if texts := embedder.EmbedBatchCalls[0].Texts; len(texts) != 1 || texts[0] != "short background" {
		t.Errorf("embedded texts = %q", texts)
	}
	if embedder.DimensionsCallCount == 0 {
		t.Error("collection was created without asking the embedder for dimensions")
	}
}

func TestSearchPropagatesEmbedderError(t *testing.T) {
	t.Parallel()

	embedErr := errors.New("model unavailable")
	embedder := &embmock.Provider{DimensionsValue: 3, EmbedErr: embedErr}
	r := NewRetriever(vectorstore.NewMemoryStore(), embedder, slog.Default())

	if _, err := r.Search(context.Background(), "acme", "sage", "anything", 3, nil); !errors.Is(err, embedErr) {
		t.Fatalf("Search err = %v, want wrapped embedder error", err)
	}
}

func TestCollectionName(t *testing.T) {
	t.Parallel()

	if got := CollectionName("acme", "sage"); got != "u_acme_persona_sage_rag" {
		t.Fatalf("unexpected name %q", got)
	}
	// Segments with awkward characters are sanitised into the allowed set.
	got := CollectionName("acme-corp", "dr.sharp")
	if got != "u_acme_corp_persona_dr_sharp_rag" {
		t.Fatalf("unexpected sanitised name %q", got)
	}
	if !vectorstore.ValidCollectionName(got) {
		t.Fatalf("sanitised name %q is not a valid collection name", got)
	}
	if got := LegacyCollectionName("acme", "sage"); got != "acme_persona_sage_rag" {
		t.Fatalf("unexpected legacy name %q", got)
	}
}

func TestIngestAndSearchRoundTrip(t *testing.T) {
	t.Parallel()

	r, _ := newTestRetriever()
	ctx := context.Background()

	text := "The persona grew up near the harbor.\n\nShe spent years studying tides and currents."
	res, err := r.Ingest(ctx, "acme", "sage", text, "biography")
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if res.Collection != "u_acme_persona_sage_rag" {
		t.Fatalf("unexpected collection %q", res.Collection)
	}
	if res.Count == 0 {
		t.Fatal("expected chunks to be written")
	}

	docs, err := r.Search(ctx, "acme", "sage", "studying tides and currents", 3, nil)
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(docs) == 0 {
		t.Fatal("expected search hits")
	}
	if docs[0].Metadata["source"] != "biography" {
		t.Fatalf("expected source metadata, got %v", docs[0].Metadata)
	}
	found := false
	for _, d := range docs {
		if strings.Contains(d.PageContent, "tides") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the tides chunk among hits, got %+v", docs)
	}
}

func TestSearchMissingCollection(t *testing.T) {
	t.Parallel()

	r, _ := newTestRetriever()
	_, err := r.Search(context.Background(), "acme", "nobody", "anything", 3, nil)
	if !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestIngestTenantIsolation(t *testing.T) {
	t.Parallel()

	r, _ := newTestRetriever()
	ctx := context.Background()

	if _, err := r.Ingest(ctx, "acme", "sage", "acme secret roadmap", "notes"); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}

	// Same persona handle under another tenant sees nothing.
	if _, err := r.Search(ctx, "globex", "sage", "secret roadmap", 3, nil); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected isolation via missing collection, got %v", err)
	}
}

func TestReingestReplacesSource(t *testing.T) {
	t.Parallel()

	r, _ := newTestRetriever()
	ctx := context.Background()

	if _, err := r.Ingest(ctx, "acme", "sage", "old fact about harbors", "notes"); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if _, err := r.Ingest(ctx, "acme", "sage", "new fact about mountains", "notes"); err != nil {
		t.Fatalf("re-Ingest returned error: %v", err)
	}

	docs, err := r.Search(ctx, "acme", "sage", "fact", 10, nil)
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	for _, d := range docs {
		if strings.Contains(d.PageContent, "harbors") {
			t.Fatalf("stale chunk survived re-ingest: %q", d.PageContent)
		}
	}
}

func TestDeleteBySourceAndDrop(t *testing.T) {
	t.Parallel()

	r, _ := newTestRetriever()
	ctx := context.Background()

	r.Ingest(ctx, "acme", "sage", "facts from the manual", "manual")
	r.Ingest(ctx, "acme", "sage", "facts from the wiki", "wiki")

	removed, err := r.DeleteBySource(ctx, "acme", "sage", "manual")
	if err != nil {
		t.Fatalf("DeleteBySource returned error: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected chunks removed")
	}

	if err := r.Drop(ctx, "acme", "sage"); err != nil {
		t.Fatalf("Drop returned error: %v", err)
	}
	// Dropping again is a no-op.
	if err := r.Drop(ctx, "acme", "sage"); err != nil {
		t.Fatalf("second Drop returned error: %v", err)
	}

	ok, _ := r.HasKnowledge(ctx, "acme", "sage")
	if ok {
		t.Fatal("expected no knowledge after drop")
	}
}

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	history := []string{"one", "two", "three", "four", "five"}
	got := BuildQuery("latest", history)
	want := "latest three four five"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if got := BuildQuery("", nil); got != "" {
		t.Fatalf("expected empty query, got %q", got)
	}
}

func TestBuildContextJoinsChunks(t *testing.T) {
	t.Parallel()

	r, _ := newTestRetriever()
	ctx := context.Background()
	r.Ingest(ctx, "acme", "sage", "harbor facts\n\nmountain facts", "notes")

	text, err := r.BuildContext(ctx, "acme", "sage", "facts", 2)
	if err != nil {
		t.Fatalf("BuildContext returned error: %v", err)
	}
	if text == "" {
		t.Fatal("expected non-empty context")
	}

	empty, err := r.BuildContext(ctx, "acme", "sage", "   ", 2)
	if err != nil || empty != "" {
		t.Fatalf("expected empty context for blank query, got %q err %v", empty, err)
	}
}

func TestMigrateLegacyCollections(t *testing.T) {
	t.Parallel()

	store := vectorstore.NewMemoryStore()
	ctx := context.Background()

	store.EnsureCollection(ctx, "acme_persona_sage_rag", 4)
	store.EnsureCollection(ctx, "u_acme_persona_scout_rag", 4)
	store.EnsureCollection(ctx, "unrelated_table", 4)
	// Conflict: both legacy and migrated forms exist.
	store.EnsureCollection(ctx, "acme_persona_dual_rag", 4)
	store.EnsureCollection(ctx, "u_acme_persona_dual_rag", 4)

	migrated, skipped, err := MigrateLegacyCollections(ctx, store, slog.Default())
	if err != nil {
		t.Fatalf("MigrateLegacyCollections returned error: %v", err)
	}
	if len(migrated) != 1 || migrated[0] != "acme_persona_sage_rag" {
		t.Fatalf("unexpected migrated set %v", migrated)
	}
	if len(skipped) != 1 || skipped[0] != "acme_persona_dual_rag" {
		t.Fatalf("unexpected skipped set %v", skipped)
	}

	names, _ := store.ListCollections(ctx)
	for _, name := range names {
		if name == "acme_persona_sage_rag" {
			t.Fatal("legacy collection still present after migration")
		}
	}
	if ok, _ := store.HasCollection(ctx, "u_acme_persona_sage_rag"); !ok {
		t.Fatal("expected migrated collection to exist")
	}
	if ok, _ := store.HasCollection(ctx, "unrelated_table"); !ok {
		t.Fatal("unrelated collection must not be touched")
	}
}
