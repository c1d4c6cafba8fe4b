package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Ensure MemoryStore implements the Store interface at compile time.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for development and tests. Search is a
// linear scan with exact cosine similarity, which is plenty for the small
// per-persona collections it is meant to hold.
//
// MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	dims int
	// docs keyed by document ID.
	docs map[string]Document
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

// EnsureCollection implements Store.
func (s *MemoryStore) EnsureCollection(ctx context.Context, name string, dims int) error {
	if !ValidCollectionName(name) {
		return fmt.Errorf("vectorstore memory: ensure %q: %w", name, ErrInvalidCollectionName)
	}
	if dims <= 0 {
		return fmt.Errorf("vectorstore memory: ensure %q: dims must be positive, got %d", name, dims)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		if c.dims != dims {
			return fmt.Errorf("vectorstore memory: ensure %q: have %d dims, want %d: %w", name, c.dims, dims, ErrDimensionMismatch)
		}
		return nil
	}
	s.collections[name] = &memoryCollection{dims: dims, docs: make(map[string]Document)}
	return nil
}

// HasCollection implements Store.
func (s *MemoryStore) HasCollection(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok, nil
}

// ListCollections implements Store.
func (s *MemoryStore) ListCollections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// RenameCollection implements Store.
func (s *MemoryStore) RenameCollection(ctx context.Context, from, to string) error {
	if !ValidCollectionName(to) {
		return fmt.Errorf("vectorstore memory: rename to %q: %w", to, ErrInvalidCollectionName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[from]
	if !ok {
		return fmt.Errorf("vectorstore memory: rename %q: %w", from, ErrCollectionNotFound)
	}
	if _, exists := s.collections[to]; exists {
		return fmt.Errorf("vectorstore memory: rename %q: target %q already exists", from, to)
	}
	delete(s.collections, from)
	s.collections[to] = c
	return nil
}

// DropCollection implements Store.
func (s *MemoryStore) DropCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		return fmt.Errorf("vectorstore memory: drop %q: %w", name, ErrCollectionNotFound)
	}
	delete(s.collections, name)
	return nil
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("vectorstore memory: upsert into %q: %w", collection, ErrCollectionNotFound)
	}
	for _, doc := range docs {
		if len(doc.Embedding) != c.dims {
			return fmt.Errorf("vectorstore memory: upsert %q: vector has %d dims, want %d: %w",
				doc.ID, len(doc.Embedding), c.dims, ErrDimensionMismatch)
		}
	}
	for _, doc := range docs {
		c.docs[doc.ID] = doc
	}
	return nil
}

// Search implements Store.
func (s *MemoryStore) Search(ctx context.Context, collection string, query []float32, topK int, filter *Filter) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("vectorstore memory: search %q: %w", collection, ErrCollectionNotFound)
	}
	if len(query) != c.dims {
		return nil, fmt.Errorf("vectorstore memory: search %q: query has %d dims, want %d: %w",
			collection, len(query), c.dims, ErrDimensionMismatch)
	}
	if topK <= 0 {
		return nil, nil
	}

	var results []SearchResult
	for _, doc := range c.docs {
		if filter != nil && filter.Source != "" && doc.Source != filter.Source {
			continue
		}
		results = append(results, SearchResult{Document: doc, Score: cosineSimilarity(query, doc.Embedding)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, collection string, filter Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return 0, fmt.Errorf("vectorstore memory: delete from %q: %w", collection, ErrCollectionNotFound)
	}
	if filter.Source == "" {
		return 0, nil
	}

	removed := 0
	for id, doc := range c.docs {
		if doc.Source == filter.Source {
			delete(c.docs, id)
			removed++
		}
	}
	return removed, nil
}

// Close implements Store. It is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// cosineSimilarity computes the cosine of the angle between two equal-length
// vectors. Zero vectors yield a similarity of 0.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
