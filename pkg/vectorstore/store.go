// Package vectorstore defines a collection-oriented vector store used by the
// per-persona knowledge retrieval layer.
//
// A collection holds embedded document chunks for exactly one tenant/persona
// pair; tenant isolation is enforced by collection naming, never by filters
// inside a shared collection. Embedding happens upstream: documents arrive
// here with their vectors already computed, and searches are performed against
// a caller-supplied query vector.
//
// Implementations must be safe for concurrent use.
package vectorstore

import (
	"context"
	"errors"
	"regexp"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrCollectionNotFound is returned when the referenced collection does
	// not exist.
	ErrCollectionNotFound = errors.New("vectorstore: collection not found")

	// ErrInvalidCollectionName is returned when a collection name does not
	// match CollectionNamePattern.
	ErrInvalidCollectionName = errors.New("vectorstore: invalid collection name")

	// ErrDimensionMismatch is returned when a vector's length does not match
	// the collection's configured dimension.
	ErrDimensionMismatch = errors.New("vectorstore: embedding dimension mismatch")
)

// CollectionNamePattern is the shape every collection name must have. Names
// are used as identifiers in backing systems, so they start with a letter or
// underscore and contain only word characters.
var CollectionNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidCollectionName reports whether name matches CollectionNamePattern.
func ValidCollectionName(name string) bool {
	return CollectionNamePattern.MatchString(name)
}

// Document is one embedded chunk stored in a collection.
type Document struct {
	// ID uniquely identifies the chunk within its collection. Upserting a
	// document with an existing ID replaces the stored chunk.
	ID string
	// Text is the chunk content returned from searches.
	Text string
	// Source identifies the document the chunk was split from. Used for
	// source-scoped deletion when a document is re-ingested.
	Source string
	// Embedding is the chunk's vector. Its length must match the dimension
	// the collection was created with.
	Embedding []float32
	// Metadata carries optional chunk attributes (chunk index, titles, ...).
	Metadata map[string]string
}

// SearchResult pairs a stored document with its similarity to the query.
type SearchResult struct {
	Document
	// Score is the cosine similarity to the query vector, higher is closer.
	Score float64
}

// Filter narrows Search and Delete operations.
type Filter struct {
	// Source, when non-empty, restricts the operation to documents with this
	// Source value.
	Source string
}

// Store is the abstraction over vector store backends.
//
// Methods taking a collection name return ErrCollectionNotFound (possibly
// wrapped) when it does not exist and ErrInvalidCollectionName when it does
// not match CollectionNamePattern.
type Store interface {
	// EnsureCollection creates the collection if it does not exist. dims is
	// the embedding dimension every document in the collection must have;
	// calling EnsureCollection on an existing collection with a different
	// dims returns ErrDimensionMismatch.
	EnsureCollection(ctx context.Context, name string, dims int) error

	// HasCollection reports whether the collection exists.
	HasCollection(ctx context.Context, name string) (bool, error)

	// ListCollections returns the names of all collections, sorted.
	ListCollections(ctx context.Context) ([]string, error)

	// RenameCollection renames a collection in place, keeping its documents.
	// Returns ErrCollectionNotFound if from does not exist and
	// ErrInvalidCollectionName if to is not a valid name.
	RenameCollection(ctx context.Context, from, to string) error

	// DropCollection removes the collection and all its documents.
	DropCollection(ctx context.Context, name string) error

	// Upsert inserts or replaces documents in the collection.
	Upsert(ctx context.Context, collection string, docs []Document) error

	// Search returns up to topK documents most similar to the query vector,
	// ordered by descending Score. A nil filter matches everything.
	Search(ctx context.Context, collection string, query []float32, topK int, filter *Filter) ([]SearchResult, error)

	// Delete removes documents matching the filter and returns how many were
	// removed. An empty filter removes nothing.
	Delete(ctx context.Context, collection string, filter Filter) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
