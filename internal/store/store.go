// Package store defines the boundary to the remote document store.
// All paths the engine constructs are scoped under one workspace; the
// engine never builds cross-workspace paths.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by ReadDocument when the document is absent.
var ErrNotFound = errors.New("store: document not found")

// Document is one raw document plus its id within the collection.
type Document struct {
	ID   string
	Data map[string]any
}

// SnapshotFunc receives the full current contents of a subscribed
// collection. Each invocation replaces the previous state entirely.
type SnapshotFunc func(docs []Document)

// ErrorFunc receives change-feed failures that occur after the initial
// snapshot. The subscription stays registered and the last good
// snapshot stands; the consumer decides whether to tear down.
type ErrorFunc func(err error)

// UnsubscribeFunc tears down a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Store is the document store boundary consumed by the engine.
// Implementations: Memory (tests, dev mode) and db.Client (bundoc HTTP).
type Store interface {
	// ReadDocument returns the document at path, or ErrNotFound.
	ReadDocument(ctx context.Context, path string) (map[string]any, error)

	// ListDocuments returns every document in the collection at path.
	// An absent collection yields an empty slice, not an error.
	ListDocuments(ctx context.Context, path string) ([]Document, error)

	// Subscribe registers fn for full-snapshot notifications on the
	// collection at path. fn is invoked once with the current contents
	// before Subscribe returns, then again on every change. errFn, when
	// non-nil, is invoked on mid-stream feed failures.
	Subscribe(ctx context.Context, path string, fn SnapshotFunc, errFn ErrorFunc) (UnsubscribeFunc, error)

	// MutateDocument applies patch to the document at path, creating it
	// if absent. A nil value in patch clears the field.
	MutateDocument(ctx context.Context, path string, patch map[string]any) error

	// DeleteDocument permanently removes the document at path.
	DeleteDocument(ctx context.Context, path string) error
}
