// Package docstore provides the pluggable document store backing Device Hub.
//
// The store behaves like a schemaless JSON document database: documents are
// raw JSON bodies addressed by (engine, collection, id), with per-document
// optimistic metadata (a sequence number bumped on every write). Collections
// are scoped to an engine (tenant); the empty engine id addresses the global
// namespace used by the payload log.
//
// Example implementations:
//   - memory.Store: in-process map-backed store (tests, embedded deployments)
//   - postgres.Store: PostgreSQL JSONB backend with pgx bulk writes
//
// Thread safety: all implementations must be safe for concurrent use.
package docstore

import (
	"context"
	"encoding/json"
)

// Document is a stored JSON document with its optimistic metadata.
type Document struct {
	ID   string
	Seq  int64 // bumped on every write, usable for conflict detection
	Body json.RawMessage
}

// WriteKind selects the bulk write semantics for one item.
type WriteKind int

const (
	// WriteCreate creates the document, failing if the id already exists.
	WriteCreate WriteKind = iota
	// WriteIndex creates or fully replaces the document.
	WriteIndex
	// WriteDelete removes the document (idempotent).
	WriteDelete
)

// String returns the write kind name.
func (k WriteKind) String() string {
	switch k {
	case WriteCreate:
		return "create"
	case WriteIndex:
		return "index"
	case WriteDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Write is one document mutation inside a bulk request.
type Write struct {
	Engine     string
	Collection string
	ID         string
	Kind       WriteKind
	Body       json.RawMessage
}

// WriteResult carries the per-item outcome of a bulk write. Err is nil for
// applied items; a failed item never fails its siblings.
type WriteResult struct {
	ID  string
	Seq int64
	Err error
}

// Query describes a search over one collection. Field paths use dotted
// notation into the JSON body ("origin._id", "event.name").
type Query struct {
	// Equals filters on exact field equality.
	Equals map[string]any
	// Contains filters on array fields containing the given scalar.
	Contains map[string]any
	// Before filters on a numeric field being strictly less than the value.
	Before map[string]int64
	// SortBy orders results by a numeric or string field.
	SortBy string
	// Descending reverses the sort order.
	Descending bool
	// Limit caps the result size; zero means unlimited.
	Limit int
}

// Store is the document store contract consumed by the pipeline, the bulk
// writer, the provenance utilities and the engine manager.
type Store interface {
	// EnsureCollection prepares a collection for an engine. Idempotent.
	EnsureCollection(ctx context.Context, engine, collection string) error

	// DropCollection removes a collection and its documents. Used by the
	// provisioning saga to compensate failed engine creation.
	DropCollection(ctx context.Context, engine, collection string) error

	// Get fetches one document. Returns errors.ErrDocumentNotFound when absent.
	Get(ctx context.Context, engine, collection, id string) (*Document, error)

	// BulkWrite applies all writes in order and returns one result per
	// write, index-aligned with the input. Writes to the same document are
	// applied in slice order.
	BulkWrite(ctx context.Context, writes []Write) []WriteResult

	// Search returns documents matching the query.
	Search(ctx context.Context, engine, collection string, q Query) ([]Document, error)
}
