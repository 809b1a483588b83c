// Package memory provides an in-process docstore.Store backed by maps.
// It is the store used by tests and embedded deployments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/errors"
)

type collectionKey struct {
	engine     string
	collection string
}

// Store is a map-backed document store. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[collectionKey]map[string]*docstore.Document
	seq         int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{collections: make(map[collectionKey]map[string]*docstore.Document)}
}

// EnsureCollection implements docstore.Store.
func (s *Store) EnsureCollection(_ context.Context, engine, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := collectionKey{engine, collection}
	if _, ok := s.collections[key]; !ok {
		s.collections[key] = make(map[string]*docstore.Document)
	}
	return nil
}

// DropCollection implements docstore.Store.
func (s *Store) DropCollection(_ context.Context, engine, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collectionKey{engine, collection})
	return nil
}

// Get implements docstore.Store.
func (s *Store) Get(_ context.Context, engine, collection, id string) (*docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, ok := s.collections[collectionKey{engine, collection}]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("collection '%s' for engine '%s': %w", collection, engine, errors.ErrDocumentNotFound),
			"MemoryStore", "Get", "collection lookup")
	}
	doc, ok := docs[id]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("document '%s': %w", id, errors.ErrDocumentNotFound),
			"MemoryStore", "Get", "document lookup")
	}
	copied := *doc
	copied.Body = append(json.RawMessage(nil), doc.Body...)
	return &copied, nil
}

// BulkWrite implements docstore.Store. Writes are applied strictly in slice
// order, so later writes to the same document supersede earlier ones.
func (s *Store) BulkWrite(_ context.Context, writes []docstore.Write) []docstore.WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]docstore.WriteResult, len(writes))
	for i, w := range writes {
		results[i] = s.applyLocked(w)
	}
	return results
}

func (s *Store) applyLocked(w docstore.Write) docstore.WriteResult {
	key := collectionKey{w.Engine, w.Collection}
	docs, ok := s.collections[key]
	if !ok {
		docs = make(map[string]*docstore.Document)
		s.collections[key] = docs
	}

	switch w.Kind {
	case docstore.WriteCreate:
		if _, exists := docs[w.ID]; exists {
			return docstore.WriteResult{ID: w.ID, Err: errors.WrapInvalid(
				fmt.Errorf("document '%s': %w", w.ID, errors.ErrDocumentExists),
				"MemoryStore", "BulkWrite", "create")}
		}
		fallthrough
	case docstore.WriteIndex:
		s.seq++
		docs[w.ID] = &docstore.Document{
			ID:   w.ID,
			Seq:  s.seq,
			Body: append(json.RawMessage(nil), w.Body...),
		}
		return docstore.WriteResult{ID: w.ID, Seq: s.seq}
	case docstore.WriteDelete:
		delete(docs, w.ID)
		return docstore.WriteResult{ID: w.ID}
	default:
		return docstore.WriteResult{ID: w.ID, Err: errors.WrapInvalid(
			fmt.Errorf("unsupported write kind %d", w.Kind),
			"MemoryStore", "BulkWrite", "kind validation")}
	}
}

// Search implements docstore.Store.
func (s *Store) Search(_ context.Context, engine, collection string, q docstore.Query) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.collections[collectionKey{engine, collection}]
	matched := make([]docstore.Document, 0, len(docs))
	for _, doc := range docs {
		var body map[string]any
		if err := json.Unmarshal(doc.Body, &body); err != nil {
			return nil, errors.WrapFatal(err, "MemoryStore", "Search", "document decoding")
		}
		if !matches(body, q) {
			continue
		}
		copied := *doc
		copied.Body = append(json.RawMessage(nil), doc.Body...)
		matched = append(matched, copied)
	}

	if q.SortBy != "" {
		sortDocs(matched, q.SortBy, q.Descending)
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func matches(body map[string]any, q docstore.Query) bool {
	for path, want := range q.Equals {
		got, ok := fieldAt(body, path)
		if !ok || !scalarEqual(got, want) {
			return false
		}
	}
	for path, want := range q.Contains {
		got, ok := fieldAt(body, path)
		if !ok {
			return false
		}
		arr, ok := got.([]any)
		if !ok {
			return false
		}
		found := false
		for _, item := range arr {
			if scalarEqual(item, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for path, bound := range q.Before {
		got, ok := fieldAt(body, path)
		if !ok {
			return false
		}
		n, ok := asInt64(got)
		if !ok || n >= bound {
			return false
		}
	}
	return true
}

func sortDocs(docs []docstore.Document, field string, descending bool) {
	// The match phase iterates a map, so fix the input order first: equal
	// keys then fall back to write order, and repeated searches agree.
	sort.Slice(docs, func(i, j int) bool { return docs[i].Seq < docs[j].Seq })

	keyed := make(map[string]any, len(docs))
	for _, doc := range docs {
		var body map[string]any
		if err := json.Unmarshal(doc.Body, &body); err != nil {
			continue
		}
		if v, ok := fieldAt(body, field); ok {
			keyed[doc.ID] = v
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		less := compareValues(keyed[docs[i].ID], keyed[docs[j].ID])
		if descending {
			return !less && !scalarEqual(keyed[docs[i].ID], keyed[docs[j].ID])
		}
		return less
	})
}

func compareValues(a, b any) bool {
	if an, ok := asInt64(a); ok {
		if bn, ok := asInt64(b); ok {
			return an < bn
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs
	}
	return false
}

func fieldAt(body map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = body
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func scalarEqual(a, b any) bool {
	if an, ok := asInt64(a); ok {
		if bn, ok := asInt64(b); ok {
			return an == bn
		}
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
	}
	return a == b
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
