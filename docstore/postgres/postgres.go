// Package postgres provides a docstore.Store backed by PostgreSQL JSONB.
//
// All documents share one table keyed by (engine, collection, id); the body
// column is JSONB and the seq column carries the optimistic metadata, bumped
// on every replace. Bulk writes go through a single pgx batch so one flush
// window costs one network round trip.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/errors"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	engine     TEXT   NOT NULL,
	collection TEXT   NOT NULL,
	id         TEXT   NOT NULL,
	seq        BIGINT NOT NULL DEFAULT 1,
	body       JSONB  NOT NULL,
	PRIMARY KEY (engine, collection, id)
);
CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (engine, collection);
`

// Store is a PostgreSQL-backed document store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store on the given pool and ensures the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "PostgresStore", "New", "pool validation")
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "New", "schema creation")
	}
	return &Store{pool: pool}, nil
}

// EnsureCollection implements docstore.Store. Collections are implicit rows
// in the shared table, so this only verifies connectivity.
func (s *Store) EnsureCollection(ctx context.Context, _, _ string) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(err, "PostgresStore", "EnsureCollection", "connectivity check")
	}
	return nil
}

// DropCollection implements docstore.Store.
func (s *Store) DropCollection(ctx context.Context, engine, collection string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE engine = $1 AND collection = $2`, engine, collection)
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "DropCollection", "collection delete")
	}
	return nil
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, engine, collection, id string) (*docstore.Document, error) {
	var doc docstore.Document
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, seq, body FROM documents WHERE engine = $1 AND collection = $2 AND id = $3`,
		engine, collection, id,
	).Scan(&doc.ID, &doc.Seq, &body)
	if err == pgx.ErrNoRows {
		return nil, errors.WrapInvalid(
			fmt.Errorf("document '%s': %w", id, errors.ErrDocumentNotFound),
			"PostgresStore", "Get", "document lookup")
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "Get", "document fetch")
	}
	doc.Body = json.RawMessage(body)
	return &doc, nil
}

const (
	createSQL = `INSERT INTO documents (engine, collection, id, body) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (engine, collection, id) DO NOTHING
		 RETURNING seq`
	indexSQL = `INSERT INTO documents (engine, collection, id, body) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (engine, collection, id)
		 DO UPDATE SET body = EXCLUDED.body, seq = documents.seq + 1
		 RETURNING seq`
	deleteSQL = `DELETE FROM documents WHERE engine = $1 AND collection = $2 AND id = $3`
)

// BulkWrite implements docstore.Store. The whole flush window goes out as one
// pgx batch first. A batch runs inside one implicit transaction, so a genuine
// SQL error on any item rolls back its siblings too; when that happens the
// window is replayed item by item, giving every write its own transaction and
// its own outcome. Duplicate creates are absorbed by ON CONFLICT and never
// poison the batch.
func (s *Store) BulkWrite(ctx context.Context, writes []docstore.Write) []docstore.WriteResult {
	results := make([]docstore.WriteResult, len(writes))
	if len(writes) == 0 {
		return results
	}

	batch := &pgx.Batch{}
	for _, w := range writes {
		switch w.Kind {
		case docstore.WriteCreate:
			batch.Queue(createSQL, w.Engine, w.Collection, w.ID, []byte(w.Body))
		case docstore.WriteIndex:
			batch.Queue(indexSQL, w.Engine, w.Collection, w.ID, []byte(w.Body))
		case docstore.WriteDelete:
			batch.Queue(deleteSQL, w.Engine, w.Collection, w.ID)
		}
	}

	br := s.pool.SendBatch(ctx, batch)
	poisoned := false
	for i, w := range writes {
		switch w.Kind {
		case docstore.WriteCreate:
			results[i] = createResult(w.ID, br.QueryRow())
		case docstore.WriteIndex:
			results[i] = indexResult(w.ID, br.QueryRow())
		case docstore.WriteDelete:
			results[i] = docstore.WriteResult{ID: w.ID}
			if _, err := br.Exec(); err != nil {
				results[i].Err = errors.WrapTransient(err, "PostgresStore", "BulkWrite", "delete")
			}
		}
		if results[i].Err != nil && !errors.Is(results[i].Err, errors.ErrDocumentExists) {
			poisoned = true
		}
	}
	br.Close()
	if !poisoned {
		return results
	}

	for i, w := range writes {
		results[i] = s.writeOne(ctx, w)
	}
	return results
}

// writeOne applies a single write outside any batch so its outcome is
// independent of its former siblings. All three statements are idempotent,
// so replaying a rolled-back window is safe.
func (s *Store) writeOne(ctx context.Context, w docstore.Write) docstore.WriteResult {
	switch w.Kind {
	case docstore.WriteCreate:
		return createResult(w.ID, s.pool.QueryRow(ctx, createSQL, w.Engine, w.Collection, w.ID, []byte(w.Body)))
	case docstore.WriteIndex:
		return indexResult(w.ID, s.pool.QueryRow(ctx, indexSQL, w.Engine, w.Collection, w.ID, []byte(w.Body)))
	case docstore.WriteDelete:
		result := docstore.WriteResult{ID: w.ID}
		if _, err := s.pool.Exec(ctx, deleteSQL, w.Engine, w.Collection, w.ID); err != nil {
			result.Err = errors.WrapTransient(err, "PostgresStore", "BulkWrite", "delete")
		}
		return result
	default:
		return docstore.WriteResult{ID: w.ID, Err: errors.WrapInvalid(
			fmt.Errorf("unsupported write kind %d", w.Kind),
			"PostgresStore", "BulkWrite", "kind validation")}
	}
}

// createResult maps a create row to its outcome: no returned row means the
// ON CONFLICT clause swallowed a duplicate.
func createResult(id string, row pgx.Row) docstore.WriteResult {
	result := docstore.WriteResult{ID: id}
	var seq int64
	err := row.Scan(&seq)
	switch {
	case err == pgx.ErrNoRows:
		result.Err = errors.WrapInvalid(
			fmt.Errorf("document '%s': %w", id, errors.ErrDocumentExists),
			"PostgresStore", "BulkWrite", "create")
	case err != nil:
		result.Err = errors.WrapTransient(err, "PostgresStore", "BulkWrite", "create")
	default:
		result.Seq = seq
	}
	return result
}

func indexResult(id string, row pgx.Row) docstore.WriteResult {
	result := docstore.WriteResult{ID: id}
	var seq int64
	if err := row.Scan(&seq); err != nil {
		result.Err = errors.WrapTransient(err, "PostgresStore", "BulkWrite", "index")
	} else {
		result.Seq = seq
	}
	return result
}

// Search implements docstore.Store. Field paths translate to JSONB path
// operators; sorting relies on native JSONB ordering, which sorts numbers
// numerically and strings lexicographically.
func (s *Store) Search(ctx context.Context, engine, collection string, q docstore.Query) ([]docstore.Document, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, seq, body FROM documents WHERE engine = $1 AND collection = $2`)
	args := []any{engine, collection}

	appendArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for path, want := range q.Equals {
		encoded, err := json.Marshal(want)
		if err != nil {
			return nil, errors.WrapInvalid(err, "PostgresStore", "Search", "equals value encoding")
		}
		fmt.Fprintf(&sb, " AND body #> %s = %s::jsonb",
			appendArg(pgPath(path)), appendArg(string(encoded)))
	}
	for path, want := range q.Contains {
		encoded, err := json.Marshal(want)
		if err != nil {
			return nil, errors.WrapInvalid(err, "PostgresStore", "Search", "contains value encoding")
		}
		fmt.Fprintf(&sb, " AND body #> %s @> %s::jsonb",
			appendArg(pgPath(path)), appendArg(string(encoded)))
	}
	for path, bound := range q.Before {
		fmt.Fprintf(&sb, " AND (body #>> %s)::numeric < %s",
			appendArg(pgPath(path)), appendArg(bound))
	}

	if q.SortBy != "" {
		fmt.Fprintf(&sb, " ORDER BY body #> %s", appendArg(pgPath(q.SortBy)))
		if q.Descending {
			sb.WriteString(" DESC")
		}
		// Equal keys fall back to write order so repeated searches agree.
		sb.WriteString(", seq")
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %s", appendArg(q.Limit))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "Search", "query execution")
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var doc docstore.Document
		var body []byte
		if err := rows.Scan(&doc.ID, &doc.Seq, &body); err != nil {
			return nil, errors.WrapTransient(err, "PostgresStore", "Search", "row scan")
		}
		doc.Body = json.RawMessage(body)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "Search", "row iteration")
	}
	return docs, nil
}

// pgPath converts a dotted field path to the text-array form the #> operator
// expects ("origin._id" -> "{origin,_id}").
func pgPath(path string) string {
	return "{" + strings.ReplaceAll(path, ".", ",") + "}"
}
