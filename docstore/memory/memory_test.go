package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/errors"
)

func TestGetMissingDocument(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Get(ctx, "tenant-a", "devices", "d1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDocumentNotFound))
}

func TestBulkWriteCreateAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	results := s.BulkWrite(ctx, []docstore.Write{
		{Engine: "tenant-a", Collection: "devices", ID: "d1", Kind: docstore.WriteCreate, Body: json.RawMessage(`{"reference":"d1"}`)},
	})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Positive(t, results[0].Seq)

	doc, err := s.Get(ctx, "tenant-a", "devices", "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"reference":"d1"}`, string(doc.Body))
}

func TestBulkWriteCreateConflictIsPerItem(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.BulkWrite(ctx, []docstore.Write{
		{Collection: "payloads", ID: "p1", Kind: docstore.WriteCreate, Body: json.RawMessage(`{}`)},
	})

	results := s.BulkWrite(ctx, []docstore.Write{
		{Collection: "payloads", ID: "p1", Kind: docstore.WriteCreate, Body: json.RawMessage(`{}`)},
		{Collection: "payloads", ID: "p2", Kind: docstore.WriteCreate, Body: json.RawMessage(`{}`)},
	})
	require.Len(t, results, 2)
	assert.True(t, errors.Is(results[0].Err, errors.ErrDocumentExists))
	assert.NoError(t, results[1].Err, "a failed item must not fail its siblings")
}

func TestBulkWriteSameDocumentOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	results := s.BulkWrite(ctx, []docstore.Write{
		{Engine: "t", Collection: "devices", ID: "d1", Kind: docstore.WriteIndex, Body: json.RawMessage(`{"n":1}`)},
		{Engine: "t", Collection: "devices", ID: "d1", Kind: docstore.WriteIndex, Body: json.RawMessage(`{"n":2}`)},
	})
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.Greater(t, results[1].Seq, results[0].Seq)

	doc, err := s.Get(ctx, "t", "devices", "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(doc.Body))
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	results := s.BulkWrite(ctx, []docstore.Write{
		{Engine: "t", Collection: "devices", ID: "ghost", Kind: docstore.WriteDelete},
	})
	assert.NoError(t, results[0].Err)
}

func TestSearchEqualsAndContains(t *testing.T) {
	s := New()
	ctx := context.Background()

	writes := []docstore.Write{
		{Engine: "t", Collection: "measures", ID: "m1", Kind: docstore.WriteCreate,
			Body: json.RawMessage(`{"type":"temperature","origin":{"_id":"d1","payloadUuids":["u1"]},"measuredAt":100}`)},
		{Engine: "t", Collection: "measures", ID: "m2", Kind: docstore.WriteCreate,
			Body: json.RawMessage(`{"type":"temperature","origin":{"_id":"d1","payloadUuids":["u2"]},"measuredAt":200}`)},
		{Engine: "t", Collection: "measures", ID: "m3", Kind: docstore.WriteCreate,
			Body: json.RawMessage(`{"type":"battery","origin":{"_id":"d2","payloadUuids":["u1"]},"measuredAt":300}`)},
	}
	for _, r := range s.BulkWrite(ctx, writes) {
		require.NoError(t, r.Err)
	}

	byDevice, err := s.Search(ctx, "t", "measures", docstore.Query{
		Equals: map[string]any{"origin._id": "d1"},
	})
	require.NoError(t, err)
	assert.Len(t, byDevice, 2)

	byUUID, err := s.Search(ctx, "t", "measures", docstore.Query{
		Contains: map[string]any{"origin.payloadUuids": "u1"},
	})
	require.NoError(t, err)
	assert.Len(t, byUUID, 2)
}

func TestSearchSortAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		body := json.RawMessage(fmt.Sprintf(`{"timestamp":%d}`, i*100))
		results := s.BulkWrite(ctx, []docstore.Write{
			{Engine: "t", Collection: "assets-history", ID: fmt.Sprintf("h%d", i), Kind: docstore.WriteCreate, Body: body},
		})
		require.NoError(t, results[0].Err)
	}

	docs, err := s.Search(ctx, "t", "assets-history", docstore.Query{
		SortBy:     "timestamp",
		Descending: true,
		Limit:      3,
	})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "h5", docs[0].ID)
	assert.Equal(t, "h3", docs[2].ID)
}

func TestSearchEqualSortKeysFallBackToWriteOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		results := s.BulkWrite(ctx, []docstore.Write{
			{Engine: "t", Collection: "measures", ID: fmt.Sprintf("m%02d", i), Kind: docstore.WriteCreate,
				Body: json.RawMessage(`{"type":"temperature","measuredAt":100}`)},
		})
		require.NoError(t, results[0].Err)
	}

	docs, err := s.Search(ctx, "t", "measures", docstore.Query{SortBy: "measuredAt"})
	require.NoError(t, err)
	require.Len(t, docs, 20)
	for i := 1; i < len(docs); i++ {
		assert.Greater(t, docs[i].Seq, docs[i-1].Seq, "ties ordered by write sequence")
	}
}

func TestSearchBefore(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.BulkWrite(ctx, []docstore.Write{
		{Collection: "payloads", ID: "old", Kind: docstore.WriteCreate, Body: json.RawMessage(`{"receivedAt":100,"deviceModel":"TempSensor"}`)},
		{Collection: "payloads", ID: "new", Kind: docstore.WriteCreate, Body: json.RawMessage(`{"receivedAt":900,"deviceModel":"TempSensor"}`)},
	})

	docs, err := s.Search(ctx, "", "payloads", docstore.Query{
		Equals: map[string]any{"deviceModel": "TempSensor"},
		Before: map[string]int64{"receivedAt": 500},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "old", docs[0].ID)
}

func TestDropCollection(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, "t", "devices"))
	s.BulkWrite(ctx, []docstore.Write{
		{Engine: "t", Collection: "devices", ID: "d1", Kind: docstore.WriteCreate, Body: json.RawMessage(`{}`)},
	})
	require.NoError(t, s.DropCollection(ctx, "t", "devices"))

	_, err := s.Get(ctx, "t", "devices", "d1")
	assert.True(t, errors.Is(err, errors.ErrDocumentNotFound))
}
