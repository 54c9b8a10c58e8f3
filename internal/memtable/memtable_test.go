package memtable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casedata-io/lexgo/codec"
	"github.com/casedata-io/lexgo/internal/fs"
	"github.com/casedata-io/lexgo/internal/segment"
	"github.com/casedata-io/lexgo/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sc, err := schema.Parse([]byte(`{
		"fields": [
			{"name": "title", "type": "text"},
			{"name": "isbn", "type": "text", "tokenizer": "raw"},
			{"name": "year", "type": "i64", "fast": true},
			{"name": "rating", "type": "f64", "fast": true}
		]
	}`))
	require.NoError(t, err)
	return sc
}

func TestAddAssignsOrdinals(t *testing.T) {
	mt := New(testSchema(t), codec.Default, false)

	require.NoError(t, mt.Add(map[string]any{"title": "the dark knight", "year": 2008}))
	require.NoError(t, mt.Add(map[string]any{"title": "dark city", "year": 1998}))
	assert.Equal(t, uint32(2), mt.NumDocs())
	assert.Greater(t, mt.EstimatedSize(), int64(0))
}

func TestAddRejectsInvalidDocument(t *testing.T) {
	mt := New(testSchema(t), codec.Default, false)

	err := mt.Add(map[string]any{"title": 42})
	var de *schema.DocumentError
	require.ErrorAs(t, err, &de)

	// The buffer is untouched after a rejected document.
	assert.Equal(t, uint32(0), mt.NumDocs())
	assert.Equal(t, int64(0), mt.EstimatedSize())
}

func TestAddStrictMode(t *testing.T) {
	doc := map[string]any{"title": "x", "publisher": "acme"}

	lenient := New(testSchema(t), codec.Default, false)
	require.NoError(t, lenient.Add(doc))

	strict := New(testSchema(t), codec.Default, true)
	var de *schema.DocumentError
	require.ErrorAs(t, strict.Add(doc), &de)
}

func TestFlushResetsBuffer(t *testing.T) {
	dir := t.TempDir()
	mt := New(testSchema(t), codec.Default, false)
	require.NoError(t, mt.Add(map[string]any{"title": "the dark knight", "year": 2008}))
	require.NoError(t, mt.Add(map[string]any{"title": "dark city"}))

	numDocs, size, err := mt.Flush(fs.Default, dir, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), numDocs)
	assert.Greater(t, size, int64(segment.HeaderSize))
	assert.Equal(t, uint32(0), mt.NumDocs())
	assert.Equal(t, int64(0), mt.EstimatedSize())

	r, err := segment.Open(filepath.Join(dir, segment.Filename(1)))
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	assert.Equal(t, uint64(1), r.ID())
	assert.Equal(t, uint32(2), r.NumDocs())

	info, ok := r.LookupTerm(0, []byte("dark"))
	require.True(t, ok)
	assert.Equal(t, uint32(2), info.DocFreq)
}

func TestFlushFailureKeepsBuffer(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(fs.Default)
	faulty.AddRule(".seg.tmp", fs.Fault{FailAfterBytes: 0})

	mt := New(testSchema(t), codec.Default, false)
	require.NoError(t, mt.Add(map[string]any{"title": "the dark knight"}))

	_, _, err := mt.Flush(faulty, dir, 1)
	require.ErrorIs(t, err, fs.ErrInjected)

	// The buffer survives a failed flush; a retry drains it.
	assert.Equal(t, uint32(1), mt.NumDocs())
	faulty.Clear()

	numDocs, _, err := mt.Flush(faulty, dir, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), numDocs)
	assert.Equal(t, uint32(0), mt.NumDocs())
}

func TestMultiValuePositions(t *testing.T) {
	dir := t.TempDir()
	mt := New(testSchema(t), codec.Default, false)
	require.NoError(t, mt.Add(map[string]any{
		"title": []any{"good night", "night watch"},
	}))

	_, _, err := mt.Flush(fs.Default, dir, 1)
	require.NoError(t, err)

	r, err := segment.Open(filepath.Join(dir, segment.Filename(1)))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	info, ok := r.LookupTerm(0, []byte("night"))
	require.True(t, ok)

	it := r.Postings(info)
	require.True(t, it.Next())
	assert.Equal(t, uint32(0), it.Ord())
	assert.Equal(t, uint32(2), it.TF())
	// The second value starts after a positional gap, so "night watch"
	// cannot phrase-match "good night watch" across the value boundary.
	assert.Equal(t, []uint32{1, 10}, it.Positions())
	assert.False(t, it.Next())

	// Field length counts tokens across all values.
	assert.Equal(t, uint32(4), r.FieldLength(0, 0))
}

func TestNumericIndexingAndFastColumns(t *testing.T) {
	dir := t.TempDir()
	mt := New(testSchema(t), codec.Default, false)
	require.NoError(t, mt.Add(map[string]any{"year": 2008, "rating": 9.0}))
	require.NoError(t, mt.Add(map[string]any{"year": 1998}))

	_, _, err := mt.Flush(fs.Default, dir, 7)
	require.NoError(t, err)

	r, err := segment.Open(filepath.Join(dir, segment.Filename(7)))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	// Numeric values are indexed under their order-preserving token.
	info, ok := r.LookupTerm(2, segment.I64Token(2008))
	require.True(t, ok)
	it := r.Postings(info)
	require.True(t, it.Next())
	assert.Equal(t, uint32(0), it.Ord())
	assert.Equal(t, uint32(1), it.TF())

	col, ok := r.FastColumn(2)
	require.True(t, ok)
	assert.Equal(t, segment.FastI64, col.Type())
	require.True(t, col.Next())
	assert.Equal(t, uint32(0), col.Ord())
	assert.Equal(t, int64(2008), col.I64())
	require.True(t, col.Next())
	assert.Equal(t, int64(1998), col.I64())
	assert.False(t, col.Next())

	fcol, ok := r.FastColumn(3)
	require.True(t, ok)
	assert.Equal(t, segment.FastF64, fcol.Type())
	require.True(t, fcol.Next())
	assert.Equal(t, 9.0, fcol.F64())
	assert.False(t, fcol.Next())
}

func TestStoredPayloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mt := New(testSchema(t), codec.Default, false)
	require.NoError(t, mt.Add(map[string]any{
		"title": "the dark knight",
		"isbn":  "978-3-16-148410-0",
		"year":  2008,
	}))

	_, _, err := mt.Flush(fs.Default, dir, 1)
	require.NoError(t, err)

	r, err := segment.Open(filepath.Join(dir, segment.Filename(1)))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	payload, err := r.StoredPayload(0)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, codec.Default.Unmarshal(payload, &doc))
	assert.Equal(t, "the dark knight", doc["title"])
	assert.Equal(t, "978-3-16-148410-0", doc["isbn"])
	assert.Equal(t, float64(2008), doc["year"])
}
