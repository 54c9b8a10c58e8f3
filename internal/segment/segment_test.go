package segment_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casedata-io/lexgo/codec"
	"github.com/casedata-io/lexgo/internal/fs"
	"github.com/casedata-io/lexgo/internal/memtable"
	"github.com/casedata-io/lexgo/internal/segment"
	"github.com/casedata-io/lexgo/schema"
)

const (
	fieldTitle = 0
	fieldYear  = 1
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sc, err := schema.Parse([]byte(`{
		"fields": [
			{"name": "title", "type": "text"},
			{"name": "year", "type": "i64", "fast": true}
		]
	}`))
	require.NoError(t, err)
	return sc
}

func buildSegment(t *testing.T, dir string, id uint64, docs []map[string]any) *segment.Reader {
	t.Helper()
	mt := memtable.New(testSchema(t), codec.Default, false)
	for _, doc := range docs {
		require.NoError(t, mt.Add(doc))
	}
	_, _, err := mt.Flush(fs.Default, dir, id)
	require.NoError(t, err)

	r, err := segment.Open(filepath.Join(dir, segment.Filename(id)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestReaderLookup(t *testing.T) {
	dir := t.TempDir()
	r := buildSegment(t, dir, 1, []map[string]any{
		{"title": "the dark knight", "year": 2008},
		{"title": "dark city", "year": 1998},
		{"title": "heat", "year": 1995},
	})

	assert.Equal(t, uint64(1), r.ID())
	assert.Equal(t, uint32(3), r.NumDocs())
	assert.Equal(t, codec.Default.Name(), r.CodecName())

	info, ok := r.LookupTerm(fieldTitle, []byte("dark"))
	require.True(t, ok)
	assert.Equal(t, uint32(2), info.DocFreq)

	it := r.Postings(info)
	require.True(t, it.Next())
	assert.Equal(t, uint32(0), it.Ord())
	assert.Equal(t, []uint32{1}, it.Positions())
	require.True(t, it.Next())
	assert.Equal(t, uint32(1), it.Ord())
	assert.Equal(t, []uint32{0}, it.Positions())
	assert.False(t, it.Next())

	_, ok = r.LookupTerm(fieldTitle, []byte("joker"))
	assert.False(t, ok)
	_, ok = r.LookupTerm(99, []byte("dark"))
	assert.False(t, ok)
}

func TestReaderFieldStatsAndLengths(t *testing.T) {
	dir := t.TempDir()
	r := buildSegment(t, dir, 1, []map[string]any{
		{"title": "the dark knight", "year": 2008},
		{"title": "heat", "year": 1995},
	})

	var title segment.FieldStat
	for _, st := range r.FieldStats() {
		if st.FieldID == fieldTitle {
			title = st
		}
	}
	assert.Equal(t, "title", title.Name)
	assert.Equal(t, uint32(2), title.Docs)
	assert.Equal(t, uint64(4), title.TotalTokens)

	assert.Equal(t, uint32(3), r.FieldLength(fieldTitle, 0))
	assert.Equal(t, uint32(1), r.FieldLength(fieldTitle, 1))
	assert.Equal(t, uint32(0), r.FieldLength(fieldYear, 0))
}

func TestPrefixTerms(t *testing.T) {
	dir := t.TempDir()
	r := buildSegment(t, dir, 1, []map[string]any{
		{"title": "dark darker darkness dawn"},
	})

	var terms []string
	c := r.PrefixTerms(fieldTitle, []byte("dark"))
	for c.Next() {
		terms = append(terms, string(c.Term()))
	}
	assert.Equal(t, []string{"dark", "darker", "darkness"}, terms)

	var all []string
	c = r.FieldTerms(fieldTitle)
	for c.Next() {
		all = append(all, string(c.Term()))
	}
	assert.Equal(t, []string{"dark", "darker", "darkness", "dawn"}, all)
}

func TestNumericTokenOrdering(t *testing.T) {
	// Token bytes must order like the values, so range scans and the sorted
	// dictionary agree with numeric order.
	i64s := []int64{-1 << 62, -42, -1, 0, 1, 42, 1 << 62}
	for i := 1; i < len(i64s); i++ {
		a := segment.I64Token(i64s[i-1])
		b := segment.I64Token(i64s[i])
		assert.Negative(t, bytes.Compare(a, b), "%d vs %d", i64s[i-1], i64s[i])
	}

	f64s := []float64{-1e18, -3.5, -0.0001, 0, 0.0001, 3.5, 1e18}
	for i := 1; i < len(f64s); i++ {
		a := segment.F64Token(f64s[i-1])
		b := segment.F64Token(f64s[i])
		assert.Negative(t, bytes.Compare(a, b), "%g vs %g", f64s[i-1], f64s[i])
	}
}

func TestOpenRejectsCorruption(t *testing.T) {
	dir := t.TempDir()
	r := buildSegment(t, dir, 1, []map[string]any{
		{"title": "the dark knight", "year": 2008},
	})
	path := r.Path()
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	corrupt := func(t *testing.T, mutate func([]byte)) error {
		t.Helper()
		buf := append([]byte(nil), data...)
		mutate(buf)
		p := filepath.Join(t.TempDir(), "bad.seg")
		require.NoError(t, os.WriteFile(p, buf, 0o644))
		_, err := segment.Open(p)
		return err
	}

	t.Run("flipped body byte", func(t *testing.T) {
		err := corrupt(t, func(buf []byte) { buf[segment.HeaderSize+3] ^= 0xFF })
		assert.ErrorIs(t, err, segment.ErrChecksum)
	})

	t.Run("bad magic", func(t *testing.T) {
		err := corrupt(t, func(buf []byte) { buf[0] = 0 })
		assert.ErrorIs(t, err, segment.ErrInvalidMagic)
	})

	t.Run("truncated", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "short.seg")
		require.NoError(t, os.WriteFile(p, data[:100], 0o644))
		_, err := segment.Open(p)
		assert.ErrorIs(t, err, segment.ErrTruncated)
	})
}

func TestMerge(t *testing.T) {
	dir := t.TempDir()
	a := buildSegment(t, dir, 1, []map[string]any{
		{"title": "the dark knight", "year": 2008}, // ord 0
		{"title": "dark city", "year": 1998},       // ord 1, tombstoned
	})
	b := buildSegment(t, dir, 2, []map[string]any{
		{"title": "heat", "year": 1995}, // ord 0
	})

	tombs := roaring.New()
	tombs.Add(1)

	numDocs, size, err := segment.Merge(fs.Default, dir, 3, []segment.MergeInput{
		{Reader: a, Tombstones: tombs},
		{Reader: b},
	}, codec.Default)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), numDocs)
	assert.Greater(t, size, int64(0))

	m, err := segment.Open(filepath.Join(dir, segment.Filename(3)))
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.Equal(t, uint32(2), m.NumDocs())

	// The tombstoned doc's terms are gone.
	_, ok := m.LookupTerm(fieldTitle, []byte("city"))
	assert.False(t, ok)

	// Survivors are remapped to contiguous ordinals in input order.
	info, ok := m.LookupTerm(fieldTitle, []byte("dark"))
	require.True(t, ok)
	assert.Equal(t, uint32(1), info.DocFreq)
	it := m.Postings(info)
	require.True(t, it.Next())
	assert.Equal(t, uint32(0), it.Ord())

	info, ok = m.LookupTerm(fieldTitle, []byte("heat"))
	require.True(t, ok)
	it = m.Postings(info)
	require.True(t, it.Next())
	assert.Equal(t, uint32(1), it.Ord())

	// Stored payloads follow their documents.
	payload, err := m.StoredPayload(1)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, codec.Default.Unmarshal(payload, &doc))
	assert.Equal(t, "heat", doc["title"])

	// Fast columns carry the remapped ordinals.
	col, ok := m.FastColumn(fieldYear)
	require.True(t, ok)
	require.True(t, col.Next())
	assert.Equal(t, uint32(0), col.Ord())
	assert.Equal(t, int64(2008), col.I64())
	require.True(t, col.Next())
	assert.Equal(t, uint32(1), col.Ord())
	assert.Equal(t, int64(1995), col.I64())
	assert.False(t, col.Next())

	// Statistics are recomputed over survivors only.
	for _, st := range m.FieldStats() {
		if st.FieldID == fieldTitle {
			assert.Equal(t, uint32(2), st.Docs)
			assert.Equal(t, uint64(4), st.TotalTokens)
		}
	}
	assert.Equal(t, uint32(3), m.FieldLength(fieldTitle, 0))
	assert.Equal(t, uint32(1), m.FieldLength(fieldTitle, 1))
}

func TestMergeNothingSurvives(t *testing.T) {
	dir := t.TempDir()
	a := buildSegment(t, dir, 1, []map[string]any{
		{"title": "gone", "year": 1}, {"title": "also gone", "year": 2},
	})

	tombs := roaring.New()
	tombs.AddRange(0, 2)

	numDocs, size, err := segment.Merge(fs.Default, dir, 2, []segment.MergeInput{
		{Reader: a, Tombstones: tombs},
	}, codec.Default)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), numDocs)
	assert.Equal(t, int64(0), size)

	// No output file is written for an empty merge.
	_, err = os.Stat(filepath.Join(dir, segment.Filename(2)))
	assert.True(t, os.IsNotExist(err))
}
