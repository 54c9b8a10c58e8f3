package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseText(t *testing.T) {
	q, err := Parse([]byte(`{"type": "text", "query": "dark knight", "limit": 10}`))
	require.NoError(t, err)

	text, ok := q.(*Text)
	require.True(t, ok)
	assert.Equal(t, "dark knight", text.Query)
	assert.Nil(t, text.Fields)
	assert.Equal(t, Page{Limit: 10}, PageOf(q))
}

func TestParsePageDefaults(t *testing.T) {
	q, err := Parse([]byte(`{"type": "all"}`))
	require.NoError(t, err)
	assert.Equal(t, Page{Limit: DefaultLimit, Offset: 0}, PageOf(q))

	q, err = Parse([]byte(`{"type": "all", "offset": 20}`))
	require.NoError(t, err)
	assert.Equal(t, Page{Limit: DefaultLimit, Offset: 20}, PageOf(q))
}

func TestParsePageRejections(t *testing.T) {
	for _, bad := range []string{
		`{"type": "all", "limit": 0}`,
		`{"type": "all", "limit": -5}`,
		`{"type": "all", "offset": -1}`,
		`{"type": "all", "limit": "ten"}`,
	} {
		_, err := Parse([]byte(bad))
		assert.ErrorIs(t, err, ErrInvalid, "query %s", bad)
	}
}

func TestParseFuzzy(t *testing.T) {
	q, err := Parse([]byte(`{"type": "fuzzy", "term": "knigt", "fields": ["title"]}`))
	require.NoError(t, err)

	fz, ok := q.(*Fuzzy)
	require.True(t, ok)
	assert.Equal(t, "knigt", fz.Term)
	assert.Equal(t, DefaultFuzzyDistance, fz.Distance)
	assert.Equal(t, []string{"title"}, fz.Fields)

	q, err = Parse([]byte(`{"type": "fuzzy", "term": "knigt", "distance": 1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, q.(*Fuzzy).Distance)

	_, err = Parse([]byte(`{"type": "fuzzy", "term": "knigt", "distance": 3}`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Parse([]byte(`{"type": "fuzzy", "term": "knigt", "distance": -1}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParsePhrasePrefixTermMatch(t *testing.T) {
	q, err := Parse([]byte(`{"type": "phrase", "phrase": "dark knight"}`))
	require.NoError(t, err)
	assert.Equal(t, "dark knight", q.(*Phrase).Phrase)

	q, err = Parse([]byte(`{"type": "prefix", "prefix": "dar", "fields": ["title"]}`))
	require.NoError(t, err)
	assert.Equal(t, "dar", q.(*Prefix).Prefix)

	q, err = Parse([]byte(`{"type": "term_match", "field": "isbn", "value": "978-3-16"}`))
	require.NoError(t, err)
	tm := q.(*TermMatch)
	assert.Equal(t, "isbn", tm.Field)
	assert.Equal(t, "978-3-16", tm.Value)

	q, err = Parse([]byte(`{"type": "term_match", "field": "year", "value": 2008}`))
	require.NoError(t, err)
	assert.Equal(t, float64(2008), q.(*TermMatch).Value)
}

func TestParseRanges(t *testing.T) {
	q, err := Parse([]byte(`{"type": "range_i64", "field": "year", "min": 2000, "max": 2010}`))
	require.NoError(t, err)
	ri := q.(*RangeI64)
	require.NotNil(t, ri.Min)
	require.NotNil(t, ri.Max)
	assert.Equal(t, int64(2000), *ri.Min)
	assert.Equal(t, int64(2010), *ri.Max)

	// Absent bounds stay open.
	q, err = Parse([]byte(`{"type": "range_i64", "field": "year", "min": 2000}`))
	require.NoError(t, err)
	assert.Nil(t, q.(*RangeI64).Max)

	q, err = Parse([]byte(`{"type": "range_f64", "field": "rating", "max": 8.5}`))
	require.NoError(t, err)
	rf := q.(*RangeF64)
	assert.Nil(t, rf.Min)
	require.NotNil(t, rf.Max)
	assert.Equal(t, 8.5, *rf.Max)

	_, err = Parse([]byte(`{"type": "range_i64", "field": "year", "min": "old"}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseBool(t *testing.T) {
	q, err := Parse([]byte(`{
		"type": "bool",
		"must": [{"type": "text", "query": "batman", "limit": 5}],
		"should": [{"type": "term_match", "field": "year", "value": 2008}],
		"must_not": [{"type": "prefix", "prefix": "animat"}],
		"limit": 3
	}`))
	require.NoError(t, err)

	b, ok := q.(*Bool)
	require.True(t, ok)
	require.Len(t, b.Must, 1)
	require.Len(t, b.Should, 1)
	require.Len(t, b.MustNot, 1)
	assert.Equal(t, Page{Limit: 3}, PageOf(q))

	// The subquery limit is discarded; only the top level paginates.
	assert.Equal(t, Page{}, PageOf(b.Must[0]))
}

func TestParseBoolNested(t *testing.T) {
	q, err := Parse([]byte(`{
		"type": "bool",
		"must": [
			{"type": "bool", "should": [
				{"type": "text", "query": "batman"},
				{"type": "text", "query": "joker"}
			]}
		]
	}`))
	require.NoError(t, err)

	inner, ok := q.(*Bool).Must[0].(*Bool)
	require.True(t, ok)
	assert.Len(t, inner.Should, 2)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"query": "x"}`},
		{"type not string", `{"type": 7}`},
		{"unknown type", `{"type": "regex", "pattern": ".*"}`},
		{"text missing query", `{"type": "text"}`},
		{"fuzzy missing term", `{"type": "fuzzy"}`},
		{"phrase missing phrase", `{"type": "phrase"}`},
		{"prefix missing prefix", `{"type": "prefix"}`},
		{"term_match missing value", `{"type": "term_match", "field": "isbn"}`},
		{"range missing field", `{"type": "range_i64", "min": 1}`},
		{"bool clause not array", `{"type": "bool", "must": {"type": "all"}}`},
		{"bad subquery", `{"type": "bool", "must": [{"type": "text"}]}`},
		{"fields not array", `{"type": "text", "query": "x", "fields": "title"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			require.ErrorIs(t, err, ErrInvalid)

			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.NotEmpty(t, pe.Reason)
		})
	}
}
