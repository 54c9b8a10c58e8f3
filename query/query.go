// Package query defines the JSON query DSL and its parser.
//
// A query is a JSON object tagged by "type". Every query carries an optional
// "limit" (default 100) and "offset" (default 0) controlling pagination:
//
//	{"type": "text", "query": "dark knight", "limit": 10}
//	{"type": "term_match", "field": "isbn", "value": "978-3-16"}
//	{"type": "bool", "must": [...], "must_not": [...]}
//
// Parsing validates structure only; field names are resolved against the
// index schema at execution time.
package query

import (
	"errors"
	"fmt"

	"github.com/casedata-io/lexgo/codec"
)

// DefaultLimit is applied when a query carries no explicit limit.
const DefaultLimit = 100

// DefaultFuzzyDistance is applied when a fuzzy query carries no explicit
// edit distance.
const DefaultFuzzyDistance = 2

// MaxFuzzyDistance bounds the edit distance of fuzzy queries. Larger
// distances degenerate into full dictionary scans with little selectivity.
const MaxFuzzyDistance = 2

// ErrInvalid is the sentinel all DSL rejections unwrap to.
var ErrInvalid = errors.New("invalid query")

// ParseError reports a malformed query. It unwraps to ErrInvalid.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return fmt.Sprintf("invalid query: %s", e.Reason) }

func (e *ParseError) Unwrap() error { return ErrInvalid }

// Errorf creates a ParseError. Exported so the execution layer can reject
// schema-level problems (unknown field, wrong field type) as query errors.
func Errorf(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Page holds the pagination of a query.
type Page struct {
	Limit  int
	Offset int
}

// Query is one node of the DSL. The interface is sealed; the concrete types
// below are the only implementations.
type Query interface {
	// Kind returns the DSL tag ("text", "fuzzy", ...).
	Kind() string
	page() Page
}

// PageOf returns the pagination of a query.
func PageOf(q Query) Page { return q.page() }

// Text matches documents containing any query token, BM25-scored. Fields
// defaults to the schema's search fields.
type Text struct {
	Query  string   `json:"query"`
	Fields []string `json:"fields,omitempty"`
	Page   Page     `json:"-"`
}

// Fuzzy matches per-token Levenshtein expansions of the term. Tokens of five
// or fewer characters use distance 1 regardless of the configured distance,
// which keeps short words from over-matching.
type Fuzzy struct {
	Term     string   `json:"term"`
	Distance int      `json:"distance"`
	Fields   []string `json:"fields,omitempty"`
	Page     Page     `json:"-"`
}

// Phrase matches documents containing the tokens in adjacent positions.
// Phrases of fewer than two tokens degrade to a Text query.
type Phrase struct {
	Phrase string   `json:"phrase"`
	Fields []string `json:"fields,omitempty"`
	Page   Page     `json:"-"`
}

// Prefix matches documents containing any term starting with the prefix.
type Prefix struct {
	Prefix string   `json:"prefix"`
	Fields []string `json:"fields,omitempty"`
	Page   Page     `json:"-"`
}

// TermMatch matches the exact token in the given field, no tokenization.
type TermMatch struct {
	Field string `json:"field"`
	Value any    `json:"value"`
	Page  Page   `json:"-"`
}

// RangeI64 matches i64 fast-field values within the inclusive bounds. A nil
// bound is open.
type RangeI64 struct {
	Field string `json:"field"`
	Min   *int64 `json:"min,omitempty"`
	Max   *int64 `json:"max,omitempty"`
	Page  Page   `json:"-"`
}

// RangeF64 matches f64 fast-field values within the inclusive bounds. A nil
// bound is open.
type RangeF64 struct {
	Field string   `json:"field"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Page  Page     `json:"-"`
}

// Bool combines subqueries: every must clause has to match, should clauses
// add score, must_not clauses exclude. Pagination of subqueries is ignored;
// the outer query governs.
type Bool struct {
	Must    []Query `json:"-"`
	Should  []Query `json:"-"`
	MustNot []Query `json:"-"`
	Page    Page    `json:"-"`
}

// All matches every live document with a constant score.
type All struct {
	Page Page `json:"-"`
}

func (q *Text) Kind() string      { return "text" }
func (q *Fuzzy) Kind() string     { return "fuzzy" }
func (q *Phrase) Kind() string    { return "phrase" }
func (q *Prefix) Kind() string    { return "prefix" }
func (q *TermMatch) Kind() string { return "term_match" }
func (q *RangeI64) Kind() string  { return "range_i64" }
func (q *RangeF64) Kind() string  { return "range_f64" }
func (q *Bool) Kind() string      { return "bool" }
func (q *All) Kind() string       { return "all" }

func (q *Text) page() Page      { return q.Page }
func (q *Fuzzy) page() Page     { return q.Page }
func (q *Phrase) page() Page    { return q.Page }
func (q *Prefix) page() Page    { return q.Page }
func (q *TermMatch) page() Page { return q.Page }
func (q *RangeI64) page() Page  { return q.Page }
func (q *RangeF64) page() Page  { return q.Page }
func (q *Bool) page() Page      { return q.Page }
func (q *All) page() Page       { return q.Page }

type rawMessage []byte

func (m *rawMessage) UnmarshalJSON(data []byte) error {
	*m = append((*m)[:0], data...)
	return nil
}

// Parse decodes and validates a DSL query using the default codec.
func Parse(data []byte) (Query, error) {
	return ParseWith(data, codec.Default)
}

// ParseWith decodes and validates a DSL query using the given codec.
func ParseWith(data []byte, c codec.Codec) (Query, error) {
	if c == nil {
		c = codec.Default
	}

	var raw map[string]rawMessage
	if err := c.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("unparsable JSON: %v", err)}
	}
	return parseRaw(raw, c, true)
}

func parseRaw(raw map[string]rawMessage, c codec.Codec, top bool) (Query, error) {
	kindRaw, ok := raw["type"]
	if !ok {
		return nil, &ParseError{Reason: `missing "type"`}
	}
	var kind string
	if err := c.Unmarshal(kindRaw, &kind); err != nil {
		return nil, &ParseError{Reason: `"type" is not a string`}
	}

	page, err := parsePage(raw, c)
	if err != nil {
		return nil, err
	}
	// Subquery pagination is meaningless; only the top-level query paginates.
	if !top {
		page = Page{}
	}

	str := func(key string, required bool) (string, error) {
		r, ok := raw[key]
		if !ok {
			if required {
				return "", Errorf("%s query: missing %q", kind, key)
			}
			return "", nil
		}
		var s string
		if err := c.Unmarshal(r, &s); err != nil {
			return "", Errorf("%s query: %q is not a string", kind, key)
		}
		return s, nil
	}

	fields := func() ([]string, error) {
		r, ok := raw["fields"]
		if !ok {
			return nil, nil
		}
		var out []string
		if err := c.Unmarshal(r, &out); err != nil {
			return nil, Errorf(`%s query: "fields" is not a string array`, kind)
		}
		return out, nil
	}

	switch kind {
	case "text":
		text, err := str("query", true)
		if err != nil {
			return nil, err
		}
		fs, err := fields()
		if err != nil {
			return nil, err
		}
		return &Text{Query: text, Fields: fs, Page: page}, nil

	case "fuzzy":
		term, err := str("term", true)
		if err != nil {
			return nil, err
		}
		fs, err := fields()
		if err != nil {
			return nil, err
		}
		dist := DefaultFuzzyDistance
		if r, ok := raw["distance"]; ok {
			if err := c.Unmarshal(r, &dist); err != nil {
				return nil, Errorf(`fuzzy query: "distance" is not an integer`)
			}
			if dist < 0 || dist > MaxFuzzyDistance {
				return nil, Errorf("fuzzy query: distance %d out of range [0, %d]", dist, MaxFuzzyDistance)
			}
		}
		return &Fuzzy{Term: term, Distance: dist, Fields: fs, Page: page}, nil

	case "phrase":
		phrase, err := str("phrase", true)
		if err != nil {
			return nil, err
		}
		fs, err := fields()
		if err != nil {
			return nil, err
		}
		return &Phrase{Phrase: phrase, Fields: fs, Page: page}, nil

	case "prefix":
		prefix, err := str("prefix", true)
		if err != nil {
			return nil, err
		}
		fs, err := fields()
		if err != nil {
			return nil, err
		}
		return &Prefix{Prefix: prefix, Fields: fs, Page: page}, nil

	case "term_match":
		field, err := str("field", true)
		if err != nil {
			return nil, err
		}
		valRaw, ok := raw["value"]
		if !ok {
			return nil, Errorf(`term_match query: missing "value"`)
		}
		var val any
		if err := c.Unmarshal(valRaw, &val); err != nil {
			return nil, Errorf(`term_match query: unparsable "value"`)
		}
		return &TermMatch{Field: field, Value: val, Page: page}, nil

	case "range_i64":
		field, err := str("field", true)
		if err != nil {
			return nil, err
		}
		q := &RangeI64{Field: field, Page: page}
		if r, ok := raw["min"]; ok {
			if err := c.Unmarshal(r, &q.Min); err != nil {
				return nil, Errorf(`range_i64 query: "min" is not an integer`)
			}
		}
		if r, ok := raw["max"]; ok {
			if err := c.Unmarshal(r, &q.Max); err != nil {
				return nil, Errorf(`range_i64 query: "max" is not an integer`)
			}
		}
		return q, nil

	case "range_f64":
		field, err := str("field", true)
		if err != nil {
			return nil, err
		}
		q := &RangeF64{Field: field, Page: page}
		if r, ok := raw["min"]; ok {
			if err := c.Unmarshal(r, &q.Min); err != nil {
				return nil, Errorf(`range_f64 query: "min" is not a number`)
			}
		}
		if r, ok := raw["max"]; ok {
			if err := c.Unmarshal(r, &q.Max); err != nil {
				return nil, Errorf(`range_f64 query: "max" is not a number`)
			}
		}
		return q, nil

	case "bool":
		q := &Bool{Page: page}
		for _, clause := range []struct {
			key string
			dst *[]Query
		}{
			{"must", &q.Must},
			{"should", &q.Should},
			{"must_not", &q.MustNot},
		} {
			r, ok := raw[clause.key]
			if !ok {
				continue
			}
			var subs []map[string]rawMessage
			if err := c.Unmarshal(r, &subs); err != nil {
				return nil, Errorf(`bool query: %q is not an array of queries`, clause.key)
			}
			for _, sub := range subs {
				sq, err := parseRaw(sub, c, false)
				if err != nil {
					return nil, err
				}
				*clause.dst = append(*clause.dst, sq)
			}
		}
		return q, nil

	case "all":
		return &All{Page: page}, nil

	default:
		return nil, Errorf("unknown type %q", kind)
	}
}

func parsePage(raw map[string]rawMessage, c codec.Codec) (Page, error) {
	page := Page{Limit: DefaultLimit}
	if r, ok := raw["limit"]; ok {
		if err := c.Unmarshal(r, &page.Limit); err != nil {
			return Page{}, Errorf(`"limit" is not an integer`)
		}
		if page.Limit <= 0 {
			return Page{}, Errorf("limit must be positive, got %d", page.Limit)
		}
	}
	if r, ok := raw["offset"]; ok {
		if err := c.Unmarshal(r, &page.Offset); err != nil {
			return Page{}, Errorf(`"offset" is not an integer`)
		}
		if page.Offset < 0 {
			return Page{}, Errorf("offset must not be negative, got %d", page.Offset)
		}
	}
	return page, nil
}
