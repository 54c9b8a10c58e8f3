// Package schema defines and validates index field definitions.
//
// A schema is created once at index-creation time, persisted alongside the
// index, and immutable afterwards. It drives document validation, the
// per-field analysis pipeline, and which queries a field supports.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
)

// FieldType identifies the value type of a field.
type FieldType string

const (
	// TypeText holds free text, tokenized per the field's tokenizer.
	TypeText FieldType = "text"
	// TypeI64 holds signed 64-bit integers.
	TypeI64 FieldType = "i64"
	// TypeF64 holds 64-bit floats.
	TypeF64 FieldType = "f64"
)

// Tokenizer selects the analysis pipeline for a text field.
type Tokenizer string

const (
	// TokenizerDefault splits on Unicode word boundaries and lowercases.
	TokenizerDefault Tokenizer = "default"
	// TokenizerRaw indexes the whole value as a single exact token.
	TokenizerRaw Tokenizer = "raw"
	// TokenizerEnStem is TokenizerDefault plus English suffix stemming.
	TokenizerEnStem Tokenizer = "en_stem"
)

// Field describes one schema field.
//
// Stored and Indexed default to true when absent from the JSON definition,
// Fast defaults to false and Tokenizer to "default".
type Field struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	Stored    bool      `json:"stored"`
	Indexed   bool      `json:"indexed"`
	Fast      bool      `json:"fast"`
	Tokenizer Tokenizer `json:"tokenizer"`
}

// fieldJSON mirrors Field with optional booleans so absent keys pick up
// their documented defaults.
type fieldJSON struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	Stored    *bool     `json:"stored"`
	Indexed   *bool     `json:"indexed"`
	Fast      *bool     `json:"fast"`
	Tokenizer Tokenizer `json:"tokenizer"`
}

// UnmarshalJSON applies the field option defaults.
func (f *Field) UnmarshalJSON(data []byte) error {
	var aux fieldJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	f.Name = aux.Name
	f.Type = aux.Type
	f.Stored = aux.Stored == nil || *aux.Stored
	f.Indexed = aux.Indexed == nil || *aux.Indexed
	f.Fast = aux.Fast != nil && *aux.Fast
	f.Tokenizer = aux.Tokenizer
	if f.Tokenizer == "" {
		f.Tokenizer = TokenizerDefault
	}
	return nil
}

// IsText reports whether the field holds text.
func (f Field) IsText() bool { return f.Type == TypeText }

// IsNumeric reports whether the field holds i64 or f64 values.
func (f Field) IsNumeric() bool { return f.Type == TypeI64 || f.Type == TypeF64 }

// Tokenized reports whether indexing this field produces multiple
// position-carrying tokens (raw fields produce exactly one token without
// positions).
func (f Field) Tokenized() bool {
	return f.IsText() && f.Tokenizer != TokenizerRaw
}

// Error reports an invalid schema definition.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("invalid schema: %s", e.Reason) }

// DocumentError reports a document value that violates the schema.
type DocumentError struct {
	Field  string
	Reason string
}

func (e *DocumentError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid document: %s", e.Reason)
	}
	return fmt.Sprintf("invalid document: field %q: %s", e.Field, e.Reason)
}

// Schema is an ordered, immutable set of field definitions plus the default
// search-field list.
type Schema struct {
	Fields       []Field  `json:"fields"`
	SearchFields []string `json:"search_fields,omitempty"`

	byName map[string]int
}

// New validates the given definitions and returns a Schema.
func New(fields []Field, searchFields []string) (*Schema, error) {
	s := &Schema{Fields: fields, SearchFields: searchFields}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes and validates a JSON schema definition of the form
//
//	{"fields": [{"name": "title", "type": "text", "stored": true}],
//	 "search_fields": ["title"]}
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("unparsable definition: %v", err)}
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) init() error {
	if len(s.Fields) == 0 {
		return &Error{Reason: "no fields defined"}
	}

	s.byName = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return &Error{Reason: "field with empty name"}
		}
		if _, dup := s.byName[f.Name]; dup {
			return &Error{Reason: fmt.Sprintf("duplicate field %q", f.Name)}
		}

		switch f.Type {
		case TypeText, TypeI64, TypeF64:
		default:
			return &Error{Reason: fmt.Sprintf("field %q: unknown type %q", f.Name, f.Type)}
		}

		switch f.Tokenizer {
		case TokenizerDefault, TokenizerRaw, TokenizerEnStem:
		case "":
			s.Fields[i].Tokenizer = TokenizerDefault
		default:
			return &Error{Reason: fmt.Sprintf("field %q: unknown tokenizer %q", f.Name, f.Tokenizer)}
		}

		if f.Fast && !f.IsNumeric() {
			return &Error{Reason: fmt.Sprintf("field %q: fast is only supported for i64 and f64 fields", f.Name)}
		}
		if !f.Stored && !f.Indexed && !f.Fast {
			return &Error{Reason: fmt.Sprintf("field %q: neither stored, indexed nor fast", f.Name)}
		}

		s.byName[f.Name] = i
	}

	for _, name := range s.SearchFields {
		i, ok := s.byName[name]
		if !ok {
			return &Error{Reason: fmt.Sprintf("search field %q is not defined", name)}
		}
		f := s.Fields[i]
		if !f.IsText() || !f.Indexed {
			return &Error{Reason: fmt.Sprintf("search field %q is not an indexed text field", name)}
		}
	}

	return nil
}

// Field returns the definition of the named field.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// FieldID returns the ordinal of the named field within the schema.
func (s *Schema) FieldID(name string) (uint16, bool) {
	i, ok := s.byName[name]
	if !ok {
		return 0, false
	}
	return uint16(i), true
}

// NumFields returns the number of defined fields.
func (s *Schema) NumFields() int { return len(s.Fields) }

// DefaultSearchFields returns the fields a query without an explicit field
// targets: the configured search_fields, or every indexed text field whose
// tokenizer is not raw.
func (s *Schema) DefaultSearchFields() []string {
	if len(s.SearchFields) > 0 {
		out := make([]string, len(s.SearchFields))
		copy(out, s.SearchFields)
		return out
	}
	var out []string
	for _, f := range s.Fields {
		if f.IsText() && f.Indexed && f.Tokenizer != TokenizerRaw {
			out = append(out, f.Name)
		}
	}
	return out
}

// ValidateDocument checks a document against the schema. Unknown fields are
// ignored unless strict is set. Known fields must hold a value (or an array
// of values) of the field's type.
func (s *Schema) ValidateDocument(doc map[string]any, strict bool) error {
	if len(doc) == 0 {
		return &DocumentError{Reason: "empty document"}
	}
	for name, value := range doc {
		i, ok := s.byName[name]
		if !ok {
			if strict {
				return &DocumentError{Field: name, Reason: "not defined in schema"}
			}
			continue
		}
		f := s.Fields[i]
		if err := validateValue(f, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(f Field, value any) error {
	if values, ok := value.([]any); ok {
		for _, v := range values {
			if err := validateScalar(f, v); err != nil {
				return err
			}
		}
		return nil
	}
	return validateScalar(f, value)
}

func validateScalar(f Field, value any) error {
	switch f.Type {
	case TypeText:
		if _, ok := value.(string); !ok {
			return &DocumentError{Field: f.Name, Reason: fmt.Sprintf("expected string, got %T", value)}
		}
	case TypeI64:
		switch v := value.(type) {
		case int, int32, int64, uint, uint32:
		case float64:
			// JSON numbers arrive as float64; accept integral values.
			if v != math.Trunc(v) {
				return &DocumentError{Field: f.Name, Reason: fmt.Sprintf("expected integer, got %v", v)}
			}
		case json.Number:
			if _, err := v.Int64(); err != nil {
				return &DocumentError{Field: f.Name, Reason: fmt.Sprintf("expected integer, got %q", v.String())}
			}
		default:
			return &DocumentError{Field: f.Name, Reason: fmt.Sprintf("expected integer, got %T", value)}
		}
	case TypeF64:
		switch v := value.(type) {
		case float64, float32, int, int32, int64:
		case json.Number:
			if _, err := v.Float64(); err != nil {
				return &DocumentError{Field: f.Name, Reason: fmt.Sprintf("expected number, got %q", v.String())}
			}
		default:
			return &DocumentError{Field: f.Name, Reason: fmt.Sprintf("expected number, got %T", value)}
		}
	}
	return nil
}

// I64Value coerces a document value to int64. The bool result is false when
// the value does not hold an integer.
func I64Value(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint32:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// F64Value coerces a document value to float64. The bool result is false
// when the value does not hold a number.
func F64Value(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
