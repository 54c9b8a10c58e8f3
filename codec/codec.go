// Package codec centralizes payload and metadata encoding.
//
// Everything the engine persists as structured data (schema descriptor,
// manifest body, stored-field payloads) and everything it exchanges as JSON
// (query DSL, search results) goes through a Codec. Persisted headers record
// the codec name so files written with one codec are decoded with the same
// one on open.
package codec

import "fmt"

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Default is the codec used when none is configured. Persisted files are
// self-describing (they store the codec name), so changing the default never
// breaks existing indexes.
var Default Codec = GoJSON{}

// MustMarshal is a helper for internal tests.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}
