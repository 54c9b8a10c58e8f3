package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"a", "", 1},
		{"", "ab", 2},
		{"knight", "knight", 0},
		{"knigt", "knight", 1},
		{"knihgt", "knight", 2},
		{"kitten", "sitting", 3}, // exceeds the bound
		{"über", "uber", 1},
	}
	for _, tt := range tests {
		got := levenshtein(tt.a, tt.b, 2)
		if tt.want > 2 {
			assert.Greater(t, got, 2, "%q vs %q", tt.a, tt.b)
		} else {
			assert.Equal(t, tt.want, got, "%q vs %q", tt.a, tt.b)
		}
	}
}

func TestLevenshteinBound(t *testing.T) {
	// Beyond the bound the exact value is unspecified, only "too far".
	assert.Greater(t, levenshtein("kitten", "sitting", 2), 2)
	assert.Greater(t, levenshtein("short", "completely different", 2), 2)
	assert.Equal(t, 3, levenshtein("kitten", "sitting", 3))

	assert.Equal(t, 0, levenshtein("same", "same", 0))
	assert.Greater(t, levenshtein("same", "sane", 0), 0)
}

func TestWorseThan(t *testing.T) {
	lo := Hit{GlobalID: 5, Score: 1.0}
	hi := Hit{GlobalID: 9, Score: 2.0}
	assert.True(t, worseThan(lo, hi))
	assert.False(t, worseThan(hi, lo))

	// Equal scores break ties on ascending global id.
	a := Hit{GlobalID: 3, Score: 1.0}
	b := Hit{GlobalID: 7, Score: 1.0}
	assert.True(t, worseThan(b, a))
	assert.False(t, worseThan(a, b))
}
