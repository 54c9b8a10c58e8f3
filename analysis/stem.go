package analysis

import "strings"

// stemRules are tried in order; the first matching suffix wins. A rule only
// applies when the stemmed result keeps at least minLen characters, which
// stops short words from collapsing ("sing" never becomes "s").
var stemRules = []struct {
	suffix      string
	replacement string
	minLen      int
}{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ling", "l", 3},
	{"ies", "y", 2},
	{"ing", "", 4},
	{"ers", "er", 2},
	{"est", "", 4},
	{"ful", "", 4},
	{"ous", "", 4},
	{"ed", "", 4},
	{"er", "", 4},
	{"ly", "", 4},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}

// Stem applies English suffix stripping to a lowercased word. It is a light
// rule-based stemmer, not a full Porter implementation; indexing and query
// analysis share it, so both sides always agree on the stemmed form.
func Stem(word string) string {
	for _, rule := range stemRules {
		if !strings.HasSuffix(word, rule.suffix) {
			continue
		}
		stemmed := word[:len(word)-len(rule.suffix)] + rule.replacement
		if len(stemmed) >= rule.minLen {
			return stemmed
		}
	}
	return word
}
