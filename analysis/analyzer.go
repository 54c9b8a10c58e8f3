// Package analysis turns field text into normalized token streams.
//
// The default pipeline segments on Unicode word boundaries (UAX#29),
// applies NFKC normalization and lowercasing, and keeps every segment that
// contains at least one letter or digit. The en_stem pipeline adds English
// suffix stemming. The raw pipeline emits the whole value as one exact
// token. Queries are analyzed with the same pipeline as the field they
// target, so indexed and queried terms line up byte for byte.
package analysis

import (
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/v2/words"
	"golang.org/x/text/unicode/norm"

	"github.com/casedata-io/lexgo/schema"
)

// MaxTokenLen is the longest term, in bytes, admitted into the index.
// Longer segments are dropped, not truncated, so a degenerate value can
// never collide with a legitimate term.
const MaxTokenLen = 255

// Token is a single normalized term with its position in the token stream.
type Token struct {
	Term     string
	Position uint32
}

// Analyzer produces the token stream for one field value.
type Analyzer interface {
	Analyze(text string) []Token
}

// AnalyzerFunc allows plain functions to satisfy the Analyzer interface.
type AnalyzerFunc func(text string) []Token

// Analyze implements Analyzer by invoking the wrapped function.
func (fn AnalyzerFunc) Analyze(text string) []Token { return fn(text) }

// ForTokenizer returns the Analyzer implementing the given schema tokenizer.
func ForTokenizer(t schema.Tokenizer) Analyzer {
	switch t {
	case schema.TokenizerRaw:
		return AnalyzerFunc(analyzeRaw)
	case schema.TokenizerEnStem:
		return AnalyzerFunc(analyzeStem)
	default:
		return AnalyzerFunc(analyzeDefault)
	}
}

// normalize applies Unicode normalization (NFKC) and converts to lowercase.
func normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

func hasAlphaNum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func segment(text string, stem bool) []Token {
	if text == "" {
		return nil
	}
	it := words.FromString(normalize(text))
	var tokens []Token
	var pos uint32
	for it.Next() {
		term := it.Value()
		if !hasAlphaNum(term) {
			continue
		}
		if stem {
			term = Stem(term)
		}
		if term == "" || len(term) > MaxTokenLen {
			continue
		}
		tokens = append(tokens, Token{Term: term, Position: pos})
		pos++
	}
	return tokens
}

func analyzeDefault(text string) []Token {
	return segment(text, false)
}

func analyzeStem(text string) []Token {
	return segment(text, true)
}

// analyzeRaw emits the untouched value as a single exact token. Empty
// values and values beyond MaxTokenLen yield no tokens.
func analyzeRaw(text string) []Token {
	if text == "" || len(text) > MaxTokenLen {
		return nil
	}
	return []Token{{Term: text, Position: 0}}
}
