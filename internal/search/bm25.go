package search

import (
	"math"

	"github.com/casedata-io/lexgo/internal/engine"
)

// BM25 parameters, the standard Robertson/Lucene values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// termKey identifies one indexed term for statistics and gathered postings.
type termKey struct {
	field uint16
	term  string
}

// corpusStats holds the index-wide statistics the scorer needs: the live
// document count, per-field average token counts, and per-term document
// frequencies. Document frequencies count live documents only, so scores
// converge to their post-merge values as tombstoned documents disappear.
type corpusStats struct {
	n      float64
	avgLen map[uint16]float64
	df     map[termKey]uint64
}

func newCorpusStats(snap *engine.Snapshot) *corpusStats {
	st := &corpusStats{
		n:      float64(snap.LiveDocs()),
		avgLen: make(map[uint16]float64),
		df:     make(map[termKey]uint64),
	}

	docs := make(map[uint16]uint64)
	tokens := make(map[uint16]uint64)
	for _, seg := range snap.Segments() {
		for _, fs := range seg.FieldStats() {
			docs[fs.FieldID] += uint64(fs.Docs)
			tokens[fs.FieldID] += fs.TotalTokens
		}
	}
	for fieldID, d := range docs {
		if d > 0 {
			st.avgLen[fieldID] = float64(tokens[fieldID]) / float64(d)
		}
	}
	return st
}

// idf is the BM25 inverse document frequency: ln(1 + (N-n+0.5)/(n+0.5)).
func (st *corpusStats) idf(key termKey) float64 {
	n := float64(st.df[key])
	if n == 0 {
		return 0
	}
	return math.Log(1 + (st.n-n+0.5)/(n+0.5))
}

// bm25 scores one term occurrence in one document.
func (st *corpusStats) bm25(key termKey, tf uint32, fieldLen uint32) float64 {
	avg := st.avgLen[key.field]
	if avg <= 0 {
		avg = 1
	}
	freq := float64(tf)
	norm := bm25K1 * (1 - bm25B + bm25B*float64(fieldLen)/avg)
	return st.idf(key) * (freq * (bm25K1 + 1)) / (freq + norm)
}
