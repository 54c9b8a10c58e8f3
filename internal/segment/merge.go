package segment

import (
	"bytes"
	"container/heap"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/casedata-io/lexgo/codec"
	"github.com/casedata-io/lexgo/internal/fs"
)

// MergeInput is one segment feeding a merge, together with the tombstones
// to drop while merging.
type MergeInput struct {
	Reader     *Reader
	Tombstones *roaring.Bitmap
}

// dropped marks an ordinal with no slot in the merged segment.
const dropped = ^uint32(0)

// Merge combines the inputs into one new segment in dir, remapping
// surviving documents to contiguous ordinals in input order and dropping
// tombstoned ones. It returns the merged document count and file size; when
// no document survives, no file is written and numDocs is zero.
//
// Inputs are immutable, so Merge runs without coordination with writers or
// readers; the caller publishes the result atomically afterwards.
func Merge(fsys fs.FileSystem, dir string, id uint64, inputs []MergeInput, c codec.Codec) (numDocs uint32, size int64, err error) {
	if c == nil {
		c = codec.Default
	}

	src, err := newMergeSource(inputs, c)
	if err != nil {
		return 0, 0, err
	}
	if src.numDocs == 0 {
		return 0, 0, nil
	}

	size, err = Write(fsys, dir, id, src, c)
	if err != nil {
		return 0, 0, err
	}
	return src.numDocs, size, nil
}

// docRef points a merged ordinal back at its origin.
type docRef struct {
	input int
	ord   uint32
}

type mergeSource struct {
	inputs  []MergeInput
	c       codec.Codec
	numDocs uint32
	ordMaps [][]uint32
	docRefs []docRef
	stats   []FieldStat
	lens    []LenColumn
}

func newMergeSource(inputs []MergeInput, c codec.Codec) (*mergeSource, error) {
	src := &mergeSource{inputs: inputs, c: c}

	next := uint32(0)
	for i, in := range inputs {
		n := in.Reader.NumDocs()
		ordMap := make([]uint32, n)
		for ord := uint32(0); ord < n; ord++ {
			if in.Tombstones != nil && in.Tombstones.Contains(ord) {
				ordMap[ord] = dropped
				continue
			}
			ordMap[ord] = next
			src.docRefs = append(src.docRefs, docRef{input: i, ord: ord})
			next++
		}
		src.ordMaps = append(src.ordMaps, ordMap)
	}
	src.numDocs = next
	if next == 0 {
		return src, nil
	}

	src.buildLengthsAndStats()
	return src, nil
}

// buildLengthsAndStats recomputes per-field length columns and statistics
// over the surviving documents only, so scores after a merge reflect the
// same live corpus as before it.
func (s *mergeSource) buildLengthsAndStats() {
	type fieldAgg struct {
		name        string
		docs        uint32
		totalTokens uint64
		lens        []uint32
	}
	aggs := make(map[uint16]*fieldAgg)

	for _, in := range s.inputs {
		for _, st := range in.Reader.FieldStats() {
			if _, ok := aggs[st.FieldID]; !ok {
				aggs[st.FieldID] = &fieldAgg{name: st.Name}
			}
		}
	}

	for newOrd, ref := range s.docRefs {
		r := s.inputs[ref.input].Reader
		for fieldID, agg := range aggs {
			l := r.FieldLength(fieldID, ref.ord)
			if l == 0 {
				continue
			}
			if agg.lens == nil {
				agg.lens = make([]uint32, s.numDocs)
			}
			agg.lens[newOrd] = l
			agg.docs++
			agg.totalTokens += uint64(l)
		}
	}

	ids := make([]uint16, 0, len(aggs))
	for id := range aggs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		agg := aggs[id]
		s.stats = append(s.stats, FieldStat{
			FieldID:     id,
			Name:        agg.name,
			Docs:        agg.docs,
			TotalTokens: agg.totalTokens,
		})
		if agg.lens != nil {
			s.lens = append(s.lens, LenColumn{FieldID: id, Lens: agg.lens})
		}
	}
}

func (s *mergeSource) NumDocs() uint32          { return s.numDocs }
func (s *mergeSource) FieldStats() []FieldStat  { return s.stats }
func (s *mergeSource) FieldLengths() []LenColumn { return s.lens }

func (s *mergeSource) StoredPayload(ord uint32) ([]byte, error) {
	ref := s.docRefs[ord]
	r := s.inputs[ref.input].Reader
	payload, err := r.StoredPayload(ref.ord)
	if err != nil {
		return nil, err
	}
	if payload == nil || r.CodecName() == s.c.Name() {
		return payload, nil
	}

	// Input uses a different payload codec; transcode.
	in, ok := codec.ByName(r.CodecName())
	if !ok {
		return nil, fmt.Errorf("unknown payload codec %q in segment %d", r.CodecName(), r.ID())
	}
	var doc map[string]any
	if err := in.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("transcode payload: %w", err)
	}
	return s.c.Marshal(doc)
}

func (s *mergeSource) FastColumns() ([]FastColumn, error) {
	type colKey struct {
		fieldID uint16
		typ     FastType
	}
	present := make(map[uint16]FastType)
	for _, in := range s.inputs {
		for _, col := range in.Reader.fastCols {
			present[col.fieldID] = col.typ
		}
	}
	keys := make([]colKey, 0, len(present))
	for id, typ := range present {
		keys = append(keys, colKey{fieldID: id, typ: typ})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].fieldID < keys[j].fieldID })

	out := make([]FastColumn, 0, len(keys))
	for _, key := range keys {
		col := FastColumn{FieldID: key.fieldID, Type: key.typ}
		for i, in := range s.inputs {
			it, ok := in.Reader.FastColumn(key.fieldID)
			if !ok {
				continue
			}
			ordMap := s.ordMaps[i]
			for it.Next() {
				newOrd := ordMap[it.Ord()]
				if newOrd == dropped {
					continue
				}
				col.Entries = append(col.Entries, FastEntry{Ord: newOrd, Bits: it.bits})
			}
		}
		out = append(out, col)
	}
	return out, nil
}

func (s *mergeSource) Terms() TermIter {
	h := &termHeap{}
	for i, in := range s.inputs {
		c := in.Reader.allTerms()
		if c.Next() {
			heap.Push(h, &termHeapEntry{cursor: c, input: i})
		}
	}
	return &mergeTermIter{src: s, h: h}
}

type termHeapEntry struct {
	cursor *allTermsCursor
	input  int
}

type termHeap []*termHeapEntry

func (h termHeap) Len() int { return len(h) }
func (h termHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.cursor.fieldID != b.cursor.fieldID {
		return a.cursor.fieldID < b.cursor.fieldID
	}
	if c := bytes.Compare(a.cursor.term, b.cursor.term); c != 0 {
		return c < 0
	}
	return a.input < b.input
}
func (h termHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *termHeap) Push(x any)   { *h = append(*h, x.(*termHeapEntry)) }
func (h *termHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeTermIter pops equal (fieldID, term) runs off the heap and emits one
// combined postings list per unique term.
type mergeTermIter struct {
	src *mergeSource
	h   *termHeap

	fieldID uint16
	term    []byte
	group   []*termHeapEntry
}

func (it *mergeTermIter) Next() bool {
	if it.h.Len() == 0 {
		return false
	}

	top := heap.Pop(it.h).(*termHeapEntry)
	it.fieldID = top.cursor.fieldID
	it.term = append(it.term[:0], top.cursor.term...)
	it.group = it.group[:0]
	it.group = append(it.group, top)

	for it.h.Len() > 0 {
		next := (*it.h)[0]
		if next.cursor.fieldID != it.fieldID || !bytes.Equal(next.cursor.term, it.term) {
			break
		}
		it.group = append(it.group, heap.Pop(it.h).(*termHeapEntry))
	}
	return true
}

func (it *mergeTermIter) Term() (uint16, []byte) { return it.fieldID, it.term }

func (it *mergeTermIter) Postings() ([]Posting, error) {
	// Group entries arrive ordered by input; remapped ordinals of a later
	// input always exceed those of an earlier one, so appending keeps the
	// merged list sorted.
	sort.Slice(it.group, func(i, j int) bool { return it.group[i].input < it.group[j].input })

	var out []Posting
	for _, e := range it.group {
		ordMap := it.src.ordMaps[e.input]
		pit := it.src.inputs[e.input].Reader.Postings(e.cursor.info)
		for pit.Next() {
			newOrd := ordMap[pit.Ord()]
			if newOrd == dropped {
				continue
			}
			positions := make([]uint32, len(pit.Positions()))
			copy(positions, pit.Positions())
			out = append(out, Posting{Ord: newOrd, TF: pit.TF(), Positions: positions})
		}
	}

	// Re-arm the heap for the next unique term.
	for _, e := range it.group {
		if e.cursor.Next() {
			heap.Push(it.h, e)
		}
	}
	return out, nil
}
