// Package memtable implements the in-memory write buffer.
//
// Documents added between commits accumulate here: per-term postings with
// positions, stored-field payloads, fast values and per-field token counts.
// A flush drains the buffer through the shared segment serialization path;
// the buffer itself is only reset after the segment is durably on disk, so a
// failed flush loses nothing.
//
// The memtable is single-writer by design; the engine serializes Add and
// Flush under its write mutex.
package memtable

import (
	"math"
	"sort"

	"github.com/casedata-io/lexgo/analysis"
	"github.com/casedata-io/lexgo/codec"
	"github.com/casedata-io/lexgo/internal/fs"
	"github.com/casedata-io/lexgo/internal/segment"
	"github.com/casedata-io/lexgo/schema"
)

type termKey struct {
	fieldID uint16
	term    string
}

type fieldAcc struct {
	docs        uint32
	totalTokens uint64
	lens        []uint32
}

// MemTable buffers encoded documents until flush.
type MemTable struct {
	schema *schema.Schema
	c      codec.Codec
	strict bool

	analyzers []analysis.Analyzer

	numDocs  uint32
	postings map[termKey][]segment.Posting
	stored   [][]byte
	fast     map[uint16][]segment.FastEntry
	fields   map[uint16]*fieldAcc

	sizeEst int64
}

// New creates an empty memtable for the given schema. Documents with fields
// outside the schema are rejected when strict is set and ignored otherwise.
func New(sc *schema.Schema, c codec.Codec, strict bool) *MemTable {
	if c == nil {
		c = codec.Default
	}
	analyzers := make([]analysis.Analyzer, sc.NumFields())
	for i, f := range sc.Fields {
		if f.IsText() {
			analyzers[i] = analysis.ForTokenizer(f.Tokenizer)
		}
	}
	return &MemTable{
		schema:    sc,
		c:         c,
		strict:    strict,
		analyzers: analyzers,
		postings:  make(map[termKey][]segment.Posting),
		fast:      make(map[uint16][]segment.FastEntry),
		fields:    make(map[uint16]*fieldAcc),
	}
}

// NumDocs returns the number of buffered documents.
func (m *MemTable) NumDocs() uint32 { return m.numDocs }

// EstimatedSize returns a rough byte estimate of the buffered state, used to
// trigger early flushes.
func (m *MemTable) EstimatedSize() int64 { return m.sizeEst }

// Add validates, encodes and buffers one document, assigning it the next
// ordinal. The buffer is unchanged when an error is returned.
func (m *MemTable) Add(doc map[string]any) error {
	if err := m.schema.ValidateDocument(doc, m.strict); err != nil {
		return err
	}

	ord := m.numDocs
	storedFields := make(map[string]any)

	for i, f := range m.schema.Fields {
		value, ok := doc[f.Name]
		if !ok {
			continue
		}
		fieldID := uint16(i)
		values, multi := value.([]any)
		if !multi {
			values = []any{value}
		}

		if f.Stored {
			if multi {
				storedFields[f.Name] = values
			} else {
				storedFields[f.Name] = value
			}
		}

		switch {
		case f.IsText():
			if f.Indexed {
				m.addText(fieldID, ord, values)
			}
		default:
			m.addNumeric(f, fieldID, ord, values)
		}
	}

	var payload []byte
	if len(storedFields) > 0 {
		var err error
		payload, err = m.c.Marshal(storedFields)
		if err != nil {
			return err
		}
	}
	m.stored = append(m.stored, payload)
	m.sizeEst += int64(len(payload)) + 64
	m.numDocs++
	return nil
}

// addText analyzes the values and accumulates term frequencies with
// positions. Values of a multi-valued field share one position space with a
// gap between values so phrases never match across value boundaries.
func (m *MemTable) addText(fieldID uint16, ord uint32, values []any) {
	const valueGap = 8

	type tfAcc struct {
		tf        uint32
		positions []uint32
	}
	terms := make(map[string]*tfAcc)

	var pos uint32
	var total uint32
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		tokens := m.analyzers[fieldID].Analyze(s)
		for _, tok := range tokens {
			acc, ok := terms[tok.Term]
			if !ok {
				acc = &tfAcc{}
				terms[tok.Term] = acc
			}
			acc.tf++
			acc.positions = append(acc.positions, pos+tok.Position)
		}
		if n := len(tokens); n > 0 {
			pos += uint32(n) + valueGap
			total += uint32(n)
		}
	}
	if total == 0 {
		return
	}

	for term, acc := range terms {
		key := termKey{fieldID: fieldID, term: term}
		m.postings[key] = append(m.postings[key], segment.Posting{
			Ord:       ord,
			TF:        acc.tf,
			Positions: acc.positions,
		})
		m.sizeEst += int64(len(term)) + int64(8*len(acc.positions)) + 24
	}

	acc := m.fieldAcc(fieldID)
	for uint32(len(acc.lens)) <= ord {
		acc.lens = append(acc.lens, 0)
	}
	acc.lens[ord] = total
	acc.docs++
	acc.totalTokens += uint64(total)
}

func (m *MemTable) addNumeric(f schema.Field, fieldID uint16, ord uint32, values []any) {
	for _, v := range values {
		var token []byte
		var bits uint64
		switch f.Type {
		case schema.TypeI64:
			n, ok := schema.I64Value(v)
			if !ok {
				continue
			}
			token = segment.I64Token(n)
			bits = uint64(n)
		case schema.TypeF64:
			n, ok := schema.F64Value(v)
			if !ok {
				continue
			}
			token = segment.F64Token(n)
			bits = math.Float64bits(n)
		default:
			continue
		}

		if f.Indexed {
			key := termKey{fieldID: fieldID, term: string(token)}
			plist := m.postings[key]
			if n := len(plist); n > 0 && plist[n-1].Ord == ord {
				plist[n-1].TF++
			} else {
				plist = append(plist, segment.Posting{Ord: ord, TF: 1})
			}
			m.postings[key] = plist
			m.sizeEst += 24
		}
		if f.Fast {
			m.fast[fieldID] = append(m.fast[fieldID], segment.FastEntry{Ord: ord, Bits: bits})
			m.sizeEst += 12
		}
	}
}

func (m *MemTable) fieldAcc(fieldID uint16) *fieldAcc {
	acc, ok := m.fields[fieldID]
	if !ok {
		acc = &fieldAcc{}
		m.fields[fieldID] = acc
	}
	return acc
}

// Flush writes the buffered documents as one immutable segment in dir and
// resets the buffer. On error the buffer is left intact so a later flush can
// retry. Flushing an empty buffer is a programming error; callers check
// NumDocs first.
func (m *MemTable) Flush(fsys fs.FileSystem, dir string, id uint64) (numDocs uint32, size int64, err error) {
	src := m.source()
	size, err = segment.Write(fsys, dir, id, src, m.c)
	if err != nil {
		return 0, 0, err
	}

	numDocs = m.numDocs
	m.reset()
	return numDocs, size, nil
}

func (m *MemTable) reset() {
	m.numDocs = 0
	m.postings = make(map[termKey][]segment.Posting)
	m.stored = nil
	m.fast = make(map[uint16][]segment.FastEntry)
	m.fields = make(map[uint16]*fieldAcc)
	m.sizeEst = 0
}

// source builds a segment.Source over the current buffer contents.
func (m *MemTable) source() *flushSource {
	keys := make([]termKey, 0, len(m.postings))
	for key := range m.postings {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].fieldID != keys[j].fieldID {
			return keys[i].fieldID < keys[j].fieldID
		}
		return keys[i].term < keys[j].term
	})
	return &flushSource{m: m, keys: keys, next: -1}
}

type flushSource struct {
	m    *MemTable
	keys []termKey
	next int
}

func (s *flushSource) NumDocs() uint32 { return s.m.numDocs }

func (s *flushSource) FieldStats() []segment.FieldStat {
	ids := make([]uint16, 0, len(s.m.fields))
	for id := range s.m.fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]segment.FieldStat, 0, len(ids))
	for _, id := range ids {
		acc := s.m.fields[id]
		out = append(out, segment.FieldStat{
			FieldID:     id,
			Name:        s.m.schema.Fields[id].Name,
			Docs:        acc.docs,
			TotalTokens: acc.totalTokens,
		})
	}
	return out
}

func (s *flushSource) Terms() segment.TermIter { return s }

func (s *flushSource) Next() bool {
	s.next++
	return s.next < len(s.keys)
}

func (s *flushSource) Term() (uint16, []byte) {
	key := s.keys[s.next]
	return key.fieldID, []byte(key.term)
}

func (s *flushSource) Postings() ([]segment.Posting, error) {
	// Ordinals are assigned in Add order, so the accumulated list is
	// already sorted.
	return s.m.postings[s.keys[s.next]], nil
}

func (s *flushSource) StoredPayload(ord uint32) ([]byte, error) {
	return s.m.stored[ord], nil
}

func (s *flushSource) FastColumns() ([]segment.FastColumn, error) {
	ids := make([]uint16, 0, len(s.m.fast))
	for id := range s.m.fast {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]segment.FastColumn, 0, len(ids))
	for _, id := range ids {
		typ := segment.FastI64
		if s.m.schema.Fields[id].Type == schema.TypeF64 {
			typ = segment.FastF64
		}
		out = append(out, segment.FastColumn{
			FieldID: id,
			Type:    typ,
			Entries: s.m.fast[id],
		})
	}
	return out, nil
}

func (s *flushSource) FieldLengths() []segment.LenColumn {
	ids := make([]uint16, 0, len(s.m.fields))
	for id := range s.m.fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []segment.LenColumn
	for _, id := range ids {
		acc := s.m.fields[id]
		if acc.lens == nil {
			continue
		}
		out = append(out, segment.LenColumn{FieldID: id, Lens: acc.lens})
	}
	return out
}
