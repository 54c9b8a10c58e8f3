package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"sort"

	"github.com/pierrec/lz4/v4"

	"github.com/casedata-io/lexgo/codec"
	"github.com/casedata-io/lexgo/internal/mmap"
)

// TermInfo locates a term's postings within a segment.
type TermInfo struct {
	DocFreq      uint32
	postingsOff  uint64
	postingsSize uint64
}

// Reader provides read access to one immutable segment file through a
// shared read-only memory mapping. It is safe for concurrent use.
type Reader struct {
	id      uint64
	path    string
	m       *mmap.File
	numDocs uint32
	cname   string
	stats   []FieldStat

	termCount   int
	termOffsets []byte
	termEntries []byte
	postings    []byte

	blockCount   int
	storedTable  []byte
	storedIndex  []byte
	storedBlocks []byte

	fastCols []fastCol
	lenCols  []lenCol
}

type fastCol struct {
	fieldID uint16
	typ     FastType
	entries []byte
}

type lenCol struct {
	fieldID uint16
	lens    []byte
}

// Open maps the segment file at path and validates its header and body
// checksum.
func Open(path string) (*Reader, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	r, err := newReader(path, m)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	return r, nil
}

func newReader(path string, m *mmap.File) (*Reader, error) {
	data := m.Bytes()
	hdr, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	for _, s := range hdr.Sections {
		if s.Offset < HeaderSize || s.Offset+s.Size > uint64(len(data)) {
			return nil, fmt.Errorf("%w: section out of bounds", ErrTruncated)
		}
	}
	if crc := crc32.Checksum(data[HeaderSize:], castagnoli); crc != hdr.Checksum {
		return nil, fmt.Errorf("%w: have %08x, want %08x", ErrChecksum, crc, hdr.Checksum)
	}

	section := func(i int) []byte {
		s := hdr.Sections[i]
		return data[s.Offset : s.Offset+s.Size]
	}

	c, ok := codec.ByName(hdr.CodecName)
	if !ok {
		return nil, fmt.Errorf("unknown payload codec %q", hdr.CodecName)
	}
	var meta segMeta
	if err := c.Unmarshal(section(sectionMeta), &meta); err != nil {
		return nil, fmt.Errorf("decode segment meta: %w", err)
	}

	r := &Reader{
		id:       hdr.SegmentID,
		path:     path,
		m:        m,
		numDocs:  hdr.NumDocs,
		cname:    hdr.CodecName,
		stats:    meta.Fields,
		postings: section(sectionPostings),
	}

	terms := section(sectionTerms)
	if len(terms) < 4 {
		return nil, fmt.Errorf("%w: terms section too small", ErrTruncated)
	}
	r.termCount = int(binary.LittleEndian.Uint32(terms))
	if len(terms) < 4+4*r.termCount {
		return nil, fmt.Errorf("%w: term offsets out of bounds", ErrTruncated)
	}
	r.termOffsets = terms[4 : 4+4*r.termCount]
	r.termEntries = terms[4+4*r.termCount:]

	stored := section(sectionStored)
	if len(stored) < 4 {
		return nil, fmt.Errorf("%w: stored section too small", ErrTruncated)
	}
	r.blockCount = int(binary.LittleEndian.Uint32(stored))
	tableEnd := 4 + 16*r.blockCount
	indexEnd := tableEnd + 12*int(hdr.NumDocs)
	if len(stored) < indexEnd {
		return nil, fmt.Errorf("%w: stored index out of bounds", ErrTruncated)
	}
	r.storedTable = stored[4:tableEnd]
	r.storedIndex = stored[tableEnd:indexEnd]
	r.storedBlocks = stored[indexEnd:]

	if err := r.parseFast(section(sectionFast)); err != nil {
		return nil, err
	}
	if err := r.parseLens(section(sectionLens), hdr.NumDocs); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Reader) parseFast(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: fast section too small", ErrTruncated)
	}
	count := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	for i := 0; i < count; i++ {
		if len(data) < 7 {
			return fmt.Errorf("%w: fast column header", ErrTruncated)
		}
		fieldID := binary.LittleEndian.Uint16(data)
		typ := FastType(data[2])
		n := int(binary.LittleEndian.Uint32(data[3:]))
		data = data[7:]
		if len(data) < 12*n {
			return fmt.Errorf("%w: fast column entries", ErrTruncated)
		}
		r.fastCols = append(r.fastCols, fastCol{fieldID: fieldID, typ: typ, entries: data[:12*n]})
		data = data[12*n:]
	}
	return nil
}

func (r *Reader) parseLens(data []byte, numDocs uint32) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: lens section too small", ErrTruncated)
	}
	count := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	colSize := 4 * int(numDocs)
	for i := 0; i < count; i++ {
		if len(data) < 2+colSize {
			return fmt.Errorf("%w: lens column", ErrTruncated)
		}
		fieldID := binary.LittleEndian.Uint16(data)
		r.lenCols = append(r.lenCols, lenCol{fieldID: fieldID, lens: data[2 : 2+colSize]})
		data = data[2+colSize:]
	}
	return nil
}

// ID returns the segment id.
func (r *Reader) ID() uint64 { return r.id }

// Path returns the file the reader is mapped over.
func (r *Reader) Path() string { return r.path }

// NumDocs returns the total document count, including tombstoned ones.
func (r *Reader) NumDocs() uint32 { return r.numDocs }

// CodecName returns the stored-payload codec name.
func (r *Reader) CodecName() string { return r.cname }

// FieldStats returns per-field statistics recorded at write time.
func (r *Reader) FieldStats() []FieldStat { return r.stats }

// Close unmaps the segment file.
func (r *Reader) Close() error { return r.m.Close() }

// entry parses the dictionary entry at index i.
func (r *Reader) entry(i int) (fieldID uint16, term []byte, info TermInfo) {
	off := binary.LittleEndian.Uint32(r.termOffsets[4*i:])
	e := r.termEntries[off:]
	fieldID = binary.LittleEndian.Uint16(e)
	termLen := int(binary.LittleEndian.Uint16(e[2:]))
	term = e[4 : 4+termLen]
	rest := e[4+termLen:]

	docFreq, n := binary.Uvarint(rest)
	rest = rest[n:]
	pOff, n := binary.Uvarint(rest)
	rest = rest[n:]
	pSize, _ := binary.Uvarint(rest)

	info = TermInfo{DocFreq: uint32(docFreq), postingsOff: pOff, postingsSize: pSize}
	return fieldID, term, info
}

func (r *Reader) compareEntry(i int, fieldID uint16, term []byte) int {
	f, t, _ := r.entry(i)
	if f != fieldID {
		if f < fieldID {
			return -1
		}
		return 1
	}
	return bytes.Compare(t, term)
}

// LookupTerm finds the postings of (fieldID, term) via binary search over
// the sorted dictionary.
func (r *Reader) LookupTerm(fieldID uint16, term []byte) (TermInfo, bool) {
	i := sort.Search(r.termCount, func(i int) bool {
		return r.compareEntry(i, fieldID, term) >= 0
	})
	if i >= r.termCount || r.compareEntry(i, fieldID, term) != 0 {
		return TermInfo{}, false
	}
	_, _, info := r.entry(i)
	return info, true
}

// TermCursor iterates dictionary entries of one field in term order.
type TermCursor struct {
	r       *Reader
	fieldID uint16
	next    int
	prefix  []byte

	term []byte
	info TermInfo
}

// FieldTerms returns a cursor over every term of the field.
func (r *Reader) FieldTerms(fieldID uint16) *TermCursor {
	start := sort.Search(r.termCount, func(i int) bool {
		return r.compareEntry(i, fieldID, nil) >= 0
	})
	return &TermCursor{r: r, fieldID: fieldID, next: start}
}

// PrefixTerms returns a cursor over the field's terms starting with prefix.
func (r *Reader) PrefixTerms(fieldID uint16, prefix []byte) *TermCursor {
	start := sort.Search(r.termCount, func(i int) bool {
		return r.compareEntry(i, fieldID, prefix) >= 0
	})
	return &TermCursor{r: r, fieldID: fieldID, next: start, prefix: prefix}
}

// Next advances the cursor. It returns false once the field (or prefix
// range) is exhausted.
func (c *TermCursor) Next() bool {
	if c.next >= c.r.termCount {
		return false
	}
	fieldID, term, info := c.r.entry(c.next)
	if fieldID != c.fieldID {
		return false
	}
	if c.prefix != nil && !bytes.HasPrefix(term, c.prefix) {
		return false
	}
	c.term = term
	c.info = info
	c.next++
	return true
}

// Term returns the current term. The slice aliases the mapping and must not
// be modified.
func (c *TermCursor) Term() []byte { return c.term }

// Info returns the current term's postings location.
func (c *TermCursor) Info() TermInfo { return c.info }

// PostingsIterator decodes one term's postings list lazily, in ascending
// ordinal order.
type PostingsIterator struct {
	data      []byte
	remaining uint32
	first     bool

	ord       uint32
	tf        uint32
	positions []uint32
}

// Postings returns an iterator over the postings referenced by info.
func (r *Reader) Postings(info TermInfo) *PostingsIterator {
	end := info.postingsOff + info.postingsSize
	if end > uint64(len(r.postings)) {
		end = uint64(len(r.postings))
	}
	return &PostingsIterator{
		data:      r.postings[info.postingsOff:end],
		remaining: info.DocFreq,
		first:     true,
	}
}

// Next advances to the next posting. It returns false when exhausted.
func (it *PostingsIterator) Next() bool {
	if it.remaining == 0 || len(it.data) == 0 {
		return false
	}
	it.remaining--

	delta, n := binary.Uvarint(it.data)
	it.data = it.data[n:]
	if it.first {
		it.ord = uint32(delta)
		it.first = false
	} else {
		it.ord += uint32(delta)
	}

	tf, n := binary.Uvarint(it.data)
	it.data = it.data[n:]
	it.tf = uint32(tf)

	posCount, n := binary.Uvarint(it.data)
	it.data = it.data[n:]
	it.positions = it.positions[:0]
	var prev uint32
	for i := uint64(0); i < posCount; i++ {
		pd, n := binary.Uvarint(it.data)
		it.data = it.data[n:]
		if i == 0 {
			prev = uint32(pd)
		} else {
			prev += uint32(pd)
		}
		it.positions = append(it.positions, prev)
	}
	return true
}

// Ord returns the current document ordinal.
func (it *PostingsIterator) Ord() uint32 { return it.ord }

// TF returns the current term frequency.
func (it *PostingsIterator) TF() uint32 { return it.tf }

// Positions returns the current token positions. The slice is reused
// between Next calls.
func (it *PostingsIterator) Positions() []uint32 { return it.positions }

// StoredPayload returns the encoded stored-field payload of ord. The result
// is freshly allocated when the enclosing block is compressed and may alias
// the mapping otherwise.
func (r *Reader) StoredPayload(ord uint32) ([]byte, error) {
	if ord >= r.numDocs {
		return nil, fmt.Errorf("ordinal %d out of range (%d docs)", ord, r.numDocs)
	}
	e := r.storedIndex[12*ord:]
	blockIdx := binary.LittleEndian.Uint32(e)
	offInBlock := binary.LittleEndian.Uint32(e[4:])
	payloadLen := binary.LittleEndian.Uint32(e[8:])
	if payloadLen == 0 {
		return nil, nil
	}
	if int(blockIdx) >= r.blockCount {
		return nil, fmt.Errorf("%w: stored block %d out of range", ErrTruncated, blockIdx)
	}

	t := r.storedTable[16*blockIdx:]
	blockOff := binary.LittleEndian.Uint64(t)
	compLen := binary.LittleEndian.Uint32(t[8:])
	rawLen := binary.LittleEndian.Uint32(t[12:])
	if blockOff+uint64(compLen) > uint64(len(r.storedBlocks)) {
		return nil, fmt.Errorf("%w: stored block out of bounds", ErrTruncated)
	}
	block := r.storedBlocks[blockOff : blockOff+uint64(compLen)]

	if compLen != rawLen {
		raw := make([]byte, rawLen)
		if _, err := lz4.UncompressBlock(block, raw); err != nil {
			return nil, fmt.Errorf("lz4 decompress stored block: %w", err)
		}
		block = raw
	}
	if int(offInBlock)+int(payloadLen) > len(block) {
		return nil, fmt.Errorf("%w: stored payload out of bounds", ErrTruncated)
	}
	return block[offInBlock : offInBlock+payloadLen], nil
}

// FastColumnIterator walks one fast column in ascending ordinal order.
type FastColumnIterator struct {
	typ  FastType
	data []byte

	ord  uint32
	bits uint64
}

// FastColumn returns an iterator over the fast column of fieldID, or false
// when the segment has no such column.
func (r *Reader) FastColumn(fieldID uint16) (*FastColumnIterator, bool) {
	for _, col := range r.fastCols {
		if col.fieldID == fieldID {
			return &FastColumnIterator{typ: col.typ, data: col.entries}, true
		}
	}
	return nil, false
}

// Next advances the iterator. It returns false when the column is
// exhausted.
func (it *FastColumnIterator) Next() bool {
	if len(it.data) < 12 {
		return false
	}
	it.ord = binary.LittleEndian.Uint32(it.data)
	it.bits = binary.LittleEndian.Uint64(it.data[4:])
	it.data = it.data[12:]
	return true
}

// Ord returns the current ordinal.
func (it *FastColumnIterator) Ord() uint32 { return it.ord }

// I64 returns the current value as int64.
func (it *FastColumnIterator) I64() int64 { return int64(it.bits) }

// F64 returns the current value as float64.
func (it *FastColumnIterator) F64() float64 { return math.Float64frombits(it.bits) }

// Type returns the column's value type.
func (it *FastColumnIterator) Type() FastType { return it.typ }

// FieldLength returns the token count of the field in document ord, zero
// when the document lacks the field or the field carries no length column.
func (r *Reader) FieldLength(fieldID uint16, ord uint32) uint32 {
	for _, col := range r.lenCols {
		if col.fieldID == fieldID {
			if 4*int(ord)+4 <= len(col.lens) {
				return binary.LittleEndian.Uint32(col.lens[4*ord:])
			}
			return 0
		}
	}
	return 0
}

// allTermsCursor iterates the whole dictionary in entry order. Used by the
// merge path.
type allTermsCursor struct {
	r    *Reader
	next int

	fieldID uint16
	term    []byte
	info    TermInfo
}

func (r *Reader) allTerms() *allTermsCursor { return &allTermsCursor{r: r} }

func (c *allTermsCursor) Next() bool {
	if c.next >= c.r.termCount {
		return false
	}
	c.fieldID, c.term, c.info = c.r.entry(c.next)
	c.next++
	return true
}
