// Package segment implements the immutable on-disk segment unit: a term
// dictionary, document-ordered postings with positions, compressed
// stored-field blocks, fast-value columns and per-field length norms, all in
// one checksummed file.
//
// Segments are created by a flush of the in-memory write buffer or by a
// merge of existing segments, published via the manifest, and never mutated
// afterwards. Deletions live in tombstone bitmaps outside the segment.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// MagicNumber identifies a segment file ("LEX1").
	MagicNumber = 0x4C455831
	// Version is the current segment format version.
	Version = 1

	// HeaderSize is the fixed byte size of the file header.
	HeaderSize = 144

	// codecNameLen is the fixed space for the stored-payload codec name.
	codecNameLen = 16

	// storedBlockSize is the uncompressed size threshold of one
	// stored-field block.
	storedBlockSize = 16 << 10
)

// Section indices into the header's section table.
const (
	sectionMeta = iota
	sectionTerms
	sectionPostings
	sectionStored
	sectionFast
	sectionLens
	numSections
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported segment version")
	ErrChecksum       = errors.New("segment checksum mismatch")
	ErrTruncated      = errors.New("segment file truncated")
)

// castagnoli is the CRC-32C table used for body checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileHeader describes the layout of a segment file. It is stored at the
// beginning of the file; the checksum covers everything after it.
type FileHeader struct {
	Magic     uint32
	Version   uint32
	SegmentID uint64
	NumDocs   uint32
	Checksum  uint32
	CodecName string
	Sections  [numSections]SectionRef
}

// SectionRef locates one section within the file.
type SectionRef struct {
	Offset uint64
	Size   uint64
}

// Encode serializes the header into a HeaderSize byte slice.
func (h *FileHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint64(buf[8:], h.SegmentID)
	binary.LittleEndian.PutUint32(buf[16:], h.NumDocs)
	binary.LittleEndian.PutUint32(buf[20:], h.Checksum)
	copy(buf[24:24+codecNameLen], h.CodecName)
	off := 24 + codecNameLen
	for i := 0; i < numSections; i++ {
		binary.LittleEndian.PutUint64(buf[off:], h.Sections[i].Offset)
		binary.LittleEndian.PutUint64(buf[off+8:], h.Sections[i].Size)
		off += 16
	}
	// buf[136:144] reserved
	return buf
}

// DecodeHeader parses and validates a segment file header.
func DecodeHeader(buf []byte) (*FileHeader, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}
	h := &FileHeader{}
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	if h.Magic != MagicNumber {
		return nil, ErrInvalidMagic
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	if h.Version != Version {
		return nil, ErrInvalidVersion
	}
	h.SegmentID = binary.LittleEndian.Uint64(buf[8:])
	h.NumDocs = binary.LittleEndian.Uint32(buf[16:])
	h.Checksum = binary.LittleEndian.Uint32(buf[20:])
	name := buf[24 : 24+codecNameLen]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	h.CodecName = string(name)
	off := 24 + codecNameLen
	for i := 0; i < numSections; i++ {
		h.Sections[i].Offset = binary.LittleEndian.Uint64(buf[off:])
		h.Sections[i].Size = binary.LittleEndian.Uint64(buf[off+8:])
		off += 16
	}
	return h, nil
}

// Filename returns the canonical file name for a segment id.
func Filename(id uint64) string {
	return fmt.Sprintf("%016x.seg", id)
}

// FastType identifies the value type of a fast column.
type FastType uint8

const (
	FastI64 FastType = 0
	FastF64 FastType = 1
)

// FieldStat carries per-field statistics needed by the scorer.
type FieldStat struct {
	FieldID     uint16 `json:"id"`
	Name        string `json:"name"`
	Docs        uint32 `json:"docs"`
	TotalTokens uint64 `json:"total_tokens"`
}

// segMeta is the codec-encoded body of the meta section.
type segMeta struct {
	Fields []FieldStat `json:"fields"`
}

// Posting is one document entry of a term's postings list.
type Posting struct {
	Ord       uint32
	TF        uint32
	Positions []uint32
}

// FastEntry is one (ordinal, raw value bits) pair of a fast column.
// Multi-valued documents contribute one entry per value.
type FastEntry struct {
	Ord  uint32
	Bits uint64
}

// FastColumn is a columnar numeric field, ordered by ordinal.
type FastColumn struct {
	FieldID uint16
	Type    FastType
	Entries []FastEntry
}

// LenColumn holds per-ordinal token counts for one indexed text field,
// indexed by ordinal (zero when the document lacks the field).
type LenColumn struct {
	FieldID uint16
	Lens    []uint32
}
