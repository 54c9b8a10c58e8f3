package segment

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/casedata-io/lexgo/codec"
	"github.com/casedata-io/lexgo/internal/fs"
)

// Source supplies the content of a segment under construction. Both the
// write-buffer flush and the k-way merge implement it, so every segment on
// disk is produced by the same serialization path.
type Source interface {
	// NumDocs returns the number of documents the segment will hold.
	NumDocs() uint32
	// FieldStats returns per-field statistics, ordered by field id.
	FieldStats() []FieldStat
	// Terms returns an iterator over all terms in (fieldID, term) order.
	Terms() TermIter
	// StoredPayload returns the encoded stored-field payload of ord.
	// It returns nil when the document stores no fields.
	StoredPayload(ord uint32) ([]byte, error)
	// FastColumns returns all fast columns, ordered by field id.
	FastColumns() ([]FastColumn, error)
	// FieldLengths returns per-field token counts, ordered by field id.
	FieldLengths() []LenColumn
}

// TermIter iterates terms in ascending (fieldID, term bytes) order.
type TermIter interface {
	Next() bool
	Term() (fieldID uint16, term []byte)
	// Postings returns the term's postings ordered by ascending ordinal.
	Postings() ([]Posting, error)
}

// Write builds a segment file from src and durably publishes it in dir
// under the canonical name for id. It returns the file size in bytes. On
// error nothing is left behind at the canonical name.
func Write(fsys fs.FileSystem, dir string, id uint64, src Source, c codec.Codec) (int64, error) {
	if c == nil {
		c = codec.Default
	}

	sections, err := buildSections(src, c)
	if err != nil {
		return 0, fmt.Errorf("build segment %d: %w", id, err)
	}
	return writeFile(fsys, dir, id, src.NumDocs(), c.Name(), sections)
}

func buildSections(src Source, c codec.Codec) (*[numSections][]byte, error) {
	var sections [numSections][]byte

	meta, err := c.Marshal(segMeta{Fields: src.FieldStats()})
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	sections[sectionMeta] = meta

	terms, postings, err := buildTermSections(src.Terms())
	if err != nil {
		return nil, err
	}
	sections[sectionTerms] = terms
	sections[sectionPostings] = postings

	stored, err := buildStoredSection(src)
	if err != nil {
		return nil, err
	}
	sections[sectionStored] = stored

	fast, err := src.FastColumns()
	if err != nil {
		return nil, err
	}
	sections[sectionFast] = buildFastSection(fast)
	sections[sectionLens] = buildLensSection(src.FieldLengths(), src.NumDocs())

	return &sections, nil
}

// buildTermSections serializes the sorted term dictionary and the postings
// lists it points into.
func buildTermSections(it TermIter) (terms []byte, postings []byte, err error) {
	var (
		entries  bytes.Buffer
		postBuf  bytes.Buffer
		offsets  []uint32
		tmp      = make([]byte, binary.MaxVarintLen64)
		writeUvp = func(buf *bytes.Buffer, v uint64) {
			n := binary.PutUvarint(tmp, v)
			buf.Write(tmp[:n])
		}
	)

	for it.Next() {
		fieldID, term := it.Term()
		plist, err := it.Postings()
		if err != nil {
			return nil, nil, err
		}
		if len(plist) == 0 {
			continue
		}

		postOff := postBuf.Len()
		prevOrd := uint32(0)
		for i, p := range plist {
			delta := p.Ord
			if i > 0 {
				delta = p.Ord - prevOrd
			}
			prevOrd = p.Ord
			writeUvp(&postBuf, uint64(delta))
			writeUvp(&postBuf, uint64(p.TF))
			writeUvp(&postBuf, uint64(len(p.Positions)))
			prevPos := uint32(0)
			for j, pos := range p.Positions {
				pd := pos
				if j > 0 {
					pd = pos - prevPos
				}
				prevPos = pos
				writeUvp(&postBuf, uint64(pd))
			}
		}

		offsets = append(offsets, uint32(entries.Len()))
		var hdr [4]byte
		binary.LittleEndian.PutUint16(hdr[0:], fieldID)
		binary.LittleEndian.PutUint16(hdr[2:], uint16(len(term)))
		entries.Write(hdr[:])
		entries.Write(term)
		writeUvp(&entries, uint64(len(plist)))
		writeUvp(&entries, uint64(postOff))
		writeUvp(&entries, uint64(postBuf.Len()-postOff))
	}

	dict := make([]byte, 4+4*len(offsets)+entries.Len())
	binary.LittleEndian.PutUint32(dict[0:], uint32(len(offsets)))
	for i, off := range offsets {
		binary.LittleEndian.PutUint32(dict[4+4*i:], off)
	}
	copy(dict[4+4*len(offsets):], entries.Bytes())

	return dict, postBuf.Bytes(), nil
}

// buildStoredSection packs per-document payloads into lz4-compressed blocks
// with a block table and a fixed-width per-document index for random access.
func buildStoredSection(src Source) ([]byte, error) {
	numDocs := src.NumDocs()

	type blockRef struct {
		off     uint64
		compLen uint32
		rawLen  uint32
	}
	var (
		blocks   bytes.Buffer
		table    []blockRef
		docIndex = make([]byte, 0, 12*numDocs)
		current  bytes.Buffer
	)

	sealBlock := func() error {
		if current.Len() == 0 {
			return nil
		}
		raw := current.Bytes()
		comp := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, comp, nil)
		if err != nil {
			return fmt.Errorf("lz4 compress: %w", err)
		}
		off := uint64(blocks.Len())
		if n == 0 || n >= len(raw) {
			// Incompressible; store raw. compLen == rawLen marks this.
			blocks.Write(raw)
			table = append(table, blockRef{off: off, compLen: uint32(len(raw)), rawLen: uint32(len(raw))})
		} else {
			blocks.Write(comp[:n])
			table = append(table, blockRef{off: off, compLen: uint32(n), rawLen: uint32(len(raw))})
		}
		current.Reset()
		return nil
	}

	var entry [12]byte
	for ord := uint32(0); ord < numDocs; ord++ {
		payload, err := src.StoredPayload(ord)
		if err != nil {
			return nil, fmt.Errorf("stored payload for ord %d: %w", ord, err)
		}
		binary.LittleEndian.PutUint32(entry[0:], uint32(len(table)))
		binary.LittleEndian.PutUint32(entry[4:], uint32(current.Len()))
		binary.LittleEndian.PutUint32(entry[8:], uint32(len(payload)))
		docIndex = append(docIndex, entry[:]...)
		current.Write(payload)
		if current.Len() >= storedBlockSize {
			if err := sealBlock(); err != nil {
				return nil, err
			}
		}
	}
	if err := sealBlock(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 4+16*len(table)+len(docIndex)+blocks.Len())
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(table)))
	out = append(out, u32[:]...)
	var ref [16]byte
	for _, b := range table {
		binary.LittleEndian.PutUint64(ref[0:], b.off)
		binary.LittleEndian.PutUint32(ref[8:], b.compLen)
		binary.LittleEndian.PutUint32(ref[12:], b.rawLen)
		out = append(out, ref[:]...)
	}
	out = append(out, docIndex...)
	out = append(out, blocks.Bytes()...)
	return out, nil
}

func buildFastSection(cols []FastColumn) []byte {
	size := 4
	for _, col := range cols {
		size += 2 + 1 + 4 + 12*len(col.Entries)
	}
	out := make([]byte, 0, size)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(cols)))
	out = append(out, u32[:]...)
	for _, col := range cols {
		var hdr [7]byte
		binary.LittleEndian.PutUint16(hdr[0:], col.FieldID)
		hdr[2] = byte(col.Type)
		binary.LittleEndian.PutUint32(hdr[3:], uint32(len(col.Entries)))
		out = append(out, hdr[:]...)
		var e [12]byte
		for _, entry := range col.Entries {
			binary.LittleEndian.PutUint32(e[0:], entry.Ord)
			binary.LittleEndian.PutUint64(e[4:], entry.Bits)
			out = append(out, e[:]...)
		}
	}
	return out
}

func buildLensSection(cols []LenColumn, numDocs uint32) []byte {
	out := make([]byte, 0, 4+len(cols)*(2+4*int(numDocs)))

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(cols)))
	out = append(out, u32[:]...)
	for _, col := range cols {
		var id [2]byte
		binary.LittleEndian.PutUint16(id[:], col.FieldID)
		out = append(out, id[:]...)
		var l [4]byte
		for ord := uint32(0); ord < numDocs; ord++ {
			var v uint32
			if int(ord) < len(col.Lens) {
				v = col.Lens[ord]
			}
			binary.LittleEndian.PutUint32(l[:], v)
			out = append(out, l[:]...)
		}
	}
	return out
}

// writeFile streams the sections into a temp file with a CRC-32C body
// checksum, rewrites the header with the final offsets, and publishes the
// file via rename plus directory sync.
func writeFile(fsys fs.FileSystem, dir string, id uint64, numDocs uint32, codecName string, sections *[numSections][]byte) (int64, error) {
	name := Filename(id)
	tmpPath := dir + string(os.PathSeparator) + name + ".tmp"
	finalPath := dir + string(os.PathSeparator) + name

	f, err := fsys.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmpPath, err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = fsys.Remove(tmpPath)
	}

	hdr := FileHeader{
		Magic:     MagicNumber,
		Version:   Version,
		SegmentID: id,
		NumDocs:   numDocs,
		CodecName: codecName,
	}
	// Zero-checksum placeholder; rewritten once the body is on disk.
	if _, err := f.Write(make([]byte, HeaderSize)); err != nil {
		cleanup()
		return 0, fmt.Errorf("write header placeholder: %w", err)
	}

	crc := crc32.New(castagnoli)
	bw := bufio.NewWriterSize(io.MultiWriter(f, crc), 1<<16)

	offset := uint64(HeaderSize)
	for i := 0; i < numSections; i++ {
		data := sections[i]
		hdr.Sections[i] = SectionRef{Offset: offset, Size: uint64(len(data))}
		if _, err := bw.Write(data); err != nil {
			cleanup()
			return 0, fmt.Errorf("write section: %w", err)
		}
		offset += uint64(len(data))
	}
	if err := bw.Flush(); err != nil {
		cleanup()
		return 0, fmt.Errorf("flush body: %w", err)
	}

	hdr.Checksum = crc.Sum32()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return 0, fmt.Errorf("seek header: %w", err)
	}
	if _, err := f.Write(hdr.Encode()); err != nil {
		cleanup()
		return 0, fmt.Errorf("write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("sync segment: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmpPath)
		return 0, fmt.Errorf("close segment: %w", err)
	}
	if err := fsys.Rename(tmpPath, finalPath); err != nil {
		_ = fsys.Remove(tmpPath)
		return 0, fmt.Errorf("publish segment: %w", err)
	}
	if err := fs.SyncDir(fsys, dir); err != nil {
		return 0, fmt.Errorf("sync dir: %w", err)
	}
	return int64(offset), nil
}
