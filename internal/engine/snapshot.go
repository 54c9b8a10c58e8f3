package engine

import (
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/casedata-io/lexgo/internal/segment"
)

// GlobalID combines a segment id and a document ordinal into the index-wide
// document id. Segment ids are never reused, so global ids stay unique
// across the union of live segments.
func GlobalID(segID uint64, ord uint32) uint64 {
	return segID<<32 | uint64(ord)
}

// SplitGlobalID is the inverse of GlobalID.
func SplitGlobalID(id uint64) (segID uint64, ord uint32) {
	return id >> 32, uint32(id)
}

// RefCountedSegment wraps a segment reader with a reference count. The
// underlying mapping is closed when the last reference is dropped; merges
// install an onClose hook that then deletes the obsolete file, so a segment
// disappears from disk only once no snapshot can reach it.
type RefCountedSegment struct {
	*segment.Reader
	refs    atomic.Int64
	onClose atomic.Value // func()
}

// NewRefCountedSegment wraps r with an initial reference.
func NewRefCountedSegment(r *segment.Reader) *RefCountedSegment {
	s := &RefCountedSegment{Reader: r}
	s.refs.Store(1)
	var f func()
	s.onClose.Store(f)
	return s
}

// IncRef adds a reference.
func (s *RefCountedSegment) IncRef() { s.refs.Add(1) }

// DecRef drops a reference, closing the reader and running the onClose hook
// when it was the last one.
func (s *RefCountedSegment) DecRef() {
	if s.refs.Add(-1) == 0 {
		_ = s.Reader.Close()
		if f := s.onClose.Load().(func()); f != nil {
			f()
		}
	}
}

// SetOnClose installs a hook run after the final DecRef, typically deleting
// the segment file.
func (s *RefCountedSegment) SetOnClose(f func()) { s.onClose.Store(f) }

// Snapshot is one immutable published view of the index: the live segments
// in ascending id order, their tombstones, the commit sequence and the
// cached live document count. Readers pin a snapshot for the duration of one
// call; writers publish a new snapshot and never mutate an old one.
type Snapshot struct {
	refs     atomic.Int64
	segments []*RefCountedSegment
	tombs    map[uint64]*roaring.Bitmap
	seq      uint64
	liveDocs uint64
}

func newSnapshot(segments []*RefCountedSegment, tombs map[uint64]*roaring.Bitmap, seq uint64) *Snapshot {
	s := &Snapshot{
		segments: segments,
		tombs:    tombs,
		seq:      seq,
	}
	s.refs.Store(1)
	for _, seg := range segments {
		live := uint64(seg.NumDocs())
		if bm, ok := tombs[seg.ID()]; ok {
			live -= bm.GetCardinality()
		}
		s.liveDocs += live
	}
	return s
}

// Segments returns the live segments in ascending id order. The slice must
// not be modified.
func (s *Snapshot) Segments() []*RefCountedSegment { return s.segments }

// Segment returns the live segment with the given id.
func (s *Snapshot) Segment(id uint64) (*RefCountedSegment, bool) {
	for _, seg := range s.segments {
		if seg.ID() == id {
			return seg, true
		}
	}
	return nil, false
}

// Tombstones returns the tombstone bitmap of the segment, or nil when it has
// none. The bitmap must not be modified.
func (s *Snapshot) Tombstones(segID uint64) *roaring.Bitmap { return s.tombs[segID] }

// Deleted reports whether the ordinal is tombstoned in the segment.
func (s *Snapshot) Deleted(segID uint64, ord uint32) bool {
	bm, ok := s.tombs[segID]
	return ok && bm.Contains(ord)
}

// Seq returns the commit sequence number of this snapshot.
func (s *Snapshot) Seq() uint64 { return s.seq }

// LiveDocs returns the number of non-tombstoned documents.
func (s *Snapshot) LiveDocs() uint64 { return s.liveDocs }

// IncRef adds a reference.
func (s *Snapshot) IncRef() { s.refs.Add(1) }

// TryIncRef adds a reference unless the snapshot is already released.
func (s *Snapshot) TryIncRef() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// DecRef drops a reference; the last one releases the segment references.
func (s *Snapshot) DecRef() {
	if s.refs.Add(-1) == 0 {
		for _, seg := range s.segments {
			seg.DecRef()
		}
	}
}
