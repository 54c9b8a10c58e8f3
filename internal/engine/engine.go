// Package engine coordinates the write buffer, segment set, commit protocol
// and merge scheduling of one index directory.
//
// Concurrency model: a single mutex serializes writers (Add, DeleteByTerm,
// Commit) and segment-set publications; readers never take it. They pin the
// current snapshot through an atomic pointer plus reference counting, so a
// search observes one immutable segment set for its whole duration while
// commits and merges publish new sets underneath it. Segment files are
// deleted only when the last snapshot referencing them is released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/casedata-io/lexgo/analysis"
	"github.com/casedata-io/lexgo/codec"
	"github.com/casedata-io/lexgo/internal/fs"
	"github.com/casedata-io/lexgo/internal/manifest"
	"github.com/casedata-io/lexgo/internal/memtable"
	"github.com/casedata-io/lexgo/internal/segment"
	"github.com/casedata-io/lexgo/schema"
)

const (
	// SchemaFileName is the persisted schema descriptor in the index dir.
	SchemaFileName = "schema.json"
	// lockFileName guards the directory against a second writer.
	lockFileName = "LOCK"

	defaultWriteBufferLimit = 64 << 20
)

// Options configures an Engine. Zero values pick the documented defaults.
type Options struct {
	FS                  fs.FileSystem
	Codec               codec.Codec
	Logger              *slog.Logger
	Policy              MergePolicy
	WriteBufferLimit    int64
	StrictFields        bool
	MergeRateLimit      *rate.Limiter
	MaxConcurrentMerges int64

	// OnFlush is invoked after every segment flush attempt with the
	// document count, segment size and outcome. May be nil.
	OnFlush func(docs uint64, bytes int64, err error)
}

func (o Options) withDefaults() Options {
	if o.FS == nil {
		o.FS = fs.Default
	}
	if o.Codec == nil {
		o.Codec = codec.Default
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.Level(1000), // never enabled
		}))
	}
	if o.Policy == nil {
		o.Policy = NewTieredMergePolicy()
	}
	if o.WriteBufferLimit <= 0 {
		o.WriteBufferLimit = defaultWriteBufferLimit
	}
	if o.MaxConcurrentMerges <= 0 {
		o.MaxConcurrentMerges = 1
	}
	return o
}

type pendingSegment struct {
	info manifest.SegmentInfo
	seg  *RefCountedSegment
}

type deleteTerm struct {
	fieldID uint16
	token   string
}

// Engine owns the durable and in-memory state of one index directory.
type Engine struct {
	dir     string
	fsys    fs.FileSystem
	mergeFS fs.FileSystem
	c       codec.Codec
	logger  *slog.Logger
	policy  MergePolicy

	bufferLimit int64
	strict      bool
	onFlush     func(docs uint64, bytes int64, err error)

	schema *schema.Schema
	store  *manifest.Store

	mu        sync.Mutex
	man       *manifest.Manifest
	nextSegID uint64
	mem       *memtable.MemTable
	pending   []pendingSegment
	deletes   []deleteTerm

	current atomic.Pointer[Snapshot]
	closed  atomic.Bool

	mergeSem *semaphore.Weighted
	mergeCh  chan struct{}
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

// Create initializes a new index in dir. It fails with ErrExists when dir
// already holds one and with ErrLocked when another writer owns it.
func Create(dir string, sc *schema.Schema, o Options) (*Engine, error) {
	o = o.withDefaults()

	if err := o.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	store := manifest.NewStore(o.FS, dir, o.Codec)
	if store.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrExists, dir)
	}
	if _, err := o.FS.Stat(filepath.Join(dir, SchemaFileName)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, dir)
	}

	e := newEngine(dir, sc, store, o)
	if err := e.acquireLock(); err != nil {
		return nil, err
	}

	schemaData, err := o.Codec.Marshal(sc)
	if err != nil {
		e.releaseLock()
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	if err := fs.WriteAtomic(o.FS, dir, SchemaFileName, schemaData, 0o644); err != nil {
		e.releaseLock()
		return nil, fmt.Errorf("persist schema: %w", err)
	}

	man := manifest.New()
	if err := store.Save(man); err != nil {
		e.releaseLock()
		return nil, err
	}

	e.man = man
	e.nextSegID = man.NextSegmentID
	e.current.Store(newSnapshot(nil, nil, man.Seq))
	e.start()

	e.logger.Info("index created", "dir", dir, "fields", sc.NumFields())
	return e, nil
}

// Open loads an existing index from dir. It fails with ErrNotFound when dir
// holds no index and with ErrCorrupt when persisted state is unreadable.
func Open(dir string, o Options) (*Engine, error) {
	o = o.withDefaults()

	store := manifest.NewStore(o.FS, dir, o.Codec)
	schemaData, err := fs.ReadFile(o.FS, filepath.Join(dir, SchemaFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if !store.Exists() {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
			}
			return nil, fmt.Errorf("%w: schema descriptor missing", ErrCorrupt)
		}
		return nil, err
	}

	sc, err := schema.Parse(schemaData)
	if err != nil {
		return nil, fmt.Errorf("%w: schema descriptor: %v", ErrCorrupt, err)
	}

	e := newEngine(dir, sc, store, o)
	if err := e.acquireLock(); err != nil {
		return nil, err
	}

	man, err := store.Load()
	if err != nil {
		e.releaseLock()
		switch {
		case errors.Is(err, manifest.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		case errors.Is(err, manifest.ErrCorrupt):
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		default:
			return nil, err
		}
	}

	segs := make([]*RefCountedSegment, 0, len(man.Segments))
	closeAll := func() {
		for _, s := range segs {
			s.DecRef()
		}
	}
	for _, info := range man.Segments {
		r, err := segment.Open(filepath.Join(dir, segment.Filename(info.ID)))
		if err != nil {
			closeAll()
			e.releaseLock()
			return nil, fmt.Errorf("%w: segment %d: %v", ErrCorrupt, info.ID, err)
		}
		segs = append(segs, NewRefCountedSegment(r))
	}

	tombs, err := decodeTombstones(man.Tombstones)
	if err != nil {
		closeAll()
		e.releaseLock()
		return nil, fmt.Errorf("%w: tombstones: %v", ErrCorrupt, err)
	}

	e.removeOrphans(man)

	e.man = man
	e.nextSegID = man.NextSegmentID
	e.current.Store(newSnapshot(segs, tombs, man.Seq))
	e.start()

	snap := e.current.Load()
	e.logger.Info("index opened",
		"dir", dir,
		"seq", man.Seq,
		"segments", len(segs),
		"live_docs", snap.LiveDocs(),
	)
	e.maybeMerge()
	return e, nil
}

func newEngine(dir string, sc *schema.Schema, store *manifest.Store, o Options) *Engine {
	return &Engine{
		dir:         dir,
		fsys:        o.FS,
		mergeFS:     fs.RateLimited(o.FS, o.MergeRateLimit),
		c:           o.Codec,
		logger:      o.Logger,
		policy:      o.Policy,
		bufferLimit: o.WriteBufferLimit,
		strict:      o.StrictFields,
		onFlush:     o.OnFlush,
		schema:      sc,
		store:       store,
		mem:         memtable.New(sc, o.Codec, o.StrictFields),
		mergeSem:    semaphore.NewWeighted(o.MaxConcurrentMerges),
	}
}

func (e *Engine) start() {
	e.mergeCh = make(chan struct{}, 1)
	e.closeCh = make(chan struct{})
	e.wg.Add(1)
	go e.runMergeLoop()
}

// Schema returns the immutable index schema.
func (e *Engine) Schema() *schema.Schema { return e.schema }

// Codec returns the configured payload codec.
func (e *Engine) Codec() codec.Codec { return e.c }

// AcquireSnapshot pins the currently published segment set. The caller must
// release it with DecRef when done.
func (e *Engine) AcquireSnapshot() (*Snapshot, error) {
	for {
		if e.closed.Load() {
			return nil, ErrClosed
		}
		snap := e.current.Load()
		if snap == nil {
			return nil, ErrClosed
		}
		if snap.TryIncRef() {
			return snap, nil
		}
	}
}

// Add validates and buffers one document. When the buffer exceeds its limit
// it is flushed early to an invisible segment; the documents stay hidden
// until the next commit either way.
func (e *Engine) Add(doc map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.mem.Add(doc); err != nil {
		return err
	}
	if e.mem.EstimatedSize() >= e.bufferLimit {
		if err := e.flushLocked(); err != nil {
			// The buffer is intact; the flush retries at commit time.
			e.logger.Warn("early flush failed, keeping buffer", "error", err)
		}
	}
	return nil
}

// DeleteByTerm queues a delete of every document whose field contains the
// exact term derived from value. The tombstones take effect at the next
// commit.
func (e *Engine) DeleteByTerm(field string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}

	f, ok := e.schema.Field(field)
	if !ok {
		return &schema.DocumentError{Field: field, Reason: "not defined in schema"}
	}
	fieldID, _ := e.schema.FieldID(field)

	var token string
	switch {
	case f.IsText():
		s, ok := value.(string)
		if !ok {
			return &schema.DocumentError{Field: field, Reason: fmt.Sprintf("expected string, got %T", value)}
		}
		tokens := analysis.ForTokenizer(f.Tokenizer).Analyze(s)
		switch len(tokens) {
		case 0:
			return nil
		case 1:
			token = tokens[0].Term
		default:
			return &schema.DocumentError{Field: field, Reason: "delete value must analyze to a single term"}
		}
	case f.Type == schema.TypeI64:
		n, ok := schema.I64Value(value)
		if !ok {
			return &schema.DocumentError{Field: field, Reason: fmt.Sprintf("expected integer, got %T", value)}
		}
		token = string(segment.I64Token(n))
	case f.Type == schema.TypeF64:
		n, ok := schema.F64Value(value)
		if !ok {
			return &schema.DocumentError{Field: field, Reason: fmt.Sprintf("expected number, got %T", value)}
		}
		token = string(segment.F64Token(n))
	}

	e.deletes = append(e.deletes, deleteTerm{fieldID: fieldID, token: token})
	return nil
}

// flushLocked drains the memtable into a new on-disk segment held in the
// pending list. Caller holds e.mu.
func (e *Engine) flushLocked() error {
	if e.mem.NumDocs() == 0 {
		return nil
	}

	id := e.nextSegID
	numDocs, size, err := e.mem.Flush(e.fsys, e.dir, id)
	if e.onFlush != nil {
		e.onFlush(uint64(numDocs), size, err)
	}
	if err != nil {
		return fmt.Errorf("flush segment %d: %w", id, err)
	}

	r, err := segment.Open(filepath.Join(e.dir, segment.Filename(id)))
	if err != nil {
		return fmt.Errorf("reopen flushed segment %d: %w", id, err)
	}

	e.nextSegID++
	e.pending = append(e.pending, pendingSegment{
		info: manifest.SegmentInfo{ID: id, NumDocs: numDocs, Size: size},
		seg:  NewRefCountedSegment(r),
	})
	e.logger.Debug("segment flushed", "segment", id, "docs", numDocs, "bytes", size)
	return nil
}

// Commit makes all buffered documents and queued deletes durable and
// visible: flush the buffer, write the next manifest, then atomically swap
// the published snapshot. With nothing pending it is a no-op that leaves the
// sequence number untouched. It returns the live document count and the
// commit sequence.
func (e *Engine) Commit() (live uint64, seq uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return 0, 0, ErrClosed
	}

	cur := e.current.Load()
	if e.mem.NumDocs() == 0 && len(e.pending) == 0 && len(e.deletes) == 0 {
		return cur.LiveDocs(), cur.Seq(), nil
	}

	if err := e.flushLocked(); err != nil {
		return 0, 0, &CommitError{Cause: err}
	}

	man := e.man.Clone()
	for _, p := range e.pending {
		man.Segments = append(man.Segments, p.info)
	}
	man.NextSegmentID = e.nextSegID

	tombs := e.applyDeletes(cur)
	man.Tombstones = make(map[uint64][]byte, len(tombs))
	for id, bm := range tombs {
		data, err := bm.MarshalBinary()
		if err != nil {
			return 0, 0, &CommitError{Cause: fmt.Errorf("serialize tombstones: %w", err)}
		}
		man.Tombstones[id] = data
	}
	man.Seq++

	if err := e.store.Save(man); err != nil {
		// Pending segments and deletes are retained for a retry.
		return 0, 0, &CommitError{Cause: err}
	}

	segs := make([]*RefCountedSegment, 0, len(cur.Segments())+len(e.pending))
	for _, s := range cur.Segments() {
		s.IncRef()
		segs = append(segs, s)
	}
	for _, p := range e.pending {
		// The pending list's initial reference transfers to the snapshot.
		segs = append(segs, p.seg)
	}
	slices.SortFunc(segs, func(a, b *RefCountedSegment) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		default:
			return 0
		}
	})

	snap := newSnapshot(segs, tombs, man.Seq)
	e.man = man
	e.current.Store(snap)
	cur.DecRef()
	e.pending = nil
	e.deletes = nil

	e.maybeMerge()
	return snap.LiveDocs(), man.Seq, nil
}

// applyDeletes resolves the queued delete terms against every segment
// (published and pending) into fresh tombstone bitmaps. Bitmaps of
// unaffected segments are shared with the previous snapshot; affected ones
// are cloned, never mutated in place.
func (e *Engine) applyDeletes(cur *Snapshot) map[uint64]*roaring.Bitmap {
	tombs := make(map[uint64]*roaring.Bitmap)
	for _, s := range cur.Segments() {
		if bm := cur.Tombstones(s.ID()); bm != nil {
			tombs[s.ID()] = bm
		}
	}
	if len(e.deletes) == 0 {
		return tombs
	}

	targets := make([]*RefCountedSegment, 0, len(cur.Segments())+len(e.pending))
	targets = append(targets, cur.Segments()...)
	for _, p := range e.pending {
		targets = append(targets, p.seg)
	}

	for _, seg := range targets {
		var dirty *roaring.Bitmap
		for _, del := range e.deletes {
			info, ok := seg.LookupTerm(del.fieldID, []byte(del.token))
			if !ok {
				continue
			}
			if dirty == nil {
				if prev := tombs[seg.ID()]; prev != nil {
					dirty = prev.Clone()
				} else {
					dirty = roaring.New()
				}
			}
			it := seg.Postings(info)
			for it.Next() {
				dirty.Add(it.Ord())
			}
		}
		if dirty != nil {
			tombs[seg.ID()] = dirty
		}
	}
	return tombs
}

func decodeTombstones(raw map[uint64][]byte) (map[uint64]*roaring.Bitmap, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[uint64]*roaring.Bitmap, len(raw))
	for id, data := range raw {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("segment %d: %w", id, err)
		}
		out[id] = bm
	}
	return out, nil
}

// removeOrphans deletes segment and temp files not referenced by the
// manifest: leftovers of flushes or merges that never got committed.
func (e *Engine) removeOrphans(man *manifest.Manifest) {
	entries, err := e.fsys.ReadDir(e.dir)
	if err != nil {
		return
	}
	live := make(map[string]bool, len(man.Segments))
	for _, info := range man.Segments {
		live[segment.Filename(info.ID)] = true
	}
	for _, entry := range entries {
		name := entry.Name()
		orphan := strings.HasSuffix(name, ".tmp") ||
			(strings.HasSuffix(name, ".seg") && !live[name])
		if !orphan {
			continue
		}
		if err := e.fsys.Remove(filepath.Join(e.dir, name)); err == nil {
			e.logger.Warn("removed orphan file", "file", name)
		}
	}
}

// Merge combines the given live segments into one and publishes the result
// with the same manifest-then-pointer-swap protocol as a commit. It runs on
// an immutable snapshot of its inputs and never blocks readers or the
// writer outside the brief publication step. A single input is rewritten
// only when it carries tombstones; otherwise there is nothing to compact
// and the call is a no-op.
func (e *Engine) Merge(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	if e.closed.Load() {
		return ErrClosed
	}

	if err := e.mergeSem.Acquire(context.Background(), 1); err != nil {
		return &MergeError{Cause: err}
	}
	defer e.mergeSem.Release(1)

	// Phase 1: pin inputs and reserve the output id.
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return ErrClosed
	}
	cur := e.current.Load()
	inputs := make([]segment.MergeInput, 0, len(ids))
	inputSegs := make([]*RefCountedSegment, 0, len(ids))
	for _, id := range ids {
		seg, ok := cur.Segment(id)
		if !ok {
			for _, s := range inputSegs {
				s.DecRef()
			}
			e.mu.Unlock()
			return &MergeError{Cause: fmt.Errorf("segment %d is not live", id)}
		}
		seg.IncRef()
		inputSegs = append(inputSegs, seg)
		inputs = append(inputs, segment.MergeInput{
			Reader:     seg.Reader,
			Tombstones: cur.Tombstones(id),
		})
	}
	if len(ids) == 1 {
		if bm := cur.Tombstones(ids[0]); bm == nil || bm.IsEmpty() {
			inputSegs[0].DecRef()
			e.mu.Unlock()
			return nil
		}
	}
	newID := e.nextSegID
	e.nextSegID++
	e.mu.Unlock()

	releaseInputs := func() {
		for _, s := range inputSegs {
			s.DecRef()
		}
	}

	// Phase 2: merge without any lock; inputs are immutable.
	numDocs, size, err := segment.Merge(e.mergeFS, e.dir, newID, inputs, e.c)
	if err != nil {
		releaseInputs()
		return &MergeError{Cause: err}
	}

	// Phase 3: publish under the write mutex.
	err = e.publishMerge(ids, newID, numDocs, size)
	releaseInputs()
	return err
}

func (e *Engine) publishMerge(ids []uint64, newID uint64, numDocs uint32, size int64) error {
	mergedPath := filepath.Join(e.dir, segment.Filename(newID))
	discard := func() {
		if numDocs > 0 {
			_ = e.fsys.Remove(mergedPath)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		discard()
		return ErrClosed
	}

	cur := e.current.Load()
	for _, id := range ids {
		if _, ok := cur.Segment(id); !ok {
			// A concurrent merge already consumed an input.
			discard()
			return &MergeError{Cause: fmt.Errorf("segment %d no longer live", id)}
		}
	}

	var merged *RefCountedSegment
	if numDocs > 0 {
		r, err := segment.Open(mergedPath)
		if err != nil {
			discard()
			return &MergeError{Cause: fmt.Errorf("reopen merged segment: %w", err)}
		}
		merged = NewRefCountedSegment(r)
	}

	dropped := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		dropped[id] = true
	}

	man := e.man.Clone()
	kept := man.Segments[:0]
	for _, info := range man.Segments {
		if !dropped[info.ID] {
			kept = append(kept, info)
		}
	}
	man.Segments = kept
	if numDocs > 0 {
		man.Segments = append(man.Segments, manifest.SegmentInfo{ID: newID, NumDocs: numDocs, Size: size})
	}
	for id := range dropped {
		delete(man.Tombstones, id)
	}
	man.NextSegmentID = e.nextSegID
	man.Seq++

	if err := e.store.Save(man); err != nil {
		if merged != nil {
			merged.DecRef()
		}
		discard()
		return &MergeError{Cause: err}
	}

	segs := make([]*RefCountedSegment, 0, len(cur.Segments()))
	tombs := make(map[uint64]*roaring.Bitmap)
	for _, s := range cur.Segments() {
		if dropped[s.ID()] {
			// Delete the file once the last snapshot lets go of it.
			path := filepath.Join(e.dir, segment.Filename(s.ID()))
			s.SetOnClose(func() { _ = e.fsys.Remove(path) })
			continue
		}
		s.IncRef()
		segs = append(segs, s)
		if bm := cur.Tombstones(s.ID()); bm != nil {
			tombs[s.ID()] = bm
		}
	}
	if merged != nil {
		segs = append(segs, merged)
	}
	slices.SortFunc(segs, func(a, b *RefCountedSegment) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		default:
			return 0
		}
	})

	snap := newSnapshot(segs, tombs, man.Seq)
	e.man = man
	e.current.Store(snap)
	cur.DecRef()

	e.logger.Info("merge published",
		"inputs", len(ids),
		"segment", newID,
		"live_docs", numDocs,
		"seq", man.Seq,
	)
	return nil
}

func (e *Engine) runMergeLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.mergeCh:
			e.checkMerge()
		}
	}
}

// maybeMerge signals the background loop; a pending signal coalesces.
func (e *Engine) maybeMerge() {
	select {
	case e.mergeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) checkMerge() {
	ids := e.policy.Pick(e.segmentStats())
	if len(ids) < 2 {
		return
	}
	if err := e.Merge(ids); err != nil {
		if !errors.Is(err, ErrClosed) {
			e.logger.Error("background merge failed", "error", err)
		}
		return
	}
	// Cascade: a merge may enable the next one.
	e.maybeMerge()
}

func (e *Engine) segmentStats() []SegmentStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := make([]SegmentStats, len(e.man.Segments))
	for i, info := range e.man.Segments {
		stats[i] = SegmentStats{ID: info.ID, NumDocs: info.NumDocs, Size: info.Size}
	}
	return stats
}

// LiveSegmentIDs returns the ids of all published segments.
func (e *Engine) LiveSegmentIDs() []uint64 {
	stats := e.segmentStats()
	ids := make([]uint64, len(stats))
	for i, s := range stats {
		ids[i] = s.ID
	}
	return ids
}

// Stats describes the engine state at one point in time.
type Stats struct {
	Seq             uint64
	NumSegments     int
	LiveDocs        uint64
	TotalDocs       uint64
	BufferedDocs    uint64
	PendingSegments int
	Segments        []SegmentStats
}

// Stats returns a point-in-time view of the engine.
func (e *Engine) Stats() Stats {
	snap, err := e.AcquireSnapshot()
	if err != nil {
		return Stats{}
	}
	defer snap.DecRef()

	e.mu.Lock()
	buffered := uint64(e.mem.NumDocs())
	pending := len(e.pending)
	for _, p := range e.pending {
		buffered += uint64(p.info.NumDocs)
	}
	e.mu.Unlock()

	st := Stats{
		Seq:             snap.Seq(),
		NumSegments:     len(snap.Segments()),
		LiveDocs:        snap.LiveDocs(),
		BufferedDocs:    buffered,
		PendingSegments: pending,
	}
	for _, s := range snap.Segments() {
		st.TotalDocs += uint64(s.NumDocs())
		st.Segments = append(st.Segments, SegmentStats{ID: s.ID(), NumDocs: s.NumDocs()})
	}
	return st
}

// Close stops background work and releases every resource. Buffered,
// uncommitted documents are discarded; pending flushed segments are removed
// on the next Open as orphans.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(e.closeCh)
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	if cur := e.current.Swap(nil); cur != nil {
		cur.DecRef()
	}
	for _, p := range e.pending {
		p.seg.DecRef()
	}
	e.pending = nil
	e.releaseLock()

	e.logger.Info("index closed", "dir", e.dir)
	return nil
}

// acquireLock takes exclusive ownership of the index directory via an
// O_EXCL lock file.
func (e *Engine) acquireLock() error {
	path := filepath.Join(e.dir, lockFileName)
	f, err := e.fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrLocked, e.dir)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return f.Close()
}

func (e *Engine) releaseLock() {
	_ = e.fsys.Remove(filepath.Join(e.dir, lockFileName))
}
