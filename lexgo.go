// Package lexgo is an embedded full-text search engine with BM25 ranking,
// a JSON query DSL, and a crash-safe on-disk index format.
//
// An index lives in one directory and is built from a fixed schema of text
// and numeric fields. Writers buffer documents in memory and publish them
// atomically with Commit; readers always see the last committed state.
//
//	sc, _ := schema.Parse(schemaJSON)
//	idx, _ := lexgo.Create("/data/books", sc)
//	defer idx.Close()
//
//	idx.AddDocument(map[string]any{"title": "The Dark Knight", "year": 2008})
//	idx.Commit()
//
//	out, _ := idx.SearchJSON(ctx, []byte(`{"type": "text", "query": "dark knight"}`))
package lexgo

import (
	"context"
	"time"

	"github.com/casedata-io/lexgo/codec"
	"github.com/casedata-io/lexgo/internal/engine"
	"github.com/casedata-io/lexgo/internal/search"
	"github.com/casedata-io/lexgo/schema"
)

// Index is a handle to one index directory. It is safe for concurrent use;
// searches run lock-free against the last committed snapshot while a single
// internal writer serializes mutations.
type Index struct {
	dir      string
	eng      *engine.Engine
	searcher *search.Searcher
	c        codec.Codec
	logger   *Logger
	metrics  MetricsCollector
}

// Create initializes a new index in dir with the given schema. It fails
// with ErrIndexExists when dir already holds an index and with ErrLocked
// when another writer owns the directory.
func Create(dir string, sc *schema.Schema, optFns ...Option) (*Index, error) {
	o := applyOptions(optFns)
	eng, err := engine.Create(dir, sc, o.engineOptions())
	if err != nil {
		return nil, translateError(err)
	}
	return newIndex(dir, eng, o), nil
}

// CreateFromJSON is Create with the schema given as its JSON descriptor:
//
//	{"fields": [{"name": "title", "type": "text", "stored": true}]}
func CreateFromJSON(dir string, schemaJSON []byte, optFns ...Option) (*Index, error) {
	sc, err := schema.Parse(schemaJSON)
	if err != nil {
		return nil, translateError(err)
	}
	return Create(dir, sc, optFns...)
}

// Open loads an existing index from dir. It fails with ErrIndexNotFound
// when dir holds no index and with ErrCorrupt when persisted state is
// unreadable.
func Open(dir string, optFns ...Option) (*Index, error) {
	o := applyOptions(optFns)
	eng, err := engine.Open(dir, o.engineOptions())
	if err != nil {
		return nil, translateError(err)
	}
	return newIndex(dir, eng, o), nil
}

func newIndex(dir string, eng *engine.Engine, o options) *Index {
	return &Index{
		dir:      dir,
		eng:      eng,
		searcher: search.New(eng.Schema()),
		c:        eng.Codec(),
		logger:   o.logger.WithIndex(dir),
		metrics:  o.metricsCollector,
	}
}

// Schema returns the immutable schema the index was created with.
func (i *Index) Schema() *schema.Schema { return i.eng.Schema() }

// AddDocument validates doc against the schema and buffers it. The document
// becomes searchable at the next Commit. Unknown fields are ignored unless
// the index was opened with WithStrictFields.
func (i *Index) AddDocument(doc map[string]any) error {
	start := time.Now()
	err := translateError(i.eng.Add(doc))
	i.metrics.RecordAdd(time.Since(start), err)
	if err != nil {
		i.logger.LogAdd(context.Background(), 0, err)
	}
	return err
}

// AddDocumentJSON decodes a JSON object and adds it via AddDocument.
func (i *Index) AddDocumentJSON(data []byte) error {
	var doc map[string]any
	if err := i.c.Unmarshal(data, &doc); err != nil {
		return &DocumentError{Reason: "unparsable JSON: " + err.Error()}
	}
	return i.AddDocument(doc)
}

// DeleteDocuments queues the deletion of every document whose field holds
// the exact term derived from value: the analyzed token for text fields and
// the numeric value for i64/f64 fields. Deletions take effect at the next
// Commit and also cover documents buffered before the call.
func (i *Index) DeleteDocuments(field string, value any) error {
	start := time.Now()
	err := translateError(i.eng.DeleteByTerm(field, value))
	i.metrics.RecordDelete(time.Since(start), err)
	return err
}

// Commit durably publishes all buffered documents and queued deletions and
// returns the new commit sequence number. With nothing pending it is a
// no-op returning the current sequence. On failure the pending state is
// retained and the commit may be retried.
func (i *Index) Commit() (uint64, error) {
	start := time.Now()
	docs, seq, err := i.eng.Commit()
	err = translateError(err)
	i.metrics.RecordCommit(docs, time.Since(start), err)
	i.logger.LogCommit(context.Background(), seq, docs, time.Since(start), err)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// NumDocs returns the number of live documents in the last committed state.
// Buffered documents do not count until committed.
func (i *Index) NumDocs() (uint64, error) {
	snap, err := i.eng.AcquireSnapshot()
	if err != nil {
		return 0, translateError(err)
	}
	defer snap.DecRef()
	return snap.LiveDocs(), nil
}

// Merge combines all live segments into one, compacting tombstoned
// documents away. Search results are unaffected beyond score changes that
// removed documents imply.
func (i *Index) Merge() error {
	start := time.Now()
	ids := i.eng.LiveSegmentIDs()
	err := translateError(i.eng.Merge(ids))
	i.metrics.RecordMerge(len(ids), time.Since(start), err)
	i.logger.LogMerge(context.Background(), len(ids), 0, time.Since(start), err)
	return err
}

// IndexStats is a point-in-time view of the index.
type IndexStats struct {
	// Seq is the current commit sequence number.
	Seq uint64
	// NumSegments is the number of live segments.
	NumSegments int
	// LiveDocs is the committed, non-deleted document count.
	LiveDocs uint64
	// TotalDocs includes tombstoned documents not yet merged away.
	TotalDocs uint64
	// BufferedDocs counts documents added but not yet committed.
	BufferedDocs uint64
	// Segments lists the live segments.
	Segments []SegmentStats
}

// Stats returns current index statistics.
func (i *Index) Stats() IndexStats {
	st := i.eng.Stats()
	return IndexStats{
		Seq:          st.Seq,
		NumSegments:  st.NumSegments,
		LiveDocs:     st.LiveDocs,
		TotalDocs:    st.TotalDocs,
		BufferedDocs: st.BufferedDocs,
		Segments:     st.Segments,
	}
}

// Close stops background merging and releases the directory lock. Buffered,
// uncommitted documents are discarded. Close is idempotent.
func (i *Index) Close() error {
	return translateError(i.eng.Close())
}
