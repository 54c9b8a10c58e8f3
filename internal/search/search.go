// Package search executes parsed DSL queries against an engine snapshot.
package search

import (
	"container/heap"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/casedata-io/lexgo/internal/engine"
	"github.com/casedata-io/lexgo/query"
	"github.com/casedata-io/lexgo/schema"
)

// Hit is one matched document: its index-wide id, its score, and the raw
// codec-encoded stored fields.
type Hit struct {
	GlobalID uint64
	Score    float64
	Stored   []byte
}

// Result is one page of matches plus the total match count.
type Result struct {
	Hits       []Hit
	TotalCount uint64
	Limit      int
	Offset     int
}

// Searcher compiles and executes queries against one schema.
type Searcher struct {
	sc *schema.Schema
}

// New creates a Searcher for the schema.
func New(sc *schema.Schema) *Searcher { return &Searcher{sc: sc} }

// Search evaluates q against the snapshot and returns the requested page,
// ordered by descending score with ascending global id breaking ties. The
// ordering is total, so identical snapshots return identical pages.
func (s *Searcher) Search(ctx context.Context, snap *engine.Snapshot, q query.Query) (*Result, error) {
	page := query.PageOf(q)
	if page.Limit <= 0 {
		page.Limit = query.DefaultLimit
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	c := &compiler{sc: s.sc, p: newPlan()}
	root, err := c.compile(q)
	if err != nil {
		return nil, err
	}

	segs := snap.Segments()

	// Gather pass: pull live postings per segment in parallel.
	gath := make([]*gathered, len(segs))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			gath[i] = gatherSegment(c.p, seg, snap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Combine per-term document frequencies index-wide before scoring.
	stats := newCorpusStats(snap)
	for _, ga := range gath {
		for key, pl := range ga.lists {
			stats.df[key] += uint64(len(pl.ords))
		}
	}

	// Scoring pass, again per segment in parallel.
	ec := &evalCtx{snap: snap, segs: segs, gath: gath, stats: stats}
	results := make([]*matches, len(segs))
	g, gctx = errgroup.WithContext(ctx)
	for i := range segs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = root.eval(ec, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keep := page.Offset + page.Limit
	h := &hitHeap{}
	var total uint64
	for i, seg := range segs {
		m := results[i]
		total += m.docs.GetCardinality()
		it := m.docs.Iterator()
		for it.HasNext() {
			ord := it.Next()
			hit := Hit{GlobalID: engine.GlobalID(seg.ID(), ord), Score: m.score(ord)}
			if h.Len() < keep {
				heap.Push(h, hit)
			} else if worseThan((*h)[0], hit) {
				(*h)[0] = hit
				heap.Fix(h, 0)
			}
		}
	}

	ordered := make([]Hit, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		ordered[i] = heap.Pop(h).(Hit)
	}
	if page.Offset >= len(ordered) {
		ordered = nil
	} else {
		ordered = ordered[page.Offset:]
	}

	for i := range ordered {
		segID, ord := engine.SplitGlobalID(ordered[i].GlobalID)
		seg, ok := snap.Segment(segID)
		if !ok {
			return nil, fmt.Errorf("segment %d vanished from snapshot", segID)
		}
		data, err := seg.StoredPayload(ord)
		if err != nil {
			return nil, err
		}
		ordered[i].Stored = data
	}

	return &Result{
		Hits:       ordered,
		TotalCount: total,
		Limit:      page.Limit,
		Offset:     page.Offset,
	}, nil
}

// worseThan reports whether a ranks below b.
func worseThan(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.GlobalID > b.GlobalID
}

// hitHeap is a min-heap keeping the worst retained hit on top.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return worseThan(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x any) { *h = append(*h, x.(Hit)) }

func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
