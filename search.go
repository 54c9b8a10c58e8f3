package lexgo

import (
	"context"
	"time"

	"github.com/casedata-io/lexgo/query"
)

// Hit is one matched document.
type Hit struct {
	// DocID identifies the document within the current segment set. It is
	// stable between commits but changes when merges rewrite segments.
	DocID uint64
	// Score is the BM25 relevance score.
	Score float64
	// Fields holds the document's stored fields.
	Fields map[string]any
}

// SearchResult is one page of matches.
type SearchResult struct {
	// Hits is the requested page, ordered by descending score. Equal scores
	// order by ascending DocID, so pagination over an unchanged index is
	// deterministic and gap-free.
	Hits []Hit
	// TotalCount is the number of matching documents across all pages.
	TotalCount uint64
	// Limit and Offset echo the query's pagination.
	Limit  int
	Offset int
}

// Count returns the number of hits on this page.
func (r *SearchResult) Count() int { return len(r.Hits) }

// Search executes a parsed query against the last committed state and
// returns the requested page. Buffered, uncommitted documents are not
// visible.
func (i *Index) Search(ctx context.Context, q query.Query) (*SearchResult, error) {
	start := time.Now()
	res, err := i.search(ctx, q)
	hits := 0
	if res != nil {
		hits = len(res.Hits)
	}
	i.metrics.RecordSearch(hits, time.Since(start), err)
	i.logger.LogSearch(ctx, q.Kind(), hits, time.Since(start), err)
	return res, err
}

func (i *Index) search(ctx context.Context, q query.Query) (*SearchResult, error) {
	snap, err := i.eng.AcquireSnapshot()
	if err != nil {
		return nil, translateError(err)
	}
	defer snap.DecRef()

	res, err := i.searcher.Search(ctx, snap, q)
	if err != nil {
		return nil, translateError(err)
	}

	out := &SearchResult{
		Hits:       make([]Hit, len(res.Hits)),
		TotalCount: res.TotalCount,
		Limit:      res.Limit,
		Offset:     res.Offset,
	}
	for n, h := range res.Hits {
		fields := make(map[string]any)
		if len(h.Stored) > 0 {
			if err := i.c.Unmarshal(h.Stored, &fields); err != nil {
				return nil, translateError(err)
			}
		}
		out.Hits[n] = Hit{DocID: h.GlobalID, Score: h.Score, Fields: fields}
	}
	return out, nil
}

// SearchJSON parses a DSL query and returns the result page as JSON:
//
//	{
//	  "results": [{"title": "...", "_id": 4294967296, "_score": 1.87}],
//	  "count": 1,
//	  "total_count": 42,
//	  "limit": 10,
//	  "offset": 0
//	}
//
// Each result object holds the document's stored fields plus the reserved
// "_id" and "_score" keys.
func (i *Index) SearchJSON(ctx context.Context, queryJSON []byte) ([]byte, error) {
	q, err := query.ParseWith(queryJSON, i.c)
	if err != nil {
		return nil, err
	}
	res, err := i.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, len(res.Hits))
	for n, h := range res.Hits {
		obj := make(map[string]any, len(h.Fields)+2)
		for k, v := range h.Fields {
			obj[k] = v
		}
		obj["_id"] = h.DocID
		obj["_score"] = h.Score
		results[n] = obj
	}

	return i.c.Marshal(map[string]any{
		"results":     results,
		"count":       len(results),
		"total_count": res.TotalCount,
		"limit":       res.Limit,
		"offset":      res.Offset,
	})
}
