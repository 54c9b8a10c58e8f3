package search

import (
	"slices"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/casedata-io/lexgo/analysis"
	"github.com/casedata-io/lexgo/internal/engine"
	"github.com/casedata-io/lexgo/internal/segment"
	"github.com/casedata-io/lexgo/query"
	"github.com/casedata-io/lexgo/schema"
)

// The query tree is compiled once against the schema, then evaluated per
// segment. Evaluation is two-phase: a gather pass pulls the live postings of
// every referenced term out of each segment (and expands fuzzy terms against
// each segment's dictionary), the statistics of the gathered terms are
// combined index-wide, and only then does the scoring pass run. That keeps
// document frequencies global, so a document scores the same no matter which
// segment holds it.

// plan lists the term lookups the gather pass must perform.
type plan struct {
	// exact maps each term to whether its positions are needed (phrases).
	exact map[termKey]bool
	// fuzzies holds the fuzzy leaves needing per-segment expansion.
	fuzzies []*fuzzyNode
}

func newPlan() *plan {
	return &plan{exact: make(map[termKey]bool)}
}

func (p *plan) need(key termKey, positions bool) {
	p.exact[key] = p.exact[key] || positions
}

// plist is the gathered live postings of one term in one segment, in
// ascending ordinal order.
type plist struct {
	ords []uint32
	tfs  []uint32
	pos  [][]uint32 // nil unless gathered with positions
}

// gathered holds one segment's gather-pass output.
type gathered struct {
	lists map[termKey]*plist
	// fuzzy maps fuzzy leaf index to token to the dictionary terms within
	// edit distance in this segment.
	fuzzy []map[string][]string
}

func gatherSegment(p *plan, seg *engine.RefCountedSegment, snap *engine.Snapshot) *gathered {
	g := &gathered{lists: make(map[termKey]*plist, len(p.exact))}

	for key, needPos := range p.exact {
		info, ok := seg.LookupTerm(key.field, []byte(key.term))
		if !ok {
			continue
		}
		g.collect(seg, snap, key, info, needPos)
	}

	for _, fz := range p.fuzzies {
		exp := make(map[string][]string, len(fz.tokens))
		for _, tok := range fz.tokens {
			maxDist := fz.effectiveDistance(tok)
			cur := seg.FieldTerms(fz.field)
			for cur.Next() {
				term := string(cur.Term())
				if levenshtein(tok, term, maxDist) > maxDist {
					continue
				}
				key := termKey{field: fz.field, term: term}
				if _, ok := g.lists[key]; !ok {
					g.collect(seg, snap, key, cur.Info(), false)
				}
				exp[tok] = append(exp[tok], term)
			}
		}
		g.fuzzy = append(g.fuzzy, exp)
	}
	return g
}

func (g *gathered) collect(seg *engine.RefCountedSegment, snap *engine.Snapshot, key termKey, info segment.TermInfo, needPos bool) {
	pl := &plist{}
	it := seg.Postings(info)
	for it.Next() {
		if snap.Deleted(seg.ID(), it.Ord()) {
			continue
		}
		pl.ords = append(pl.ords, it.Ord())
		pl.tfs = append(pl.tfs, it.TF())
		if needPos {
			pl.pos = append(pl.pos, slices.Clone(it.Positions()))
		}
	}
	if len(pl.ords) > 0 {
		g.lists[key] = pl
	}
}

// matches is one node's result for one segment: the matched ordinals plus
// either per-document scores or a constant score.
type matches struct {
	docs   *roaring.Bitmap
	scores map[uint32]float64
	uni    float64
}

func scoredMatches() *matches {
	return &matches{docs: roaring.New(), scores: make(map[uint32]float64)}
}

func constMatches(score float64) *matches {
	return &matches{docs: roaring.New(), uni: score}
}

func (m *matches) add(ord uint32, score float64) {
	m.docs.Add(ord)
	if m.scores != nil {
		m.scores[ord] += score
	}
}

func (m *matches) score(ord uint32) float64 {
	if m.scores == nil {
		return m.uni
	}
	return m.scores[ord]
}

// evalCtx carries everything the scoring pass needs for one search.
type evalCtx struct {
	snap  *engine.Snapshot
	segs  []*engine.RefCountedSegment
	gath  []*gathered
	stats *corpusStats
}

type node interface {
	eval(ec *evalCtx, si int) *matches
}

// termsNode is the scored union of exact terms: text queries and term
// matches compile to it. Scores of all matching terms sum per document.
type termsNode struct {
	keys []termKey
}

func (n *termsNode) eval(ec *evalCtx, si int) *matches {
	m := scoredMatches()
	seg := ec.segs[si]
	for _, key := range n.keys {
		pl := ec.gath[si].lists[key]
		if pl == nil {
			continue
		}
		for i, ord := range pl.ords {
			m.add(ord, ec.stats.bm25(key, pl.tfs[i], seg.FieldLength(key.field, ord)))
		}
	}
	return m
}

// phraseNode matches documents containing the terms at consecutive
// positions in one field, scored with the phrase occurrence count as the
// term frequency.
type phraseNode struct {
	field uint16
	terms []string
}

func (n *phraseNode) eval(ec *evalCtx, si int) *matches {
	m := scoredMatches()
	lists := make([]*plist, len(n.terms))
	for i, t := range n.terms {
		lists[i] = ec.gath[si].lists[termKey{field: n.field, term: t}]
		if lists[i] == nil {
			return m
		}
	}

	seg := ec.segs[si]
	key := termKey{field: n.field, term: n.terms[0]}
	idx := make([]int, len(lists))
	for _, ord := range lists[0].ords {
		ok := true
		for i := 1; i < len(lists); i++ {
			for idx[i] < len(lists[i].ords) && lists[i].ords[idx[i]] < ord {
				idx[i]++
			}
			if idx[i] >= len(lists[i].ords) || lists[i].ords[idx[i]] != ord {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		freq := n.phraseFreq(lists, idx, ord)
		if freq == 0 {
			continue
		}
		m.add(ord, ec.stats.bm25(key, freq, seg.FieldLength(n.field, ord)))
	}
	return m
}

// phraseFreq counts positions p where term i appears at p+i for every i.
func (n *phraseNode) phraseFreq(lists []*plist, idx []int, ord uint32) uint32 {
	i0 := sort.Search(len(lists[0].ords), func(i int) bool { return lists[0].ords[i] >= ord })
	base := lists[0].pos[i0]

	var freq uint32
	for _, p := range base {
		ok := true
		for i := 1; i < len(lists); i++ {
			positions := lists[i].pos[idx[i]]
			want := p + uint32(i)
			j := sort.Search(len(positions), func(k int) bool { return positions[k] >= want })
			if j >= len(positions) || positions[j] != want {
				ok = false
				break
			}
		}
		if ok {
			freq++
		}
	}
	return freq
}

// fuzzyNode matches Levenshtein expansions of each token in one field. Per
// token a document takes the best-scoring expansion; token scores sum.
type fuzzyNode struct {
	field    uint16
	tokens   []string
	distance int
	idx      int // position in plan.fuzzies
}

// effectiveDistance caps the edit distance at 1 for tokens of five or fewer
// characters, so short words do not match half the dictionary.
func (n *fuzzyNode) effectiveDistance(token string) int {
	d := n.distance
	if d > 1 && len([]rune(token)) <= 5 {
		d = 1
	}
	return d
}

func (n *fuzzyNode) eval(ec *evalCtx, si int) *matches {
	m := scoredMatches()
	seg := ec.segs[si]
	exp := ec.gath[si].fuzzy[n.idx]
	for _, tok := range n.tokens {
		best := make(map[uint32]float64)
		for _, term := range exp[tok] {
			key := termKey{field: n.field, term: term}
			pl := ec.gath[si].lists[key]
			if pl == nil {
				continue
			}
			for i, ord := range pl.ords {
				s := ec.stats.bm25(key, pl.tfs[i], seg.FieldLength(key.field, ord))
				if s > best[ord] {
					best[ord] = s
				}
			}
		}
		for ord, s := range best {
			m.add(ord, s)
		}
	}
	return m
}

// prefixNode matches any term starting with the prefix, constant-scored.
type prefixNode struct {
	pairs []prefixPair
}

type prefixPair struct {
	field  uint16
	prefix string
}

func (n *prefixNode) eval(ec *evalCtx, si int) *matches {
	m := constMatches(1)
	seg := ec.segs[si]
	for _, p := range n.pairs {
		cur := seg.PrefixTerms(p.field, []byte(p.prefix))
		for cur.Next() {
			it := seg.Postings(cur.Info())
			for it.Next() {
				if !ec.snap.Deleted(seg.ID(), it.Ord()) {
					m.docs.Add(it.Ord())
				}
			}
		}
	}
	return m
}

// rangeNode matches fast-column values within inclusive bounds,
// constant-scored. Bounds are pre-encoded as order-preserving raw bits.
type rangeNode struct {
	field    uint16
	isF64    bool
	minI     int64
	maxI     int64
	minF     float64
	maxF     float64
	hasLower bool
	hasUpper bool
}

func (n *rangeNode) eval(ec *evalCtx, si int) *matches {
	m := constMatches(1)
	seg := ec.segs[si]
	it, ok := seg.FastColumn(n.field)
	if !ok {
		return m
	}
	for it.Next() {
		if ec.snap.Deleted(seg.ID(), it.Ord()) {
			continue
		}
		if n.isF64 {
			v := it.F64()
			if (n.hasLower && v < n.minF) || (n.hasUpper && v > n.maxF) {
				continue
			}
		} else {
			v := it.I64()
			if (n.hasLower && v < n.minI) || (n.hasUpper && v > n.maxI) {
				continue
			}
		}
		m.docs.Add(it.Ord())
	}
	return m
}

// allNode matches every live document with a constant score.
type allNode struct{}

func (allNode) eval(ec *evalCtx, si int) *matches {
	m := constMatches(1)
	seg := ec.segs[si]
	m.docs.AddRange(0, uint64(seg.NumDocs()))
	if bm := ec.snap.Tombstones(seg.ID()); bm != nil {
		m.docs.AndNot(bm)
	}
	return m
}

// boolNode combines clauses: the document set is the intersection of must
// clauses (or the union of should clauses when no must exists) minus the
// must_not union; the score is the sum of all matching must and should
// clause scores. A bool with neither must nor should matches nothing.
type boolNode struct {
	must    []node
	should  []node
	mustNot []node
}

func (n *boolNode) eval(ec *evalCtx, si int) *matches {
	musts := make([]*matches, len(n.must))
	for i, c := range n.must {
		musts[i] = c.eval(ec, si)
	}
	shoulds := make([]*matches, len(n.should))
	for i, c := range n.should {
		shoulds[i] = c.eval(ec, si)
	}

	var base *roaring.Bitmap
	switch {
	case len(musts) > 0:
		base = musts[0].docs.Clone()
		for _, m := range musts[1:] {
			base.And(m.docs)
		}
	case len(shoulds) > 0:
		base = roaring.New()
		for _, m := range shoulds {
			base.Or(m.docs)
		}
	default:
		return scoredMatches()
	}

	for _, c := range n.mustNot {
		base.AndNot(c.eval(ec, si).docs)
	}

	out := &matches{docs: base, scores: make(map[uint32]float64, base.GetCardinality())}
	it := base.Iterator()
	for it.HasNext() {
		ord := it.Next()
		var score float64
		for _, m := range musts {
			score += m.score(ord)
		}
		for _, m := range shoulds {
			if m.docs.Contains(ord) {
				score += m.score(ord)
			}
		}
		out.scores[ord] = score
	}
	return out
}

// emptyNode matches nothing; queries that analyze to zero tokens compile
// to it.
type emptyNode struct{}

func (emptyNode) eval(*evalCtx, int) *matches { return scoredMatches() }

// compiler resolves field names and analyzes query text against the schema,
// registering every needed term lookup in the plan.
type compiler struct {
	sc *schema.Schema
	p  *plan
}

func (c *compiler) compile(q query.Query) (node, error) {
	switch q := q.(type) {
	case *query.Text:
		return c.compileText(q.Fields, q.Query)

	case *query.Phrase:
		return c.compilePhrase(q)

	case *query.Fuzzy:
		return c.compileFuzzy(q)

	case *query.Prefix:
		return c.compilePrefix(q)

	case *query.TermMatch:
		return c.compileTermMatch(q)

	case *query.RangeI64:
		return c.compileRange(q.Field, schema.TypeI64, func(n *rangeNode) {
			if q.Min != nil {
				n.hasLower, n.minI = true, *q.Min
			}
			if q.Max != nil {
				n.hasUpper, n.maxI = true, *q.Max
			}
		})

	case *query.RangeF64:
		return c.compileRange(q.Field, schema.TypeF64, func(n *rangeNode) {
			n.isF64 = true
			if q.Min != nil {
				n.hasLower, n.minF = true, *q.Min
			}
			if q.Max != nil {
				n.hasUpper, n.maxF = true, *q.Max
			}
		})

	case *query.Bool:
		out := &boolNode{}
		for _, clause := range []struct {
			src []query.Query
			dst *[]node
		}{
			{q.Must, &out.must},
			{q.Should, &out.should},
			{q.MustNot, &out.mustNot},
		} {
			for _, sub := range clause.src {
				n, err := c.compile(sub)
				if err != nil {
					return nil, err
				}
				*clause.dst = append(*clause.dst, n)
			}
		}
		return out, nil

	case *query.All:
		return allNode{}, nil

	default:
		return nil, query.Errorf("unsupported query type %q", q.Kind())
	}
}

func (c *compiler) compileText(fields []string, text string) (node, error) {
	resolved, err := c.textFields("text", fields)
	if err != nil {
		return nil, err
	}
	n := &termsNode{}
	for _, f := range resolved {
		for _, tok := range analysis.ForTokenizer(f.field.Tokenizer).Analyze(text) {
			key := termKey{field: f.id, term: tok.Term}
			c.p.need(key, false)
			n.keys = append(n.keys, key)
		}
	}
	if len(n.keys) == 0 {
		return emptyNode{}, nil
	}
	return n, nil
}

func (c *compiler) compilePhrase(q *query.Phrase) (node, error) {
	resolved, err := c.textFields("phrase", q.Fields)
	if err != nil {
		return nil, err
	}
	var children []node
	for _, f := range resolved {
		tokens := analysis.ForTokenizer(f.field.Tokenizer).Analyze(q.Phrase)
		switch len(tokens) {
		case 0:
			continue
		case 1:
			key := termKey{field: f.id, term: tokens[0].Term}
			c.p.need(key, false)
			children = append(children, &termsNode{keys: []termKey{key}})
		default:
			pn := &phraseNode{field: f.id}
			for _, tok := range tokens {
				pn.terms = append(pn.terms, tok.Term)
				c.p.need(termKey{field: f.id, term: tok.Term}, true)
			}
			children = append(children, pn)
		}
	}
	return unionOf(children), nil
}

func (c *compiler) compileFuzzy(q *query.Fuzzy) (node, error) {
	resolved, err := c.textFields("fuzzy", q.Fields)
	if err != nil {
		return nil, err
	}
	var children []node
	for _, f := range resolved {
		tokens := analysis.ForTokenizer(f.field.Tokenizer).Analyze(q.Term)
		if len(tokens) == 0 {
			continue
		}
		fz := &fuzzyNode{field: f.id, distance: q.Distance, idx: len(c.p.fuzzies)}
		for _, tok := range tokens {
			fz.tokens = append(fz.tokens, tok.Term)
		}
		c.p.fuzzies = append(c.p.fuzzies, fz)
		children = append(children, fz)
	}
	return unionOf(children), nil
}

func (c *compiler) compilePrefix(q *query.Prefix) (node, error) {
	resolved, err := c.textFields("prefix", q.Fields)
	if err != nil {
		return nil, err
	}
	n := &prefixNode{}
	for _, f := range resolved {
		prefix := q.Prefix
		if f.field.Tokenized() {
			// Normalize the way indexed terms were, minus stemming: a
			// stemmed prefix would no longer be a prefix.
			tokens := analysis.ForTokenizer(schema.TokenizerDefault).Analyze(q.Prefix)
			if len(tokens) == 0 {
				continue
			}
			prefix = tokens[0].Term
		}
		n.pairs = append(n.pairs, prefixPair{field: f.id, prefix: prefix})
	}
	if len(n.pairs) == 0 {
		return emptyNode{}, nil
	}
	return n, nil
}

func (c *compiler) compileTermMatch(q *query.TermMatch) (node, error) {
	f, ok := c.sc.Field(q.Field)
	if !ok {
		return nil, query.Errorf("term_match query: unknown field %q", q.Field)
	}
	if !f.Indexed {
		return nil, query.Errorf("term_match query: field %q is not indexed", q.Field)
	}
	fieldID, _ := c.sc.FieldID(q.Field)

	var term string
	switch f.Type {
	case schema.TypeText:
		s, ok := q.Value.(string)
		if !ok {
			return nil, query.Errorf("term_match query: field %q expects a string value, got %T", q.Field, q.Value)
		}
		term = s
	case schema.TypeI64:
		v, ok := schema.I64Value(q.Value)
		if !ok {
			return nil, query.Errorf("term_match query: field %q expects an integer value, got %T", q.Field, q.Value)
		}
		term = string(segment.I64Token(v))
	case schema.TypeF64:
		v, ok := schema.F64Value(q.Value)
		if !ok {
			return nil, query.Errorf("term_match query: field %q expects a number value, got %T", q.Field, q.Value)
		}
		term = string(segment.F64Token(v))
	}

	key := termKey{field: fieldID, term: term}
	c.p.need(key, false)
	return &termsNode{keys: []termKey{key}}, nil
}

func (c *compiler) compileRange(field string, want schema.FieldType, fill func(*rangeNode)) (node, error) {
	f, ok := c.sc.Field(field)
	if !ok {
		return nil, query.Errorf("range query: unknown field %q", field)
	}
	if f.Type != want {
		return nil, query.Errorf("range query: field %q is %s, not %s", field, f.Type, want)
	}
	if !f.Fast {
		return nil, query.Errorf("range query: field %q is not a fast field", field)
	}
	fieldID, _ := c.sc.FieldID(field)
	n := &rangeNode{field: fieldID}
	fill(n)
	return n, nil
}

type resolvedField struct {
	id    uint16
	field schema.Field
}

// textFields resolves the explicit field list, or the schema's default
// search fields when empty.
func (c *compiler) textFields(kind string, fields []string) ([]resolvedField, error) {
	names := fields
	if len(names) == 0 {
		names = c.sc.DefaultSearchFields()
		if len(names) == 0 {
			return nil, query.Errorf("%s query: no searchable text fields in schema", kind)
		}
	}
	out := make([]resolvedField, 0, len(names))
	for _, name := range names {
		f, ok := c.sc.Field(name)
		if !ok {
			return nil, query.Errorf("%s query: unknown field %q", kind, name)
		}
		if !f.IsText() {
			return nil, query.Errorf("%s query: field %q is not a text field", kind, name)
		}
		if !f.Indexed {
			return nil, query.Errorf("%s query: field %q is not indexed", kind, name)
		}
		id, _ := c.sc.FieldID(name)
		out = append(out, resolvedField{id: id, field: f})
	}
	return out, nil
}

// unionOf wraps per-field children into a scored union; a single child
// passes through unchanged.
func unionOf(children []node) node {
	switch len(children) {
	case 0:
		return emptyNode{}
	case 1:
		return children[0]
	default:
		return &boolNode{should: children}
	}
}
