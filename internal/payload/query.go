package payload

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/posting"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/query"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/tracing"
)

// budgetCheckEvery is how many candidates are checked between budget checks.
const budgetCheckEvery = 64

// EstimateCardinality bounds the number of points matching filter.
func (p *Index) EstimateCardinality(filter *Filter, hw *hwcounter.Cell) Estimation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.metrics.EstimationsTotal.WithLabelValues("filter").Inc()
	hw.AddCPU(1)
	return p.estimate(filter, "", p.PointsCount())
}

// EstimateNestedCardinality bounds the number of points with an object in
// the array at path that matches filter.
func (p *Index) EstimateNestedCardinality(filter *Filter, path string, hw *hwcounter.Cell) Estimation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.metrics.EstimationsTotal.WithLabelValues("nested").Inc()
	hw.AddCPU(1)
	return p.estimateNested(filter, path, p.PointsCount())
}

func (p *Index) estimate(f *Filter, prefix string, total int) Estimation {
	return estimateFilter(f, total, func(c Condition) Estimation {
		return p.estimateCondition(c, prefix, total)
	})
}

// estimateNested uses the indexes of the full nested paths. Clauses may hold
// for different objects of one point, so the lower bound is dropped, and a
// negated clause can hold for any point with more than one object.
func (p *Index) estimateNested(f *Filter, path string, total int) Estimation {
	e := p.estimate(f, path+"[].", total)
	e.Primary = nil
	e.Min = 0
	if hasNegation(f) {
		e.Max = total
	}
	return e.clamp(total)
}

func (p *Index) estimateCondition(c Condition, prefix string, total int) Estimation {
	switch x := c.(type) {
	case *Filter:
		return p.estimate(x, prefix, total)
	case *FieldCondition:
		ti, tm, ok := p.indexedMatch(prefix+x.Key, x.Match)
		if !ok {
			return unknownEstimation(total)
		}
		e := fromQuery(ti.EstimateCardinality(tm)).clamp(total)
		if prefix == "" {
			e.Primary = []PrimaryCondition{{Field: x}}
		}
		return e
	case *HasIDCondition:
		ids := primaryIDs(x.IDs)
		n := 0
		for _, id := range ids {
			if p.isKnown(id) {
				n++
			}
		}
		e := exact(n)
		if prefix == "" {
			e.Primary = []PrimaryCondition{{IDs: ids}}
		}
		return e
	case *IsEmptyCondition:
		ti := p.text[prefix+x.Key]
		if ti == nil {
			return unknownEstimation(total)
		}
		// Every indexed point has a value.
		upper := total - ti.PointsCount()
		return Estimation{Min: 0, Exp: upper, Max: upper}.clamp(total)
	case *NestedCondition:
		return p.estimateNested(x.Filter, prefix+x.Key, total)
	default:
		return unknownEstimation(total)
	}
}

// indexedMatch returns the field index that can answer m on key. Phrases on
// an index without positions are left to the payload scan.
func (p *Index) indexedMatch(key string, m Match) (*textindex.TextIndex, textindex.Match, bool) {
	ti := p.text[key]
	tm, ok := m.TextMatch()
	if ti == nil || !ok {
		return nil, textindex.Match{}, false
	}
	if tm.Kind == query.Phrase && !ti.Params().PhraseMatch {
		return nil, textindex.Match{}, false
	}
	return ti, tm, true
}

// checker evaluates a filter point by point. Text conditions on indexed
// fields go to the index; everything else reads the payload.
type checker struct {
	p          *Index
	hw         *hwcounter.Cell
	prepared   map[*FieldCondition]*textindex.Prepared
	tokenizers map[string]*tokenizer.Tokenizer
	filter     *Filter
}

// newChecker must be called with p.mu held.
func (p *Index) newChecker(f *Filter, hw *hwcounter.Cell) *checker {
	c := &checker{
		p:          p,
		hw:         hw,
		prepared:   make(map[*FieldCondition]*textindex.Prepared),
		tokenizers: make(map[string]*tokenizer.Tokenizer, len(p.text)),
		filter:     f,
	}
	for field, ti := range p.text {
		c.tokenizers[field] = ti.Tokenizer()
	}
	walkConditions(f, func(cond Condition) {
		fc, ok := cond.(*FieldCondition)
		if !ok {
			return
		}
		ti, tm, ok := p.indexedMatch(fc.Key, fc.Match)
		if !ok {
			return
		}
		if _, done := c.prepared[fc]; !done {
			c.prepared[fc] = ti.Prepare(tm)
		}
	})
	return c
}

func (c *checker) close() {
	for _, pr := range c.prepared {
		pr.Close()
	}
}

type pointView struct {
	point   PointOffset
	payload Payload
	loaded  bool
}

func (c *checker) load(ctx context.Context, v *pointView) (Payload, error) {
	if !v.loaded {
		pl, err := c.p.store.Get(ctx, v.point)
		if err != nil {
			return nil, fmt.Errorf("reading payload of point %d: %w", v.point, err)
		}
		c.hw.AddPayloadRead(len(pl) + 1)
		v.payload, v.loaded = pl, true
	}
	return v.payload, nil
}

func (c *checker) check(ctx context.Context, point PointOffset) (bool, error) {
	if !c.p.isKnown(point) {
		return false, nil
	}
	v := &pointView{point: point}
	return c.checkFilter(ctx, v, c.filter, nil, "")
}

// checkFilter evaluates f for the point, or for one nested object when scope
// is set. prefix is the path of scope.
func (c *checker) checkFilter(ctx context.Context, v *pointView, f *Filter, scope Payload, prefix string) (bool, error) {
	if f == nil {
		return true, nil
	}
	for _, cond := range f.Must {
		ok, err := c.checkCondition(ctx, v, cond, scope, prefix)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, cond := range f.MustNot {
		ok, err := c.checkCondition(ctx, v, cond, scope, prefix)
		if err != nil || ok {
			return false, err
		}
	}
	if len(f.Should) > 0 {
		matched := false
		for _, cond := range f.Should {
			ok, err := c.checkCondition(ctx, v, cond, scope, prefix)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	if ms := f.MinShould; ms != nil && ms.Count > 0 {
		hits := 0
		for _, cond := range ms.Conditions {
			ok, err := c.checkCondition(ctx, v, cond, scope, prefix)
			if err != nil {
				return false, err
			}
			if ok {
				hits++
				if hits >= ms.Count {
					break
				}
			}
		}
		if hits < ms.Count {
			return false, nil
		}
	}
	return true, nil
}

func (c *checker) values(ctx context.Context, v *pointView, scope Payload, key string) ([]any, error) {
	if scope != nil {
		return ValuesAt(scope, key), nil
	}
	pl, err := c.load(ctx, v)
	if err != nil {
		return nil, err
	}
	return ValuesAt(pl, key), nil
}

func (c *checker) checkCondition(ctx context.Context, v *pointView, cond Condition, scope Payload, prefix string) (bool, error) {
	c.hw.AddCPU(1)
	switch x := cond.(type) {
	case *Filter:
		return c.checkFilter(ctx, v, x, scope, prefix)
	case *FieldCondition:
		if scope == nil {
			if pr := c.prepared[x]; pr != nil {
				return pr.Check(v.point, c.hw)
			}
		}
		values, err := c.values(ctx, v, scope, x.Key)
		if err != nil {
			return false, err
		}
		return matchValues(values, x.Match, c.tokenizers[prefix+x.Key]), nil
	case *HasIDCondition:
		return slices.Contains(x.IDs, v.point), nil
	case *IsEmptyCondition:
		values, err := c.values(ctx, v, scope, x.Key)
		if err != nil {
			return false, err
		}
		return len(values) == 0, nil
	case *NestedCondition:
		base := scope
		if base == nil {
			pl, err := c.load(ctx, v)
			if err != nil {
				return false, err
			}
			base = pl
		}
		for _, obj := range ObjectsAt(base, x.Key) {
			ok, err := c.checkFilter(ctx, v, x.Filter, obj, prefix+x.Key+"[].")
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unsupported condition %T", cond)
	}
}

// QueryPoints returns every point matching filter in ascending order. It
// enumerates the primary clauses of the filter when there are any and scans
// all points otherwise, checking each candidate like FilterContext does.
func (p *Index) QueryPoints(ctx context.Context, filter *Filter, hw *hwcounter.Cell) (posting.List, error) {
	ctx, span := tracing.StartChildSpan(ctx, "payload.query_points")
	defer span.End()

	p.mu.RLock()
	defer p.mu.RUnlock()

	cell := hw.Child()
	defer func() { p.metrics.ObserveHardware(cell.Snapshot()) }()

	known := p.knownSnapshot()
	est := p.estimate(filter, "", int(known.GetCardinality()))
	c := p.newChecker(filter, cell)
	defer c.close()

	candidates, err := c.candidates(est, known)
	if err != nil {
		return nil, err
	}
	out := make(posting.List, 0, est.Exp)
	it := candidates.Iterator()
	for n := 0; it.HasNext(); n++ {
		if n%budgetCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := cell.Check(); err != nil {
				return nil, err
			}
		}
		point := it.Next()
		ok, err := c.check(ctx, point)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, point)
		}
	}
	if err := cell.Check(); err != nil {
		return nil, err
	}
	span.SetAttr("candidates", candidates.GetCardinality())
	span.SetAttr("matched", len(out))
	p.logger.Debug("points queried",
		"candidates", candidates.GetCardinality(),
		"matched", len(out),
		"primary", len(est.Primary),
	)
	return out, nil
}

func (c *checker) candidates(est Estimation, known *roaring.Bitmap) (*roaring.Bitmap, error) {
	if len(est.Primary) == 0 {
		return known, nil
	}
	out := roaring.New()
	for _, pc := range est.Primary {
		if pc.Field == nil {
			out.AddMany(pc.IDs)
			continue
		}
		pr := c.prepared[pc.Field]
		if pr == nil {
			return known, nil
		}
		points, err := pr.Points(c.hw)
		if err != nil {
			return nil, err
		}
		out.AddMany(points)
	}
	out.And(known)
	return out, nil
}

// FilterContext checks single points against a filter without materializing
// its result. It pins the field index generations it uses until Close.
type FilterContext struct {
	c    *checker
	once sync.Once
}

func (p *Index) FilterContext(filter *Filter, hw *hwcounter.Cell) *FilterContext {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &FilterContext{c: p.newChecker(filter, hw)}
}

// Check reports whether point matches the filter.
func (fc *FilterContext) Check(ctx context.Context, point PointOffset) (bool, error) {
	return fc.c.check(ctx, point)
}

func (fc *FilterContext) Close() {
	fc.once.Do(fc.c.close)
}

// PayloadBlock is a condition matching at least the block threshold of
// points.
type PayloadBlock struct {
	Condition   *FieldCondition
	Cardinality int
}

// PayloadBlocks yields one block per token of field whose posting list holds
// at least threshold points. Fields without a text index yield nothing.
func (p *Index) PayloadBlocks(field string, threshold int, hw *hwcounter.Cell) iter.Seq[PayloadBlock] {
	p.mu.RLock()
	ti := p.text[field]
	p.mu.RUnlock()
	return func(yield func(PayloadBlock) bool) {
		if ti == nil {
			return
		}
		for _, b := range ti.TokenBlocks(threshold) {
			hw.AddCPU(1)
			block := PayloadBlock{
				Condition:   &FieldCondition{Key: field, Match: Match{Text: b.Token}},
				Cardinality: b.Cardinality,
			}
			if !yield(block) {
				return
			}
		}
	}
}
