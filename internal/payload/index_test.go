package payload

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload/storage"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/posting"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
)

func textParams(onDisk bool) config.TextIndexParams {
	p := config.DefaultTextIndexParams()
	p.Languages = []string{"english"}
	p.PhraseMatch = true
	p.OnDisk = onDisk
	return p
}

func openIndex(t *testing.T, dir string) *Index {
	t.Helper()
	store, err := storage.NewMemory(filepath.Join(dir, storage.MemoryFileName))
	require.NoError(t, err)
	idx, err := Open(context.Background(), dir, store)
	require.NoError(t, err)
	return idx
}

func corpus() map[PointOffset]Payload {
	return map[PointOffset]Payload{
		1: {"title": "The quick brown fox", "tags": []any{"animal"}, "rating": 5.0},
		2: {"title": "quick fox", "rating": 3.0},
		3: {"title": []any{"Lazy dogs sleep", "all day"}},
		4: {"title": "brown bear", "meta": map[string]any{"lang": "en"}},
		5: {"rating": 1.0},
		6: {"reviews": []any{
			map[string]any{"author": "ann", "text": "quick and brown"},
			map[string]any{"author": "bob", "text": "slow fox"},
		}},
	}
}

func loadCorpus(t *testing.T, idx *Index) {
	t.Helper()
	ctx := context.Background()
	for point, pl := range corpus() {
		require.NoError(t, idx.OverwritePayload(ctx, point, pl, nil))
	}
}

func points(l posting.List) []PointOffset {
	return append([]PointOffset{}, l...)
}

func field(key string, m Match) *FieldCondition {
	return &FieldCondition{Key: key, Match: m}
}

func must(cs ...Condition) *Filter { return &Filter{Must: cs} }

// assertQuery checks QueryPoints against want, FilterContext against
// QueryPoints, and the cardinality estimation against the result size.
func assertQuery(t *testing.T, idx *Index, f *Filter, want []PointOffset) {
	t.Helper()
	ctx := context.Background()
	got, err := idx.QueryPoints(ctx, f, nil)
	require.NoError(t, err)
	if want != nil {
		assert.Equal(t, append([]PointOffset{}, want...), points(got))
	}

	fc := idx.FilterContext(f, nil)
	defer fc.Close()
	var checked []PointOffset
	for point := PointOffset(0); point < 16; point++ {
		ok, err := fc.Check(ctx, point)
		require.NoError(t, err)
		if ok {
			checked = append(checked, point)
		}
	}
	assert.Equal(t, points(got), append([]PointOffset{}, checked...), "filter context disagrees")

	est := idx.EstimateCardinality(f, nil)
	assert.LessOrEqual(t, est.Min, len(got))
	assert.GreaterOrEqual(t, est.Max, len(got))
	assert.LessOrEqual(t, est.Min, est.Exp)
	assert.LessOrEqual(t, est.Exp, est.Max)
}

func TestQueryPoints(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)
	require.NoError(t, idx.SetIndexed(context.Background(), "title", TextSchema(textParams(false)), nil))

	tests := []struct {
		name   string
		filter *Filter
		want   []PointOffset
	}{
		{"empty filter", &Filter{}, []PointOffset{1, 2, 3, 4, 5, 6}},
		{"all tokens", must(field("title", Match{Text: "quick fox"})), []PointOffset{1, 2}},
		{"single token", must(field("title", Match{Text: "brown"})), []PointOffset{1, 4}},
		{"phrase", must(field("title", Match{Phrase: "quick fox"})), []PointOffset{2}},
		{"phrase across values", must(field("title", Match{Phrase: "sleep all day"})), []PointOffset{}},
		{"any token", must(field("title", Match{TextAny: "bear dogs"})), []PointOffset{3, 4}},
		{"stop-words only", must(field("title", Match{Text: "the"})), []PointOffset{}},
		{"must not", &Filter{MustNot: []Condition{field("title", Match{Text: "quick"})}}, []PointOffset{3, 4, 5, 6}},
		{"has id", must(&HasIDCondition{IDs: []PointOffset{6, 2, 99}}), []PointOffset{2, 6}},
		{"is empty", must(&IsEmptyCondition{Key: "title"}), []PointOffset{5, 6}},
		{"value", must(field("rating", Match{Value: 5})), []PointOffset{1}},
		{"unindexed text", must(field("reviews[].text", Match{Text: "fox"})), []PointOffset{6}},
		{"nested object", must(&NestedCondition{Key: "reviews", Filter: must(
			field("author", Match{Value: "bob"}),
			field("text", Match{Text: "fox"}),
		)}), []PointOffset{6}},
		{"nested across objects", must(&NestedCondition{Key: "reviews", Filter: must(
			field("author", Match{Value: "ann"}),
			field("text", Match{Text: "fox"}),
		)}), []PointOffset{}},
		{"should", &Filter{Should: []Condition{
			field("title", Match{Text: "bear"}),
			field("rating", Match{Value: 3}),
		}}, []PointOffset{2, 4}},
		{"min should", &Filter{MinShould: &MinShould{Count: 2, Conditions: []Condition{
			field("title", Match{Text: "quick"}),
			field("title", Match{Text: "brown"}),
			field("rating", Match{Value: 5}),
		}}}, []PointOffset{1}},
		{"sub-filter", must(
			field("title", Match{TextAny: "quick brown"}),
			&Filter{MustNot: []Condition{field("title", Match{Text: "fox"})}},
		), []PointOffset{4}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assertQuery(t, idx, tc.filter, tc.want)
		})
	}
}

func TestSingleTokenEstimationIsExact(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)
	require.NoError(t, idx.SetIndexed(context.Background(), "title", TextSchema(textParams(false)), nil))

	est := idx.EstimateCardinality(must(field("title", Match{Text: "quick"})), nil)
	assert.Equal(t, 2, est.Min)
	assert.Equal(t, 2, est.Max)
	require.Len(t, est.Primary, 1)

	est = idx.EstimateCardinality(must(field("rating", Match{Value: 1})), nil)
	assert.Equal(t, Estimation{Min: 0, Exp: 3, Max: 6}, est)
}

func TestBuildIndexStatuses(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)

	schema := TextSchema(textParams(false))
	res, err := idx.BuildIndex(ctx, "title", schema, nil)
	require.NoError(t, err)
	assert.Equal(t, Built, res.Status)
	require.NotNil(t, res.Text)
	assert.Empty(t, idx.IndexedFields(), "build alone must not install the index")
	require.NoError(t, idx.ApplyIndex(ctx, res))
	assert.Equal(t, 4, idx.IndexedPoints("title"))

	res, err = idx.BuildIndex(ctx, "title", schema, nil)
	require.NoError(t, err)
	assert.Equal(t, AlreadyBuilt, res.Status)

	other := textParams(false)
	other.PhraseMatch = false
	res, err = idx.BuildIndex(ctx, "title", TextSchema(other), nil)
	require.NoError(t, err)
	assert.Equal(t, IncompatibleSchema, res.Status)

	dropped, err := idx.DropIndexIfIncompatible("title", schema)
	require.NoError(t, err)
	assert.False(t, dropped)
	dropped, err = idx.DropIndexIfIncompatible("title", TextSchema(other))
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.Empty(t, idx.IndexedFields())

	dropped, err = idx.DropIndex("missing")
	require.NoError(t, err)
	assert.False(t, dropped)

	_, err = idx.BuildIndex(ctx, "title", FieldSchema{Type: "geo"}, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestKeywordSchemaHasNoFieldIndex(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)

	require.NoError(t, idx.SetIndexed(ctx, "meta.lang", FieldSchema{Type: SchemaKeyword}, nil))
	assert.Contains(t, idx.IndexedFields(), "meta.lang")
	assert.Zero(t, idx.IndexedPoints("meta.lang"))
	assertQuery(t, idx, must(field("meta.lang", Match{Value: "en"})), []PointOffset{4})
}

func TestWritesFollowIndex(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)
	require.NoError(t, idx.SetIndexed(ctx, "title", TextSchema(textParams(false)), nil))
	quickFox := must(field("title", Match{Text: "quick fox"}))

	require.NoError(t, idx.SetPayload(ctx, 5, Payload{"title": "a quick fox jumps"}, "", nil))
	assertQuery(t, idx, quickFox, []PointOffset{1, 2, 5})

	require.NoError(t, idx.OverwritePayload(ctx, 2, Payload{"title": "slow"}, nil))
	assertQuery(t, idx, quickFox, []PointOffset{1, 5})

	removed, err := idx.DeletePayload(ctx, 1, "title", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"The quick brown fox"}, removed)
	assertQuery(t, idx, quickFox, []PointOffset{5})

	removed, err = idx.DeletePayload(ctx, 1, "title", nil)
	require.NoError(t, err)
	assert.Empty(t, removed)

	old, err := idx.ClearPayload(ctx, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, "a quick fox jumps", old["title"])
	assertQuery(t, idx, quickFox, []PointOffset{})
	assertQuery(t, idx, must(&IsEmptyCondition{Key: "rating"}), []PointOffset{2, 3, 4, 5, 6})

	require.NoError(t, idx.RemovePoint(ctx, 5, nil))
	assert.Equal(t, 5, idx.PointsCount())
}

func TestNonTextValueIsRejected(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)
	require.NoError(t, idx.SetIndexed(ctx, "title", TextSchema(textParams(false)), nil))

	err := idx.SetPayload(ctx, 2, Payload{"title": 42}, "", nil)
	require.ErrorIs(t, err, apperrors.ErrPayloadType)
	pl, err := idx.GetPayload(ctx, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "quick fox", pl["title"])
}

func TestBuildSkipsNonTextValues(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)
	require.NoError(t, idx.OverwritePayload(ctx, 9, Payload{"title": []any{"quick", 7.0}}, nil))

	require.NoError(t, idx.SetIndexed(ctx, "title", TextSchema(textParams(false)), nil))
	assert.Equal(t, 4, idx.IndexedPoints("title"))
}

func TestNestedKeySetAndDelete(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)
	require.NoError(t, idx.SetIndexed(ctx, "meta.summary", TextSchema(textParams(false)), nil))

	require.NoError(t, idx.SetPayload(ctx, 4, Payload{"summary": "large brown bear"}, "meta", nil))
	pl, err := idx.GetPayload(ctx, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"lang": "en", "summary": "large brown bear"}, pl["meta"])
	assertQuery(t, idx, must(field("meta.summary", Match{Text: "bear"})), []PointOffset{4})

	removed, err := idx.DeletePayload(ctx, 4, "meta.summary", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"large brown bear"}, removed)
	assertQuery(t, idx, must(field("meta.summary", Match{Text: "bear"})), []PointOffset{})
	assertQuery(t, idx, must(field("meta.lang", Match{Value: "en"})), []PointOffset{4})
}

func TestWritesBetweenBuildAndApplyAreReplayed(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)

	res, err := idx.BuildIndex(ctx, "title", TextSchema(textParams(false)), nil)
	require.NoError(t, err)
	require.NoError(t, idx.OverwritePayload(ctx, 7, Payload{"title": "quick fox"}, nil))
	require.NoError(t, idx.OverwritePayload(ctx, 2, Payload{"title": "gone"}, nil))
	require.NoError(t, idx.ApplyIndex(ctx, res))

	assertQuery(t, idx, must(field("title", Match{Text: "quick fox"})), []PointOffset{1, 7})
}

func TestPhraseOnIndexWithoutPositions(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)
	phrase := must(field("title", Match{Phrase: "quick fox"}))
	assertQuery(t, idx, phrase, []PointOffset{2})

	params := textParams(false)
	params.PhraseMatch = false
	require.NoError(t, idx.SetIndexed(ctx, "title", TextSchema(params), nil))
	assertQuery(t, idx, phrase, []PointOffset{2})
	assertQuery(t, idx, must(field("title", Match{Text: "quick fox"})), []PointOffset{1, 2})

	est := idx.EstimateCardinality(phrase, nil)
	assert.Empty(t, est.Primary, "phrase cannot be served by the index")
}

func TestOverlappingBuildsKeepWrites(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)
	schema := TextSchema(textParams(false))

	first, err := idx.BuildIndex(ctx, "title", schema, nil)
	require.NoError(t, err)
	require.NoError(t, idx.OverwritePayload(ctx, 7, Payload{"title": "zebra"}, nil))
	second, err := idx.BuildIndex(ctx, "title", schema, nil)
	require.NoError(t, err)
	require.NotSame(t, first.Text, second.Text)

	require.NoError(t, idx.ApplyIndex(ctx, first))
	assertQuery(t, idx, must(field("title", Match{Text: "zebra"})), []PointOffset{7})

	require.NoError(t, idx.ApplyIndex(ctx, second), "late result of an applied field is ignored")
	assert.Same(t, first.Text, idx.text["title"])
	assert.Empty(t, idx.pending, "applying releases every pending build of the field")
}

func TestDropReleasesPendingBuilds(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)

	res, err := idx.BuildIndex(ctx, "title", TextSchema(textParams(false)), nil)
	require.NoError(t, err)
	require.Len(t, idx.pending, 1)

	dropped, err := idx.DropIndex("title")
	require.NoError(t, err)
	assert.False(t, dropped)
	assert.Empty(t, idx.pending)

	require.NoError(t, idx.OverwritePayload(ctx, 9, Payload{"title": "after drop"}, nil))
	err = idx.ApplyIndex(ctx, res)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Empty(t, idx.IndexedFields())
}

func TestSealedIndexReopensFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := openIndex(t, dir)
	loadCorpus(t, idx)
	require.NoError(t, idx.SetIndexed(ctx, "title", TextSchema(textParams(true)), nil))
	require.NoError(t, idx.FreezeIndexes(hwcounter.Disposable()))
	require.NoError(t, idx.Flusher()())
	assert.True(t, idx.Sealed())
	assert.NotEmpty(t, idx.ImmutableFiles())

	err := idx.SetPayload(ctx, 1, Payload{"title": "x"}, "", nil)
	assert.ErrorIs(t, err, apperrors.ErrReadOnly)

	filters := map[string]*Filter{
		"text":   must(field("title", Match{Text: "quick fox"})),
		"phrase": must(field("title", Match{Phrase: "quick fox"})),
		"not":    {MustNot: []Condition{field("title", Match{TextAny: "bear fox"})}},
	}
	before := map[string][]PointOffset{}
	for name, f := range filters {
		got, err := idx.QueryPoints(ctx, f, nil)
		require.NoError(t, err)
		before[name] = points(got)
	}
	require.NoError(t, idx.Close())

	reopened := openIndex(t, dir)
	defer reopened.Close()
	assert.True(t, reopened.Sealed())
	tel := reopened.Telemetry()
	require.Len(t, tel.Fields, 1)
	assert.Equal(t, "mmap", string(tel.Fields[0].Backend))
	for name, f := range filters {
		assertQuery(t, reopened, f, before[name])
	}
}

func TestFlushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := openIndex(t, dir)
	defer idx.Close()
	loadCorpus(t, idx)
	require.NoError(t, idx.SetIndexed(ctx, "title", TextSchema(textParams(true)), nil))

	flush := idx.Flusher()
	require.NoError(t, flush())
	first := readFiles(t, idx.Files())
	require.NoError(t, flush())
	assert.Equal(t, first, readFiles(t, idx.Files()))
	assert.Contains(t, first, filepath.Join(dir, SchemaFileName))
	assert.Contains(t, first, filepath.Join(dir, storage.MemoryFileName))
}

func readFiles(t *testing.T, paths []string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		out[p] = data
	}
	return out
}

func TestReopenRebuildsOpenSegment(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := openIndex(t, dir)
	loadCorpus(t, idx)
	require.NoError(t, idx.SetIndexed(ctx, "title", TextSchema(textParams(false)), nil))
	require.NoError(t, idx.Flusher()())
	require.NoError(t, idx.Close())

	reopened := openIndex(t, dir)
	defer reopened.Close()
	assert.False(t, reopened.Sealed())
	assert.Equal(t, 6, reopened.PointsCount())
	assertQuery(t, reopened, must(field("title", Match{Text: "brown"})), []PointOffset{1, 4})
	require.NoError(t, reopened.SetPayload(ctx, 5, Payload{"title": "brown"}, "", nil))
	assertQuery(t, reopened, must(field("title", Match{Text: "brown"})), []PointOffset{1, 4, 5})
}

func TestQueryBudget(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)

	_, err := idx.QueryPoints(context.Background(), must(field("rating", Match{Value: 1})), hwcounter.New(2))
	assert.ErrorIs(t, err, apperrors.ErrBudgetExceeded)
}

func TestPayloadBlocks(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()
	loadCorpus(t, idx)
	require.NoError(t, idx.SetIndexed(ctx, "title", TextSchema(textParams(false)), nil))

	var tokens []string
	for block := range idx.PayloadBlocks("title", 2, nil) {
		tokens = append(tokens, block.Condition.Match.Text)
		got, err := idx.QueryPoints(ctx, must(block.Condition), nil)
		require.NoError(t, err)
		assert.Len(t, got, block.Cardinality)
	}
	assert.Equal(t, []string{"brown", "fox", "quick"}, tokens)

	for range idx.PayloadBlocks("rating", 1, nil) {
		t.Fatal("unindexed field yielded a block")
	}
}

func TestRandomFiltersAgree(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(11))
	words := []string{"red", "green", "blue", "cyan", "pink", "gray"}
	idx := openIndex(t, t.TempDir())
	defer idx.Close()

	for point := PointOffset(0); point < 16; point++ {
		n := r.Intn(4)
		text := ""
		for i := 0; i < n; i++ {
			text += words[r.Intn(len(words))] + " "
		}
		pl := Payload{"body": text, "n": float64(r.Intn(3))}
		require.NoError(t, idx.OverwritePayload(ctx, point, pl, nil))
	}
	require.NoError(t, idx.SetIndexed(ctx, "body", TextSchema(textParams(false)), nil))

	randomCondition := func() Condition {
		switch r.Intn(4) {
		case 0:
			return field("body", Match{Text: words[r.Intn(len(words))] + " " + words[r.Intn(len(words))]})
		case 1:
			return field("body", Match{TextAny: words[r.Intn(len(words))]})
		case 2:
			return field("n", Match{Value: float64(r.Intn(3))})
		default:
			return &HasIDCondition{IDs: []PointOffset{PointOffset(r.Intn(16)), PointOffset(r.Intn(16))}}
		}
	}
	for i := 0; i < 100; i++ {
		f := &Filter{}
		for j := r.Intn(3); j > 0; j-- {
			f.Must = append(f.Must, randomCondition())
		}
		for j := r.Intn(3); j > 0; j-- {
			f.Should = append(f.Should, randomCondition())
		}
		if r.Intn(2) == 0 {
			f.MustNot = append(f.MustNot, randomCondition())
		}
		assertQuery(t, idx, f, nil)
	}
}

func TestGenerationAdvancesOnChange(t *testing.T) {
	ctx := context.Background()
	idx := openIndex(t, t.TempDir())
	defer idx.Close()

	g := idx.Generation()
	require.NoError(t, idx.SetPayload(ctx, 1, Payload{"title": "quick fox"}, "", nil))
	assert.Greater(t, idx.Generation(), g)

	g = idx.Generation()
	_, err := idx.QueryPoints(ctx, &Filter{}, nil)
	require.NoError(t, err)
	assert.Equal(t, g, idx.Generation(), "reads keep the generation")

	require.NoError(t, idx.SetIndexed(ctx, "title", TextSchema(textParams(false)), nil))
	assert.Greater(t, idx.Generation(), g)

	g = idx.Generation()
	require.NoError(t, idx.RemovePoint(ctx, 1, nil))
	assert.Greater(t, idx.Generation(), g)
	assert.NoError(t, idx.Ping(ctx))
}
