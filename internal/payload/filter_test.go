package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
)

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter([]byte(`{
		"must": [
			{"key": "title", "match": {"text": "quick fox"}},
			{"has_id": [3, 1]},
			{"nested": {"key": "reviews", "filter": {"must": [{"key": "author", "match": {"value": "bob"}}]}}}
		],
		"should": [{"key": "title", "match": {"phrase": "brown fox"}}],
		"must_not": [
			{"is_empty": {"key": "rating"}},
			{"should": [{"key": "tags", "match": {"text_any": "a b"}}]}
		],
		"min_should": {"conditions": [{"key": "x", "match": {"value": 1}}], "min_count": 1}
	}`))
	require.NoError(t, err)

	require.Len(t, f.Must, 3)
	fc := f.Must[0].(*FieldCondition)
	assert.Equal(t, "title", fc.Key)
	tm, ok := fc.Match.TextMatch()
	require.True(t, ok)
	assert.Equal(t, query.AllTokens, tm.Kind)
	assert.Equal(t, []PointOffset{3, 1}, f.Must[1].(*HasIDCondition).IDs)
	nested := f.Must[2].(*NestedCondition)
	assert.Equal(t, "reviews", nested.Key)
	require.Len(t, nested.Filter.Must, 1)
	assert.Equal(t, "bob", nested.Filter.Must[0].(*FieldCondition).Match.Value)

	tm, _ = f.Should[0].(*FieldCondition).Match.TextMatch()
	assert.Equal(t, query.Phrase, tm.Kind)
	assert.Equal(t, &IsEmptyCondition{Key: "rating"}, f.MustNot[0])
	sub := f.MustNot[1].(*Filter)
	tm, _ = sub.Should[0].(*FieldCondition).Match.TextMatch()
	assert.Equal(t, query.AnyToken, tm.Kind)

	require.NotNil(t, f.MinShould)
	assert.Equal(t, 1, f.MinShould.Count)
	assert.False(t, f.IsEmpty())
}

func TestParseFilterRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"unknown clause":   `{"must": [], "sometimes": []}`,
		"two match kinds":  `{"must": [{"key": "a", "match": {"text": "x", "value": 1}}]}`,
		"no match kind":    `{"must": [{"key": "a", "match": {}}]}`,
		"empty key":        `{"must": [{"key": "", "match": {"text": "x"}}]}`,
		"unknown cond":     `{"must": [{"geo": {}}]}`,
		"is_empty no key":  `{"must": [{"is_empty": {}}]}`,
		"nested no key":    `{"must": [{"nested": {"filter": {}}}]}`,
		"not a filter":     `[1, 2]`,
		"bad has_id value": `{"must": [{"has_id": ["x"]}]}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFilter([]byte(input))
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestEmptyFilter(t *testing.T) {
	f, err := ParseFilter([]byte(`{}`))
	require.NoError(t, err)
	assert.True(t, f.IsEmpty())
	var nilFilter *Filter
	assert.True(t, nilFilter.IsEmpty())
}
