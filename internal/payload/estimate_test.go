package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombineMust(t *testing.T) {
	total := 100
	e := combineMust([]Estimation{
		{Min: 80, Exp: 90, Max: 95},
		{Min: 70, Exp: 80, Max: 85},
	}, total)
	assert.Equal(t, 50, e.Min, "Bonferroni: 100 - 20 - 30")
	assert.Equal(t, 72, e.Exp)
	assert.Equal(t, 85, e.Max)

	e = combineMust([]Estimation{{Min: 10, Exp: 20, Max: 30}, {Min: 0, Exp: 50, Max: 60}}, total)
	assert.Equal(t, 0, e.Min)
	assert.Equal(t, 10, e.Exp)
	assert.Equal(t, 30, e.Max)

	assert.Equal(t, exact(total), combineMust(nil, total))
}

func TestCombineMustPicksMostSelectivePrimary(t *testing.T) {
	wide := []PrimaryCondition{{IDs: []PointOffset{1, 2, 3}}}
	narrow := []PrimaryCondition{{IDs: []PointOffset{2}}}
	e := combineMust([]Estimation{
		{Primary: wide, Min: 3, Exp: 3, Max: 3},
		{Min: 0, Exp: 1, Max: 10},
		{Primary: narrow, Min: 1, Exp: 1, Max: 1},
	}, 10)
	assert.Equal(t, narrow, e.Primary)
}

func TestCombineShould(t *testing.T) {
	total := 100
	e := combineShould([]Estimation{
		{Min: 10, Exp: 50, Max: 60},
		{Min: 20, Exp: 50, Max: 70},
	}, total)
	assert.Equal(t, 20, e.Min)
	assert.Equal(t, 75, e.Exp)
	assert.Equal(t, 100, e.Max)
	assert.Empty(t, e.Primary)

	ids := []PrimaryCondition{{IDs: []PointOffset{1}}}
	e = combineShould([]Estimation{
		{Primary: ids, Min: 1, Exp: 1, Max: 1},
		{Min: 0, Exp: 5, Max: 10},
	}, total)
	assert.Empty(t, e.Primary, "a clause without primary forces a scan")

	e = combineShould([]Estimation{
		{Primary: ids, Min: 1, Exp: 1, Max: 1},
		{Primary: ids, Min: 1, Exp: 1, Max: 1},
	}, total)
	assert.Len(t, e.Primary, 2)
}

func TestCombineMinShould(t *testing.T) {
	total := 100
	parts := []Estimation{
		{Min: 50, Exp: 50, Max: 50},
		{Min: 50, Exp: 50, Max: 50},
		{Min: 50, Exp: 50, Max: 50},
	}
	e := combineMinShould(parts, 2, total)
	assert.Equal(t, 0, e.Min)
	assert.Equal(t, 50, e.Exp, "P(at least 2 of 3 fair coins) = 1/2")
	assert.Equal(t, 75, e.Max)

	assert.Equal(t, exact(0), combineMinShould(parts, 4, total))
	assert.Equal(t, combineMust(parts, total), combineMinShould(parts, 3, total))
	assert.Equal(t, combineShould(parts, total), combineMinShould(parts, 1, total))
}

func TestInvert(t *testing.T) {
	e := invert(Estimation{
		Primary: []PrimaryCondition{{IDs: []PointOffset{1}}},
		Min:     10, Exp: 20, Max: 30,
	}, 100)
	assert.Equal(t, Estimation{Min: 70, Exp: 80, Max: 90}, e)
}

func TestEstimateFilter(t *testing.T) {
	total := 10
	f := &Filter{
		Must:    []Condition{&HasIDCondition{IDs: []PointOffset{1, 2, 3}}},
		MustNot: []Condition{&HasIDCondition{IDs: []PointOffset{3}}},
	}
	e := estimateFilter(f, total, func(c Condition) Estimation {
		return exact(len(c.(*HasIDCondition).IDs))
	})
	assert.Equal(t, 2, e.Min)
	assert.Equal(t, 3, e.Max)

	assert.Equal(t, exact(total), estimateFilter(&Filter{}, total, nil))
}

func TestHasNegation(t *testing.T) {
	assert.False(t, hasNegation(must(field("a", Match{Text: "x"}))))
	assert.True(t, hasNegation(&Filter{MustNot: []Condition{field("a", Match{Text: "x"})}}))
	assert.True(t, hasNegation(must(&Filter{Should: []Condition{&IsEmptyCondition{Key: "a"}}})))
	assert.True(t, hasNegation(must(&NestedCondition{Key: "n", Filter: &Filter{MustNot: []Condition{&IsEmptyCondition{Key: "a"}}}})))
}
