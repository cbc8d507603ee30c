package payload

import (
	"math"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/query"
)

// PrimaryCondition is a clause an index can enumerate directly. The union of
// the primary clauses of an estimation covers every matching point.
type PrimaryCondition struct {
	Field *FieldCondition
	IDs   []PointOffset
}

// Estimation bounds the number of points matching a filter. Primary is empty
// when only a full scan can enumerate the matches.
type Estimation struct {
	Primary []PrimaryCondition `json:"-"`
	Min     int                `json:"min"`
	Exp     int                `json:"exp"`
	Max     int                `json:"max"`
}

func fromQuery(e query.Estimation) Estimation {
	return Estimation{Min: e.Min, Exp: e.Exp, Max: e.Max}
}

func exact(n int) Estimation { return Estimation{Min: n, Exp: n, Max: n} }

// unknownEstimation is used for conditions no index can answer.
func unknownEstimation(total int) Estimation {
	return Estimation{Min: 0, Exp: total / 2, Max: total}
}

func (e Estimation) clamp(total int) Estimation {
	e.Max = min(max(e.Max, 0), total)
	e.Min = min(max(e.Min, 0), e.Max)
	e.Exp = min(max(e.Exp, e.Min), e.Max)
	return e
}

func probability(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// combineMust treats clauses as independent for the expectation. Min uses
// the Bonferroni bound, max the smallest clause. Primary clauses come from
// the most selective clause that has any.
func combineMust(parts []Estimation, total int) Estimation {
	if len(parts) == 0 {
		return exact(total)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	minCount := total
	maxCount := total
	p := 1.0
	for _, e := range parts {
		minCount -= total - e.Min
		maxCount = min(maxCount, e.Max)
		p *= probability(e.Exp, total)
	}
	out := Estimation{
		Min: max(minCount, 0),
		Exp: int(math.Round(p * float64(total))),
		Max: maxCount,
	}
	best := -1
	for i, e := range parts {
		if len(e.Primary) == 0 {
			continue
		}
		if best < 0 || e.Exp < parts[best].Exp {
			best = i
		}
	}
	if best >= 0 {
		out.Primary = parts[best].Primary
	}
	return out.clamp(total)
}

// combineShould keeps primary clauses only when every clause has some.
func combineShould(parts []Estimation, total int) Estimation {
	if len(parts) == 0 {
		return exact(total)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	minCount, sum := 0, 0
	miss := 1.0
	var primary []PrimaryCondition
	allPrimary := true
	for _, e := range parts {
		minCount = max(minCount, e.Min)
		sum += e.Max
		miss *= 1 - probability(e.Exp, total)
		if len(e.Primary) == 0 {
			allPrimary = false
		}
		primary = append(primary, e.Primary...)
	}
	out := Estimation{
		Min: minCount,
		Exp: int(math.Round((1 - miss) * float64(total))),
		Max: min(sum, total),
	}
	if allPrimary {
		out.Primary = primary
	}
	return out.clamp(total)
}

// combineMinShould estimates "at least k of n". A matching point is counted
// by at least k clauses, so k * matches never exceeds the sum of maxes.
func combineMinShould(parts []Estimation, k, total int) Estimation {
	switch {
	case k <= 0:
		return exact(total)
	case k == 1:
		return combineShould(parts, total)
	case k > len(parts):
		return exact(0)
	case k == len(parts):
		return combineMust(parts, total)
	}
	// dist[j] is the probability that exactly j of the clauses seen so far
	// match, assuming independence.
	dist := make([]float64, len(parts)+1)
	dist[0] = 1
	sum := 0
	var primary []PrimaryCondition
	allPrimary := true
	for i, e := range parts {
		p := probability(e.Exp, total)
		for j := i + 1; j > 0; j-- {
			dist[j] = dist[j]*(1-p) + dist[j-1]*p
		}
		dist[0] *= 1 - p
		sum += e.Max
		if len(e.Primary) == 0 {
			allPrimary = false
		}
		primary = append(primary, e.Primary...)
	}
	atLeast := 0.0
	for j := k; j < len(dist); j++ {
		atLeast += dist[j]
	}
	out := Estimation{
		Min: 0,
		Exp: int(math.Round(atLeast * float64(total))),
		Max: min(sum/k, total),
	}
	if allPrimary {
		out.Primary = primary
	}
	return out.clamp(total)
}

// invert estimates the complement; its matches cannot be enumerated.
func invert(e Estimation, total int) Estimation {
	return Estimation{
		Min: total - e.Max,
		Exp: total - e.Exp,
		Max: total - e.Min,
	}.clamp(total)
}

// estimateFilter folds the estimations of the clauses of f. est computes a
// single condition.
func estimateFilter(f *Filter, total int, est func(Condition) Estimation) Estimation {
	if f.IsEmpty() {
		return exact(total)
	}
	each := func(cs []Condition) []Estimation {
		out := make([]Estimation, len(cs))
		for i, c := range cs {
			out[i] = est(c)
		}
		return out
	}
	var parts []Estimation
	if len(f.Must) > 0 {
		parts = append(parts, combineMust(each(f.Must), total))
	}
	if len(f.Should) > 0 {
		parts = append(parts, combineShould(each(f.Should), total))
	}
	if f.MinShould != nil {
		parts = append(parts, combineMinShould(each(f.MinShould.Conditions), f.MinShould.Count, total))
	}
	if len(f.MustNot) > 0 {
		inverted := each(f.MustNot)
		for i := range inverted {
			inverted[i] = invert(inverted[i], total)
		}
		parts = append(parts, combineMust(inverted, total))
	}
	return combineMust(parts, total)
}

// hasNegation reports whether f contains a must_not or is_empty clause at
// any depth, nested filters included.
func hasNegation(f *Filter) bool {
	if f == nil {
		return false
	}
	if len(f.MustNot) > 0 {
		return true
	}
	found := false
	walkConditions(f, func(c Condition) {
		switch x := c.(type) {
		case *IsEmptyCondition:
			found = true
		case *Filter:
			if len(x.MustNot) > 0 {
				found = true
			}
		case *NestedCondition:
			if hasNegation(x.Filter) {
				found = true
			}
		}
	})
	return found
}

func primaryIDs(ids []PointOffset) []PointOffset {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
