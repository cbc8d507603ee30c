package query

import (
	"math"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/index"
)

// Estimation bounds the number of points a condition matches. Exp is the
// planner's point estimate and always lies within [Min, Max].
type Estimation struct {
	Min int `json:"min"`
	Exp int `json:"exp"`
	Max int `json:"max"`
}

// Exact is an estimation with no uncertainty.
func Exact(n int) Estimation { return Estimation{Min: n, Exp: n, Max: n} }

// Estimate bounds the result size of q from posting list lengths alone.
func Estimate(inv index.Inverted, q Parsed) Estimation {
	if q.Empty() {
		return Estimation{}
	}
	total := inv.PointsCount()

	lens := make([]int, 0, len(q.Tokens))
	seen := make(map[index.TokenID]struct{}, len(q.Tokens))
	for _, id := range q.Tokens {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		lens = append(lens, inv.PostingLen(id))
	}

	if q.Kind == AnyToken {
		return estimateUnion(lens, total)
	}
	if len(lens) == 1 {
		if q.Kind == Phrase && len(q.Tokens) > 1 {
			// Repeated single token, e.g. "fox fox".
			return Estimation{Min: 0, Exp: lens[0] / 2, Max: lens[0]}
		}
		return Exact(lens[0])
	}
	return estimateIntersection(lens, total)
}

// estimateIntersection assumes independent tokens for the expectation. The
// lower bound stays 0: a tighter Bonferroni bound would need joint counts.
func estimateIntersection(lens []int, total int) Estimation {
	maxN := math.MaxInt
	for _, n := range lens {
		maxN = min(maxN, n)
	}
	if total == 0 || maxN == 0 {
		return Estimation{}
	}
	exp := float64(total)
	for _, n := range lens {
		exp *= float64(n) / float64(total)
	}
	return Estimation{Min: 0, Exp: clamp(int(math.Round(exp)), 0, maxN), Max: maxN}
}

func estimateUnion(lens []int, total int) Estimation {
	var minN, sum int
	missing := 1.0
	for _, n := range lens {
		minN = max(minN, n)
		sum += n
		if total > 0 {
			missing *= 1 - float64(n)/float64(total)
		}
	}
	maxN := min(sum, max(total, minN))
	exp := int(math.Round(float64(total) * (1 - missing)))
	return Estimation{Min: minN, Exp: clamp(exp, minN, maxN), Max: maxN}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
