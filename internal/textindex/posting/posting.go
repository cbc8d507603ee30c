// Package posting holds the point-id lists of the inverted index: the sorted
// in-memory List used while an index is mutable, the compressed encodings
// used once it is frozen, and the per-point token positions used for phrase
// matching.
package posting

import (
	"slices"
	"sort"
)

// PointOffset identifies a point inside one segment.
type PointOffset = uint32

// List is a strictly ascending, duplicate-free sequence of point offsets.
type List []PointOffset

// Insert adds p keeping the list sorted. It reports whether p was new.
func (l *List) Insert(p PointOffset) bool {
	s := *l
	n := len(s)
	if n == 0 || s[n-1] < p {
		*l = append(s, p)
		return true
	}
	i, found := slices.BinarySearch(s, p)
	if found {
		return false
	}
	*l = slices.Insert(s, i, p)
	return true
}

// Remove deletes p and reports whether it was present.
func (l *List) Remove(p PointOffset) bool {
	s := *l
	i, found := slices.BinarySearch(s, p)
	if !found {
		return false
	}
	*l = slices.Delete(s, i, i+1)
	return true
}

func (l List) Contains(p PointOffset) bool {
	_, found := slices.BinarySearch(l, p)
	return found
}

func (l List) Len() int { return len(l) }

// IsSorted reports whether the list is strictly ascending.
func (l List) IsSorted() bool {
	for i := 1; i < len(l); i++ {
		if l[i-1] >= l[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not alias l.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	return slices.Clone(l)
}

// Intersect returns the points present in every list. Lists are visited
// shortest first and each candidate from the shortest list is searched for
// in the others with a galloping seek, so the work is bounded by the size of
// the smallest list.
func Intersect(lists ...List) List {
	if len(lists) == 0 {
		return nil
	}
	if len(lists) == 1 {
		return lists[0].Clone()
	}
	ordered := slices.Clone(lists)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i]) < len(ordered[j])
	})
	if len(ordered[0]) == 0 {
		return List{}
	}

	cursors := make([]int, len(ordered))
	result := make(List, 0, len(ordered[0]))
candidates:
	for _, p := range ordered[0] {
		for k := 1; k < len(ordered); k++ {
			other := ordered[k]
			c := seek(other, cursors[k], p)
			cursors[k] = c
			if c == len(other) {
				break candidates
			}
			if other[c] != p {
				continue candidates
			}
		}
		result = append(result, p)
	}
	return result
}

// seek returns the first index >= from whose value is >= p, galloping before
// a binary search.
func seek(l List, from int, p PointOffset) int {
	if from >= len(l) || l[from] >= p {
		return from
	}
	step := 1
	lo, hi := from, from+1
	for hi < len(l) && l[hi] < p {
		lo = hi
		step <<= 1
		hi = from + step
	}
	if hi > len(l) {
		hi = len(l)
	}
	return lo + sort.Search(hi-lo, func(i int) bool { return l[lo+i] >= p })
}

// Union merges lists into one sorted, deduplicated list.
func Union(lists ...List) List {
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	out := make(List, 0, total)
	cursors := make([]int, len(lists))
	for {
		best := -1
		var bestVal PointOffset
		for i, l := range lists {
			if cursors[i] < len(l) && (best < 0 || l[cursors[i]] < bestVal) {
				best, bestVal = i, l[cursors[i]]
			}
		}
		if best < 0 {
			return out
		}
		out = append(out, bestVal)
		for i, l := range lists {
			if cursors[i] < len(l) && l[cursors[i]] == bestVal {
				cursors[i]++
			}
		}
	}
}
