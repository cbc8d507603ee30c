package index

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/posting"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
)

// TokenHeader locates the frozen posting list and position block of one
// token inside a Layout.
type TokenHeader struct {
	Length       uint32
	Encoding     posting.Encoding
	PosCodec     posting.PositionCodec
	PostingOff   uint64
	PostingSize  uint32
	PositionOff  uint64
	PositionSize uint32
}

// Layout is the compacted, read-only form of an inverted index. Terms are
// sorted and a token's id is its index in Terms, so ids are stable across
// any two builds of the same content.
type Layout struct {
	Terms     []string
	Headers   []TokenHeader
	Postings  []byte
	Positions []byte
	// PointCounts holds the distinct-token count of every indexed point,
	// sorted by point. Point offsets can be sparse, so it is not indexed by
	// offset.
	PointCounts   []PointCount
	PointsCount   int
	WithPositions bool
}

// PointCount is the number of distinct tokens of one point.
type PointCount struct {
	Point PointOffset
	Count uint32
}

// ValuesCount returns the distinct-token count of point, zero when the point
// is not indexed.
func (l *Layout) ValuesCount(point PointOffset) int {
	i, ok := slices.BinarySearchFunc(l.PointCounts, point, func(pc PointCount, p PointOffset) int {
		return cmp.Compare(pc.Point, p)
	})
	if !ok {
		return 0
	}
	return int(l.PointCounts[i].Count)
}

// postingAlign keeps every encoded list word aligned so roaring bitmaps can
// be read in place.
const postingAlign = 8

// Build compacts m into a Layout. Tokens whose lists became empty through
// deletions are dropped and ids are reassigned in term order.
func Build(m *Mutable, hw *hwcounter.Cell) (*Layout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order := make([]TokenID, 0, len(m.terms))
	for id := range m.terms {
		if len(m.postings[id]) > 0 {
			order = append(order, TokenID(id))
		}
	}
	slices.SortFunc(order, func(a, b TokenID) int {
		switch ta, tb := m.terms[a], m.terms[b]; {
		case ta < tb:
			return -1
		case ta > tb:
			return 1
		}
		return 0
	})

	l := &Layout{
		Terms:         make([]string, len(order)),
		Headers:       make([]TokenHeader, len(order)),
		WithPositions: m.withPositions,
		PointsCount:   len(m.docs),
	}
	for newID, oldID := range order {
		list := m.postings[oldID]
		if !list.IsSorted() {
			return nil, fmt.Errorf("posting list of %q is not sorted", m.terms[oldID])
		}
		enc, data, err := posting.Encode(list)
		if err != nil {
			return nil, fmt.Errorf("encoding posting list of %q: %w", m.terms[oldID], err)
		}
		for len(l.Postings)%postingAlign != 0 {
			l.Postings = append(l.Postings, 0)
		}
		h := TokenHeader{
			Length:      uint32(len(list)),
			Encoding:    enc,
			PostingOff:  uint64(len(l.Postings)),
			PostingSize: uint32(len(data)),
		}
		l.Postings = append(l.Postings, data...)

		if m.withPositions {
			perPoint := make([]posting.Positions, len(list))
			for i, p := range list {
				perPoint[i] = m.positions[oldID][p]
			}
			codec, block := posting.EncodePositionBlock(perPoint)
			h.PosCodec = codec
			h.PositionOff = uint64(len(l.Positions))
			h.PositionSize = uint32(len(block))
			l.Positions = append(l.Positions, block...)
		}

		l.Terms[newID] = m.terms[oldID]
		l.Headers[newID] = h
		hw.AddCPU(len(list))
	}

	l.PointCounts = make([]PointCount, 0, len(m.docs))
	for p, ids := range m.docs {
		l.PointCounts = append(l.PointCounts, PointCount{Point: p, Count: uint32(len(ids))})
	}
	slices.SortFunc(l.PointCounts, func(a, b PointCount) int { return cmp.Compare(a.Point, b.Point) })
	return l, nil
}

// PostingBytes returns the encoded list of token id.
func (l *Layout) PostingBytes(id TokenID) []byte {
	h := l.Headers[id]
	return l.Postings[h.PostingOff : h.PostingOff+uint64(h.PostingSize)]
}

// PositionBytes returns the encoded position block of token id.
func (l *Layout) PositionBytes(id TokenID) []byte {
	h := l.Headers[id]
	return l.Positions[h.PositionOff : h.PositionOff+uint64(h.PositionSize)]
}
