package index

import (
	"fmt"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/posting"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
)

// Immutable serves queries from a Layout held in memory. Lists stay encoded
// and are decoded on access.
type Immutable struct {
	layout *Layout
	lists  []posting.Compressed
}

// NewImmutable validates every list of l and wraps it.
func NewImmutable(l *Layout) (*Immutable, error) {
	lists := make([]posting.Compressed, len(l.Headers))
	for id, h := range l.Headers {
		c, err := posting.NewCompressed(h.Encoding, l.PostingBytes(TokenID(id)), int(h.Length))
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", l.Terms[id], err)
		}
		lists[id] = c
	}
	return &Immutable{layout: l, lists: lists}, nil
}

// Layout exposes the frozen form, used when persisting to disk.
func (im *Immutable) Layout() *Layout { return im.layout }

func (im *Immutable) TokenID(term string) (TokenID, bool) {
	id, found := slices.BinarySearch(im.layout.Terms, term)
	return TokenID(id), found
}

func (im *Immutable) PostingLen(id TokenID) int {
	if int(id) >= len(im.lists) {
		return 0
	}
	return im.lists[id].Len()
}

func (im *Immutable) Postings(id TokenID, hw *hwcounter.Cell) (posting.List, error) {
	if int(id) >= len(im.lists) {
		return posting.List{}, nil
	}
	c := im.lists[id]
	hw.AddPayloadIndexRead(c.Size())
	return c.Decode()
}

func (im *Immutable) Contains(id TokenID, point PointOffset, hw *hwcounter.Cell) bool {
	if int(id) >= len(im.lists) {
		return false
	}
	hw.AddPayloadIndexRead(4)
	return im.lists[id].Contains(point)
}

func (im *Immutable) PositionsOf(id TokenID, hw *hwcounter.Cell) (TokenPositions, error) {
	if !im.layout.WithPositions {
		return nil, ErrNoPositions
	}
	list, err := im.Postings(id, hw)
	if err != nil {
		return nil, err
	}
	block := im.layout.PositionBytes(id)
	hw.AddPayloadIndexRead(len(block))
	return NewFrozenPositions(list, im.layout.Headers[id].PosCodec, block)
}

func (im *Immutable) HasPositions() bool { return im.layout.WithPositions }

func (im *Immutable) PointsCount() int { return im.layout.PointsCount }

func (im *Immutable) ValuesCount(point PointOffset) int {
	return im.layout.ValuesCount(point)
}

func (im *Immutable) TokensCount() int { return len(im.layout.Terms) }

func (im *Immutable) ForEachToken(fn func(term string, id TokenID, postingLen int) bool) {
	for id, term := range im.layout.Terms {
		if !fn(term, TokenID(id), int(im.layout.Headers[id].Length)) {
			return
		}
	}
}

func (im *Immutable) Immutable() bool { return true }
