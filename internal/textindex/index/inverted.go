// Package index implements the inverted index backends of a text field: the
// mutable in-memory index that accepts inserts and deletes, the builder that
// compacts it, and the immutable index over the compacted layout. The mmap
// backend in package segment satisfies the same Inverted interface.
package index

import (
	"fmt"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/posting"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
)

// TokenID is valid only within the index generation that assigned it.
type TokenID = uint32

type PointOffset = posting.PointOffset

// Inverted is the capability set shared by the mutable, immutable and mmap
// backends. Query execution and cardinality estimation depend only on it.
type Inverted interface {
	// TokenID resolves a normalised term.
	TokenID(term string) (TokenID, bool)
	// PostingLen is the number of points containing the token.
	PostingLen(id TokenID) int
	// Postings returns a list the caller may keep; it never aliases
	// mutable state.
	Postings(id TokenID, hw *hwcounter.Cell) (posting.List, error)
	// Contains reports whether point holds the token.
	Contains(id TokenID, point PointOffset, hw *hwcounter.Cell) bool
	// PositionsOf returns per-point positions of a token. It fails when the
	// index was built without positions.
	PositionsOf(id TokenID, hw *hwcounter.Cell) (TokenPositions, error)
	HasPositions() bool
	// PointsCount is the number of points with at least one token.
	PointsCount() int
	// ValuesCount is the number of distinct tokens of a point.
	ValuesCount(point PointOffset) int
	TokensCount() int
	// ForEachToken visits every token with a non-empty posting list until
	// fn returns false.
	ForEachToken(fn func(term string, id TokenID, postingLen int) bool)
	// Immutable reports whether inserts and removals are rejected.
	Immutable() bool
}

// TokenPositions looks up the positions of one token for a point.
type TokenPositions interface {
	At(point PointOffset) (posting.Positions, bool, error)
}

// ErrNoPositions is returned by PositionsOf on indexes built without
// phrase support. Phrase queries against such an index are invalid input.
var ErrNoPositions = fmt.Errorf("%w: index has no token positions", apperrors.ErrInvalidInput)

// frozenPositions serves positions from a decoded posting list and its
// position block. Shared by the immutable and mmap backends.
type frozenPositions struct {
	list  posting.List
	block posting.PositionBlock
}

// NewFrozenPositions pairs a decoded posting list with its encoded position
// block.
func NewFrozenPositions(list posting.List, codec posting.PositionCodec, data []byte) (TokenPositions, error) {
	block, err := posting.NewPositionBlock(codec, data, len(list))
	if err != nil {
		return nil, err
	}
	return frozenPositions{list: list, block: block}, nil
}

func (f frozenPositions) At(point PointOffset) (posting.Positions, bool, error) {
	idx, found := slices.BinarySearch(f.list, point)
	if !found {
		return nil, false, nil
	}
	ps, err := f.block.At(idx)
	if err != nil {
		return nil, false, err
	}
	return ps, true, nil
}
