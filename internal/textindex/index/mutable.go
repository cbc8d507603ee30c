package index

import (
	"fmt"
	"slices"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/posting"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
)

// Mutable is the live in-memory inverted index. All state sits behind one
// RWMutex so callers holding only shared access to the field can still
// insert and remove documents.
type Mutable struct {
	mu        sync.RWMutex
	vocab     map[string]TokenID
	terms     []string
	postings  []posting.List
	positions []map[PointOffset]posting.Positions
	// docs is the reverse map point -> sorted distinct token ids, so removal
	// touches only the lists of the document's own tokens.
	docs          map[PointOffset][]TokenID
	withPositions bool
}

func NewMutable(withPositions bool) *Mutable {
	return &Mutable{
		vocab:         make(map[string]TokenID),
		docs:          make(map[PointOffset][]TokenID),
		withPositions: withPositions,
	}
}

// InsertDocument indexes the tokens of point. A point indexed before is
// removed first, so re-insertion replaces its tokens.
func (m *Mutable) InsertDocument(point PointOffset, tokens []tokenizer.Token, hw *hwcounter.Cell) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(point, hw)
	if len(tokens) == 0 {
		return
	}

	ids := make([]TokenID, 0, len(tokens))
	for _, tok := range tokens {
		id := m.tokenIDLocked(tok.Term)
		ids = append(ids, id)
		if m.withPositions {
			ps := m.positions[id][point]
			ps.Add(uint32(tok.Position))
			m.positions[id][point] = ps
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	for _, id := range ids {
		m.postings[id].Insert(point)
	}
	m.docs[point] = ids
	hw.AddPayloadIndexWrite(4 * len(ids))
}

// RemoveDocument drops point from every posting list it appears in. Removing
// an unknown point is a no-op.
func (m *Mutable) RemoveDocument(point PointOffset, hw *hwcounter.Cell) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(point, hw)
}

func (m *Mutable) removeLocked(point PointOffset, hw *hwcounter.Cell) bool {
	ids, ok := m.docs[point]
	if !ok {
		return false
	}
	for _, id := range ids {
		m.postings[id].Remove(point)
		if m.withPositions {
			delete(m.positions[id], point)
		}
	}
	delete(m.docs, point)
	hw.AddPayloadIndexWrite(4 * len(ids))
	return true
}

func (m *Mutable) tokenIDLocked(term string) TokenID {
	if id, ok := m.vocab[term]; ok {
		return id
	}
	id := TokenID(len(m.terms))
	m.vocab[term] = id
	m.terms = append(m.terms, term)
	m.postings = append(m.postings, nil)
	if m.withPositions {
		m.positions = append(m.positions, make(map[PointOffset]posting.Positions))
	}
	return id
}

func (m *Mutable) TokenID(term string) (TokenID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.vocab[term]
	return id, ok
}

func (m *Mutable) PostingLen(id TokenID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(id) >= len(m.postings) {
		return 0
	}
	return len(m.postings[id])
}

func (m *Mutable) Postings(id TokenID, hw *hwcounter.Cell) (posting.List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(id) >= len(m.postings) {
		return posting.List{}, nil
	}
	l := m.postings[id].Clone()
	hw.AddPayloadIndexRead(4 * len(l))
	if l == nil {
		l = posting.List{}
	}
	return l, nil
}

func (m *Mutable) Contains(id TokenID, point PointOffset, hw *hwcounter.Cell) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.docs[point]
	hw.AddPayloadIndexRead(4)
	_, found := slices.BinarySearch(ids, id)
	return found
}

func (m *Mutable) PositionsOf(id TokenID, hw *hwcounter.Cell) (TokenPositions, error) {
	if !m.withPositions {
		return nil, ErrNoPositions
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(id) >= len(m.terms) {
		return nil, fmt.Errorf("unknown token id %d", id)
	}
	return mutablePositions{m: m, id: id, hw: hw}, nil
}

type mutablePositions struct {
	m  *Mutable
	id TokenID
	hw *hwcounter.Cell
}

func (p mutablePositions) At(point PointOffset) (posting.Positions, bool, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	ps, ok := p.m.positions[p.id][point]
	if !ok {
		return nil, false, nil
	}
	p.hw.AddPayloadIndexRead(4 * len(ps))
	return slices.Clone(ps), true, nil
}

func (m *Mutable) HasPositions() bool { return m.withPositions }

func (m *Mutable) PointsCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *Mutable) ValuesCount(point PointOffset) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[point])
}

// TokensCount counts tokens that still have points. Ids of emptied tokens
// stay reserved until the next build.
func (m *Mutable) TokensCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.postings {
		if len(l) > 0 {
			n++
		}
	}
	return n
}

func (m *Mutable) ForEachToken(fn func(term string, id TokenID, postingLen int) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, term := range m.terms {
		if n := len(m.postings[id]); n > 0 {
			if !fn(term, TokenID(id), n) {
				return
			}
		}
	}
}

func (m *Mutable) Immutable() bool { return false }

// DocumentTokens returns the token ids of point, for tests and diagnostics.
func (m *Mutable) DocumentTokens(point PointOffset) []TokenID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.docs[point])
}
