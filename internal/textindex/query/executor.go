// Package query resolves text matches against any index.Inverted backend:
// parsing query tokens into token ids, executing them into a posting list,
// checking a single point, and estimating cardinality.
package query

import (
	"fmt"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/index"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/posting"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
)

// Kind selects how query tokens combine.
type Kind uint8

const (
	// AllTokens matches points containing every token.
	AllTokens Kind = iota
	// AnyToken matches points containing at least one token.
	AnyToken
	// Phrase matches points containing the tokens at consecutive positions.
	Phrase
)

func (k Kind) String() string {
	switch k {
	case AllTokens:
		return "text"
	case AnyToken:
		return "text_any"
	case Phrase:
		return "phrase"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Parsed is a query resolved against one index generation.
type Parsed struct {
	Kind Kind
	// Tokens are distinct and sorted for AllTokens and AnyToken. For Phrase
	// they keep query order, duplicates included.
	Tokens []index.TokenID
	// Unknown is set when some query token is not in the vocabulary.
	Unknown bool
}

// Empty reports whether the query can match nothing without touching any
// posting list.
func (q Parsed) Empty() bool {
	if len(q.Tokens) == 0 {
		return true
	}
	return q.Unknown && q.Kind != AnyToken
}

// Parse resolves tokens produced by the field's tokenizer. Unknown tokens are
// dropped from AnyToken queries and poison the other kinds.
func Parse(inv index.Inverted, tokens []tokenizer.Token, kind Kind) Parsed {
	q := Parsed{Kind: kind, Tokens: make([]index.TokenID, 0, len(tokens))}
	for _, tok := range tokens {
		id, ok := inv.TokenID(tok.Term)
		if !ok {
			q.Unknown = true
			continue
		}
		q.Tokens = append(q.Tokens, id)
	}
	if kind != Phrase {
		slices.Sort(q.Tokens)
		q.Tokens = slices.Compact(q.Tokens)
	}
	return q
}

// Execute returns the sorted points matching q.
func Execute(inv index.Inverted, q Parsed, hw *hwcounter.Cell) (posting.List, error) {
	if q.Empty() {
		return posting.List{}, nil
	}

	distinct := q.Tokens
	if q.Kind == Phrase {
		distinct = slices.Clone(q.Tokens)
		slices.Sort(distinct)
		distinct = slices.Compact(distinct)
	}
	lists := make([]posting.List, 0, len(distinct))
	for _, id := range distinct {
		l, err := inv.Postings(id, hw)
		if err != nil {
			return nil, fmt.Errorf("reading postings of token %d: %w", id, err)
		}
		lists = append(lists, l)
	}
	if err := hw.Check(); err != nil {
		return nil, err
	}

	var out posting.List
	switch q.Kind {
	case AnyToken:
		out = posting.Union(lists...)
	default:
		if len(lists) == 1 {
			out = lists[0]
		} else {
			out = posting.Intersect(lists...)
		}
	}
	for _, l := range lists {
		hw.AddCPU(len(l))
	}

	if q.Kind == Phrase && len(q.Tokens) > 1 && len(out) > 0 {
		return verifyPhrase(inv, q.Tokens, out, hw)
	}
	return out, nil
}

// CheckMatch evaluates q for a single point without materialising lists.
func CheckMatch(inv index.Inverted, q Parsed, point index.PointOffset, hw *hwcounter.Cell) (bool, error) {
	if q.Empty() {
		return false, nil
	}
	switch q.Kind {
	case AnyToken:
		for _, id := range q.Tokens {
			if inv.Contains(id, point, hw) {
				return true, nil
			}
		}
		return false, nil
	default:
		for _, id := range q.Tokens {
			if !inv.Contains(id, point, hw) {
				return false, nil
			}
		}
		if q.Kind == Phrase && len(q.Tokens) > 1 {
			out, err := verifyPhrase(inv, q.Tokens, posting.List{point}, hw)
			return len(out) == 1, err
		}
		return true, nil
	}
}

// verifyPhrase keeps the candidates in which tokens occur at consecutive
// positions in query order.
func verifyPhrase(inv index.Inverted, tokens []index.TokenID, candidates posting.List, hw *hwcounter.Cell) (posting.List, error) {
	lookups := make(map[index.TokenID]index.TokenPositions, len(tokens))
	for _, id := range tokens {
		if _, ok := lookups[id]; ok {
			continue
		}
		tp, err := inv.PositionsOf(id, hw)
		if err != nil {
			return nil, fmt.Errorf("phrase match: %w", err)
		}
		lookups[id] = tp
	}

	out := make(posting.List, 0, len(candidates))
	perToken := make([]posting.Positions, len(tokens))
candidates:
	for _, point := range candidates {
		for i, id := range tokens {
			ps, ok, err := lookups[id].At(point)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue candidates
			}
			perToken[i] = ps
		}
		hw.AddCPU(len(perToken[0]))
		for _, start := range perToken[0] {
			if phraseAt(perToken, start) {
				out = append(out, point)
				break
			}
		}
	}
	return out, nil
}

func phraseAt(perToken []posting.Positions, start uint32) bool {
	for i := 1; i < len(perToken); i++ {
		if !perToken[i].Contains(start + uint32(i)) {
			return false
		}
	}
	return true
}
