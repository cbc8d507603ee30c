package payload

import (
	"encoding/json"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/query"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
)

// defaultTokenizer evaluates text matches on fields without a text index.
var defaultTokenizer = sync.OnceValue(func() *tokenizer.Tokenizer {
	tok, err := tokenizer.FromParams(config.DefaultTextIndexParams())
	if err != nil {
		panic(err)
	}
	return tok
})

// matchValues evaluates m against raw payload values. Text matches follow
// the same token semantics as a text index built with tok.
func matchValues(values []any, m Match, tok *tokenizer.Tokenizer) bool {
	tm, ok := m.TextMatch()
	if !ok {
		for _, v := range values {
			if valuesEqual(v, m.Value) {
				return true
			}
		}
		return false
	}
	texts := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			texts = append(texts, s)
		}
	}
	if len(texts) == 0 {
		return false
	}
	if tok == nil {
		tok = defaultTokenizer()
	}
	return matchText(tok, texts, tm)
}

func matchText(tok *tokenizer.Tokenizer, texts []string, m textindex.Match) bool {
	want := tok.TokenizeQuery(m.Text)
	if len(want) == 0 {
		return false
	}
	positions := make(map[string][]int)
	for _, t := range tok.TokenizeDocument(texts) {
		positions[t.Term] = append(positions[t.Term], t.Position)
	}
	switch m.Kind {
	case query.AnyToken:
		for _, t := range want {
			if _, ok := positions[t.Term]; ok {
				return true
			}
		}
		return false
	case query.Phrase:
		for _, start := range positions[want[0].Term] {
			if phraseAt(positions, want, start) {
				return true
			}
		}
		return false
	default:
		for _, t := range want {
			if _, ok := positions[t.Term]; !ok {
				return false
			}
		}
		return true
	}
}

func phraseAt(positions map[string][]int, want []tokenizer.Token, start int) bool {
	for i, t := range want[1:] {
		found := false
		for _, p := range positions[t.Term] {
			if p == start+i+1 {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
