// Package tokenizer turns payload text into normalised tokens. It applies
// NFKC normalisation, splits on whitespace or word boundaries, lower-cases,
// drops tokens outside the configured length range and stop-words, and can
// stem or expand words into prefixes.
package tokenizer

import (
	"fmt"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kljensen/snowball"
	"golang.org/x/text/unicode/norm"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
)

// Token represents a single normalised term and its ordinal position among
// the tokens emitted for one document.
type Token struct {
	Term     string
	Position int
}

// Config selects how text is split and filtered.
type Config struct {
	Kind        string
	Lowercase   bool
	MinTokenLen int
	MaxTokenLen int
	StopWords   *StopWords
	Stemmer     string
}

var stemmerLanguages = map[string]struct{}{
	"english": {}, "spanish": {}, "french": {}, "russian": {},
	"swedish": {}, "norwegian": {}, "hungarian": {},
}

// Tokenizer is immutable after construction and safe for concurrent use.
type Tokenizer struct {
	cfg Config
}

func New(cfg Config) (*Tokenizer, error) {
	if cfg.Kind == "" {
		cfg.Kind = config.TokenizerWord
	}
	switch cfg.Kind {
	case config.TokenizerWhitespace, config.TokenizerWord, config.TokenizerPrefix:
	default:
		return nil, fmt.Errorf("unknown tokenizer kind %q", cfg.Kind)
	}
	if cfg.Kind == config.TokenizerPrefix && cfg.MaxTokenLen <= 0 {
		return nil, fmt.Errorf("prefix tokenizer needs a max token length")
	}
	if cfg.Stemmer != "" {
		if _, ok := stemmerLanguages[cfg.Stemmer]; !ok {
			return nil, fmt.Errorf("no stemmer for language %q", cfg.Stemmer)
		}
	}
	return &Tokenizer{cfg: cfg}, nil
}

// FromParams builds a tokenizer from a field's text index parameters,
// loading its stop-word set.
func FromParams(p config.TextIndexParams) (*Tokenizer, error) {
	stop, err := LoadStopWords(p.Languages, p.StopWords, p.LowercaseEnabled())
	if err != nil {
		return nil, err
	}
	return New(Config{
		Kind:        p.Tokenizer,
		Lowercase:   p.LowercaseEnabled(),
		MinTokenLen: p.MinTokenLen,
		MaxTokenLen: p.MaxTokenLen,
		StopWords:   stop,
		Stemmer:     p.Stemmer,
	})
}

// Tokens lazily yields the document-side tokens of text. The sequence can be
// ranged over any number of times.
func (t *Tokenizer) Tokens(text string) iter.Seq[Token] {
	return func(yield func(Token) bool) {
		t.emit(text, 0, false, yield)
	}
}

// TokenizeDocument tokenizes every value of a multi-valued text field.
// Positions continue across values with a gap of one, so a phrase never
// matches across two values.
func (t *Tokenizer) TokenizeDocument(values []string) []Token {
	var tokens []Token
	pos := 0
	for i, v := range values {
		if i > 0 && len(tokens) > 0 {
			pos = tokens[len(tokens)-1].Position + 2
		}
		t.emit(v, pos, false, func(tok Token) bool {
			tokens = append(tokens, tok)
			return true
		})
	}
	return tokens
}

// TokenizeQuery tokenizes the text of a match condition. For the prefix
// tokenizer each word becomes a single token truncated to the max length
// instead of being expanded.
func (t *Tokenizer) TokenizeQuery(text string) []Token {
	var tokens []Token
	t.emit(text, 0, true, func(tok Token) bool {
		tokens = append(tokens, tok)
		return true
	})
	return tokens
}

func (t *Tokenizer) emit(text string, start int, query bool, yield func(Token) bool) {
	text = norm.NFKC.String(text)
	pos := start
	for word := range t.words(text) {
		if t.cfg.Lowercase {
			word = strings.ToLower(word)
		}
		if t.cfg.StopWords.Contains(word) {
			continue
		}
		if t.cfg.Stemmer != "" {
			if stemmed, err := snowball.Stem(word, t.cfg.Stemmer, false); err == nil && stemmed != "" {
				word = stemmed
			}
		}
		if t.cfg.Kind == config.TokenizerPrefix {
			emitted, ok := t.emitPrefixes(word, pos, query, yield)
			if !ok {
				return
			}
			if emitted {
				pos++
			}
			continue
		}
		if !t.lengthOK(utf8.RuneCountInString(word)) {
			continue
		}
		if !yield(Token{Term: word, Position: pos}) {
			return
		}
		pos++
	}
}

// emitPrefixes yields every prefix of word between the min and max length,
// all sharing one position. On the query side only the longest prefix is
// produced.
func (t *Tokenizer) emitPrefixes(word string, pos int, query bool, yield func(Token) bool) (emitted, ok bool) {
	n := utf8.RuneCountInString(word)
	minLen := max(t.cfg.MinTokenLen, 1)
	if n < minLen {
		return false, true
	}
	if query {
		return true, yield(Token{Term: prefixRunes(word, min(n, t.cfg.MaxTokenLen)), Position: pos})
	}
	for l := minLen; l <= min(n, t.cfg.MaxTokenLen); l++ {
		if !yield(Token{Term: prefixRunes(word, l), Position: pos}) {
			return true, false
		}
	}
	return true, true
}

func (t *Tokenizer) lengthOK(n int) bool {
	if n == 0 {
		return false
	}
	if t.cfg.MinTokenLen > 0 && n < t.cfg.MinTokenLen {
		return false
	}
	if t.cfg.MaxTokenLen > 0 && n > t.cfg.MaxTokenLen {
		return false
	}
	return true
}

// words splits text without materialising the whole word list.
func (t *Tokenizer) words(text string) iter.Seq[string] {
	isSep := func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}
	if t.cfg.Kind == config.TokenizerWhitespace {
		isSep = unicode.IsSpace
	}
	return func(yield func(string) bool) {
		start := -1
		for i, r := range text {
			if isSep(r) {
				if start >= 0 {
					if !yield(text[start:i]) {
						return
					}
					start = -1
				}
				continue
			}
			if start < 0 {
				start = i
			}
		}
		if start >= 0 {
			yield(text[start:])
		}
	}
}

func prefixRunes(s string, n int) string {
	i := 0
	for j := range s {
		if i == n {
			return s[:j]
		}
		i++
	}
	return s
}
