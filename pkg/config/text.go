package config

import (
	"fmt"
	"slices"
)

// Tokenizer kinds accepted in TextIndexParams.Tokenizer.
const (
	TokenizerWhitespace = "whitespace"
	TokenizerWord       = "word"
	TokenizerPrefix     = "prefix"
)

// TextIndexParams is the per-field configuration of a full-text index. It is
// part of the field schema, so two fields can tokenize differently.
type TextIndexParams struct {
	Tokenizer   string   `yaml:"tokenizer" json:"tokenizer"`
	Lowercase   *bool    `yaml:"lowercase,omitempty" json:"lowercase,omitempty"`
	MinTokenLen int      `yaml:"minTokenLen,omitempty" json:"min_token_len,omitempty"`
	MaxTokenLen int      `yaml:"maxTokenLen,omitempty" json:"max_token_len,omitempty"`
	Languages   []string `yaml:"stopwordLanguages,omitempty" json:"stopword_languages,omitempty"`
	StopWords   []string `yaml:"stopwords,omitempty" json:"stopwords,omitempty"`
	Stemmer     string   `yaml:"stemmer,omitempty" json:"stemmer,omitempty"`
	PhraseMatch bool     `yaml:"phraseMatching" json:"phrase_matching"`
	OnDisk      bool     `yaml:"onDisk" json:"on_disk"`
}

// DefaultTextIndexParams mirrors the defaults of a freshly created text field:
// word tokenizer, lowercasing, no length limits, no stop-words.
func DefaultTextIndexParams() TextIndexParams {
	return TextIndexParams{
		Tokenizer: TokenizerWord,
	}
}

// LowercaseEnabled defaults to true when the flag was not set.
func (p TextIndexParams) LowercaseEnabled() bool {
	return p.Lowercase == nil || *p.Lowercase
}

func (p TextIndexParams) Validate() error {
	switch p.Tokenizer {
	case "", TokenizerWhitespace, TokenizerWord, TokenizerPrefix:
	default:
		return fmt.Errorf("unknown tokenizer %q", p.Tokenizer)
	}
	if p.MinTokenLen < 0 || p.MaxTokenLen < 0 {
		return fmt.Errorf("token length limits must be non-negative")
	}
	if p.MaxTokenLen > 0 && p.MinTokenLen > p.MaxTokenLen {
		return fmt.Errorf("min token length %d exceeds max %d", p.MinTokenLen, p.MaxTokenLen)
	}
	if p.Tokenizer == TokenizerPrefix && p.MaxTokenLen == 0 {
		return fmt.Errorf("prefix tokenizer requires maxTokenLen")
	}
	return nil
}

// Equal reports whether two parameter sets produce the same index. OnDisk is
// a storage choice and does not affect compatibility.
func (p TextIndexParams) Equal(o TextIndexParams) bool {
	norm := func(s string) string {
		if s == "" {
			return TokenizerWord
		}
		return s
	}
	return norm(p.Tokenizer) == norm(o.Tokenizer) &&
		p.LowercaseEnabled() == o.LowercaseEnabled() &&
		p.MinTokenLen == o.MinTokenLen &&
		p.MaxTokenLen == o.MaxTokenLen &&
		slices.Equal(p.Languages, o.Languages) &&
		slices.Equal(p.StopWords, o.StopWords) &&
		p.Stemmer == o.Stemmer &&
		p.PhraseMatch == o.PhraseMatch
}
