package tokenizer

import (
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
)

func terms(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Term
	}
	return out
}

func collect(tk *Tokenizer, text string) []Token {
	return slices.Collect(tk.Tokens(text))
}

func TestWordTokenizer(t *testing.T) {
	tk, err := New(Config{Kind: config.TokenizerWord, Lowercase: true})
	require.NoError(t, err)

	tokens := collect(tk, "The Quick, brown-fox!")
	assert.Equal(t, []string{"the", "quick", "brown", "fox"}, terms(tokens))
	for i, tok := range tokens {
		assert.Equal(t, i, tok.Position)
	}
}

func TestWhitespaceTokenizerKeepsPunctuation(t *testing.T) {
	tk, err := New(Config{Kind: config.TokenizerWhitespace})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello,", "brown-fox"}, terms(collect(tk, "Hello,  brown-fox\n")))
}

func TestLengthAndStopWordFilters(t *testing.T) {
	stop, err := LoadStopWords([]string{"english"}, []string{"FOX"}, true)
	require.NoError(t, err)
	tk, err := New(Config{Lowercase: true, MinTokenLen: 2, MaxTokenLen: 5, StopWords: stop})
	require.NoError(t, err)

	tokens := collect(tk, "a quick brownish Fox and the dog")
	assert.Equal(t, []string{"quick", "dog"}, terms(tokens))
	assert.Equal(t, []int{0, 1}, []int{tokens[0].Position, tokens[1].Position})
}

func TestStopWordsMatchAfterNormalization(t *testing.T) {
	stop, err := LoadStopWords([]string{"english"}, nil, true)
	require.NoError(t, err)
	tk, err := New(Config{Lowercase: true, StopWords: stop})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat"}, terms(collect(tk, "THE cat")))
}

func TestNFKCNormalization(t *testing.T) {
	tk, err := New(Config{Lowercase: true})
	require.NoError(t, err)
	// Fullwidth letters fold to ASCII under NFKC.
	assert.Equal(t, []string{"abc"}, terms(collect(tk, "ＡＢＣ")))
}

func TestPrefixTokenizer(t *testing.T) {
	tk, err := New(Config{Kind: config.TokenizerPrefix, Lowercase: true, MinTokenLen: 2, MaxTokenLen: 4})
	require.NoError(t, err)

	doc := collect(tk, "Hello go")
	assert.Equal(t, []string{"he", "hel", "hell", "go"}, terms(doc))
	assert.Equal(t, 0, doc[2].Position)
	assert.Equal(t, 1, doc[3].Position)

	query := tk.TokenizeQuery("Hello go")
	assert.Equal(t, []string{"hell", "go"}, terms(query))
}

func TestStemmer(t *testing.T) {
	tk, err := New(Config{Lowercase: true, Stemmer: "english"})
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "fox"}, terms(collect(tk, "running foxes")))

	_, err = New(Config{Stemmer: "klingon"})
	assert.Error(t, err)
}

func TestTokenizeDocumentGapBetweenValues(t *testing.T) {
	tk, err := New(Config{Lowercase: true})
	require.NoError(t, err)

	tokens := tk.TokenizeDocument([]string{"quick brown", "fox"})
	assert.Equal(t, []string{"quick", "brown", "fox"}, terms(tokens))
	assert.Equal(t, 3, tokens[2].Position)
}

func TestTokensIsRestartableAndLazy(t *testing.T) {
	tk, err := New(Config{Lowercase: true})
	require.NoError(t, err)
	seq := tk.Tokens(strings.Repeat("word ", 100))

	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
	assert.Len(t, slices.Collect(seq), 100)
}

func TestFromParams(t *testing.T) {
	tk, err := FromParams(config.TextIndexParams{Languages: []string{"english"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"quick", "fox"}, terms(tk.TokenizeQuery("the quick fox")))

	_, err = FromParams(config.TextIndexParams{Languages: []string{"elvish"}})
	assert.Error(t, err)
}
