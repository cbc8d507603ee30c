package tokenizer

import (
	"fmt"
	"strings"
)

var languageStopWords = map[string][]string{
	"english": {
		"a", "about", "above", "after", "again", "against", "all", "am", "an", "and",
		"any", "are", "as", "at", "be", "because", "been", "before", "being", "below",
		"between", "both", "but", "by", "can", "did", "do", "does", "doing", "down",
		"during", "each", "few", "for", "from", "further", "had", "has", "have", "having",
		"he", "her", "here", "hers", "him", "his", "how", "i", "if", "in", "into", "is",
		"it", "its", "itself", "just", "me", "more", "most", "my", "no", "nor", "not",
		"now", "of", "off", "on", "once", "only", "or", "other", "our", "ours", "out",
		"over", "own", "same", "she", "should", "so", "some", "such", "than", "that",
		"the", "their", "theirs", "them", "then", "there", "these", "they", "this",
		"those", "through", "to", "too", "under", "until", "up", "very", "was", "we",
		"were", "what", "when", "where", "which", "while", "who", "whom", "why", "will",
		"with", "you", "your", "yours",
	},
	"german": {
		"aber", "alle", "als", "also", "am", "an", "auch", "auf", "aus", "bei", "bin",
		"bis", "da", "dann", "das", "dass", "dem", "den", "der", "des", "die", "doch",
		"du", "durch", "ein", "eine", "einem", "einen", "einer", "es", "für", "hat",
		"ich", "ihr", "im", "in", "ist", "ja", "kein", "man", "mit", "nach", "nicht",
		"noch", "nur", "ob", "oder", "sich", "sie", "sind", "so", "um", "und", "uns",
		"von", "vor", "war", "was", "wenn", "wie", "wir", "zu", "zum", "zur",
	},
	"french": {
		"au", "aux", "avec", "ce", "ces", "dans", "de", "des", "du", "elle", "en", "et",
		"eux", "il", "je", "la", "le", "les", "leur", "lui", "ma", "mais", "me", "même",
		"mes", "moi", "mon", "ne", "nos", "notre", "nous", "on", "ou", "par", "pas",
		"pour", "qu", "que", "qui", "sa", "se", "ses", "son", "sur", "ta", "te", "tes",
		"toi", "ton", "tu", "un", "une", "vos", "votre", "vous", "est", "sont",
	},
	"spanish": {
		"a", "al", "algo", "con", "contra", "cual", "de", "del", "desde", "donde", "el",
		"ella", "ellos", "en", "entre", "era", "es", "esta", "este", "fue", "ha", "la",
		"las", "le", "les", "lo", "los", "mas", "me", "mi", "muy", "nada", "ni", "no",
		"nos", "o", "para", "pero", "por", "que", "se", "si", "sin", "sobre", "su",
		"sus", "también", "te", "tu", "un", "una", "uno", "y", "ya", "yo",
	},
}

// StopWords is a read-only set shared by every document of a field. A nil
// *StopWords contains nothing.
type StopWords struct {
	set map[string]struct{}
}

// LoadStopWords merges the built-in lists of the given languages with custom
// words. Custom words are lower-cased when the field lower-cases tokens so
// they match after normalisation.
func LoadStopWords(languages []string, custom []string, lowercase bool) (*StopWords, error) {
	if len(languages) == 0 && len(custom) == 0 {
		return nil, nil
	}
	set := make(map[string]struct{})
	for _, lang := range languages {
		words, ok := languageStopWords[strings.ToLower(lang)]
		if !ok {
			return nil, fmt.Errorf("unsupported stop-word language %q", lang)
		}
		for _, w := range words {
			set[w] = struct{}{}
		}
	}
	for _, w := range custom {
		if lowercase {
			w = strings.ToLower(w)
		}
		set[w] = struct{}{}
	}
	return &StopWords{set: set}, nil
}

func (s *StopWords) Contains(word string) bool {
	if s == nil {
		return false
	}
	_, ok := s.set[word]
	return ok
}

func (s *StopWords) Len() int {
	if s == nil {
		return 0
	}
	return len(s.set)
}

// Languages lists the built-in stop-word languages.
func Languages() []string {
	out := make([]string, 0, len(languageStopWords))
	for lang := range languageStopWords {
		out = append(out, lang)
	}
	return out
}
