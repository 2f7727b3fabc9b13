package moderation

import (
	"context"
	"strings"
	"unicode"

	"storybook/internal/domain"
)

// Lexicon is the default classifier: a case-insensitive whole-word scan over
// the banned lexicon. It never errors and needs no network, so it is always
// a safe fallback.
type Lexicon struct {
	words map[string]struct{}
}

// NewLexicon builds the classifier from the shared banned-word list.
func NewLexicon() *Lexicon {
	banned := domain.BannedWords()
	words := make(map[string]struct{}, len(banned))
	for _, w := range banned {
		words[strings.ToLower(w)] = struct{}{}
	}
	return &Lexicon{words: words}
}

func (l *Lexicon) Name() string { return "lexicon" }

// ClassifyText scans for banned words. Every match becomes a category.
func (l *Lexicon) ClassifyText(ctx context.Context, text string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	var hits []string
	seen := make(map[string]struct{})
	for _, tok := range splitWords(text) {
		w := strings.ToLower(tok)
		if _, banned := l.words[w]; !banned {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		hits = append(hits, w)
	}
	if len(hits) > 0 {
		return Verdict{Safe: false, Categories: hits, Reason: "banned words: " + strings.Join(hits, ", ")}, nil
	}
	return Verdict{Safe: true}, nil
}

// splitWords tokenizes on anything that is not a letter or digit, so
// punctuation never hides a match.
func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var _ Classifier = (*Lexicon)(nil)
