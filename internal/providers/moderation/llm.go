package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"storybook/internal/providers/llm"
)

const classifierSystem = `You are a strict content-safety classifier for children's picture books. ` +
	`Evaluate whether the text is appropriate for young children. ` +
	`Respond with JSON only: {"safe": true|false, "categories": ["..."], "reason": "..."}. ` +
	`Flag violence, gore, weapons, sexual content, drugs, self-harm, horror, and hate.`

// LLM classifies through a chat completion. It wraps a fallback lexicon scan:
// when the banned-word list already flags the text there is no reason to
// spend a model call.
type LLM struct {
	completer llm.Completer
	lexicon   *Lexicon
}

// NewLLM builds the model-backed classifier.
func NewLLM(completer llm.Completer) *LLM {
	return &LLM{completer: completer, lexicon: NewLexicon()}
}

func (m *LLM) Name() string { return "llm:" + m.completer.Name() }

// ClassifyText asks the model for a verdict. Lexicon hits short-circuit.
func (m *LLM) ClassifyText(ctx context.Context, text string) (Verdict, error) {
	if v, err := m.lexicon.ClassifyText(ctx, text); err != nil || !v.Safe {
		return v, err
	}

	raw, err := m.completer.Complete(ctx, llm.Request{
		System:      classifierSystem,
		User:        fmt.Sprintf("Text to classify:\n%s", text),
		MaxTokens:   300,
		Temperature: 0,
		JSONOnly:    true,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("classify text: %w", err)
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("classify text: bad verdict %q: %w", firstLine(raw), err)
	}
	return verdict, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

var _ Classifier = (*LLM)(nil)
