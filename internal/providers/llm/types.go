package llm

import (
	"context"
	"strings"
)

// Request is a single chat completion call. When JSONOnly is set the provider
// asks the model for a pure-JSON response where the API supports it; the
// caller still runs ExtractJSON on the result because models wrap JSON in
// code fences anyway.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	JSONOnly    bool
}

// Completer produces a chat completion. Implementations must honor ctx
// cancellation and deadlines.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

// ExtractJSON strips markdown code fences and surrounding prose from a model
// response, returning the first top-level JSON object or array.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
