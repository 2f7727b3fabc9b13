package moderation

import "context"

// Verdict is a classification result. Categories name what tripped the
// classifier; Reason is a short human-readable note for logs.
type Verdict struct {
	Safe       bool     `json:"safe"`
	Categories []string `json:"categories,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Classifier screens story text for content unsuitable for children.
type Classifier interface {
	ClassifyText(ctx context.Context, text string) (Verdict, error)
	Name() string
}

// ImageClassifier is the optional extension for classifiers that can also
// screen rendered images. Callers type-assert for it.
type ImageClassifier interface {
	ClassifyImage(ctx context.Context, data []byte) (Verdict, error)
}
