package image

import (
	"context"
	"errors"
)

// Provider failure classes. Callers map these onto retry schedules, so every
// implementation must wrap its failures in exactly one of them.
var (
	ErrTimeout     = errors.New("image generation timed out")
	ErrRateLimited = errors.New("image provider rate limited")
	ErrFailed      = errors.New("image generation failed")
)

// Request is one illustration to render. Width and Height, when zero, are
// derived from AspectRatio.
type Request struct {
	Prompt         string
	NegativePrompt string
	Seed           int64
	AspectRatio    string
	Width          int
	Height         int
}

// Asset is a rendered illustration.
type Asset struct {
	Data      []byte
	MIME      string
	Provider  string
	Synthetic bool
}

// Generator renders a single image per call. Implementations must honor ctx
// cancellation and deadlines.
type Generator interface {
	Generate(ctx context.Context, req Request) (Asset, error)
	Name() string
}

// Dimensions resolves an aspect ratio to render dimensions. Unknown ratios
// fall back to portrait.
func Dimensions(aspectRatio string) (width, height int) {
	switch aspectRatio {
	case "1:1":
		return 1024, 1024
	case "4:3":
		return 1024, 768
	case "9:16":
		return 576, 1024
	case "3:4":
		return 768, 1024
	default:
		return 768, 1024
	}
}

func (r *Request) dimensions() (int, int) {
	if r.Width > 0 && r.Height > 0 {
		return r.Width, r.Height
	}
	return Dimensions(r.AspectRatio)
}
