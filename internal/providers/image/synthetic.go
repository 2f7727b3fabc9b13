package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
)

// Synthetic renders deterministic placeholder art from the request seed. It
// is the offline generator for development and tests: same request, same
// bytes, no network.
type Synthetic struct{}

// NewSynthetic constructs the offline generator.
func NewSynthetic() *Synthetic { return &Synthetic{} }

func (g *Synthetic) Name() string { return "synthetic" }

// Generate renders a striped placeholder whose colors derive from the seed
// and prompt.
func (g *Synthetic) Generate(ctx context.Context, req Request) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	width, height := req.dimensions()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", req.Seed, req.Prompt)))
	data := renderPlaceholder(width, height, hex.EncodeToString(sum[:6]))
	if data == nil {
		return Asset{}, fmt.Errorf("%w: encode placeholder", ErrFailed)
	}
	return Asset{Data: data, MIME: "image/png", Provider: g.Name(), Synthetic: true}, nil
}

func renderPlaceholder(width, height int, seed string) []byte {
	if width <= 0 {
		width = 768
	}
	if height <= 0 {
		height = 1024
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := colorFromSeed(seed, 0)
	accent := colorFromSeed(seed, 1)
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	stripeHeight := maxInt(32, height/12)
	for y := 0; y < height; y += stripeHeight * 2 {
		stripe := image.Rect(0, y, width, minInt(height, y+stripeHeight))
		draw.Draw(img, stripe, &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	diagonal := colorFromSeed(seed, 2)
	for i := 0; i < maxInt(width, height); i += maxInt(16, width/32) {
		x := i
		for y := 0; y < height; y++ {
			xx := x + y
			if xx >= width {
				break
			}
			img.Set(xx, y, diagonal)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if len(seed) < 6 {
		seed = "6a99c4"
	}
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	r := parseHexByte(segment[0:2])
	g := parseHexByte(segment[2:4])
	b := parseHexByte(segment[4:6])
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

func parseHexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

var _ Generator = (*Synthetic)(nil)
