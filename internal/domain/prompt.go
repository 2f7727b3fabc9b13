package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// CoverPage is the page number reserved for the cover illustration.
	CoverPage = 0

	MaxPromptLen = 1500
	MinSeed      = 1
	MaxSeed      = 2147483647

	CoverAspectRatio = "3:4"
	PageAspectRatio  = "4:3"
)

// ImagePrompt is one fully assembled generation request for a single
// illustration. Prompts are deterministic per job: same job, same prompts.
type ImagePrompt struct {
	PageNumber     int    `json:"page_number"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Seed           int64  `json:"seed"`
	AspectRatio    string `json:"aspect_ratio"`
}

// IsCover reports whether this prompt renders the cover.
func (p *ImagePrompt) IsCover() bool { return p.PageNumber == CoverPage }

// Validate checks prompt assembly invariants. masterDescription must appear
// verbatim in the prompt text so the hero stays visually consistent.
func (p *ImagePrompt) Validate(masterDescription string) error {
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("page %d: empty prompt", p.PageNumber)
	}
	if len(p.Prompt) > MaxPromptLen {
		return fmt.Errorf("page %d: prompt exceeds %d characters", p.PageNumber, MaxPromptLen)
	}
	if p.Seed < MinSeed || p.Seed > MaxSeed {
		return fmt.Errorf("page %d: seed %d out of range", p.PageNumber, p.Seed)
	}
	if masterDescription != "" && !strings.Contains(p.Prompt, masterDescription) {
		return fmt.Errorf("page %d: prompt does not embed the character description", p.PageNumber)
	}
	return nil
}

// SeedFor derives a stable seed in [MinSeed, MaxSeed] from a job ID and page
// number. Salt differentiates regeneration attempts.
func SeedFor(jobID string, pageNumber int, salt int) int64 {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", jobID, pageNumber, salt)))
	v := binary.BigEndian.Uint64(h[:8])
	return int64(v%uint64(MaxSeed)) + MinSeed
}
