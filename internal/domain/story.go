package domain

import (
	"fmt"
	"strings"
)

// StoryPage is one page of generated text plus the scene the illustrator
// needs to draw.
type StoryPage struct {
	PageNumber       int    `json:"page_number"`
	Text             string `json:"text"`
	SceneDescription string `json:"scene_description"`
}

// StoryCover describes the cover illustration scene.
type StoryCover struct {
	SceneDescription string `json:"scene_description"`
}

// StoryCharacter is the story-level recap of the hero used to keep
// illustrations consistent before a full character sheet exists.
type StoryCharacter struct {
	Name        string `json:"name"`
	VisualRecap string `json:"visual_recap"`
}

// StoryDraft is the structured output of the story stage.
type StoryDraft struct {
	Title      string         `json:"title"`
	Pages      []StoryPage    `json:"pages"`
	Cover      StoryCover     `json:"cover"`
	Character  StoryCharacter `json:"character"`
	Continuity string         `json:"continuity,omitempty"`
}

// Validate checks the draft against the requesting spec: page count must
// match, pages must be numbered 1..N, and every page must carry text and a
// scene. Age-band text bounds are checked separately so a caller can decide
// between retry and rewrite.
func (d *StoryDraft) Validate(spec *BookSpec) error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("draft has no title")
	}
	if len(d.Pages) != spec.PageCount {
		return fmt.Errorf("draft has %d pages, want %d", len(d.Pages), spec.PageCount)
	}
	seen := make(map[int]bool, len(d.Pages))
	for _, p := range d.Pages {
		if p.PageNumber < 1 || p.PageNumber > spec.PageCount {
			return fmt.Errorf("page number %d out of range", p.PageNumber)
		}
		if seen[p.PageNumber] {
			return fmt.Errorf("duplicate page number %d", p.PageNumber)
		}
		seen[p.PageNumber] = true
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("page %d has no text", p.PageNumber)
		}
		if strings.TrimSpace(p.SceneDescription) == "" {
			return fmt.Errorf("page %d has no scene description", p.PageNumber)
		}
	}
	if strings.TrimSpace(d.Cover.SceneDescription) == "" {
		return fmt.Errorf("draft has no cover scene")
	}
	return nil
}

// Page returns the page with the given number, or nil.
func (d *StoryDraft) Page(n int) *StoryPage {
	for i := range d.Pages {
		if d.Pages[i].PageNumber == n {
			return &d.Pages[i]
		}
	}
	return nil
}
