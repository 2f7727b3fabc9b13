package pipeline

import (
	"strings"
	"testing"

	"storybook/internal/domain"
)

func promptFixtures() (*domain.BookSpec, *domain.StoryDraft, *domain.CharacterSheet) {
	spec := testSpec()
	spec.ApplyDefaults()
	spec.HeroName = "Mira"
	draft := &domain.StoryDraft{
		Title: "Mira and the Quiet Adventure",
		Cover: domain.StoryCover{SceneDescription: "Mira on a hill at sunrise"},
		Pages: []domain.StoryPage{
			{PageNumber: 1, Text: "One.", SceneDescription: "Mira in the meadow"},
			{PageNumber: 2, Text: "Two.", SceneDescription: "Mira by the stream"},
		},
		Character: domain.StoryCharacter{Name: "Mira", VisualRecap: "a small fox cub"},
	}
	sheet := &domain.CharacterSheet{
		Name:              "Mira",
		MasterDescription: "Mira, a small fox cub with soft russet fur and a tiny blue scarf",
		NegativeTraits:    "never menacing",
	}
	return &spec, draft, sheet
}

func TestAssemblePromptsOrderAndShape(t *testing.T) {
	spec, draft, sheet := promptFixtures()
	prompts, err := assemblePrompts("job_1", spec, draft, sheet, 0)
	if err != nil {
		t.Fatalf("assemblePrompts: %v", err)
	}
	if len(prompts) != 3 {
		t.Fatalf("prompts = %d, want cover + 2 pages", len(prompts))
	}
	if prompts[0].PageNumber != domain.CoverPage || prompts[0].AspectRatio != domain.CoverAspectRatio {
		t.Fatalf("first prompt = page %d / %s, want the cover in %s",
			prompts[0].PageNumber, prompts[0].AspectRatio, domain.CoverAspectRatio)
	}
	for _, p := range prompts[1:] {
		if p.AspectRatio != domain.PageAspectRatio {
			t.Fatalf("page %d aspect = %s, want %s", p.PageNumber, p.AspectRatio, domain.PageAspectRatio)
		}
	}
	for _, p := range prompts {
		if !strings.HasPrefix(p.Prompt, illustrationPrefix) {
			t.Fatalf("page %d prompt missing prefix: %q", p.PageNumber, p.Prompt)
		}
		if !strings.HasSuffix(p.Prompt, sheet.MasterDescription) {
			t.Fatalf("page %d prompt must end with the master description: %q", p.PageNumber, p.Prompt)
		}
		if !strings.Contains(p.NegativePrompt, "never menacing") {
			t.Fatalf("page %d negative prompt missing sheet traits: %q", p.PageNumber, p.NegativePrompt)
		}
	}
	if prompts[0].Seed == prompts[1].Seed || prompts[1].Seed == prompts[2].Seed {
		t.Fatal("seeds must differ per page")
	}

	again, err := assemblePrompts("job_1", spec, draft, sheet, 0)
	if err != nil {
		t.Fatalf("assemblePrompts again: %v", err)
	}
	for i := range prompts {
		if prompts[i] != again[i] {
			t.Fatalf("assembly is not deterministic at index %d", i)
		}
	}
}

func TestBuildImagePromptTrimsSceneNotMaster(t *testing.T) {
	spec, _, sheet := promptFixtures()
	scene := strings.Repeat("a very long winding scene description ", 60)
	p := buildImagePrompt("job_1", 1, scene, spec, sheet, 0)

	if len(p.Prompt) > domain.MaxPromptLen {
		t.Fatalf("prompt length = %d, over the cap", len(p.Prompt))
	}
	if !strings.HasSuffix(p.Prompt, sheet.MasterDescription) {
		t.Fatal("master description must survive trimming untouched")
	}
	if err := p.Validate(sheet.MasterDescription); err != nil {
		t.Fatalf("trimmed prompt invalid: %v", err)
	}
}

func TestAssemblePromptsRejectsUnembeddableMaster(t *testing.T) {
	// A master description that alone exhausts the prompt cap cannot be
	// embedded verbatim; assembly must report that instead of cutting it.
	spec, draft, sheet := promptFixtures()
	sheet.MasterDescription = strings.Repeat("m", domain.MaxPromptLen)

	if _, err := assemblePrompts("job_1", spec, draft, sheet, 0); err == nil {
		t.Fatal("want validation error for an oversized master description")
	}
}

func TestSanitizeImagePromptChangesSeedAndScene(t *testing.T) {
	spec, draft, sheet := promptFixtures()
	prompts, err := assemblePrompts("job_1", spec, draft, sheet, 0)
	if err != nil {
		t.Fatalf("assemblePrompts: %v", err)
	}
	orig := prompts[1]
	s := sanitizeImagePrompt("job_1", orig, spec, sheet.MasterDescription)

	if s.Seed == orig.Seed {
		t.Fatal("sanitized prompt must re-seed")
	}
	if s.PageNumber != orig.PageNumber || s.AspectRatio != orig.AspectRatio {
		t.Fatal("sanitizing must keep page identity")
	}
	if !strings.Contains(s.Prompt, "calm gentle scene") {
		t.Fatalf("sanitized prompt %q missing the calm scene", s.Prompt)
	}
	if !strings.Contains(s.Prompt, sheet.MasterDescription) {
		t.Fatal("sanitized prompt must keep the master description")
	}
	if !strings.Contains(s.NegativePrompt, "unsettling") {
		t.Fatalf("sanitized negative prompt %q not strengthened", s.NegativePrompt)
	}
}

func TestStoryRequestLeadsWithSpecJSON(t *testing.T) {
	spec, _, _ := promptFixtures()
	req := storyRequest(spec, nil, "")
	if !strings.HasPrefix(req.User, "Specification:") {
		t.Fatalf("user prompt must lead with the spec payload, got %q", req.User[:40])
	}
	if !strings.Contains(req.User, `"hero_name":"Mira"`) &&
		!strings.Contains(req.User, `"hero_name": "Mira"`) {
		t.Fatalf("spec JSON missing from prompt: %q", req.User)
	}
	if !req.JSONOnly {
		t.Fatal("story calls must request JSON output")
	}
}

func TestTitleCase(t *testing.T) {
	if got := titleCase("en", "  mira bell "); got != "Mira Bell" {
		t.Fatalf("titleCase = %q, want %q", got, "Mira Bell")
	}
	if got := titleCase("not-a-lang", "bo"); got != "Bo" {
		t.Fatalf("titleCase with bad language = %q, want %q", got, "Bo")
	}
}
