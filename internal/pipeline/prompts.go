package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"storybook/internal/domain"
	"storybook/internal/providers/llm"
)

const storySystem = `You are an award-winning children's storybook author. ` +
	`You write warm, gentle stories with a clear arc and a reassuring ending. ` +
	`Never include violence, fear, weapons, or anything unsuitable for young children. ` +
	`Respond with JSON only, no prose around it.`

const characterSystem = `You are a character designer for illustrated children's books. ` +
	`From the story draft you produce one definitive character sheet whose master description ` +
	`will be embedded verbatim into every image prompt. Respond with JSON only.`

const rewriteSystem = `You rewrite a single storybook page that failed a safety review. ` +
	`Keep the plot beat and the hero, remove everything unsafe, stay strictly inside the ` +
	`age-band sentence and word limits. Respond with JSON only: {"text": "..."}.`

// storyRequest builds the stage-C completion call. The spec JSON leads the
// user prompt so the model (and the offline completer) can read the exact
// parameters.
func storyRequest(spec *domain.BookSpec, pinned *domain.CharacterSheet, continuity string) llm.Request {
	rule := domain.RuleFor(spec.TargetAge)
	payload, _ := json.Marshal(spec)

	var b strings.Builder
	fmt.Fprintf(&b, "Specification:\n%s\n\n", payload)
	fmt.Fprintf(&b, "Write a story in language %q about the hero %q with theme %q.\n",
		spec.Language, spec.HeroName, spec.ThemeText())
	fmt.Fprintf(&b, "Write exactly %d pages.\n", spec.PageCount)
	fmt.Fprintf(&b, "Each page text: %d to %d sentences", rule.MinSentences, rule.MaxSentences)
	if rule.MaxWords > 0 {
		fmt.Fprintf(&b, ", at most %d words", rule.MaxWords)
	}
	b.WriteString(".\n")
	if spec.PersonalDetails != "" {
		fmt.Fprintf(&b, "Weave in these personal details: %s\n", spec.PersonalDetails)
	}
	if pinned != nil {
		fmt.Fprintf(&b, "The hero already has a fixed look, keep it: %s\n", pinned.MasterDescription)
	}
	if continuity != "" {
		fmt.Fprintf(&b, "This book continues a series. %s\n", continuity)
	}
	b.WriteString("\nRespond with this JSON shape: " +
		`{"title": "...", "pages": [{"page_number": 1, "text": "...", "scene_description": "..."}], ` +
		`"cover": {"scene_description": "..."}, "character": {"name": "...", "visual_recap": "..."}, "continuity": "..."}`)

	return llm.Request{
		System:      storySystem,
		User:        b.String(),
		MaxTokens:   4000,
		Temperature: 0.8,
		JSONOnly:    true,
	}
}

// characterRequest builds the stage-D completion call.
func characterRequest(spec *domain.BookSpec, draft *domain.StoryDraft) llm.Request {
	payload, _ := json.Marshal(struct {
		HeroName  string                `json:"hero_name"`
		TargetAge domain.TargetAge      `json:"target_age"`
		Theme     string                `json:"theme"`
		Character domain.StoryCharacter `json:"character"`
	}{spec.HeroName, spec.TargetAge, spec.ThemeText(), draft.Character})

	var b strings.Builder
	fmt.Fprintf(&b, "Story context:\n%s\n\n", payload)
	b.WriteString("Produce the character sheet. The master_description must be a single flowing phrase " +
		"under 600 characters that fully pins the hero's look (species or kind, fur or hair, eyes, " +
		"clothing, one signature accessory).\n")
	b.WriteString("\nRespond with this JSON shape: " +
		`{"name": "...", "master_description": "...", "appearance": {"hair": "...", "eyes": "...", ` +
		`"skin": "...", "build": "...", "age_look": "..."}, "clothing": "...", "palette": ["..."], "negative_traits": "..."}`)

	return llm.Request{
		System:      characterSystem,
		User:        b.String(),
		MaxTokens:   800,
		Temperature: 0.4,
		JSONOnly:    true,
	}
}

// rewriteRequest builds a page-rewrite call used by the output-safety stage
// and by text regeneration. reason tells the model what tripped the review;
// guidance carries the user's wishes on regeneration.
func rewriteRequest(spec *domain.BookSpec, pageNumber int, text, reason, guidance string) llm.Request {
	rule := domain.RuleFor(spec.TargetAge)
	payload, _ := json.Marshal(struct {
		HeroName   string           `json:"hero_name"`
		TargetAge  domain.TargetAge `json:"target_age"`
		PageNumber int              `json:"page_number"`
		Text       string           `json:"text"`
	}{spec.HeroName, spec.TargetAge, pageNumber, text})

	var b strings.Builder
	fmt.Fprintf(&b, "Page to rewrite:\n%s\n\n", payload)
	if reason != "" {
		fmt.Fprintf(&b, "It was flagged because: %s\n", reason)
	}
	if guidance != "" {
		fmt.Fprintf(&b, "Follow this guidance: %s\n", guidance)
	}
	fmt.Fprintf(&b, "Write %d to %d sentences", rule.MinSentences, rule.MaxSentences)
	if rule.MaxWords > 0 {
		fmt.Fprintf(&b, ", at most %d words", rule.MaxWords)
	}
	b.WriteString(".")

	return llm.Request{
		System:      rewriteSystem,
		User:        b.String(),
		MaxTokens:   400,
		Temperature: 0.5,
		JSONOnly:    true,
	}
}

const illustrationPrefix = "children's book illustration"

// assemblePrompts builds the cover prompt followed by one prompt per page.
// Assembly is deterministic: same job, same draft, same prompts.
func assemblePrompts(jobID string, spec *domain.BookSpec, draft *domain.StoryDraft, sheet *domain.CharacterSheet, salt int) ([]domain.ImagePrompt, error) {
	prompts := make([]domain.ImagePrompt, 0, len(draft.Pages)+1)
	prompts = append(prompts, buildImagePrompt(jobID, domain.CoverPage, draft.Cover.SceneDescription, spec, sheet, salt))
	for _, p := range draft.Pages {
		prompts = append(prompts, buildImagePrompt(jobID, p.PageNumber, p.SceneDescription, spec, sheet, salt))
	}
	for i := range prompts {
		if err := prompts[i].Validate(sheet.MasterDescription); err != nil {
			return nil, err
		}
	}
	return prompts, nil
}

// buildImagePrompt joins style tokens, the scene, and the character's master
// description. The scene is trimmed so the whole prompt stays inside the
// provider cap; the master description is never cut.
func buildImagePrompt(jobID string, pageNumber int, scene string, spec *domain.BookSpec, sheet *domain.CharacterSheet, salt int) domain.ImagePrompt {
	tokens := domain.TokensFor(spec.Style)
	master := sheet.MasterDescription

	scene = strings.TrimSpace(scene)
	budget := domain.MaxPromptLen - len(illustrationPrefix) - len(tokens) - len(master) - 3*len(", ")
	if budget > 0 && len(scene) > budget {
		scene = strings.TrimSpace(scene[:budget])
	}

	negative := domain.NegativePromptClause
	if sheet.NegativeTraits != "" {
		negative += ", " + sheet.NegativeTraits
	}
	aspect := domain.PageAspectRatio
	if pageNumber == domain.CoverPage {
		aspect = domain.CoverAspectRatio
	}
	return domain.ImagePrompt{
		PageNumber:     pageNumber,
		Prompt:         strings.Join([]string{illustrationPrefix, tokens, scene, master}, ", "),
		NegativePrompt: negative,
		Seed:           domain.SeedFor(jobID, pageNumber, salt),
		AspectRatio:    aspect,
	}
}

// sanitizeImagePrompt replaces a flagged image's prompt with a calm scene
// around the same character, on a fresh seed.
func sanitizeImagePrompt(jobID string, p domain.ImagePrompt, spec *domain.BookSpec, master string) domain.ImagePrompt {
	tokens := domain.TokensFor(spec.Style)
	p.Prompt = strings.Join([]string{illustrationPrefix, tokens, "calm gentle scene, soft light", master}, ", ")
	p.NegativePrompt = domain.NegativePromptClause + ", unsettling, frightening"
	p.Seed = domain.SeedFor(jobID, p.PageNumber, 1)
	return p
}
