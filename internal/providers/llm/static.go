package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Static is the offline completer used in development and tests. It keys off
// markers the pipeline embeds in its system prompts and answers with valid,
// deterministic JSON, so the full generation flow runs without an API key.
type Static struct{}

// NewStatic constructs the offline completer.
func NewStatic() *Static { return &Static{} }

func (s *Static) Name() string { return "static" }

// Complete answers based on the request shape. Unknown shapes fall back to a
// story draft, the most common call.
func (s *Static) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	system := strings.ToLower(req.System)
	switch {
	case strings.Contains(system, "content-safety"):
		return `{"safe": true, "categories": []}`, nil
	case strings.Contains(system, "character designer"):
		return s.characterSheet(req), nil
	case strings.Contains(system, "rewrite"):
		return s.rewrittenPage(req), nil
	default:
		return s.storyDraft(req), nil
	}
}

// staticEnvelope is the loose view of whatever JSON payload the caller
// embedded in the user prompt.
type staticEnvelope struct {
	HeroName   string `json:"hero_name"`
	TargetAge  string `json:"target_age"`
	Theme      string `json:"theme"`
	PageCount  int    `json:"page_count"`
	PageNumber int    `json:"page_number"`
	Character  struct {
		Name        string `json:"name"`
		VisualRecap string `json:"visual_recap"`
	} `json:"character"`
}

func parseEnvelope(user string) staticEnvelope {
	var env staticEnvelope
	_ = json.Unmarshal([]byte(ExtractJSON(user)), &env)
	return env
}

func (s *Static) storyDraft(req Request) string {
	env := parseEnvelope(req.User)
	hero := env.HeroName
	if hero == "" {
		hero = "Milo"
	}
	pages := env.PageCount
	if pages <= 0 {
		pages = 8
	}

	type page struct {
		PageNumber       int    `json:"page_number"`
		Text             string `json:"text"`
		SceneDescription string `json:"scene_description"`
	}
	out := struct {
		Title string `json:"title"`
		Pages []page `json:"pages"`
		Cover struct {
			SceneDescription string `json:"scene_description"`
		} `json:"cover"`
		Character struct {
			Name        string `json:"name"`
			VisualRecap string `json:"visual_recap"`
		} `json:"character"`
		Continuity string `json:"continuity"`
	}{
		Title: fmt.Sprintf("%s and the Quiet Adventure", hero),
	}
	for n := 1; n <= pages; n++ {
		out.Pages = append(out.Pages, page{
			PageNumber:       n,
			Text:             pageText(hero, env.TargetAge, n),
			SceneDescription: fmt.Sprintf("%s exploring a sunny meadow, scene %d, gentle morning light", hero, n),
		})
	}
	out.Cover.SceneDescription = fmt.Sprintf("%s standing on a hill at sunrise, looking at the horizon", hero)
	out.Character.Name = hero
	out.Character.VisualRecap = fmt.Sprintf("%s is a small fox cub with russet fur and bright green eyes", hero)
	out.Continuity = "The meadow and the old oak tree recur."

	b, _ := json.Marshal(out)
	return string(b)
}

// pageText stays within the sentence and word bounds of every age band: two
// short sentences for children, three for adults (whose band requires three).
func pageText(hero, targetAge string, n int) string {
	if targetAge == "adult" {
		return fmt.Sprintf("%s walked on through the tall grass, counting clouds as they drifted past. "+
			"On the far side of hill number %d a narrow path appeared. "+
			"Something small and friendly was waiting there.", hero, n)
	}
	return fmt.Sprintf("%s finds a little surprise near tree number %d. It makes %s smile.", hero, n, hero)
}

func (s *Static) characterSheet(req Request) string {
	env := parseEnvelope(req.User)
	name := env.Character.Name
	if name == "" {
		name = env.HeroName
	}
	if name == "" {
		name = "Milo"
	}
	out := map[string]any{
		"name": name,
		"master_description": fmt.Sprintf(
			"%s, a small fox cub with soft russet fur, bright green eyes, a fluffy white-tipped tail, wearing a tiny blue scarf",
			name),
		"appearance": map[string]string{
			"hair":     "soft russet fur",
			"eyes":     "bright green",
			"skin":     "russet with a cream chest",
			"build":    "small and nimble",
			"age_look": "young cub",
		},
		"clothing":        "tiny blue scarf",
		"palette":         []string{"russet", "cream", "blue", "green"},
		"negative_traits": "never menacing, never sharp-toothed",
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func (s *Static) rewrittenPage(req Request) string {
	env := parseEnvelope(req.User)
	hero := env.HeroName
	if hero == "" {
		hero = "Milo"
	}
	text := fmt.Sprintf("%s watches the soft clouds drift by. Everything feels calm and friendly.", hero)
	if env.TargetAge == "adult" {
		text = fmt.Sprintf("%s paused at the edge of the clearing and let the quiet settle. "+
			"The evening light softened every shadow into something kind. "+
			"It was a good place to rest.", hero)
	}
	b, _ := json.Marshal(map[string]string{"text": text})
	return string(b)
}

var _ Completer = (*Static)(nil)
