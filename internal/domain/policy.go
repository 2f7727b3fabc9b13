package domain

import "strings"

// AgeRule bounds story text for a reader age band. MaxWords 0 means
// unbounded.
type AgeRule struct {
	MinSentences int
	MaxSentences int
	MaxWords     int
}

var ageRules = map[TargetAge]AgeRule{
	Age3to5:  {MinSentences: 1, MaxSentences: 2, MaxWords: 25},
	Age5to7:  {MinSentences: 2, MaxSentences: 3, MaxWords: 40},
	Age7to9:  {MinSentences: 2, MaxSentences: 4, MaxWords: 60},
	AgeAdult: {MinSentences: 3, MaxSentences: 6, MaxWords: 0},
}

// RuleFor returns the text bounds for an age band. Unknown bands fall back
// to the strictest rule.
func RuleFor(age TargetAge) AgeRule {
	if r, ok := ageRules[age]; ok {
		return r
	}
	return ageRules[Age3to5]
}

var styleTokens = map[Style]string{
	StyleWatercolor:  "soft watercolor painting, gentle brush strokes, pastel colors, warm light",
	StyleCartoon:     "vibrant cartoon, bold outlines, bright colors, playful",
	Style3D:          "3D rendered, Pixar-like, cute proportions, soft lighting",
	StylePixel:       "pixel art, 16-bit retro, limited palette",
	StyleOilPainting: "oil painting illustration, rich texture, warm tones",
	StyleClaymation:  "claymation, stop-motion look, textured clay figures",
	StyleRealistic:   "realistic illustration, detailed natural light, lifelike proportions, soft focus",
}

// TokensFor returns the prompt fragment that pins an illustration style.
func TokensFor(style Style) string {
	if t, ok := styleTokens[style]; ok {
		return t
	}
	return styleTokens[StyleWatercolor]
}

// NegativePromptClause is appended to every image prompt regardless of style.
const NegativePromptClause = "scary, violent, weapons, blood, dark horror, distorted faces, extra limbs, text, watermark"

// bannedLexicon powers the default text classifier. Matches are
// case-insensitive whole-word.
var bannedLexicon = []string{
	"kill", "murder", "blood", "gore", "weapon", "gun", "knife",
	"suicide", "drug", "cocaine", "naked", "nude", "sex", "porn",
	"terror", "bomb", "hostage", "torture", "abuse", "hate",
}

// BannedWords returns the moderation lexicon.
func BannedWords() []string {
	out := make([]string, len(bannedLexicon))
	copy(out, bannedLexicon)
	return out
}

// CountSentences counts sentence terminators, treating runs as one.
func CountSentences(text string) int {
	n := 0
	inRun := false
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			if !inRun {
				n++
				inRun = true
			}
		default:
			inRun = false
		}
	}
	if n == 0 && strings.TrimSpace(text) != "" {
		return 1
	}
	return n
}

// CountWords counts whitespace-separated tokens.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// CheckPageText verifies page text against the age band. It returns a
// human-readable violation, or "" when the text conforms.
func CheckPageText(age TargetAge, text string) string {
	rule := RuleFor(age)
	if s := CountSentences(text); s < rule.MinSentences || s > rule.MaxSentences {
		return "sentence count out of range"
	}
	if rule.MaxWords > 0 && CountWords(text) > rule.MaxWords {
		return "word count over limit"
	}
	return ""
}
