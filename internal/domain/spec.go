package domain

import (
	"fmt"
	"strings"
)

// TargetAge enumerates supported reader age bands.
type TargetAge string

const (
	Age3to5  TargetAge = "3-5"
	Age5to7  TargetAge = "5-7"
	Age7to9  TargetAge = "7-9"
	AgeAdult TargetAge = "adult"
)

// Theme enumerates story themes.
type Theme string

const (
	ThemeAdventure  Theme = "adventure"
	ThemeFriendship Theme = "friendship"
	ThemeBedtime    Theme = "bedtime"
	ThemeAnimals    Theme = "animals"
	ThemeSpace      Theme = "space"
	ThemeOcean      Theme = "ocean"
	ThemeDinosaurs  Theme = "dinosaurs"
	ThemeFairyTale  Theme = "fairy_tale"
	ThemeCustom     Theme = "custom"
)

// Style enumerates illustration styles.
type Style string

const (
	StyleWatercolor  Style = "watercolor"
	StyleCartoon     Style = "cartoon"
	Style3D          Style = "3d"
	StylePixel       Style = "pixel"
	StyleOilPainting Style = "oil_painting"
	StyleClaymation  Style = "claymation"
	StyleRealistic   Style = "realistic"
)

const (
	MinPageCount     = 6
	MaxPageCount     = 12
	DefaultPageCount = 8

	maxHeroNameLen        = 50
	maxCustomThemeLen     = 120
	maxPersonalDetailsLen = 200
)

// Languages supported for story text.
var supportedLanguages = map[string]bool{
	"en": true, "de": true, "fr": true, "es": true, "it": true,
}

// BookSpec is the validated request a job is created from. It is stored as
// JSON on the job row and must not change after admission.
type BookSpec struct {
	HeroName        string    `json:"hero_name"`
	TargetAge       TargetAge `json:"target_age"`
	Theme           Theme     `json:"theme"`
	CustomTheme     string    `json:"custom_theme,omitempty"`
	Style           Style     `json:"style"`
	PageCount       int       `json:"page_count"`
	Language        string    `json:"language"`
	CharacterID     string    `json:"character_id,omitempty"`
	SeriesKey       string    `json:"series_key,omitempty"`
	PersonalDetails string    `json:"personal_details,omitempty"`
}

// ApplyDefaults fills zero-valued optional fields. Call before Validate.
func (s *BookSpec) ApplyDefaults() {
	s.HeroName = strings.TrimSpace(s.HeroName)
	s.CustomTheme = strings.TrimSpace(s.CustomTheme)
	s.PersonalDetails = strings.TrimSpace(s.PersonalDetails)
	if s.PageCount == 0 {
		s.PageCount = DefaultPageCount
	}
	if s.Language == "" {
		s.Language = "en"
	}
	s.Language = strings.ToLower(s.Language)
}

// Validate checks every field and reports all violations in one error
// wrapping ErrInvalidSpec.
func (s *BookSpec) Validate() error {
	var problems []string

	if s.HeroName == "" {
		problems = append(problems, "hero_name is required")
	} else if len(s.HeroName) > maxHeroNameLen {
		problems = append(problems, fmt.Sprintf("hero_name exceeds %d characters", maxHeroNameLen))
	}

	switch s.TargetAge {
	case Age3to5, Age5to7, Age7to9, AgeAdult:
	default:
		problems = append(problems, fmt.Sprintf("target_age %q is not supported", s.TargetAge))
	}

	switch s.Theme {
	case ThemeAdventure, ThemeFriendship, ThemeBedtime, ThemeAnimals,
		ThemeSpace, ThemeOcean, ThemeDinosaurs, ThemeFairyTale:
		if s.CustomTheme != "" {
			problems = append(problems, "custom_theme is only allowed with theme=custom")
		}
	case ThemeCustom:
		if s.CustomTheme == "" {
			problems = append(problems, "custom_theme is required with theme=custom")
		} else if len(s.CustomTheme) > maxCustomThemeLen {
			problems = append(problems, fmt.Sprintf("custom_theme exceeds %d characters", maxCustomThemeLen))
		}
	default:
		problems = append(problems, fmt.Sprintf("theme %q is not supported", s.Theme))
	}

	switch s.Style {
	case StyleWatercolor, StyleCartoon, Style3D, StylePixel,
		StyleOilPainting, StyleClaymation, StyleRealistic:
	default:
		problems = append(problems, fmt.Sprintf("style %q is not supported", s.Style))
	}

	if s.PageCount < MinPageCount || s.PageCount > MaxPageCount {
		problems = append(problems, fmt.Sprintf("page_count must be between %d and %d", MinPageCount, MaxPageCount))
	}

	if !supportedLanguages[s.Language] {
		problems = append(problems, fmt.Sprintf("language %q is not supported", s.Language))
	}

	if len(s.PersonalDetails) > maxPersonalDetailsLen {
		problems = append(problems, fmt.Sprintf("personal_details exceeds %d characters", maxPersonalDetailsLen))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSpec, strings.Join(problems, "; "))
	}
	return nil
}

// ThemeText resolves the effective theme wording used in prompts.
func (s *BookSpec) ThemeText() string {
	if s.Theme == ThemeCustom {
		return s.CustomTheme
	}
	return strings.ReplaceAll(string(s.Theme), "_", " ")
}
