package domain

import (
	"fmt"
	"strings"
	"time"
)

const maxMasterDescriptionLen = 600

// Appearance breaks the hero's look into the attributes image prompts pin.
type Appearance struct {
	Hair    string `json:"hair"`
	Eyes    string `json:"eyes"`
	Skin    string `json:"skin"`
	Build   string `json:"build"`
	AgeLook string `json:"age_look"`
}

// CharacterSheet is the single source of visual identity for a hero. The
// MasterDescription is embedded verbatim into every image prompt so the
// character renders consistently across pages and books.
type CharacterSheet struct {
	Name              string     `json:"name"`
	MasterDescription string     `json:"master_description"`
	Appearance        Appearance `json:"appearance"`
	Clothing          string     `json:"clothing"`
	Palette           []string   `json:"palette,omitempty"`
	NegativeTraits    string     `json:"negative_traits,omitempty"`
}

// Validate checks the sheet is usable for prompt assembly.
func (c *CharacterSheet) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("character sheet has no name")
	}
	desc := strings.TrimSpace(c.MasterDescription)
	if desc == "" {
		return fmt.Errorf("character sheet has no master description")
	}
	if len(desc) > maxMasterDescriptionLen {
		return fmt.Errorf("master description exceeds %d characters", maxMasterDescriptionLen)
	}
	if len(c.Palette) > 6 {
		return fmt.Errorf("palette exceeds 6 colors")
	}
	return nil
}

// Character is a saved sheet that outlives the job that created it, so a
// hero can star in more than one book.
type Character struct {
	ID        string
	UserKey   string
	Name      string
	Sheet     CharacterSheet
	CreatedAt time.Time
}
