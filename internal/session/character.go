package session

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
)

// Proficiencies lists what a character is trained in.
type Proficiencies struct {
	Skills    []string `json:"skills,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

// Character is the character-sheet document keyed by session slug. It is an
// out-of-scope collaborator for the turn engine, consumed at the storage
// boundary only: the engine reads ability scores and proficiencies from it
// when resolving rolls.
type Character struct {
	Slug       string         `json:"slug"`
	Name       string         `json:"name"`
	Race       string         `json:"race,omitempty"`
	Class      string         `json:"class,omitempty"`
	Background string         `json:"background,omitempty"`
	Level      int            `json:"level"`
	HP         int            `json:"hp"`
	AC         int            `json:"ac,omitempty"`
	Abilities  map[string]int `json:"abilities,omitempty"`
	Skills     map[string]int `json:"skills,omitempty"`
	Inventory  []string       `json:"inventory,omitempty"`
	Features   []string       `json:"features,omitempty"`
	Profs      Proficiencies  `json:"proficiencies,omitempty"`
	Notes      string         `json:"notes,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownCharacterFields = map[string]bool{
	"slug":          true,
	"name":          true,
	"race":          true,
	"class":         true,
	"background":    true,
	"level":         true,
	"hp":            true,
	"ac":            true,
	"abilities":     true,
	"skills":        true,
	"inventory":     true,
	"features":      true,
	"proficiencies": true,
	"notes":         true,
}

type characterAlias Character

// UnmarshalJSON folds unknown top-level keys into the extension map.
func (c *Character) UnmarshalJSON(data []byte) error {
	var a characterAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if knownCharacterFields[key] {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		a.Extra = raw
	} else {
		a.Extra = nil
	}
	*c = Character(a)
	return nil
}

// MarshalJSON re-emits extension fields alongside the declared ones.
func (c Character) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(characterAlias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range c.Extra {
		if _, exists := merged[key]; !exists {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Validate checks the character schema.
func (c Character) Validate() error {
	if c.Slug == "" {
		return apperrors.New(apperrors.CodeValidation, "character slug is required")
	}
	if c.Name == "" {
		return apperrors.New(apperrors.CodeValidation, "character name is required")
	}
	if c.Level < 1 {
		return apperrors.New(apperrors.CodeValidation, "character level must be at least 1")
	}
	if c.HP < 0 {
		return apperrors.New(apperrors.CodeValidation, "character hp must be non-negative")
	}
	return nil
}

// DecodeCharacter parses and validates a persisted character document.
func DecodeCharacter(data []byte) (Character, error) {
	var c Character
	if err := json.Unmarshal(data, &c); err != nil {
		return Character{}, apperrors.Wrap(apperrors.CodeValidation, fmt.Sprintf("decode character: %v", err), err)
	}
	if err := c.Validate(); err != nil {
		return Character{}, err
	}
	return c, nil
}
