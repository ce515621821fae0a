// Package session models the canonical per-session state document.
//
// The document is dynamic JSON at the storage boundary, but it is always
// carried internally as a typed State with a single open extension map, and
// validated at every deserialization boundary.
package session

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
)

// State is the canonical session-state document.
//
// Turn and LogIndex are engine-owned monotonic counters: they are mutated
// only by a successful commit and are rejected when present in patches.
type State struct {
	Character  string         `json:"character"`
	Turn       int            `json:"turn"`
	SceneID    string         `json:"scene_id"`
	Location   string         `json:"location"`
	HP         int            `json:"hp"`
	Conditions []string       `json:"conditions"`
	Flags      map[string]any `json:"flags"`
	LogIndex   int64          `json:"log_index"`
	Level      int            `json:"level"`
	XP         int            `json:"xp"`
	Inventory  []string       `json:"inventory"`

	Abilities        map[string]int `json:"abilities,omitempty"`
	Quests           map[string]any `json:"quests,omitempty"`
	ConditionsDetail []string       `json:"conditions_detail,omitempty"`
	World            string         `json:"world,omitempty"`
	Weather          string         `json:"weather,omitempty"`
	TravelPace       string         `json:"travel_pace,omitempty"`
	Exhaustion       *int           `json:"exhaustion,omitempty"`
	GP               *int           `json:"gp,omitempty"`

	// Extra carries forward-compatible extension fields verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownStateFields is the declared state schema, keyed by JSON field name.
var knownStateFields = map[string]bool{
	"character":         true,
	"turn":              true,
	"scene_id":          true,
	"location":          true,
	"hp":                true,
	"conditions":        true,
	"flags":             true,
	"log_index":         true,
	"level":             true,
	"xp":                true,
	"inventory":         true,
	"abilities":         true,
	"quests":            true,
	"conditions_detail": true,
	"world":             true,
	"weather":           true,
	"travel_pace":       true,
	"exhaustion":        true,
	"gp":                true,
}

// engineOwnedFields are mutated only by a successful commit.
var engineOwnedFields = map[string]bool{
	"turn":      true,
	"log_index": true,
}

type stateAlias State

// UnmarshalJSON decodes the declared fields and folds any unknown top-level
// keys into the extension map.
func (s *State) UnmarshalJSON(data []byte) error {
	var a stateAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if knownStateFields[key] {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		a.Extra = raw
	} else {
		a.Extra = nil
	}
	*s = State(a)
	return nil
}

// MarshalJSON re-emits extension fields alongside the declared ones.
func (s State) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(stateAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range s.Extra {
		if _, exists := merged[key]; !exists {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Validate checks the state schema. Counters must be non-negative, level at
// least 1, and the required document fields present.
func (s State) Validate() error {
	if s.Character == "" {
		return apperrors.New(apperrors.CodeValidation, "state character is required")
	}
	if s.SceneID == "" {
		return apperrors.New(apperrors.CodeValidation, "state scene_id is required")
	}
	if s.Location == "" {
		return apperrors.New(apperrors.CodeValidation, "state location is required")
	}
	if s.Turn < 0 {
		return apperrors.New(apperrors.CodeValidation, "state turn must be non-negative")
	}
	if s.LogIndex < 0 {
		return apperrors.New(apperrors.CodeValidation, "state log_index must be non-negative")
	}
	if s.HP < 0 {
		return apperrors.New(apperrors.CodeValidation, "state hp must be non-negative")
	}
	if s.XP < 0 {
		return apperrors.New(apperrors.CodeValidation, "state xp must be non-negative")
	}
	if s.Level < 1 {
		return apperrors.New(apperrors.CodeValidation, "state level must be at least 1")
	}
	if s.Conditions == nil {
		return apperrors.New(apperrors.CodeValidation, "state conditions are required")
	}
	if s.Flags == nil {
		return apperrors.New(apperrors.CodeValidation, "state flags are required")
	}
	if s.Inventory == nil {
		return apperrors.New(apperrors.CodeValidation, "state inventory is required")
	}
	if s.Exhaustion != nil && *s.Exhaustion < 0 {
		return apperrors.New(apperrors.CodeValidation, "state exhaustion must be non-negative")
	}
	if s.GP != nil && *s.GP < 0 {
		return apperrors.New(apperrors.CodeValidation, "state gp must be non-negative")
	}
	return nil
}

// Decode parses and validates a persisted state document.
func Decode(data []byte) (State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, apperrors.Wrap(apperrors.CodeValidation, fmt.Sprintf("decode state: %v", err), err)
	}
	if err := st.Validate(); err != nil {
		return State{}, err
	}
	return st, nil
}
