package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/halewood/chronicle/internal/entropy"
	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/session"
	"github.com/halewood/chronicle/internal/storage"
)

// RollRequest describes one d20 mechanic to resolve.
type RollRequest struct {
	Kind      string `json:"kind"`
	Ability   string `json:"ability,omitempty"`
	Skill     string `json:"skill,omitempty"`
	Advantage string `json:"advantage,omitempty"`
	DC        *int   `json:"dc,omitempty"`
}

// RollResult is the resolved outcome.
type RollResult struct {
	D20          []int  `json:"d20"`
	Total        int    `json:"total"`
	Breakdown    string `json:"breakdown"`
	Text         string `json:"text"`
	EntropyIndex int64  `json:"entropy_index"`
}

var skillToAbility = map[string]string{
	"athletics":       "STR",
	"acrobatics":      "DEX",
	"sleight_of_hand": "DEX",
	"stealth":         "DEX",
	"arcana":          "INT",
	"history":         "INT",
	"investigation":   "INT",
	"nature":          "INT",
	"religion":        "INT",
	"animal_handling": "WIS",
	"insight":         "WIS",
	"medicine":        "WIS",
	"perception":      "WIS",
	"survival":        "WIS",
	"deception":       "CHA",
	"intimidation":    "CHA",
	"performance":     "CHA",
	"persuasion":      "CHA",
}

var abilityNames = map[string]string{
	"STR": "strength",
	"DEX": "dexterity",
	"CON": "constitution",
	"INT": "intelligence",
	"WIS": "wisdom",
	"CHA": "charisma",
}

func normalizeSkill(skill string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(skill)), " ", "_")
}

// floorDiv rounds toward negative infinity; Go's integer division truncates
// toward zero, which is wrong for below-average ability scores.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func abilityModifier(score int, ok bool) int {
	if !ok {
		return 0
	}
	return floorDiv(score-10, 2)
}

func abilityScore(abilities map[string]int, ability string) (int, bool) {
	if len(abilities) == 0 {
		return 0, false
	}
	for _, key := range []string{
		strings.ToLower(ability),
		abilityNames[strings.ToUpper(ability)],
		strings.ToUpper(ability),
		ability,
	} {
		if key == "" {
			continue
		}
		if score, ok := abilities[key]; ok {
			return score, true
		}
	}
	return 0, false
}

func proficiencyBonus(level int) int {
	if level < 1 {
		return 2
	}
	return 2 + (level-1)/4
}

func isSkillProficient(ch session.Character, skill string) bool {
	target := normalizeSkill(skill)
	for _, item := range ch.Profs.Skills {
		if normalizeSkill(item) == target {
			return true
		}
	}
	return false
}

func displayLabel(req RollRequest) string {
	if req.Skill != "" {
		return titleWords(strings.ReplaceAll(normalizeSkill(req.Skill), "_", " "))
	}
	if req.Ability != "" {
		return req.Ability
	}
	return titleWords(strings.ReplaceAll(req.Kind, "_", " "))
}

func titleWords(value string) string {
	words := strings.Fields(value)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// PerformRoll resolves one d20 check against the next ledger index and
// advances the session's log_index by exactly one. The roll is echoed to the
// transcript and attached to the current turn's record when one exists.
func (e *Engine) PerformRoll(ctx context.Context, slug string, req RollRequest) (RollResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.PerformRoll",
		trace.WithAttributes(
			attribute.String("session.slug", slug),
			attribute.String("roll.kind", req.Kind),
		))
	defer span.End()

	character, charErr := e.store.Characters.LoadCharacter(ctx, slug)

	// Claim the next ledger index through the versioned swap so concurrent
	// rolls on one session never consume the same entry. A lost race reloads
	// and claims the following index.
	var state session.State
	var nextIndex int64
	for {
		var err error
		state, err = e.store.State.LoadState(ctx, slug)
		if err != nil {
			return RollResult{}, err
		}
		hash, err := session.CanonicalHash(state)
		if err != nil {
			return RollResult{}, err
		}
		nextIndex = state.LogIndex + 1
		if err := e.store.Entropy.EnsureAvailable(ctx, nextIndex); err != nil {
			return RollResult{}, err
		}
		claimed := state
		claimed.LogIndex = nextIndex
		err = e.store.State.SwapState(ctx, slug, storage.Version{Turn: state.Turn, Hash: hash}, claimed)
		if err == nil {
			state = claimed
			break
		}
		if !errors.Is(err, apperrors.New(apperrors.CodeStalePreview, "")) {
			return RollResult{}, err
		}
	}

	entry, err := e.store.Entropy.Entry(ctx, nextIndex)
	if err != nil {
		return RollResult{}, err
	}

	needed := 1
	if req.Advantage == "advantage" || req.Advantage == "disadvantage" {
		needed = 2
	}
	if len(entry.D20) < needed {
		return RollResult{}, apperrors.New(apperrors.CodeEntropyCorrupt, fmt.Sprintf("entropy entry %d missing dice values", nextIndex))
	}
	used := make([]int, needed)
	for i := 0; i < needed; i++ {
		used[i] = entropy.Die(entry.D20[i], 20)
	}
	baseRoll := used[0]
	switch req.Advantage {
	case "advantage":
		if used[1] > baseRoll {
			baseRoll = used[1]
		}
	case "disadvantage":
		if used[1] < baseRoll {
			baseRoll = used[1]
		}
	}

	ability := req.Ability
	if ability == "" && req.Skill != "" {
		ability = skillToAbility[normalizeSkill(req.Skill)]
	}
	if ability == "" && req.Kind == "initiative" {
		ability = "DEX"
	}

	modifier := 0
	abilityMod := 0
	if ability != "" {
		score, ok := abilityScore(state.Abilities, ability)
		if !ok && charErr == nil {
			score, ok = abilityScore(character.Abilities, ability)
		}
		abilityMod = abilityModifier(score, ok)
		modifier += abilityMod
	}

	profBonus := 0
	if req.Skill != "" && charErr == nil && isSkillProficient(character, req.Skill) {
		level := character.Level
		if level < 1 {
			level = state.Level
		}
		profBonus = proficiencyBonus(level)
		modifier += profBonus
	}

	total := baseRoll + modifier

	parts := []string{fmt.Sprint(baseRoll)}
	if ability != "" {
		parts = append(parts, fmt.Sprintf("%+d (%s)", abilityMod, ability))
	}
	if profBonus > 0 {
		parts = append(parts, fmt.Sprintf("+%d (PROF)", profBonus))
	}
	breakdown := strings.Join(parts, " ")
	text := fmt.Sprintf("I roll %s: %s = %d", displayLabel(req), breakdown, total)

	if _, err := e.store.TextLogs.AppendText(ctx, slug, storage.StreamTranscript, text); err != nil {
		return RollResult{}, err
	}

	roll := storage.Roll{
		Kind:         req.Kind,
		Ability:      ability,
		Skill:        req.Skill,
		Advantage:    req.Advantage,
		DC:           req.DC,
		Total:        total,
		D20:          used,
		EntropyIndex: nextIndex,
		Breakdown:    breakdown,
		Text:         text,
	}
	// A roll before the first commit has no turn record to attach to.
	if record, err := e.store.Turns.GetTurnRecord(ctx, slug, state.Turn); err == nil {
		record.Rolls = append(record.Rolls, roll)
		if err := e.store.Turns.PutTurnRecord(ctx, slug, record); err != nil {
			return RollResult{}, err
		}
	}

	return RollResult{
		D20:          used,
		Total:        total,
		Breakdown:    breakdown,
		Text:         text,
		EntropyIndex: nextIndex,
	}, nil
}
