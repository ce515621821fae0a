package session

import (
	"encoding/json"
	"errors"
	"testing"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
)

func validState() State {
	return State{
		Character:  "kestrel",
		Turn:       3,
		SceneID:    "scene-7",
		Location:   "The Sunken Archive",
		HP:         14,
		Conditions: []string{},
		Flags:      map[string]any{"met_warden": true},
		LogIndex:   5,
		Level:      2,
		XP:         320,
		Inventory:  []string{"sword", "rope"},
		Abilities:  map[string]int{"str": 10, "dex": 14, "con": 12, "int": 11, "wis": 13, "cha": 9},
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validState().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsNegativeCounters(t *testing.T) {
	cases := map[string]func(*State){
		"hp":        func(s *State) { s.HP = -5 },
		"xp":        func(s *State) { s.XP = -1 },
		"turn":      func(s *State) { s.Turn = -1 },
		"log_index": func(s *State) { s.LogIndex = -1 },
		"level":     func(s *State) { s.Level = 0 },
	}
	for name, mutate := range cases {
		st := validState()
		mutate(&st)
		err := st.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if !errors.Is(err, apperrors.New(apperrors.CodeValidation, "")) {
			t.Fatalf("%s: expected VALIDATION_ERROR, got %v", name, err)
		}
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	st := validState()
	st.Character = ""
	if err := st.Validate(); err == nil {
		t.Fatal("expected error for missing character")
	}

	st = validState()
	st.Flags = nil
	if err := st.Validate(); err == nil {
		t.Fatal("expected error for missing flags")
	}
}

func TestUnmarshalPreservesExtensionFields(t *testing.T) {
	raw := []byte(`{
		"character": "kestrel", "turn": 0, "scene_id": "init",
		"location": "camp", "hp": 10, "conditions": [], "flags": {},
		"log_index": 0, "level": 1, "xp": 0, "inventory": [],
		"custom_tracker": {"doom": 3}
	}`)
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := st.Extra["custom_tracker"]; !ok {
		t.Fatal("expected extension field to survive decoding")
	}

	out, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("decode round-trip: %v", err)
	}
	if _, ok := doc["custom_tracker"]; !ok {
		t.Fatal("expected extension field in serialized output")
	}
}

func TestApplyPatchEmptyIsNoop(t *testing.T) {
	st := validState()
	for _, patch := range []json.RawMessage{nil, []byte(""), []byte("{}"), []byte("null")} {
		got, err := ApplyPatch(st, patch)
		if err != nil {
			t.Fatalf("apply empty patch: %v", err)
		}
		if hashOf(t, got) != hashOf(t, st) {
			t.Fatalf("expected empty patch to be a no-op, got %+v", got)
		}
	}
}

func TestApplyPatchDeepMergesObjects(t *testing.T) {
	st := validState()
	got, err := ApplyPatch(st, []byte(`{"flags": {"door_open": true}}`))
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	if got.Flags["met_warden"] != true {
		t.Fatal("expected existing flag to survive merge")
	}
	if got.Flags["door_open"] != true {
		t.Fatal("expected new flag after merge")
	}
}

func TestApplyPatchReplacesLists(t *testing.T) {
	st := validState()
	got, err := ApplyPatch(st, []byte(`{"inventory": ["torch"]}`))
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	if len(got.Inventory) != 1 || got.Inventory[0] != "torch" {
		t.Fatalf("expected wholesale list replacement, got %v", got.Inventory)
	}
}

func TestApplyPatchScalarIdempotent(t *testing.T) {
	st := validState()
	patch := json.RawMessage(`{"hp": 9, "location": "crypt"}`)
	once, err := ApplyPatch(st, patch)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	twice, err := ApplyPatch(once, patch)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if hashOf(t, once) != hashOf(t, twice) {
		t.Fatal("expected scalar patch to be idempotent")
	}
}

func TestApplyPatchListReplacementDiscardsInterleavedChanges(t *testing.T) {
	st := validState()
	patch := json.RawMessage(`{"inventory": ["torch"]}`)
	once, err := ApplyPatch(st, patch)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// A change made between applications is discarded by the replacement.
	once.Inventory = append(once.Inventory, "map")
	twice, err := ApplyPatch(once, patch)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(twice.Inventory) != 1 || twice.Inventory[0] != "torch" {
		t.Fatalf("expected list replacement to discard interleaved append, got %v", twice.Inventory)
	}
}

func TestApplyPatchRejectsEngineOwnedFields(t *testing.T) {
	st := validState()
	for _, patch := range []string{`{"turn": 9}`, `{"log_index": 4}`} {
		_, err := ApplyPatch(st, []byte(patch))
		if !errors.Is(err, apperrors.New(apperrors.CodeUnknownField, "")) {
			t.Fatalf("patch %s: expected UNKNOWN_FIELD, got %v", patch, err)
		}
	}
}

func TestApplyPatchRejectsUndeclaredFields(t *testing.T) {
	_, err := ApplyPatch(validState(), []byte(`{"mana": 4}`))
	if !errors.Is(err, apperrors.New(apperrors.CodeUnknownField, "")) {
		t.Fatalf("expected UNKNOWN_FIELD, got %v", err)
	}
}

func hashOf(t *testing.T, st State) string {
	t.Helper()
	h, err := CanonicalHash(st)
	if err != nil {
		t.Fatalf("canonical hash: %v", err)
	}
	return h
}
