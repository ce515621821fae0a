package session

import (
	"encoding/json"
	"testing"
)

func TestCanonicalHashStableAcrossKeyOrder(t *testing.T) {
	a := []byte(`{"character":"k","turn":1,"scene_id":"s","location":"l","hp":4,"conditions":[],"flags":{"a":1,"b":2},"log_index":2,"level":1,"xp":0,"inventory":[]}`)
	b := []byte(`{"inventory":[],"xp":0,"level":1,"log_index":2,"flags":{"b":2,"a":1},"conditions":[],"hp":4,"location":"l","scene_id":"s","turn":1,"character":"k"}`)

	var sa, sb State
	if err := json.Unmarshal(a, &sa); err != nil {
		t.Fatalf("unmarshal a: %v", err)
	}
	if err := json.Unmarshal(b, &sb); err != nil {
		t.Fatalf("unmarshal b: %v", err)
	}

	ha, err := CanonicalHash(sa)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := CanonicalHash(sb)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatal("expected identical hashes regardless of key order")
	}
}

func TestCanonicalHashDetectsChange(t *testing.T) {
	st := validState()
	before, err := CanonicalHash(st)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	st.HP--
	after, err := CanonicalHash(st)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if before == after {
		t.Fatal("expected hash to change with document")
	}
}

func TestCanonicalHashCoversExtensionFields(t *testing.T) {
	st := validState()
	base, err := CanonicalHash(st)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	st.Extra = map[string]json.RawMessage{"custom_tracker": []byte(`{"doom":3}`)}
	extended, err := CanonicalHash(st)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if base == extended {
		t.Fatal("expected extension fields to affect the hash")
	}
}

func TestDiffSortedFieldLines(t *testing.T) {
	before := validState()
	after := before
	after.HP = 9
	after.Location = "crypt"

	changes, err := Diff(before, after)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %v", changes)
	}
	if changes[0] != "hp: 14 -> 9" {
		t.Fatalf("unexpected first change: %q", changes[0])
	}
	if changes[1] != `location: "The Sunken Archive" -> "crypt"` {
		t.Fatalf("unexpected second change: %q", changes[1])
	}
}

func TestDiffNoChanges(t *testing.T) {
	st := validState()
	changes, err := Diff(st, st)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %v", changes)
	}
}
