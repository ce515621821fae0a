package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Diff summarizes the field-level differences between two state documents as
// sorted "key: before -> after" lines for caller review.
func Diff(before, after State) ([]string, error) {
	beforeDoc, err := topLevelFields(before)
	if err != nil {
		return nil, err
	}
	afterDoc, err := topLevelFields(after)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]bool, len(beforeDoc)+len(afterDoc))
	for key := range beforeDoc {
		keys[key] = true
	}
	for key := range afterDoc {
		keys[key] = true
	}
	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	var changes []string
	for _, key := range sorted {
		a, b := beforeDoc[key], afterDoc[key]
		if !bytes.Equal(a, b) {
			changes = append(changes, fmt.Sprintf("%s: %s -> %s", key, renderValue(a), renderValue(b)))
		}
	}
	return changes, nil
}

func topLevelFields(st State) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state fields: %w", err)
	}
	// Normalize so key order inside nested objects never produces a
	// spurious diff line.
	for key, value := range doc {
		var generic any
		if err := json.Unmarshal(value, &generic); err != nil {
			continue
		}
		canonical, err := json.Marshal(generic)
		if err != nil {
			continue
		}
		doc[key] = canonical
	}
	return doc, nil
}

func renderValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "<unset>"
	}
	return string(raw)
}
