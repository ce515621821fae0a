package session

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
)

// ApplyPatch deep-merges patch into st and returns the merged document.
//
// Merge semantics follow RFC 7386: object-valued fields merge recursively,
// every other field replaces. Engine-owned counters (turn, log_index) and
// keys outside the declared schema are rejected. The result is not validated
// here; callers validate before persisting.
func ApplyPatch(st State, patch json.RawMessage) (State, error) {
	if isEmptyPatch(patch) {
		return st, nil
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(patch, &keys); err != nil {
		return State{}, apperrors.Wrap(apperrors.CodeValidation, fmt.Sprintf("decode state patch: %v", err), err)
	}
	for key := range keys {
		if engineOwnedFields[key] {
			return State{}, apperrors.New(apperrors.CodeUnknownField, fmt.Sprintf("%q cannot be set directly", key))
		}
		if !knownStateFields[key] {
			return State{}, apperrors.New(apperrors.CodeUnknownField, fmt.Sprintf("unknown state field %q", key))
		}
	}

	base, err := json.Marshal(st)
	if err != nil {
		return State{}, fmt.Errorf("marshal base state: %w", err)
	}
	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return State{}, apperrors.Wrap(apperrors.CodeValidation, fmt.Sprintf("merge state patch: %v", err), err)
	}

	var next State
	if err := json.Unmarshal(merged, &next); err != nil {
		return State{}, apperrors.Wrap(apperrors.CodeValidation, fmt.Sprintf("decode merged state: %v", err), err)
	}
	return next, nil
}

func isEmptyPatch(patch json.RawMessage) bool {
	trimmed := bytes.TrimSpace(patch)
	if len(trimmed) == 0 {
		return true
	}
	return bytes.Equal(trimmed, []byte("{}")) || bytes.Equal(trimmed, []byte("null"))
}
