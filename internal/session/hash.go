package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalHash computes a deterministic hash over the canonicalized
// (sorted-key, compact) JSON serialization of the document. It is used
// strictly as a compare-and-swap token for staleness detection, never as an
// integrity or security property.
func CanonicalHash(st State) (string, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	// Round-trip through a generic document so encoding/json emits
	// lexicographically sorted keys at every nesting level.
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("canonicalize state: %w", err)
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal canonical state: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
