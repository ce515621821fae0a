// Package cursor encodes opaque pagination tokens for text log streams.
// Tokens carry the last-seen entry position; callers must not interpret them.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
)

type payload struct {
	Seq int64 `json:"seq"`
}

// Encode wraps a stream position into an opaque token.
func Encode(seq int64) string {
	data, _ := json.Marshal(payload{Seq: seq})
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode unwraps a token back into a stream position. An empty token decodes
// to zero, meaning "no cursor".
func Decode(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeValidation, fmt.Sprintf("malformed cursor %q", token), err)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeValidation, fmt.Sprintf("malformed cursor %q", token), err)
	}
	if p.Seq < 0 {
		return 0, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("negative cursor position %d", p.Seq))
	}
	return p.Seq, nil
}
