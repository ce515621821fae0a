package engine

import (
	"context"
	"encoding/json"

	"github.com/halewood/chronicle/internal/session"
)

// Narration is what a narrator produces for one turn. Its patch and dice
// expressions feed CreatePreview exactly like caller-supplied input; the
// engine grants narration no special authority.
type Narration struct {
	Text            string          `json:"text"`
	StatePatch      json.RawMessage `json:"state_patch,omitempty"`
	DiceExpressions []string        `json:"dice_expressions,omitempty"`
}

// Narrator is the out-of-scope collaborator boundary: given the current
// state, the pending diff, and the player's intent, it returns narration.
// No implementation lives in this module.
type Narrator interface {
	Narrate(ctx context.Context, state session.State, diff []string, intent string) (Narration, error)
}

// PreviewFromNarration converts a narrator's output into a preview request.
func PreviewFromNarration(n Narration) PreviewRequest {
	return PreviewRequest{
		StatePatch:      n.StatePatch,
		TranscriptEntry: n.Text,
		DiceExpressions: n.DiceExpressions,
	}
}
