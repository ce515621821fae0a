// Package storage defines the capability contract every chronicle backend
// implements. Callers depend on these narrow interfaces, never on a concrete
// backend, so file and SQL implementations stay interchangeable.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/halewood/chronicle/internal/entropy"
	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/session"
)

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateSlug rejects identifiers that could escape the session namespace.
// Both backends call it before touching any named resource.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return apperrors.New(apperrors.CodeInvalidSlug, fmt.Sprintf("invalid slug %q", slug))
	}
	return nil
}

// Stream names an append-only per-session text log.
type Stream string

const (
	StreamTranscript Stream = "transcript"
	StreamChangelog  Stream = "changelog"
)

// Version identifies the exact state a preview was computed against.
type Version struct {
	Turn int
	Hash string
}

// SessionInfo is a summary row for session listings.
type SessionInfo struct {
	Slug      string
	World     string
	Locked    bool
	UpdatedAt time.Time
}

// LockInfo is advisory lock metadata. TTL is informational only; locks are
// never expired by the engine.
type LockInfo struct {
	Owner     string    `json:"owner"`
	TTL       int       `json:"ttl"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// TextEntry is one line of an append-only text stream. ID is the 1-based
// position of the entry within its stream.
type TextEntry struct {
	ID   int64
	Text string
}

// PreviewRecord is a pending, single-use transaction plan. It captures the
// exact base version so commit can detect interleaved writes.
type PreviewRecord struct {
	ID              string          `json:"id"`
	Slug            string          `json:"slug"`
	CreatedAt       time.Time       `json:"created_at"`
	BaseTurn        int             `json:"base_turn"`
	BaseHash        string          `json:"base_hash"`
	StatePatch      json.RawMessage `json:"state_patch,omitempty"`
	TranscriptEntry string          `json:"transcript_entry,omitempty"`
	ChangelogEntry  string          `json:"changelog_entry,omitempty"`
	DiceExpressions []string        `json:"dice_expressions,omitempty"`
	ReservedIndices []int64         `json:"reserved_indices,omitempty"`
}

// Roll is the audit record of one resolved dice mechanic.
type Roll struct {
	Kind         string `json:"kind"`
	Ability      string `json:"ability,omitempty"`
	Skill        string `json:"skill,omitempty"`
	Advantage    string `json:"advantage,omitempty"`
	DC           *int   `json:"dc,omitempty"`
	Total        int    `json:"total"`
	D20          []int  `json:"d20,omitempty"`
	EntropyIndex int64  `json:"entropy_index"`
	Breakdown    string `json:"breakdown,omitempty"`
	Text         string `json:"text,omitempty"`
}

// TurnRecord is the structured journal entry for one committed turn.
type TurnRecord struct {
	Turn            int       `json:"turn"`
	PlayerIntent    string    `json:"player_intent,omitempty"`
	Diff            []string  `json:"diff,omitempty"`
	ConsequenceEcho string    `json:"consequence_echo,omitempty"`
	DM              string    `json:"dm,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Rolls           []Roll    `json:"rolls,omitempty"`
}

// SaveData is the payload captured by a snapshot.
type SaveData struct {
	State     json.RawMessage `json:"state"`
	Character json.RawMessage `json:"character,omitempty"`
	Quests    json.RawMessage `json:"quests,omitempty"`
}

// Save is a point-in-time snapshot of a session.
type Save struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      SaveData  `json:"data"`
}

// SessionStore manages session lifecycle and advisory locks.
type SessionStore interface {
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	// CreateSession fails with SESSION_EXISTS when slug is already taken.
	CreateSession(ctx context.Context, slug string, initial session.State) error
	// Lock returns the current lock, or nil when the session is unlocked.
	Lock(ctx context.Context, slug string) (*LockInfo, error)
	// ClaimLock fails with LOCK_CONFLICT when a different owner holds the lock.
	ClaimLock(ctx context.Context, slug, owner string, ttl int) (*LockInfo, error)
	// ReleaseLock is a no-op when no lock exists.
	ReleaseLock(ctx context.Context, slug string) error
}

// StateStore reads and writes canonical session state.
type StateStore interface {
	// LoadState fails with NOT_FOUND when the session does not exist.
	LoadState(ctx context.Context, slug string) (session.State, error)
	// SaveState validates then persists state unconditionally.
	SaveState(ctx context.Context, slug string, st session.State) error
	// SwapState atomically replaces state only if the stored version still
	// matches expect; otherwise it fails with STALE_PREVIEW.
	SwapState(ctx context.Context, slug string, expect Version, next session.State) error
}

// TurnStore manages previews and the structured turn journal.
type TurnStore interface {
	PutPreview(ctx context.Context, rec PreviewRecord) error
	// GetPreview fails with NOT_FOUND when the id is unknown or belongs to a
	// different session.
	GetPreview(ctx context.Context, slug, id string) (PreviewRecord, error)
	DeletePreview(ctx context.Context, slug, id string) error
	PutTurnRecord(ctx context.Context, slug string, rec TurnRecord) error
	GetTurnRecord(ctx context.Context, slug string, turn int) (TurnRecord, error)
	// ListTurnRecords returns records newest first. A limit of zero or less
	// returns all records.
	ListTurnRecords(ctx context.Context, slug string, limit int) ([]TurnRecord, error)
}

// EntropyStore exposes the shared entropy ledger to mechanics.
type EntropyStore interface {
	// EnsureAvailable fails with INSUFFICIENT_ENTROPY when the ledger is
	// shorter than target.
	EnsureAvailable(ctx context.Context, target int64) error
	// Entry fails with NOT_FOUND for indices beyond the ledger head.
	Entry(ctx context.Context, index int64) (entropy.Entry, error)
	PreviewEntries(ctx context.Context, limit int) ([]entropy.Entry, error)
	Head(ctx context.Context) (int64, error)
}

// CharacterStore reads and writes the session's character sheet.
type CharacterStore interface {
	LoadCharacter(ctx context.Context, slug string) (session.Character, error)
	SaveCharacter(ctx context.Context, slug string, ch session.Character) error
}

// TextLogStore manages the append-only transcript and changelog streams.
type TextLogStore interface {
	// AppendText appends one entry and returns its 1-based position.
	AppendText(ctx context.Context, slug string, stream Stream, text string) (int64, error)
	// TextEntries pages through a stream. With no cursor the window is the
	// last tail entries in ascending order; tail of zero or less means all.
	// The returned cursor is empty once the stream is exhausted.
	TextEntries(ctx context.Context, slug string, stream Stream, tail int, cursor string) ([]TextEntry, string, error)
	// LogPositions reports the current length of every stream.
	LogPositions(ctx context.Context, slug string) (map[Stream]int64, error)
}

// DocStore stores free-form named JSON documents within a session.
type DocStore interface {
	LoadDoc(ctx context.Context, slug, name string) ([]byte, error)
	SaveDoc(ctx context.Context, slug, name string, data []byte) error
}

// SnapshotStore manages point-in-time saves.
type SnapshotStore interface {
	CreateSave(ctx context.Context, save Save) error
	ListSaves(ctx context.Context, slug string) ([]Save, error)
	GetSave(ctx context.Context, slug, id string) (Save, error)
	// RestoreSave returns the captured payload. It never mutates live state;
	// applying a restore goes through the preview/commit path.
	RestoreSave(ctx context.Context, slug, id string) (SaveData, error)
}

// WorldStore stores named documents shared across sessions of one world.
type WorldStore interface {
	WorldDoc(ctx context.Context, world, kind string) ([]byte, error)
	SaveWorldDoc(ctx context.Context, world, kind string, data []byte) error
}

// Backend aggregates every capability a fully featured backend provides.
type Backend struct {
	Sessions   SessionStore
	State      StateStore
	Turns      TurnStore
	Entropy    EntropyStore
	Characters CharacterStore
	TextLogs   TextLogStore
	Docs       DocStore
	Snapshots  SnapshotStore
	Worlds     WorldStore
}
