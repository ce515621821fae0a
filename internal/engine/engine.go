// Package engine implements the preview/commit transaction protocol on top
// of a storage backend. Every state mutation flows through the two-call
// handshake; the engine never retries internally.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/platform/id"
	"github.com/halewood/chronicle/internal/session"
	"github.com/halewood/chronicle/internal/storage"
)

// Engine drives the preview/commit state machine. It is safe for concurrent
// use across sessions; correctness for concurrent commits on one session
// comes from the hash-based compare-and-swap, not from locking.
type Engine struct {
	store  storage.Backend
	tracer trace.Tracer
}

// New builds an engine over the given backend.
func New(store storage.Backend) *Engine {
	return &Engine{
		store:  store,
		tracer: otel.Tracer("chronicle/engine"),
	}
}

// PreviewRequest describes one proposed turn.
type PreviewRequest struct {
	StatePatch      json.RawMessage `json:"state_patch,omitempty"`
	TranscriptEntry string          `json:"transcript_entry,omitempty"`
	Response        string          `json:"response,omitempty"`
	ChangelogEntry  string          `json:"changelog_entry,omitempty"`
	DiceExpressions []string        `json:"dice_expressions,omitempty"`
}

// FileDiff is one line of a preview's caller-facing change summary.
type FileDiff struct {
	Path    string `json:"path"`
	Changes string `json:"changes"`
}

// EntropyPlan reports which ledger indices a preview will consume on commit.
type EntropyPlan struct {
	Indices []int64 `json:"indices"`
	Usage   string  `json:"usage"`
}

// PreviewResult is the outcome of CreatePreview.
type PreviewResult struct {
	PreviewID string      `json:"preview_id"`
	Diffs     []FileDiff  `json:"diffs"`
	Plan      EntropyPlan `json:"entropy_plan"`
}

// CommitResult is the outcome of CommitPreview.
type CommitResult struct {
	State        session.State            `json:"state"`
	LogPositions map[storage.Stream]int64 `json:"log_positions"`
}

// checkLock enforces the advisory lock rule: a given owner must match the
// held lock or no lock may exist; an empty owner fails only when the session
// is locked.
func (e *Engine) checkLock(ctx context.Context, slug, owner string) error {
	lock, err := e.store.Sessions.Lock(ctx, slug)
	if err != nil {
		return err
	}
	if lock == nil {
		return nil
	}
	if owner == "" {
		return apperrors.WithMetadata(
			apperrors.CodeLockConflict,
			fmt.Sprintf("session %q is locked", slug),
			map[string]string{"owner": lock.Owner},
		)
	}
	if owner != lock.Owner {
		return apperrors.WithMetadata(
			apperrors.CodeLockConflict,
			"lock owned by another actor",
			map[string]string{"owner": lock.Owner},
		)
	}
	return nil
}

// CreatePreview computes and persists a transaction plan for one turn. It
// never mutates state and never consumes entropy; abandoned previews are
// inert.
func (e *Engine) CreatePreview(ctx context.Context, slug string, req PreviewRequest, lockOwner string) (PreviewResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CreatePreview",
		trace.WithAttributes(attribute.String("session.slug", slug)))
	defer span.End()

	if err := e.checkLock(ctx, slug, lockOwner); err != nil {
		return PreviewResult{}, err
	}
	base, err := e.store.State.LoadState(ctx, slug)
	if err != nil {
		return PreviewResult{}, err
	}
	baseHash, err := session.CanonicalHash(base)
	if err != nil {
		return PreviewResult{}, err
	}

	proposed, err := session.ApplyPatch(base, req.StatePatch)
	if err != nil {
		return PreviewResult{}, err
	}
	if err := proposed.Validate(); err != nil {
		return PreviewResult{}, err
	}

	diceCount := len(req.DiceExpressions)
	reserved := make([]int64, 0, diceCount)
	usage := "No dice reserved"
	if diceCount > 0 {
		next := base.LogIndex + 1
		for i := 0; i < diceCount; i++ {
			reserved = append(reserved, next+int64(i))
		}
		if err := e.store.Entropy.EnsureAvailable(ctx, reserved[len(reserved)-1]); err != nil {
			return PreviewResult{}, err
		}
		usage = fmt.Sprintf("Reserve %d entries starting at %d", diceCount, reserved[0])
	}

	var diffs []FileDiff
	changes, err := session.Diff(base, proposed)
	if err != nil {
		return PreviewResult{}, err
	}
	if len(changes) > 0 {
		diffs = append(diffs, FileDiff{Path: "state.json", Changes: strings.Join(changes, "; ")})
	}
	if req.TranscriptEntry != "" || req.Response != "" {
		diffs = append(diffs, FileDiff{Path: "transcript.md", Changes: "Append 1 entry"})
	}
	if req.ChangelogEntry != "" {
		diffs = append(diffs, FileDiff{Path: "changelog.md", Changes: "Append changelog entry"})
	}

	previewID, err := id.NewID()
	if err != nil {
		return PreviewResult{}, fmt.Errorf("preview id: %w", err)
	}
	transcriptEntry := req.TranscriptEntry
	if transcriptEntry == "" {
		transcriptEntry = req.Response
	}
	rec := storage.PreviewRecord{
		ID:              previewID,
		Slug:            slug,
		CreatedAt:       time.Now().UTC(),
		BaseTurn:        base.Turn,
		BaseHash:        baseHash,
		StatePatch:      req.StatePatch,
		TranscriptEntry: transcriptEntry,
		ChangelogEntry:  req.ChangelogEntry,
		DiceExpressions: req.DiceExpressions,
		ReservedIndices: reserved,
	}
	if err := e.store.Turns.PutPreview(ctx, rec); err != nil {
		return PreviewResult{}, err
	}
	return PreviewResult{
		PreviewID: previewID,
		Diffs:     diffs,
		Plan:      EntropyPlan{Indices: reserved, Usage: usage},
	}, nil
}

// CommitPreview applies a pending preview as one atomic compare-and-swap on
// (turn, hash). Concurrent commits sharing a base race safely: exactly one
// wins, the loser observes STALE_PREVIEW.
func (e *Engine) CommitPreview(ctx context.Context, slug, previewID, lockOwner string) (CommitResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CommitPreview",
		trace.WithAttributes(
			attribute.String("session.slug", slug),
			attribute.String("preview.id", previewID),
		))
	defer span.End()

	if err := e.checkLock(ctx, slug, lockOwner); err != nil {
		return CommitResult{}, err
	}
	preview, err := e.store.Turns.GetPreview(ctx, slug, previewID)
	if err != nil {
		return CommitResult{}, err
	}

	current, err := e.store.State.LoadState(ctx, slug)
	if err != nil {
		return CommitResult{}, err
	}
	currentHash, err := session.CanonicalHash(current)
	if err != nil {
		return CommitResult{}, err
	}
	if current.Turn != preview.BaseTurn || currentHash != preview.BaseHash {
		return CommitResult{}, apperrors.New(apperrors.CodeStalePreview, "state changed; preview is stale")
	}

	newLogIndex := current.LogIndex
	if len(preview.ReservedIndices) > 0 {
		if preview.ReservedIndices[0] != current.LogIndex+1 {
			return CommitResult{}, apperrors.New(apperrors.CodeReservationMismatch, "entropy reservation mismatch")
		}
		last := preview.ReservedIndices[len(preview.ReservedIndices)-1]
		if err := e.store.Entropy.EnsureAvailable(ctx, last); err != nil {
			return CommitResult{}, err
		}
		newLogIndex = last
	}

	proposed, err := session.ApplyPatch(current, preview.StatePatch)
	if err != nil {
		return CommitResult{}, err
	}
	proposed.Turn = current.Turn + 1
	proposed.LogIndex = newLogIndex
	if err := proposed.Validate(); err != nil {
		return CommitResult{}, err
	}

	expect := storage.Version{Turn: preview.BaseTurn, Hash: preview.BaseHash}
	if err := e.store.State.SwapState(ctx, slug, expect, proposed); err != nil {
		return CommitResult{}, err
	}

	if preview.TranscriptEntry != "" {
		if _, err := e.store.TextLogs.AppendText(ctx, slug, storage.StreamTranscript, preview.TranscriptEntry); err != nil {
			return CommitResult{}, err
		}
	}
	if preview.ChangelogEntry != "" {
		if _, err := e.store.TextLogs.AppendText(ctx, slug, storage.StreamChangelog, preview.ChangelogEntry); err != nil {
			return CommitResult{}, err
		}
	}

	changes, err := session.Diff(current, proposed)
	if err != nil {
		return CommitResult{}, err
	}
	record := storage.TurnRecord{
		Turn:      proposed.Turn,
		Diff:      changes,
		DM:        preview.TranscriptEntry,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Turns.PutTurnRecord(ctx, slug, record); err != nil {
		return CommitResult{}, err
	}

	if err := e.store.Turns.DeletePreview(ctx, slug, previewID); err != nil {
		return CommitResult{}, err
	}

	positions, err := e.store.TextLogs.LogPositions(ctx, slug)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{State: proposed, LogPositions: positions}, nil
}
