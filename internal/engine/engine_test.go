package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/halewood/chronicle/internal/entropy"
	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/session"
	"github.com/halewood/chronicle/internal/storage"
	"github.com/halewood/chronicle/internal/storage/file"
)

// testEntry builds a well-formed ledger entry with the given leading d20
// values; remaining positions are filled deterministically.
func testEntry(index int64, d20 ...int) entropy.Entry {
	entry := entropy.Entry{
		Index: index,
		Bytes: fmt.Sprintf("%08x", index),
	}
	for i := 0; i < 10; i++ {
		if i < len(d20) {
			entry.D20 = append(entry.D20, d20[i])
		} else {
			entry.D20 = append(entry.D20, int(index)%20+1)
		}
	}
	for i := 0; i < 5; i++ {
		entry.D100 = append(entry.D100, int(index)%100+1)
	}
	return entry
}

func writeLedger(t *testing.T, path string, entries []entropy.Entry) {
	t.Helper()
	var buf bytes.Buffer
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			t.Fatalf("marshal ledger entry: %v", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
}

func defaultLedger(t *testing.T, path string) {
	t.Helper()
	entries := make([]entropy.Entry, 0, 10)
	for i := int64(1); i <= 10; i++ {
		entries = append(entries, testEntry(i))
	}
	writeLedger(t, path, entries)
}

func newTestEngine(t *testing.T) (*Engine, storage.Backend) {
	t.Helper()
	root := t.TempDir()
	ledgerPath := filepath.Join(root, "entropy.ndjson")
	defaultLedger(t, ledgerPath)
	store, err := file.New(root, entropy.Open(ledgerPath))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	backend := store.Backend()
	return New(backend), backend
}

func seedState() session.State {
	return session.State{
		Character:  "vex",
		Turn:       0,
		SceneID:    "intro",
		Location:   "The Sunken Archive",
		HP:         14,
		Conditions: []string{},
		Flags:      map[string]any{},
		LogIndex:   0,
		Level:      3,
		XP:         900,
		Inventory:  []string{"dagger", "rope"},
		Abilities:  map[string]int{"dexterity": 14, "strength": 8},
	}
}

func mustSession(t *testing.T, b storage.Backend, slug string) {
	t.Helper()
	if err := b.Sessions.CreateSession(context.Background(), slug, seedState()); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func wantCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if !errors.Is(err, apperrors.New(code, "")) {
		t.Fatalf("got error %v, want code %s", err, code)
	}
}

func TestPreviewCommitAdvancesTurn(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")

	res, err := eng.CreatePreview(ctx, "vex", PreviewRequest{
		StatePatch:      json.RawMessage(`{"hp": 9, "location": "crypt"}`),
		TranscriptEntry: "Vex descends into the crypt.",
		ChangelogEntry:  "turn 1: hp 14 -> 9",
	}, "")
	if err != nil {
		t.Fatalf("create preview: %v", err)
	}
	if res.PreviewID == "" {
		t.Fatal("preview id is empty")
	}
	if len(res.Diffs) != 3 {
		t.Fatalf("diffs = %+v, want state + transcript + changelog", res.Diffs)
	}
	if res.Diffs[0].Path != "state.json" {
		t.Fatalf("first diff path = %q", res.Diffs[0].Path)
	}
	if res.Plan.Usage != "No dice reserved" || len(res.Plan.Indices) != 0 {
		t.Fatalf("entropy plan = %+v", res.Plan)
	}

	commit, err := eng.CommitPreview(ctx, "vex", res.PreviewID, "")
	if err != nil {
		t.Fatalf("commit preview: %v", err)
	}
	if commit.State.Turn != 1 || commit.State.HP != 9 || commit.State.Location != "crypt" {
		t.Fatalf("committed state = %+v", commit.State)
	}
	if commit.State.LogIndex != 0 {
		t.Fatalf("log_index advanced without dice: %d", commit.State.LogIndex)
	}
	if commit.LogPositions[storage.StreamTranscript] != 1 || commit.LogPositions[storage.StreamChangelog] != 1 {
		t.Fatalf("log positions = %+v", commit.LogPositions)
	}

	record, err := b.Turns.GetTurnRecord(ctx, "vex", 1)
	if err != nil {
		t.Fatalf("get turn record: %v", err)
	}
	if record.Turn != 1 || len(record.Diff) == 0 {
		t.Fatalf("turn record = %+v", record)
	}

	// The preview is single-use.
	_, err = eng.CommitPreview(ctx, "vex", res.PreviewID, "")
	wantCode(t, err, apperrors.CodeNotFound)
}

func TestCreatePreviewDoesNotMutate(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")

	before, err := b.State.LoadState(ctx, "vex")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	beforeHash, err := session.CanonicalHash(before)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	if _, err := eng.CreatePreview(ctx, "vex", PreviewRequest{
		StatePatch:      json.RawMessage(`{"hp": 1}`),
		DiceExpressions: []string{"1d20", "1d20"},
	}, ""); err != nil {
		t.Fatalf("create preview: %v", err)
	}

	after, err := b.State.LoadState(ctx, "vex")
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	afterHash, err := session.CanonicalHash(after)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if beforeHash != afterHash {
		t.Fatal("preview creation changed persisted state")
	}
	if after.LogIndex != 0 {
		t.Fatalf("preview consumed entropy: log_index = %d", after.LogIndex)
	}
}

func TestPreviewReservesEntropy(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")

	res, err := eng.CreatePreview(ctx, "vex", PreviewRequest{
		DiceExpressions: []string{"1d20", "1d20", "1d20"},
	}, "")
	if err != nil {
		t.Fatalf("create preview: %v", err)
	}
	if len(res.Plan.Indices) != 3 || res.Plan.Indices[0] != 1 || res.Plan.Indices[2] != 3 {
		t.Fatalf("entropy plan indices = %v", res.Plan.Indices)
	}
	if res.Plan.Usage != "Reserve 3 entries starting at 1" {
		t.Fatalf("entropy plan usage = %q", res.Plan.Usage)
	}

	commit, err := eng.CommitPreview(ctx, "vex", res.PreviewID, "")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if commit.State.LogIndex != 3 {
		t.Fatalf("log_index = %d, want 3 (last reserved)", commit.State.LogIndex)
	}
}

func TestInsufficientEntropy(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")

	expressions := make([]string, 11)
	for i := range expressions {
		expressions[i] = "1d20"
	}
	_, err := eng.CreatePreview(ctx, "vex", PreviewRequest{DiceExpressions: expressions}, "")
	wantCode(t, err, apperrors.CodeInsufficientEntropy)
}

func TestStaleCommitLeavesStateUnchanged(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")

	first, err := eng.CreatePreview(ctx, "vex", PreviewRequest{StatePatch: json.RawMessage(`{"hp": 9}`)}, "")
	if err != nil {
		t.Fatalf("first preview: %v", err)
	}
	second, err := eng.CreatePreview(ctx, "vex", PreviewRequest{StatePatch: json.RawMessage(`{"hp": 5}`)}, "")
	if err != nil {
		t.Fatalf("second preview: %v", err)
	}

	if _, err := eng.CommitPreview(ctx, "vex", first.PreviewID, ""); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	_, err = eng.CommitPreview(ctx, "vex", second.PreviewID, "")
	wantCode(t, err, apperrors.CodeStalePreview)

	state, err := b.State.LoadState(ctx, "vex")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.HP != 9 || state.Turn != 1 {
		t.Fatalf("loser's commit mutated state: %+v", state)
	}
}

func TestConcurrentCommitsExactlyOneWinner(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")

	ids := make([]string, 2)
	for i, hp := range []int{9, 5} {
		res, err := eng.CreatePreview(ctx, "vex", PreviewRequest{
			StatePatch: json.RawMessage(fmt.Sprintf(`{"hp": %d}`, hp)),
		}, "")
		if err != nil {
			t.Fatalf("preview %d: %v", i, err)
		}
		ids[i] = res.PreviewID
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = eng.CommitPreview(ctx, "vex", ids[i], "")
		}(i)
	}
	wg.Wait()

	var wins, stale int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperrors.New(apperrors.CodeStalePreview, "")):
			stale++
		default:
			t.Fatalf("unexpected commit error: %v", err)
		}
	}
	if wins != 1 || stale != 1 {
		t.Fatalf("wins=%d stale=%d, want exactly one of each", wins, stale)
	}

	state, err := b.State.LoadState(ctx, "vex")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.Turn != 1 {
		t.Fatalf("turn = %d after one winning commit", state.Turn)
	}
}

func TestPatchValidationFailure(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")

	_, err := eng.CreatePreview(ctx, "vex", PreviewRequest{
		StatePatch: json.RawMessage(`{"hp": -5}`),
	}, "")
	wantCode(t, err, apperrors.CodeValidation)

	state, err := b.State.LoadState(ctx, "vex")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.HP != 14 {
		t.Fatalf("rejected patch mutated state: hp = %d", state.HP)
	}
}

func TestPatchEngineOwnedFieldRejected(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")

	for _, patch := range []string{`{"turn": 5}`, `{"log_index": 3}`, `{"haircut": "mohawk"}`} {
		_, err := eng.CreatePreview(ctx, "vex", PreviewRequest{StatePatch: json.RawMessage(patch)}, "")
		wantCode(t, err, apperrors.CodeUnknownField)
	}
}

func TestLockEnforcement(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")

	// Unlocked: any owner (or none) may preview.
	if _, err := eng.CreatePreview(ctx, "vex", PreviewRequest{}, "gm"); err != nil {
		t.Fatalf("preview with owner on unlocked session: %v", err)
	}

	if _, err := b.Sessions.ClaimLock(ctx, "vex", "gm", 300); err != nil {
		t.Fatalf("claim lock: %v", err)
	}

	_, err := eng.CreatePreview(ctx, "vex", PreviewRequest{}, "intruder")
	wantCode(t, err, apperrors.CodeLockConflict)

	_, err = eng.CreatePreview(ctx, "vex", PreviewRequest{}, "")
	wantCode(t, err, apperrors.CodeLockConflict)

	res, err := eng.CreatePreview(ctx, "vex", PreviewRequest{StatePatch: json.RawMessage(`{"hp": 9}`)}, "gm")
	if err != nil {
		t.Fatalf("preview as lock owner: %v", err)
	}
	_, err = eng.CommitPreview(ctx, "vex", res.PreviewID, "intruder")
	wantCode(t, err, apperrors.CodeLockConflict)
	if _, err := eng.CommitPreview(ctx, "vex", res.PreviewID, "gm"); err != nil {
		t.Fatalf("commit as lock owner: %v", err)
	}
}

func TestReservationMismatch(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")

	state, err := b.State.LoadState(ctx, "vex")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	hash, err := session.CanonicalHash(state)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	// A reservation window that no longer starts at log_index+1.
	rec := storage.PreviewRecord{
		ID:              "shifted",
		Slug:            "vex",
		BaseTurn:        state.Turn,
		BaseHash:        hash,
		ReservedIndices: []int64{5, 6},
	}
	if err := b.Turns.PutPreview(ctx, rec); err != nil {
		t.Fatalf("put preview: %v", err)
	}
	_, err = eng.CommitPreview(ctx, "vex", "shifted", "")
	wantCode(t, err, apperrors.CodeReservationMismatch)
}

func TestCommitUnknownPreview(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")
	mustSession(t, b, "other")

	res, err := eng.CreatePreview(ctx, "vex", PreviewRequest{}, "")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// Committing against the wrong session is NOT_FOUND, not a cross-apply.
	_, err = eng.CommitPreview(ctx, "other", res.PreviewID, "")
	wantCode(t, err, apperrors.CodeNotFound)

	_, err = eng.CommitPreview(ctx, "vex", "nonexistent", "")
	wantCode(t, err, apperrors.CodeNotFound)
}

func TestEmptyPatchCommitIsIdempotentOnState(t *testing.T) {
	eng, b := newTestEngine(t)
	ctx := context.Background()
	mustSession(t, b, "vex")

	res, err := eng.CreatePreview(ctx, "vex", PreviewRequest{}, "")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(res.Diffs) != 0 {
		t.Fatalf("empty preview produced diffs: %+v", res.Diffs)
	}
	commit, err := eng.CommitPreview(ctx, "vex", res.PreviewID, "")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if commit.State.Turn != 1 || commit.State.HP != 14 {
		t.Fatalf("empty commit state = %+v", commit.State)
	}
	b2, err := b.State.LoadState(ctx, "vex")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if b2.LogIndex != 0 {
		t.Fatalf("empty commit consumed entropy: %d", b2.LogIndex)
	}
}
