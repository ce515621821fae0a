// Package storagetest runs one behavioral suite against any storage backend
// so file and SQL implementations cannot drift apart.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/session"
	"github.com/halewood/chronicle/internal/storage"
	"github.com/halewood/chronicle/internal/storage/cursor"
)

// storageCursorStart is a token positioned before the first entry.
func storageCursorStart() string {
	return cursor.Encode(0)
}

// NewState returns a minimal valid session state for tests.
func NewState() session.State {
	return session.State{
		Character:  "test-hero",
		Turn:       0,
		SceneID:    "intro",
		Location:   "tavern",
		HP:         10,
		Conditions: []string{},
		Flags:      map[string]any{},
		LogIndex:   0,
		Level:      1,
		XP:         0,
		Inventory:  []string{"dagger"},
	}
}

// Run exercises every capability of the backend contract. The open function
// must return a fresh, empty backend per call.
func Run(t *testing.T, open func(t *testing.T) storage.Backend) {
	t.Helper()
	t.Run("sessions", func(t *testing.T) { testSessions(t, open(t)) })
	t.Run("locks", func(t *testing.T) { testLocks(t, open(t)) })
	t.Run("state", func(t *testing.T) { testState(t, open(t)) })
	t.Run("swap_state", func(t *testing.T) { testSwapState(t, open(t)) })
	t.Run("swap_state_concurrent", func(t *testing.T) { testSwapStateConcurrent(t, open(t)) })
	t.Run("previews", func(t *testing.T) { testPreviews(t, open(t)) })
	t.Run("turn_records", func(t *testing.T) { testTurnRecords(t, open(t)) })
	t.Run("text_logs", func(t *testing.T) { testTextLogs(t, open(t)) })
	t.Run("text_logs_concurrent", func(t *testing.T) { testTextLogsConcurrent(t, open(t)) })
	t.Run("characters", func(t *testing.T) { testCharacters(t, open(t)) })
	t.Run("docs", func(t *testing.T) { testDocs(t, open(t)) })
	t.Run("snapshots", func(t *testing.T) { testSnapshots(t, open(t)) })
	t.Run("worlds", func(t *testing.T) { testWorlds(t, open(t)) })
}

func mustCreate(t *testing.T, b storage.Backend, slug string) {
	t.Helper()
	if err := b.Sessions.CreateSession(context.Background(), slug, NewState()); err != nil {
		t.Fatalf("create session %q: %v", slug, err)
	}
}

func wantCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if !errors.Is(err, apperrors.New(code, "")) {
		t.Fatalf("got error %v, want code %s", err, code)
	}
}

func testSessions(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	sessions, err := b.Sessions.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(sessions))
	}

	mustCreate(t, b, "alpha")
	mustCreate(t, b, "beta")

	err = b.Sessions.CreateSession(ctx, "alpha", NewState())
	wantCode(t, err, apperrors.CodeSessionExists)

	err = b.Sessions.CreateSession(ctx, "../escape", NewState())
	wantCode(t, err, apperrors.CodeInvalidSlug)

	sessions, err = b.Sessions.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].Slug != "alpha" || sessions[1].Slug != "beta" {
		t.Fatalf("sessions out of order: %+v", sessions)
	}
	if sessions[0].Locked {
		t.Fatal("new session reported as locked")
	}
}

func testLocks(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "locked")

	lock, err := b.Sessions.Lock(ctx, "locked")
	if err != nil {
		t.Fatalf("lock on unlocked session: %v", err)
	}
	if lock != nil {
		t.Fatalf("expected nil lock, got %+v", lock)
	}

	claimed, err := b.Sessions.ClaimLock(ctx, "locked", "gm", 300)
	if err != nil {
		t.Fatalf("claim lock: %v", err)
	}
	if claimed.Owner != "gm" || claimed.TTL != 300 {
		t.Fatalf("claimed lock = %+v", claimed)
	}

	_, err = b.Sessions.ClaimLock(ctx, "locked", "other", 300)
	wantCode(t, err, apperrors.CodeLockConflict)

	lock, err = b.Sessions.Lock(ctx, "locked")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if lock == nil || lock.Owner != "gm" {
		t.Fatalf("lock = %+v, want owner gm", lock)
	}

	if err := b.Sessions.ReleaseLock(ctx, "locked"); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	if err := b.Sessions.ReleaseLock(ctx, "locked"); err != nil {
		t.Fatalf("release unlocked session: %v", err)
	}
	lock, err = b.Sessions.Lock(ctx, "locked")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	if lock != nil {
		t.Fatalf("lock survived release: %+v", lock)
	}

	_, err = b.Sessions.Lock(ctx, "missing")
	wantCode(t, err, apperrors.CodeNotFound)
}

func testState(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "hero")

	_, err := b.State.LoadState(ctx, "missing")
	wantCode(t, err, apperrors.CodeNotFound)

	st, err := b.State.LoadState(ctx, "hero")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.Character != "test-hero" || st.HP != 10 {
		t.Fatalf("loaded state = %+v", st)
	}

	st.HP = 7
	st.Location = "crypt"
	if err := b.State.SaveState(ctx, "hero", st); err != nil {
		t.Fatalf("save state: %v", err)
	}
	reloaded, err := b.State.LoadState(ctx, "hero")
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	if reloaded.HP != 7 || reloaded.Location != "crypt" {
		t.Fatalf("reloaded state = %+v", reloaded)
	}

	invalid := st
	invalid.HP = -1
	err = b.State.SaveState(ctx, "hero", invalid)
	wantCode(t, err, apperrors.CodeValidation)

	// Extension fields survive a write-read round trip.
	withExtra := reloaded
	withExtra.Extra = map[string]json.RawMessage{"custom_tracker": json.RawMessage(`{"doom":3}`)}
	if err := b.State.SaveState(ctx, "hero", withExtra); err != nil {
		t.Fatalf("save state with extension: %v", err)
	}
	roundTripped, err := b.State.LoadState(ctx, "hero")
	if err != nil {
		t.Fatalf("reload extended state: %v", err)
	}
	if string(roundTripped.Extra["custom_tracker"]) != `{"doom":3}` {
		t.Fatalf("extension field lost: %+v", roundTripped.Extra)
	}
}

func testSwapState(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "swap")

	base, err := b.State.LoadState(ctx, "swap")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	hash, err := session.CanonicalHash(base)
	if err != nil {
		t.Fatalf("hash state: %v", err)
	}

	next := base
	next.Turn = 1
	next.HP = 9
	expect := storage.Version{Turn: base.Turn, Hash: hash}
	if err := b.State.SwapState(ctx, "swap", expect, next); err != nil {
		t.Fatalf("swap state: %v", err)
	}

	// Same expectation again must fail: the base changed.
	again := next
	again.Turn = 2
	err = b.State.SwapState(ctx, "swap", expect, again)
	wantCode(t, err, apperrors.CodeStalePreview)

	current, err := b.State.LoadState(ctx, "swap")
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	if current.Turn != 1 || current.HP != 9 {
		t.Fatalf("stale swap mutated state: %+v", current)
	}
}

// testSwapStateConcurrent races many swaps from one base: exactly one must
// win, every loser must observe STALE_PREVIEW rather than a backend error.
func testSwapStateConcurrent(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "race")

	base, err := b.State.LoadState(ctx, "race")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	hash, err := session.CanonicalHash(base)
	if err != nil {
		t.Fatalf("hash state: %v", err)
	}
	expect := storage.Version{Turn: base.Turn, Hash: hash}

	const writers = 8
	results := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := base
			next.Turn = base.Turn + 1
			next.HP = i + 1
			results[i] = b.State.SwapState(ctx, "race", expect, next)
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
			t.Errorf("unexpected swap error: %v", err)
		}
	}
	if wins != 1 || stale != writers-1 {
		t.Fatalf("wins=%d stale=%d, want 1 and %d", wins, stale, writers-1)
	}

	current, err := b.State.LoadState(ctx, "race")
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	if current.Turn != base.Turn+1 {
		t.Fatalf("turn = %d after one winning swap", current.Turn)
	}
}

func testPreviews(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "prev")
	mustCreate(t, b, "other")

	rec := storage.PreviewRecord{
		ID:              "p1",
		Slug:            "prev",
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
		BaseTurn:        0,
		BaseHash:        "abc",
		StatePatch:      []byte(`{"hp":9}`),
		TranscriptEntry: "The rogue slips into the crypt.",
		DiceExpressions: []string{"1d20"},
		ReservedIndices: []int64{1},
	}
	if err := b.Turns.PutPreview(ctx, rec); err != nil {
		t.Fatalf("put preview: %v", err)
	}

	got, err := b.Turns.GetPreview(ctx, "prev", "p1")
	if err != nil {
		t.Fatalf("get preview: %v", err)
	}
	if got.BaseHash != "abc" || string(got.StatePatch) != `{"hp":9}` || len(got.ReservedIndices) != 1 {
		t.Fatalf("preview round trip = %+v", got)
	}

	_, err = b.Turns.GetPreview(ctx, "other", "p1")
	wantCode(t, err, apperrors.CodeNotFound)

	_, err = b.Turns.GetPreview(ctx, "prev", "nope")
	wantCode(t, err, apperrors.CodeNotFound)

	if err := b.Turns.DeletePreview(ctx, "prev", "p1"); err != nil {
		t.Fatalf("delete preview: %v", err)
	}
	_, err = b.Turns.GetPreview(ctx, "prev", "p1")
	wantCode(t, err, apperrors.CodeNotFound)

	if err := b.Turns.DeletePreview(ctx, "prev", "p1"); err != nil {
		t.Fatalf("delete missing preview: %v", err)
	}
}

func testTurnRecords(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "journal")

	for turn := 1; turn <= 3; turn++ {
		rec := storage.TurnRecord{
			Turn:         turn,
			PlayerIntent: "advance",
			Diff:         []string{"hp: 10 -> 9"},
			CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := b.Turns.PutTurnRecord(ctx, "journal", rec); err != nil {
			t.Fatalf("put turn %d: %v", turn, err)
		}
	}

	rec, err := b.Turns.GetTurnRecord(ctx, "journal", 2)
	if err != nil {
		t.Fatalf("get turn 2: %v", err)
	}
	if rec.Turn != 2 || rec.PlayerIntent != "advance" {
		t.Fatalf("turn record = %+v", rec)
	}

	_, err = b.Turns.GetTurnRecord(ctx, "journal", 9)
	wantCode(t, err, apperrors.CodeNotFound)

	records, err := b.Turns.ListTurnRecords(ctx, "journal", 0)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(records) != 3 || records[0].Turn != 3 || records[2].Turn != 1 {
		t.Fatalf("turn records not newest first: %+v", records)
	}

	records, err = b.Turns.ListTurnRecords(ctx, "journal", 2)
	if err != nil {
		t.Fatalf("list turns limited: %v", err)
	}
	if len(records) != 2 || records[0].Turn != 3 {
		t.Fatalf("limited turn records = %+v", records)
	}
}

func testTextLogs(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "logs")

	for i, text := range []string{"one", "two", "three", "four", "five"} {
		id, err := b.TextLogs.AppendText(ctx, "logs", storage.StreamTranscript, text)
		if err != nil {
			t.Fatalf("append %q: %v", text, err)
		}
		if id != int64(i)+1 {
			t.Fatalf("append %q returned id %d, want %d", text, id, i+1)
		}
	}
	if _, err := b.TextLogs.AppendText(ctx, "logs", storage.StreamChangelog, "turn 1: hp change"); err != nil {
		t.Fatalf("append changelog: %v", err)
	}

	// Blank entries would desynchronize ids from what readers see.
	_, err := b.TextLogs.AppendText(ctx, "logs", storage.StreamTranscript, "  \n ")
	wantCode(t, err, apperrors.CodeValidation)

	// No cursor: last tail entries ascending.
	entries, next, err := b.TextLogs.TextEntries(ctx, "logs", storage.StreamTranscript, 2, "")
	if err != nil {
		t.Fatalf("tail 2: %v", err)
	}
	if len(entries) != 2 || entries[0].Text != "four" || entries[1].Text != "five" {
		t.Fatalf("tail 2 = %+v", entries)
	}
	if next != "" {
		t.Fatalf("tail window should be exhausted, got cursor %q", next)
	}

	// Cursor paging walks forward from the start.
	page1, next, err := b.TextLogs.TextEntries(ctx, "logs", storage.StreamTranscript, 2, storageCursorStart())
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 || page1[0].Text != "one" || page1[1].Text != "two" {
		t.Fatalf("page 1 = %+v", page1)
	}
	if next == "" {
		t.Fatal("expected continuation cursor")
	}
	page2, next, err := b.TextLogs.TextEntries(ctx, "logs", storage.StreamTranscript, 2, next)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 2 || page2[0].Text != "three" {
		t.Fatalf("page 2 = %+v", page2)
	}
	page3, next, err := b.TextLogs.TextEntries(ctx, "logs", storage.StreamTranscript, 2, next)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(page3) != 1 || page3[0].Text != "five" || next != "" {
		t.Fatalf("page 3 = %+v cursor %q", page3, next)
	}

	// Non-positive tail returns everything.
	all, _, err := b.TextLogs.TextEntries(ctx, "logs", storage.StreamTranscript, 0, "")
	if err != nil {
		t.Fatalf("tail 0: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("tail 0 returned %d entries", len(all))
	}

	positions, err := b.TextLogs.LogPositions(ctx, "logs")
	if err != nil {
		t.Fatalf("log positions: %v", err)
	}
	if positions[storage.StreamTranscript] != 5 || positions[storage.StreamChangelog] != 1 {
		t.Fatalf("log positions = %+v", positions)
	}
}

// testTextLogsConcurrent races appenders on one stream: every append must
// land with a distinct id and the stream length must equal the append count.
func testTextLogsConcurrent(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "logs")

	const writers = 8
	ids := make([]int64, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = b.TextLogs.AppendText(ctx, "logs", storage.StreamTranscript, "entry")
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, writers)
	for i := 0; i < writers; i++ {
		if errs[i] != nil {
			t.Fatalf("append %d: %v", i, errs[i])
		}
		if ids[i] < 1 || ids[i] > writers {
			t.Fatalf("append %d got id %d, want 1..%d", i, ids[i], writers)
		}
		if seen[ids[i]] {
			t.Fatalf("id %d assigned twice", ids[i])
		}
		seen[ids[i]] = true
	}

	positions, err := b.TextLogs.LogPositions(ctx, "logs")
	if err != nil {
		t.Fatalf("log positions: %v", err)
	}
	if positions[storage.StreamTranscript] != writers {
		t.Fatalf("transcript length = %d, want %d", positions[storage.StreamTranscript], writers)
	}
}

func testCharacters(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "ch")

	_, err := b.Characters.LoadCharacter(ctx, "ch")
	wantCode(t, err, apperrors.CodeNotFound)

	ch := session.Character{
		Slug:      "ch",
		Name:      "Vex",
		Class:     "rogue",
		Level:     3,
		HP:        21,
		AC:        14,
		Abilities: map[string]int{"dexterity": 16},
	}
	if err := b.Characters.SaveCharacter(ctx, "ch", ch); err != nil {
		t.Fatalf("save character: %v", err)
	}
	got, err := b.Characters.LoadCharacter(ctx, "ch")
	if err != nil {
		t.Fatalf("load character: %v", err)
	}
	if got.Name != "Vex" || got.Abilities["dexterity"] != 16 {
		t.Fatalf("character round trip = %+v", got)
	}
}

func testDocs(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "docs")

	data, err := b.Docs.LoadDoc(ctx, "docs", "npc_memory")
	if err != nil {
		t.Fatalf("load missing doc: %v", err)
	}
	if string(data) != "{}" {
		t.Fatalf("missing doc = %q, want empty object", data)
	}

	if err := b.Docs.SaveDoc(ctx, "docs", "npc_memory", []byte(`{"npcs":[{"name":"Bram"}]}`)); err != nil {
		t.Fatalf("save doc: %v", err)
	}
	data, err = b.Docs.LoadDoc(ctx, "docs", "npc_memory")
	if err != nil {
		t.Fatalf("load doc: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("doc not valid JSON: %v", err)
	}

	err = b.Docs.SaveDoc(ctx, "docs", "bad", []byte(`{not json`))
	wantCode(t, err, apperrors.CodeValidation)

	err = b.Docs.SaveDoc(ctx, "docs", "../escape", []byte(`{}`))
	wantCode(t, err, apperrors.CodeInvalidSlug)
}

func testSnapshots(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustCreate(t, b, "snap")

	save := storage.Save{
		ID:        "manual-1",
		Slug:      "snap",
		Type:      "manual",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Data: storage.SaveData{
			State: []byte(`{"hp":10}`),
		},
	}
	if err := b.Snapshots.CreateSave(ctx, save); err != nil {
		t.Fatalf("create save: %v", err)
	}
	later := save
	later.ID = "manual-2"
	later.CreatedAt = save.CreatedAt.Add(time.Second)
	if err := b.Snapshots.CreateSave(ctx, later); err != nil {
		t.Fatalf("create second save: %v", err)
	}

	saves, err := b.Snapshots.ListSaves(ctx, "snap")
	if err != nil {
		t.Fatalf("list saves: %v", err)
	}
	if len(saves) != 2 || saves[0].ID != "manual-2" {
		t.Fatalf("saves not newest first: %+v", saves)
	}

	got, err := b.Snapshots.GetSave(ctx, "snap", "manual-1")
	if err != nil {
		t.Fatalf("get save: %v", err)
	}
	if string(got.Data.State) != `{"hp":10}` {
		t.Fatalf("save payload = %q", got.Data.State)
	}

	_, err = b.Snapshots.GetSave(ctx, "snap", "missing")
	wantCode(t, err, apperrors.CodeNotFound)

	data, err := b.Snapshots.RestoreSave(ctx, "snap", "manual-1")
	if err != nil {
		t.Fatalf("restore save: %v", err)
	}
	if string(data.State) != `{"hp":10}` {
		t.Fatalf("restored payload = %q", data.State)
	}
	// Restore must not touch live state.
	st, err := b.State.LoadState(ctx, "snap")
	if err != nil {
		t.Fatalf("load state after restore: %v", err)
	}
	if st.Turn != 0 {
		t.Fatalf("restore mutated live state: %+v", st)
	}
}

func testWorlds(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	data, err := b.Worlds.WorldDoc(ctx, "default", "factions")
	if err != nil {
		t.Fatalf("load missing world doc: %v", err)
	}
	if string(data) != "{}" {
		t.Fatalf("missing world doc = %q", data)
	}

	if err := b.Worlds.SaveWorldDoc(ctx, "default", "factions", []byte(`{"crimson_pact":{"clock":2}}`)); err != nil {
		t.Fatalf("save world doc: %v", err)
	}
	data, err = b.Worlds.WorldDoc(ctx, "default", "factions")
	if err != nil {
		t.Fatalf("load world doc: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("world doc not valid JSON: %v", err)
	}
	if _, ok := decoded["crimson_pact"]; !ok {
		t.Fatalf("world doc round trip = %q", data)
	}
}
