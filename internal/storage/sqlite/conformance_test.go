package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/halewood/chronicle/internal/entropy"
	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/storage"
	"github.com/halewood/chronicle/internal/storage/storagetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	ledger := entropy.Open(filepath.Join(dir, "entropy.ndjson"))
	if _, err := ledger.Extend(20); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	store, err := Open(filepath.Join(dir, "chronicle.db"), ledger)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return openTestStore(t).Backend()
	})
}

func TestEntropyMirror(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureAvailable(ctx, 5); err != nil {
		t.Fatalf("ensure available: %v", err)
	}
	entry, err := store.Entry(ctx, 3)
	if err != nil {
		t.Fatalf("entry 3: %v", err)
	}
	if entry.Index != 3 || len(entry.D20) != 10 {
		t.Fatalf("entry = %+v", entry)
	}

	// Mirrored rows must agree with the ledger file.
	fromLedger, err := store.ledger.Lookup(3)
	if err != nil {
		t.Fatalf("ledger lookup: %v", err)
	}
	for i, v := range fromLedger.D20 {
		if entry.D20[i] != v {
			t.Fatalf("mirror diverged from ledger at d20[%d]: %d != %d", i, entry.D20[i], v)
		}
	}

	err = store.EnsureAvailable(ctx, 99)
	if !errors.Is(err, apperrors.New(apperrors.CodeInsufficientEntropy, "")) {
		t.Fatalf("ensure 99 = %v, want INSUFFICIENT_ENTROPY", err)
	}
	_, err = store.Entry(ctx, 99)
	if !errors.Is(err, apperrors.New(apperrors.CodeNotFound, "")) {
		t.Fatalf("entry 99 = %v, want NOT_FOUND", err)
	}
}
