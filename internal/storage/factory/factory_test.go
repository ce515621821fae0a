package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/halewood/chronicle/internal/storage/storagetest"
)

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	backend, closer, err := Open(Config{
		Backend:    "file",
		Root:       dir,
		LedgerPath: filepath.Join(dir, "entropy.ndjson"),
	})
	if err != nil {
		t.Fatalf("open file backend: %v", err)
	}
	defer closer()

	if err := backend.Sessions.CreateSession(context.Background(), "demo", storagetest.NewState()); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func TestOpenSQLite(t *testing.T) {
	dir := t.TempDir()
	backend, closer, err := Open(Config{
		Backend:      "sqlite",
		DatabasePath: filepath.Join(dir, "chronicle.db"),
		LedgerPath:   filepath.Join(dir, "entropy.ndjson"),
	})
	if err != nil {
		t.Fatalf("open sqlite backend: %v", err)
	}
	defer closer()

	if err := backend.Sessions.CreateSession(context.Background(), "demo", storagetest.NewState()); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, _, err := Open(Config{Backend: "postgres"})
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Backend != "file" {
		t.Fatalf("default backend = %q, want file", cfg.Backend)
	}
	if cfg.LedgerPath != "dice/entropy.ndjson" {
		t.Fatalf("default ledger path = %q", cfg.LedgerPath)
	}
}
