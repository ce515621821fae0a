// Package file implements the storage contract on a plain directory tree.
// Every session is a directory of JSON and text files, readable and
// diffable without tooling.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/halewood/chronicle/internal/entropy"
	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/session"
	"github.com/halewood/chronicle/internal/storage"
)

// Store is the file-tree backend. A single mutex serializes every
// read-modify-write sequence; reads of a single file go through the same
// lock so readers never observe torn writes.
type Store struct {
	root   string
	ledger *entropy.Ledger
	mu     sync.Mutex
}

// New opens a file backend rooted at root, creating the sessions directory
// if needed. The ledger is shared across all sessions.
func New(root string, ledger *entropy.Ledger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions root: %w", err)
	}
	return &Store{root: root, ledger: ledger}, nil
}

// Backend exposes every capability backed by this store.
func (s *Store) Backend() storage.Backend {
	return storage.Backend{
		Sessions:   s,
		State:      s,
		Turns:      s,
		Entropy:    s,
		Characters: s,
		TextLogs:   s,
		Docs:       s,
		Snapshots:  s,
		Worlds:     s,
	}
}

func (s *Store) sessionsRoot() string {
	return filepath.Join(s.root, "sessions")
}

// sessionDir validates the slug and requires the session directory to exist.
func (s *Store) sessionDir(slug string) (string, error) {
	if err := storage.ValidateSlug(slug); err != nil {
		return "", err
	}
	dir := filepath.Join(s.sessionsRoot(), slug)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("unknown session %q", slug))
	}
	return dir, nil
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partially written file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSONAtomic(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// ListSessions reports every session directory with its lock status.
func (s *Store) ListSessions(ctx context.Context) ([]storage.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.sessionsRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions root: %w", err)
	}
	var sessions []storage.SessionInfo
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		dir := filepath.Join(s.sessionsRoot(), entry.Name())
		info := storage.SessionInfo{Slug: entry.Name(), World: "default"}
		if stat, err := entry.Info(); err == nil {
			info.UpdatedAt = stat.ModTime().UTC()
		}
		if _, err := os.Stat(filepath.Join(dir, "LOCK")); err == nil {
			info.Locked = true
		}
		if st, err := s.readState(dir); err == nil && st.World != "" {
			info.World = st.World
		}
		sessions = append(sessions, info)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Slug < sessions[j].Slug })
	return sessions, nil
}

// CreateSession creates the session directory with its initial state,
// transcript, and changelog.
func (s *Store) CreateSession(ctx context.Context, slug string, initial session.State) error {
	if err := storage.ValidateSlug(slug); err != nil {
		return err
	}
	if err := initial.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.sessionsRoot(), slug)
	if _, err := os.Stat(dir); err == nil {
		return apperrors.New(apperrors.CodeSessionExists, fmt.Sprintf("session %q already exists", slug))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, "state.json"), initial); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, "transcript.md"), nil); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "changelog.md"), nil)
}

// Lock returns the current lock metadata, or nil when unlocked.
func (s *Store) Lock(ctx context.Context, slug string) (*storage.LockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return nil, err
	}
	return readLock(dir)
}

func readLock(dir string) (*storage.LockInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, "LOCK"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}
	var lock storage.LockInfo
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeLockConflict, "lock file unreadable", err)
	}
	return &lock, nil
}

// ClaimLock writes the lock file; any existing lock is a conflict. The TTL
// is recorded as metadata only and never enforced.
func (s *Store) ClaimLock(ctx context.Context, slug, owner string, ttl int) (*storage.LockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return nil, err
	}
	existing, err := readLock(dir)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.WithMetadata(
			apperrors.CodeLockConflict,
			fmt.Sprintf("session %q is locked by %q", slug, existing.Owner),
			map[string]string{"owner": existing.Owner},
		)
	}
	lock := &storage.LockInfo{Owner: owner, TTL: ttl, ClaimedAt: time.Now().UTC()}
	if err := writeJSONAtomic(filepath.Join(dir, "LOCK"), lock); err != nil {
		return nil, err
	}
	return lock, nil
}

// ReleaseLock removes the lock file; releasing an unlocked session is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, "LOCK")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}
