package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/session"
	"github.com/halewood/chronicle/internal/storage"
)

func (s *Store) readState(dir string) (session.State, error) {
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return session.State{}, apperrors.New(apperrors.CodeNotFound, "state not found")
		}
		return session.State{}, fmt.Errorf("read state: %w", err)
	}
	return session.Decode(data)
}

// LoadState reads and decodes the canonical state document.
func (s *Store) LoadState(ctx context.Context, slug string) (session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return session.State{}, err
	}
	return s.readState(dir)
}

// SaveState validates then persists state unconditionally.
func (s *Store) SaveState(ctx context.Context, slug string, st session.State) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, "state.json"), st)
}

// SwapState replaces state only when the stored turn and canonical hash
// still match expect. The store mutex makes the compare-and-write atomic
// with respect to every other writer in this process.
func (s *Store) SwapState(ctx context.Context, slug string, expect storage.Version, next session.State) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return err
	}
	current, err := s.readState(dir)
	if err != nil {
		return err
	}
	currentHash, err := session.CanonicalHash(current)
	if err != nil {
		return err
	}
	if current.Turn != expect.Turn || currentHash != expect.Hash {
		return apperrors.WithMetadata(
			apperrors.CodeStalePreview,
			"state changed since preview",
			map[string]string{
				"expected_turn": fmt.Sprint(expect.Turn),
				"current_turn":  fmt.Sprint(current.Turn),
			},
		)
	}
	return writeJSONAtomic(filepath.Join(dir, "state.json"), next)
}
