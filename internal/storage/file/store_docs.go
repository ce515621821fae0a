package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/session"
	"github.com/halewood/chronicle/internal/storage"
)

// LoadCharacter reads the session's character sheet.
func (s *Store) LoadCharacter(ctx context.Context, slug string) (session.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return session.Character{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "character.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return session.Character{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("no character for session %q", slug))
		}
		return session.Character{}, fmt.Errorf("read character: %w", err)
	}
	return session.DecodeCharacter(data)
}

// SaveCharacter validates and persists the character sheet.
func (s *Store) SaveCharacter(ctx context.Context, slug string, ch session.Character) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, "character.json"), ch)
}

// LoadDoc reads a named JSON document; a missing document is an empty object.
func (s *Store) LoadDoc(ctx context.Context, slug, name string) ([]byte, error) {
	if err := storage.ValidateSlug(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "docs", name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("read doc: %w", err)
	}
	return data, nil
}

// SaveDoc stores a named JSON document within the session.
func (s *Store) SaveDoc(ctx context.Context, slug, name string, data []byte) error {
	if err := storage.ValidateSlug(name); err != nil {
		return err
	}
	if !json.Valid(data) {
		return apperrors.New(apperrors.CodeValidation, fmt.Sprintf("doc %q is not valid JSON", name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return err
	}
	docs := filepath.Join(dir, "docs")
	if err := os.MkdirAll(docs, 0o755); err != nil {
		return fmt.Errorf("create docs dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(docs, name+".json"), data)
}

// CreateSave persists a snapshot under saves/<id>.json.
func (s *Store) CreateSave(ctx context.Context, save storage.Save) error {
	if err := storage.ValidateSlug(save.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(save.Slug)
	if err != nil {
		return err
	}
	saves := filepath.Join(dir, "saves")
	if err := os.MkdirAll(saves, 0o755); err != nil {
		return fmt.Errorf("create saves dir: %w", err)
	}
	return writeJSONAtomic(filepath.Join(saves, save.ID+".json"), save)
}

// ListSaves returns snapshots newest first by id.
func (s *Store) ListSaves(ctx context.Context, slug string) ([]storage.Save, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, "saves"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read saves dir: %w", err)
	}
	var saves []storage.Save
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "saves", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read save: %w", err)
		}
		var save storage.Save
		if err := json.Unmarshal(data, &save); err != nil {
			continue
		}
		saves = append(saves, save)
	}
	sort.Slice(saves, func(i, j int) bool {
		if saves[i].CreatedAt.Equal(saves[j].CreatedAt) {
			return saves[i].ID > saves[j].ID
		}
		return saves[i].CreatedAt.After(saves[j].CreatedAt)
	})
	return saves, nil
}

// GetSave loads one snapshot, or NOT_FOUND.
func (s *Store) GetSave(ctx context.Context, slug, id string) (storage.Save, error) {
	if err := storage.ValidateSlug(id); err != nil {
		return storage.Save{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return storage.Save{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "saves", id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return storage.Save{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("save %q not found", id))
		}
		return storage.Save{}, fmt.Errorf("read save: %w", err)
	}
	var save storage.Save
	if err := json.Unmarshal(data, &save); err != nil {
		return storage.Save{}, fmt.Errorf("decode save: %w", err)
	}
	return save, nil
}

// RestoreSave returns the captured payload without touching live state.
func (s *Store) RestoreSave(ctx context.Context, slug, id string) (storage.SaveData, error) {
	save, err := s.GetSave(ctx, slug, id)
	if err != nil {
		return storage.SaveData{}, err
	}
	return save.Data, nil
}

// WorldDoc reads a shared world document; a missing one is an empty object.
func (s *Store) WorldDoc(ctx context.Context, world, kind string) ([]byte, error) {
	if err := storage.ValidateSlug(world); err != nil {
		return nil, err
	}
	if err := storage.ValidateSlug(kind); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.root, "worlds", world, kind+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("read world doc: %w", err)
	}
	return data, nil
}

// SaveWorldDoc stores a shared world document.
func (s *Store) SaveWorldDoc(ctx context.Context, world, kind string, data []byte) error {
	if err := storage.ValidateSlug(world); err != nil {
		return err
	}
	if err := storage.ValidateSlug(kind); err != nil {
		return err
	}
	if !json.Valid(data) {
		return apperrors.New(apperrors.CodeValidation, fmt.Sprintf("world doc %q is not valid JSON", kind))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.root, "worlds", world)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create world dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, kind+".json"), data)
}
