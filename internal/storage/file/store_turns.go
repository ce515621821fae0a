package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/storage"
)

const previewsDirname = "previews"

// PutPreview persists a pending transaction plan under previews/<id>.json.
func (s *Store) PutPreview(ctx context.Context, rec storage.PreviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(rec.Slug)
	if err != nil {
		return err
	}
	previews := filepath.Join(dir, previewsDirname)
	if err := os.MkdirAll(previews, 0o755); err != nil {
		return fmt.Errorf("create previews dir: %w", err)
	}
	return writeJSONAtomic(filepath.Join(previews, rec.ID+".json"), rec)
}

// GetPreview loads a pending preview. An unknown id, or an id recorded for a
// different session, is NOT_FOUND.
func (s *Store) GetPreview(ctx context.Context, slug, id string) (storage.PreviewRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return storage.PreviewRecord{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, previewsDirname, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return storage.PreviewRecord{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("preview %q not found", id))
		}
		return storage.PreviewRecord{}, fmt.Errorf("read preview: %w", err)
	}
	var rec storage.PreviewRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return storage.PreviewRecord{}, fmt.Errorf("decode preview: %w", err)
	}
	if rec.Slug != slug {
		return storage.PreviewRecord{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("preview %q not found", id))
	}
	return rec, nil
}

// DeletePreview removes a consumed preview; deleting a missing one is a no-op.
func (s *Store) DeletePreview(ctx context.Context, slug, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, previewsDirname, id+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove preview: %w", err)
	}
	return nil
}

// PutTurnRecord writes the journal entry for one turn under turns/<n>.json.
func (s *Store) PutTurnRecord(ctx context.Context, slug string, rec storage.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return err
	}
	turns := filepath.Join(dir, "turns")
	if err := os.MkdirAll(turns, 0o755); err != nil {
		return fmt.Errorf("create turns dir: %w", err)
	}
	return writeJSONAtomic(filepath.Join(turns, fmt.Sprintf("%d.json", rec.Turn)), rec)
}

// GetTurnRecord loads the journal entry for one turn.
func (s *Store) GetTurnRecord(ctx context.Context, slug string, turn int) (storage.TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return storage.TurnRecord{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "turns", fmt.Sprintf("%d.json", turn)))
	if err != nil {
		if os.IsNotExist(err) {
			return storage.TurnRecord{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("turn %d not found", turn))
		}
		return storage.TurnRecord{}, fmt.Errorf("read turn record: %w", err)
	}
	var rec storage.TurnRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return storage.TurnRecord{}, fmt.Errorf("decode turn record: %w", err)
	}
	return rec, nil
}

// ListTurnRecords returns journal entries newest first. A limit of zero or
// less returns every record.
func (s *Store) ListTurnRecords(ctx context.Context, slug string, limit int) ([]storage.TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, "turns"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read turns dir: %w", err)
	}
	var turns []int
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")
		n, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		turns = append(turns, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(turns)))
	if limit > 0 && len(turns) > limit {
		turns = turns[:limit]
	}
	records := make([]storage.TurnRecord, 0, len(turns))
	for _, turn := range turns {
		data, err := os.ReadFile(filepath.Join(dir, "turns", fmt.Sprintf("%d.json", turn)))
		if err != nil {
			return nil, fmt.Errorf("read turn record: %w", err)
		}
		var rec storage.TurnRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode turn record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
