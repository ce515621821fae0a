package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/session"
	"github.com/halewood/chronicle/internal/storage"
)

// LoadCharacter reads the session's character sheet.
func (s *Store) LoadCharacter(ctx context.Context, slug string) (session.Character, error) {
	if err := s.sessionExists(ctx, slug); err != nil {
		return session.Character{}, err
	}
	var payload string
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT character_json FROM characters WHERE slug = ?`,
		slug,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Character{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("no character for session %q", slug))
		}
		return session.Character{}, fmt.Errorf("load character: %w", err)
	}
	return session.DecodeCharacter([]byte(payload))
}

// SaveCharacter validates and persists the character sheet.
func (s *Store) SaveCharacter(ctx context.Context, slug string, ch session.Character) error {
	if err := s.sessionExists(ctx, slug); err != nil {
		return err
	}
	if err := ch.Validate(); err != nil {
		return err
	}
	payload, err := encodeJSON(ch)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO characters (slug, character_json)
		 VALUES (?, ?)
		 ON CONFLICT(slug) DO UPDATE SET character_json = excluded.character_json`,
		slug, payload,
	); err != nil {
		return fmt.Errorf("save character: %w", err)
	}
	return nil
}

// LoadDoc reads a named JSON document; a missing document is an empty object.
func (s *Store) LoadDoc(ctx context.Context, slug, name string) ([]byte, error) {
	if err := storage.ValidateSlug(name); err != nil {
		return nil, err
	}
	if err := s.sessionExists(ctx, slug); err != nil {
		return nil, err
	}
	var payload string
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT doc_json FROM session_docs WHERE slug = ? AND name = ?`,
		slug, name,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("load doc: %w", err)
	}
	return []byte(payload), nil
}

// SaveDoc stores a named JSON document within the session.
func (s *Store) SaveDoc(ctx context.Context, slug, name string, data []byte) error {
	if err := storage.ValidateSlug(name); err != nil {
		return err
	}
	if !json.Valid(data) {
		return apperrors.New(apperrors.CodeValidation, fmt.Sprintf("doc %q is not valid JSON", name))
	}
	if err := s.sessionExists(ctx, slug); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO session_docs (slug, name, doc_json)
		 VALUES (?, ?, ?)
		 ON CONFLICT(slug, name) DO UPDATE SET doc_json = excluded.doc_json`,
		slug, name, string(data),
	); err != nil {
		return fmt.Errorf("save doc: %w", err)
	}
	return nil
}

// CreateSave persists a snapshot row.
func (s *Store) CreateSave(ctx context.Context, save storage.Save) error {
	if err := storage.ValidateSlug(save.ID); err != nil {
		return err
	}
	if err := s.sessionExists(ctx, save.Slug); err != nil {
		return err
	}
	payload, err := encodeJSON(save.Data)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO snapshots (slug, id, save_type, created_at, data_json)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(slug, id) DO UPDATE SET
		   save_type = excluded.save_type,
		   created_at = excluded.created_at,
		   data_json = excluded.data_json`,
		save.Slug, save.ID, save.Type, toMillis(save.CreatedAt), payload,
	); err != nil {
		return fmt.Errorf("create save: %w", err)
	}
	return nil
}

// ListSaves returns snapshots newest first.
func (s *Store) ListSaves(ctx context.Context, slug string) ([]storage.Save, error) {
	if err := s.sessionExists(ctx, slug); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, save_type, created_at, data_json FROM snapshots
		 WHERE slug = ?
		 ORDER BY created_at DESC, id DESC`,
		slug,
	)
	if err != nil {
		return nil, fmt.Errorf("list saves: %w", err)
	}
	defer rows.Close()

	var saves []storage.Save
	for rows.Next() {
		var (
			save      storage.Save
			createdAt int64
			payload   string
		)
		if err := rows.Scan(&save.ID, &save.Type, &createdAt, &payload); err != nil {
			return nil, fmt.Errorf("list saves: %w", err)
		}
		save.Slug = slug
		save.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(payload), &save.Data); err != nil {
			return nil, fmt.Errorf("decode save: %w", err)
		}
		saves = append(saves, save)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list saves: %w", err)
	}
	return saves, nil
}

// GetSave loads one snapshot, or NOT_FOUND.
func (s *Store) GetSave(ctx context.Context, slug, id string) (storage.Save, error) {
	if err := storage.ValidateSlug(id); err != nil {
		return storage.Save{}, err
	}
	if err := s.sessionExists(ctx, slug); err != nil {
		return storage.Save{}, err
	}
	var (
		save      storage.Save
		createdAt int64
		payload   string
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, save_type, created_at, data_json FROM snapshots WHERE slug = ? AND id = ?`,
		slug, id,
	).Scan(&save.ID, &save.Type, &createdAt, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Save{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("save %q not found", id))
		}
		return storage.Save{}, fmt.Errorf("get save: %w", err)
	}
	save.Slug = slug
	save.CreatedAt = fromMillis(createdAt)
	if err := json.Unmarshal([]byte(payload), &save.Data); err != nil {
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
	var payload string
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT doc_json FROM world_docs WHERE world = ? AND kind = ?`,
		world, kind,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("load world doc: %w", err)
	}
	return []byte(payload), nil
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
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO world_docs (world, kind, doc_json)
		 VALUES (?, ?, ?)
		 ON CONFLICT(world, kind) DO UPDATE SET doc_json = excluded.doc_json`,
		world, kind, string(data),
	); err != nil {
		return fmt.Errorf("save world doc: %w", err)
	}
	return nil
}
