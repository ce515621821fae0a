package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/storage"
)

// PutPreview persists a pending transaction plan.
func (s *Store) PutPreview(ctx context.Context, rec storage.PreviewRecord) error {
	if err := s.sessionExists(ctx, rec.Slug); err != nil {
		return err
	}
	payload, err := encodeJSON(rec)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO previews (id, slug, payload_json, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   slug = excluded.slug,
		   payload_json = excluded.payload_json,
		   created_at = excluded.created_at`,
		rec.ID, rec.Slug, payload, toMillis(rec.CreatedAt),
	); err != nil {
		return fmt.Errorf("put preview: %w", err)
	}
	return nil
}

// GetPreview loads a pending preview. An unknown id, or an id recorded for a
// different session, is NOT_FOUND.
func (s *Store) GetPreview(ctx context.Context, slug, id string) (storage.PreviewRecord, error) {
	if err := s.sessionExists(ctx, slug); err != nil {
		return storage.PreviewRecord{}, err
	}
	var payload string
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT payload_json FROM previews WHERE id = ? AND slug = ?`,
		id, slug,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PreviewRecord{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("preview %q not found", id))
		}
		return storage.PreviewRecord{}, fmt.Errorf("get preview: %w", err)
	}
	var rec storage.PreviewRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return storage.PreviewRecord{}, fmt.Errorf("decode preview: %w", err)
	}
	return rec, nil
}

// DeletePreview removes a consumed preview; deleting a missing one is a no-op.
func (s *Store) DeletePreview(ctx context.Context, slug, id string) error {
	if err := s.sessionExists(ctx, slug); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM previews WHERE id = ? AND slug = ?`,
		id, slug,
	); err != nil {
		return fmt.Errorf("delete preview: %w", err)
	}
	return nil
}

// PutTurnRecord upserts the journal entry for one turn.
func (s *Store) PutTurnRecord(ctx context.Context, slug string, rec storage.TurnRecord) error {
	if err := s.sessionExists(ctx, slug); err != nil {
		return err
	}
	payload, err := encodeJSON(rec)
	if err != nil {
		return err
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO turns (slug, turn, record_json, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(slug, turn) DO UPDATE SET
		   record_json = excluded.record_json,
		   created_at = excluded.created_at`,
		slug, rec.Turn, payload, toMillis(createdAt),
	); err != nil {
		return fmt.Errorf("put turn record: %w", err)
	}
	return nil
}

// GetTurnRecord loads the journal entry for one turn.
func (s *Store) GetTurnRecord(ctx context.Context, slug string, turn int) (storage.TurnRecord, error) {
	if err := s.sessionExists(ctx, slug); err != nil {
		return storage.TurnRecord{}, err
	}
	var payload string
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT record_json FROM turns WHERE slug = ? AND turn = ?`,
		slug, turn,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TurnRecord{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("turn %d not found", turn))
		}
		return storage.TurnRecord{}, fmt.Errorf("get turn record: %w", err)
	}
	var rec storage.TurnRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return storage.TurnRecord{}, fmt.Errorf("decode turn record: %w", err)
	}
	return rec, nil
}

// ListTurnRecords returns journal entries newest first. A limit of zero or
// less returns every record.
func (s *Store) ListTurnRecords(ctx context.Context, slug string, limit int) ([]storage.TurnRecord, error) {
	if err := s.sessionExists(ctx, slug); err != nil {
		return nil, err
	}
	query := `SELECT record_json FROM turns WHERE slug = ? ORDER BY turn DESC`
	args := []any{slug}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turn records: %w", err)
	}
	defer rows.Close()

	var records []storage.TurnRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("list turn records: %w", err)
		}
		var rec storage.TurnRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode turn record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list turn records: %w", err)
	}
	return records, nil
}
