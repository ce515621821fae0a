package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/session"
	"github.com/halewood/chronicle/internal/storage"
)

func encodeJSON(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

// LoadState reads and decodes the canonical state row.
func (s *Store) LoadState(ctx context.Context, slug string) (session.State, error) {
	if err := s.sessionExists(ctx, slug); err != nil {
		return session.State{}, err
	}
	var stateJSON string
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT state_json FROM session_state WHERE slug = ?`,
		slug,
	).Scan(&stateJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.State{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("state not found for %q", slug))
		}
		return session.State{}, fmt.Errorf("load state: %w", err)
	}
	return session.Decode([]byte(stateJSON))
}

// SaveState validates then persists state unconditionally.
func (s *Store) SaveState(ctx context.Context, slug string, st session.State) error {
	if err := s.sessionExists(ctx, slug); err != nil {
		return err
	}
	if err := st.Validate(); err != nil {
		return err
	}
	data, err := encodeJSON(st)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO session_state (slug, state_json, turn, log_index)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET
		   state_json = excluded.state_json,
		   turn = excluded.turn,
		   log_index = excluded.log_index`,
		slug, data, st.Turn, st.LogIndex,
	); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return s.touchSession(ctx, slug)
}

// SwapState replaces state inside a transaction only when the stored turn
// and canonical hash still match expect.
func (s *Store) SwapState(ctx context.Context, slug string, expect storage.Version, next session.State) error {
	if err := s.sessionExists(ctx, slug); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	data, err := encodeJSON(next)
	if err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin swap state: %w", err)
	}
	defer tx.Rollback()

	var stateJSON string
	err = tx.QueryRowContext(
		ctx,
		`SELECT state_json FROM session_state WHERE slug = ?`,
		slug,
	).Scan(&stateJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("state not found for %q", slug))
		}
		return fmt.Errorf("load state for swap: %w", err)
	}
	current, err := session.Decode([]byte(stateJSON))
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
	// The turn guard re-checks the version at write time; zero rows means a
	// competing swap landed between the read and the update.
	res, err := tx.ExecContext(
		ctx,
		`UPDATE session_state SET state_json = ?, turn = ?, log_index = ?
		 WHERE slug = ? AND turn = ? AND state_json = ?`,
		data, next.Turn, next.LogIndex, slug, expect.Turn, stateJSON,
	)
	if err != nil {
		return fmt.Errorf("swap state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap state rows: %w", err)
	}
	if affected == 0 {
		return apperrors.New(apperrors.CodeStalePreview, "state changed since preview")
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE sessions SET updated_at = ? WHERE slug = ?`,
		toMillis(time.Now()), slug,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit swap state: %w", err)
	}
	return nil
}

func (s *Store) touchSession(ctx context.Context, slug string) error {
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE sessions SET updated_at = ? WHERE slug = ?`,
		toMillis(time.Now()), slug,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}
