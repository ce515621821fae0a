package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/halewood/chronicle/internal/entropy"
	apperrors "github.com/halewood/chronicle/internal/platform/errors"
)

// The entropy ledger file stays authoritative. The entropy table is a mirror
// filled lazily so SQL queries can join against consumed indices.

func (s *Store) mirrorEntropy(ctx context.Context, upTo int64) error {
	var have int64
	if err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(entropy_index), 0) FROM entropy`,
	).Scan(&have); err != nil {
		return fmt.Errorf("entropy mirror head: %w", err)
	}
	if have >= upTo {
		return nil
	}
	entries, err := s.ledger.Preview(int(upTo))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Index <= have {
			continue
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode entropy entry: %w", err)
		}
		if _, err := s.sqlDB.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO entropy (entropy_index, entry_json) VALUES (?, ?)`,
			entry.Index, string(payload),
		); err != nil {
			return fmt.Errorf("mirror entropy entry: %w", err)
		}
	}
	return nil
}

// EnsureAvailable checks the ledger file and keeps the mirror current.
func (s *Store) EnsureAvailable(ctx context.Context, target int64) error {
	if err := s.ledger.EnsureAvailable(target); err != nil {
		return err
	}
	return s.mirrorEntropy(ctx, target)
}

// Entry reads from the mirror, falling back to the ledger on a miss.
func (s *Store) Entry(ctx context.Context, index int64) (entropy.Entry, error) {
	var payload string
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT entry_json FROM entropy WHERE entropy_index = ?`,
		index,
	).Scan(&payload)
	if err == nil {
		var entry entropy.Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return entropy.Entry{}, apperrors.Wrap(apperrors.CodeEntropyCorrupt, fmt.Sprintf("mirrored entropy entry %d unreadable", index), err)
		}
		return entry, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return entropy.Entry{}, fmt.Errorf("get entropy entry: %w", err)
	}
	entry, err := s.ledger.Lookup(index)
	if err != nil {
		return entropy.Entry{}, err
	}
	if err := s.mirrorEntropy(ctx, index); err != nil {
		return entropy.Entry{}, err
	}
	return entry, nil
}

func (s *Store) PreviewEntries(ctx context.Context, limit int) ([]entropy.Entry, error) {
	return s.ledger.Preview(limit)
}

func (s *Store) Head(ctx context.Context) (int64, error) {
	return s.ledger.Head()
}
