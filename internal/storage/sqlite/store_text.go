package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/storage"
	"github.com/halewood/chronicle/internal/storage/cursor"
)

// AppendText appends one entry to the stream and returns its 1-based
// position. The id assignment happens inside a transaction so concurrent
// appenders never collide.
func (s *Store) AppendText(ctx context.Context, slug string, stream storage.Stream, text string) (int64, error) {
	if err := s.sessionExists(ctx, slug); err != nil {
		return 0, err
	}
	flattened := strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", " "), "\n", " ")
	if strings.TrimSpace(flattened) == "" {
		return 0, apperrors.New(apperrors.CodeValidation, "text entry is empty")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append text: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(entry_id), 0) FROM text_entries WHERE slug = ? AND stream = ?`,
		slug, string(stream),
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("next entry id: %w", err)
	}
	id := last + 1
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO text_entries (slug, stream, entry_id, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		slug, string(stream), id, flattened, toMillis(time.Now()),
	); err != nil {
		return 0, fmt.Errorf("append text entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append text: %w", err)
	}
	return id, nil
}

// TextEntries pages through a stream in ascending order. Without a cursor
// the window is the last tail entries; a non-positive tail returns
// everything. The next cursor is empty once the stream is exhausted.
func (s *Store) TextEntries(ctx context.Context, slug string, stream storage.Stream, tail int, token string) ([]storage.TextEntry, string, error) {
	if err := s.sessionExists(ctx, slug); err != nil {
		return nil, "", err
	}
	seq, err := cursor.Decode(token)
	if err != nil {
		return nil, "", err
	}
	var total int64
	if err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(entry_id), 0) FROM text_entries WHERE slug = ? AND stream = ?`,
		slug, string(stream),
	).Scan(&total); err != nil {
		return nil, "", fmt.Errorf("stream length: %w", err)
	}

	var start int64
	if token != "" {
		start = seq
	} else if tail > 0 {
		start = total - int64(tail)
		if start < 0 {
			start = 0
		}
	}
	end := total
	if tail > 0 && start+int64(tail) < total {
		end = start + int64(tail)
	}
	if start >= total {
		return nil, "", nil
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT entry_id, body FROM text_entries
		 WHERE slug = ? AND stream = ? AND entry_id > ? AND entry_id <= ?
		 ORDER BY entry_id ASC`,
		slug, string(stream), start, end,
	)
	if err != nil {
		return nil, "", fmt.Errorf("list text entries: %w", err)
	}
	defer rows.Close()

	var entries []storage.TextEntry
	for rows.Next() {
		var entry storage.TextEntry
		if err := rows.Scan(&entry.ID, &entry.Text); err != nil {
			return nil, "", fmt.Errorf("list text entries: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list text entries: %w", err)
	}
	next := ""
	if end < total {
		next = cursor.Encode(end)
	}
	return entries, next, nil
}

// LogPositions reports the current length of each stream.
func (s *Store) LogPositions(ctx context.Context, slug string) (map[storage.Stream]int64, error) {
	if err := s.sessionExists(ctx, slug); err != nil {
		return nil, err
	}
	positions := make(map[storage.Stream]int64, 2)
	for _, stream := range []storage.Stream{storage.StreamTranscript, storage.StreamChangelog} {
		var length int64
		if err := s.sqlDB.QueryRowContext(
			ctx,
			`SELECT COALESCE(MAX(entry_id), 0) FROM text_entries WHERE slug = ? AND stream = ?`,
			slug, string(stream),
		).Scan(&length); err != nil {
			return nil, fmt.Errorf("stream length: %w", err)
		}
		positions[stream] = length
	}
	return positions, nil
}
