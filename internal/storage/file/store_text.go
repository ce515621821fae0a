package file

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/storage"
	"github.com/halewood/chronicle/internal/storage/cursor"
)

func streamFilename(stream storage.Stream) string {
	return string(stream) + ".md"
}

func readStreamLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return lines, nil
}

// AppendText appends one entry to the stream and returns its 1-based
// position. Newlines inside text are flattened so one entry stays one line.
func (s *Store) AppendText(ctx context.Context, slug string, stream storage.Stream, text string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return 0, err
	}
	path := filepath.Join(dir, streamFilename(stream))
	lines, err := readStreamLines(path)
	if err != nil {
		return 0, err
	}
	flattened := strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", " "), "\n", " ")
	// A blank line would be invisible to readers and shift every later id.
	if strings.TrimSpace(flattened) == "" {
		return 0, apperrors.New(apperrors.CodeValidation, "text entry is empty")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open stream for append: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(flattened + "\n"); err != nil {
		return 0, fmt.Errorf("append stream entry: %w", err)
	}
	return int64(len(lines)) + 1, nil
}

// TextEntries pages through a stream in ascending order. Without a cursor
// the window is the last tail entries; a non-positive tail returns
// everything. The next cursor is empty once the stream is exhausted.
func (s *Store) TextEntries(ctx context.Context, slug string, stream storage.Stream, tail int, token string) ([]storage.TextEntry, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return nil, "", err
	}
	lines, err := readStreamLines(filepath.Join(dir, streamFilename(stream)))
	if err != nil {
		return nil, "", err
	}
	return pageLines(lines, tail, token)
}

func pageLines(lines []string, tail int, token string) ([]storage.TextEntry, string, error) {
	seq, err := cursor.Decode(token)
	if err != nil {
		return nil, "", err
	}
	total := int64(len(lines))
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
	entries := make([]storage.TextEntry, 0, end-start)
	for i := start; i < end; i++ {
		entries = append(entries, storage.TextEntry{ID: i + 1, Text: lines[i]})
	}
	next := ""
	if end < total {
		next = cursor.Encode(end)
	}
	return entries, next, nil
}

// LogPositions reports the current length of each stream.
func (s *Store) LogPositions(ctx context.Context, slug string) (map[storage.Stream]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.sessionDir(slug)
	if err != nil {
		return nil, err
	}
	positions := make(map[storage.Stream]int64, 2)
	for _, stream := range []storage.Stream{storage.StreamTranscript, storage.StreamChangelog} {
		lines, err := readStreamLines(filepath.Join(dir, streamFilename(stream)))
		if err != nil {
			return nil, err
		}
		positions[stream] = int64(len(lines))
	}
	return positions, nil
}
