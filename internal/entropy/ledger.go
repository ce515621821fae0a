// Package entropy implements the append-only, pre-generated ledger of random
// draws that all deterministic mechanics read instead of a runtime RNG.
package entropy

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
)

// RepoSeed is the fixed repository seed for deterministic ledger extension.
// Changing it invalidates replayed histories; it is part of the data format.
const RepoSeed int64 = 20240301

const (
	d20PerEntry  = 10
	d100PerEntry = 5
)

// Entry is one pre-committed random draw. Entries are immutable once written
// and shared by every session.
type Entry struct {
	Index int64  `json:"i"`
	D20   []int  `json:"d20"`
	D100  []int  `json:"d100"`
	Bytes string `json:"bytes"`
}

// Ledger reads and administratively extends a newline-delimited JSON entropy
// file. Read paths stay correct while Extend is appending because the file is
// append-only and every read is a bounded scan.
type Ledger struct {
	path string
	mu   sync.RWMutex
}

// Open returns a ledger handle for the given path. The file may not exist
// yet; it is created on first Extend.
func Open(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Head returns the highest index present, or 0 for an empty or missing file.
func (l *Ledger) Head() (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head()
}

func (l *Ledger) head() (int64, error) {
	var highest int64
	err := l.scan(func(e Entry) bool {
		if e.Index > highest {
			highest = e.Index
		}
		return false
	})
	if err != nil {
		return 0, err
	}
	return highest, nil
}

// EnsureAvailable fails with INSUFFICIENT_ENTROPY when fewer than target
// entries exist. A target of zero or less always succeeds.
func (l *Ledger) EnsureAvailable(target int64) error {
	if target <= 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var highest int64
	err := l.scan(func(e Entry) bool {
		if e.Index > highest {
			highest = e.Index
		}
		return highest >= target
	})
	if err != nil {
		return err
	}
	if highest < target {
		return apperrors.WithMetadata(
			apperrors.CodeInsufficientEntropy,
			fmt.Sprintf("not enough entropy reserved (need index %d, have %d)", target, highest),
			map[string]string{"need": fmt.Sprint(target), "have": fmt.Sprint(highest)},
		)
	}
	return nil
}

// Lookup returns the entry at index, or NOT_FOUND.
func (l *Ledger) Lookup(index int64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var found *Entry
	err := l.scan(func(e Entry) bool {
		if e.Index == index {
			entry := e
			found = &entry
			return true
		}
		return false
	})
	if err != nil {
		return Entry{}, err
	}
	if found == nil {
		return Entry{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("entropy entry %d not found", index))
	}
	return *found, nil
}

// Preview returns the first limit entries for inspection.
func (l *Ledger) Preview(limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var entries []Entry
	err := l.scan(func(e Entry) bool {
		entries = append(entries, e)
		return limit > 0 && len(entries) >= limit
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Validate checks the full ledger format: exactly the four expected keys per
// line, indices strictly increasing from 1 with no gaps. It returns the
// highest index.
func (l *Ledger) Validate() (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validate()
}

func (l *Ledger) validate() (int64, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open entropy ledger: %w", err)
	}
	defer file.Close()

	var last int64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(text, &keys); err != nil {
			return 0, apperrors.Wrap(apperrors.CodeEntropyCorrupt, fmt.Sprintf("entropy line %d: invalid JSON", line), err)
		}
		if len(keys) != 4 {
			return 0, apperrors.New(apperrors.CodeEntropyCorrupt, fmt.Sprintf("entropy line %d: wrong key set", line))
		}
		for _, key := range []string{"i", "d20", "d100", "bytes"} {
			if _, ok := keys[key]; !ok {
				return 0, apperrors.New(apperrors.CodeEntropyCorrupt, fmt.Sprintf("entropy line %d: missing key %q", line, key))
			}
		}
		var entry Entry
		if err := json.Unmarshal(text, &entry); err != nil {
			return 0, apperrors.Wrap(apperrors.CodeEntropyCorrupt, fmt.Sprintf("entropy line %d: malformed entry", line), err)
		}
		if entry.Index != last+1 {
			return 0, apperrors.New(apperrors.CodeEntropyCorrupt, fmt.Sprintf("entropy line %d: non-monotonic index %d", line, entry.Index))
		}
		last = entry.Index
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read entropy ledger: %w", err)
	}
	return last, nil
}

// Extend validates the ledger and appends count entries, deterministically
// seeded from the repository seed XOR the current length. Reproducible from
// the seed alone, never from wall-clock time. This is an administrative,
// out-of-band operation; it is never invoked on the request path.
func (l *Ledger) Extend(count int) (int64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("extend count must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.validate()
	if err != nil {
		return 0, err
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open entropy ledger for append: %w", err)
	}
	defer file.Close()

	rng := rand.New(rand.NewSource(RepoSeed ^ last))
	writer := bufio.NewWriter(file)
	for offset := int64(1); offset <= int64(count); offset++ {
		entry := Entry{
			Index: last + offset,
			D20:   rolls(rng, 20, d20PerEntry),
			D100:  rolls(rng, 100, d100PerEntry),
			Bytes: randomHex(rng),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return 0, fmt.Errorf("marshal entropy entry: %w", err)
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			return 0, fmt.Errorf("append entropy entry: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush entropy ledger: %w", err)
	}
	return last + int64(count), nil
}

// scan iterates entries in file order until fn returns true. Blank and
// unparseable lines surface as ENTROPY_CORRUPT.
func (l *Ledger) scan(fn func(Entry) bool) error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open entropy ledger: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(text, &entry); err != nil {
			return apperrors.Wrap(apperrors.CodeEntropyCorrupt, fmt.Sprintf("entropy line %d: invalid JSON", line), err)
		}
		if fn(entry) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read entropy ledger: %w", err)
	}
	return nil
}

func rolls(rng *rand.Rand, sides, count int) []int {
	values := make([]int, count)
	for i := range values {
		values[i] = rng.Intn(sides) + 1
	}
	return values
}

func randomHex(rng *rand.Rand) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], rng.Uint32())
	return hex.EncodeToString(buf[:])
}
