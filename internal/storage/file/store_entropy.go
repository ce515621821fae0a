package file

import (
	"context"

	"github.com/halewood/chronicle/internal/entropy"
)

// The file backend reads the entropy ledger directly; there is no second
// copy to keep consistent.

func (s *Store) EnsureAvailable(ctx context.Context, target int64) error {
	return s.ledger.EnsureAvailable(target)
}

func (s *Store) Entry(ctx context.Context, index int64) (entropy.Entry, error) {
	return s.ledger.Lookup(index)
}

func (s *Store) PreviewEntries(ctx context.Context, limit int) ([]entropy.Entry, error) {
	return s.ledger.Preview(limit)
}

func (s *Store) Head(ctx context.Context) (int64, error) {
	return s.ledger.Head()
}
