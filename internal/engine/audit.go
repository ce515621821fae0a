package engine

import (
	"context"
	"fmt"

	apperrors "github.com/halewood/chronicle/internal/platform/errors"
)

// AuditReport summarizes a global entropy audit.
type AuditReport struct {
	Sessions     int
	RollsAudited int
	IndicesInUse int
	LedgerHead   int64
}

// AuditEntropy verifies the exactly-once property over consumed entropy:
// every roll recorded in any turn record of any session references a ledger
// index that exists, and no index is referenced by more than one roll
// anywhere in the backend.
func (e *Engine) AuditEntropy(ctx context.Context) (AuditReport, error) {
	ctx, span := e.tracer.Start(ctx, "engine.AuditEntropy")
	defer span.End()

	head, err := e.store.Entropy.Head(ctx)
	if err != nil {
		return AuditReport{}, err
	}

	sessions, err := e.store.Sessions.ListSessions(ctx)
	if err != nil {
		return AuditReport{}, err
	}

	seen := make(map[int64]string)
	report := AuditReport{Sessions: len(sessions), LedgerHead: head}
	for _, info := range sessions {
		records, err := e.store.Turns.ListTurnRecords(ctx, info.Slug, 0)
		if err != nil {
			return AuditReport{}, err
		}
		for _, record := range records {
			for _, roll := range record.Rolls {
				report.RollsAudited++
				index := roll.EntropyIndex
				if index < 1 || index > head {
					return AuditReport{}, apperrors.WithMetadata(
						apperrors.CodeEntropyCorrupt,
						fmt.Sprintf("session %q turn %d references out-of-bounds entropy index %d", info.Slug, record.Turn, index),
						map[string]string{"slug": info.Slug, "turn": fmt.Sprint(record.Turn)},
					)
				}
				if prior, dup := seen[index]; dup {
					return AuditReport{}, apperrors.WithMetadata(
						apperrors.CodeEntropyReused,
						fmt.Sprintf("entropy index %d referenced by both %s and session %q turn %d", index, prior, info.Slug, record.Turn),
						map[string]string{"index": fmt.Sprint(index)},
					)
				}
				seen[index] = fmt.Sprintf("session %q turn %d", info.Slug, record.Turn)
			}
		}
	}
	report.IndicesInUse = len(seen)
	return report, nil
}
