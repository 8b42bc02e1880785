package jobimport

import (
	"context"
	"fmt"
	"time"
)

// UpsertEngine writes one candidate into the record store, inserting it when
// the identifier is new and replacing the stored document otherwise.
type UpsertEngine struct {
	store RecordStore
	now   func() time.Time
}

func NewUpsertEngine(store RecordStore, now func() time.Time) *UpsertEngine {
	if now == nil {
		now = time.Now
	}
	return &UpsertEngine{store: store, now: now}
}

// Upsert returns a permanent error for a candidate without an identifier so
// the retry policy does not spend attempts on it. Store errors are retryable.
func (e *UpsertEngine) Upsert(ctx context.Context, candidate Candidate) (Outcome, error) {
	if candidate.Identifier() == "" {
		return OutcomeFailed, Permanent(ErrMissingIdentifier)
	}
	record := recordFromCandidate(candidate, e.now().UTC())
	inserted, err := e.store.UpsertRecord(ctx, record)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("upsert %s: %w", record.ID, err)
	}
	if inserted {
		return OutcomeInserted, nil
	}
	return OutcomeUpdated, nil
}
