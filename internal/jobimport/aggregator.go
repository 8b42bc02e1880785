package jobimport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tally is the per-record outcome list of one unit of work.
type Tally struct {
	UnitID   string
	Source   string
	Received int
	Inserted []string
	Updated  []string
	Failures []FailureEntry
}

func (t *Tally) add(id string, outcome Outcome, err error) {
	switch outcome {
	case OutcomeInserted:
		t.Inserted = append(t.Inserted, id)
	case OutcomeUpdated:
		t.Updated = append(t.Updated, id)
	default:
		reason := "unknown failure"
		if err != nil && err.Error() != "" {
			reason = err.Error()
		}
		t.Failures = append(t.Failures, FailureEntry{ID: id, Reason: reason})
	}
}

func (t Tally) processed() int {
	return len(t.Inserted) + len(t.Updated) + len(t.Failures)
}

// Aggregator converts a tally into one persisted summary and announces it.
type Aggregator struct {
	summaries SummaryStore
	notifier  Notifier
	now       func() time.Time
	newID     func() string
}

func NewAggregator(summaries SummaryStore, notifier Notifier, now func() time.Time) *Aggregator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		summaries: summaries,
		notifier:  notifier,
		now:       now,
		newID:     uuid.NewString,
	}
}

// Record persists the summary for t. The notifier only runs once the write
// succeeded; a failed write is returned so the unit can be redelivered.
func (a *Aggregator) Record(ctx context.Context, t Tally) (Summary, error) {
	failures := append([]FailureEntry{}, t.Failures...)
	summary := Summary{
		ID:        a.newID(),
		Source:    t.Source,
		Timestamp: a.now().UTC().Truncate(time.Microsecond),
		Received:  t.Received,
		Fetched:   t.processed(),
		Imported:  len(t.Inserted) + len(t.Updated),
		New:       len(t.Inserted),
		Updated:   len(t.Updated),
		Failures:  failures,
	}
	if summary.Received < summary.Fetched {
		summary.Received = summary.Fetched
	}
	if err := a.summaries.AppendSummary(ctx, summary); err != nil {
		return Summary{}, fmt.Errorf("persist summary for unit %s: %w", t.UnitID, err)
	}
	a.notifier.Notify(ctx, summary)
	return summary, nil
}
