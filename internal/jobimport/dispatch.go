package jobimport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dispatcher turns one source's candidates into a queued unit of work.
type Dispatcher struct {
	queue UnitQueue
	now   func() time.Time
	newID func() string
}

func NewDispatcher(queue UnitQueue, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{queue: queue, now: now, newID: uuid.NewString}
}

// Dispatch enqueues exactly one unit and returns it. A full or unreachable
// queue is reported at once as ErrQueueUnavailable; Dispatch never retries.
func (d *Dispatcher) Dispatch(ctx context.Context, source string, candidates []Candidate) (UnitOfWork, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return UnitOfWork{}, fmt.Errorf("%w: empty source label", ErrInvalidInput)
	}
	if d == nil || d.queue == nil {
		return UnitOfWork{}, ErrQueueUnavailable
	}
	if err := ctx.Err(); err != nil {
		return UnitOfWork{}, err
	}
	unit := UnitOfWork{
		ID:         d.newID(),
		Source:     source,
		Candidates: append([]Candidate{}, candidates...),
		EnqueuedAt: d.now().UTC(),
	}
	payload, err := EncodeUnit(unit)
	if err != nil {
		return UnitOfWork{}, fmt.Errorf("encode unit %s: %w", unit.ID, err)
	}
	if !d.queue.TryEnqueue(payload) {
		return UnitOfWork{}, fmt.Errorf("%w: enqueue unit for %s (depth %d/%d)",
			ErrQueueUnavailable, source, d.queue.Depth(), d.queue.Capacity())
	}
	return unit, nil
}
