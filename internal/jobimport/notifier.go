package jobimport

import (
	"context"
	"log"
)

// Notifier receives every summary after it has been persisted. Delivery is
// best effort: implementations must not block the worker for long and have no
// way to report failure back to it.
type Notifier interface {
	Notify(ctx context.Context, summary Summary)
}

type NotifierFunc func(ctx context.Context, summary Summary)

func (f NotifierFunc) Notify(ctx context.Context, summary Summary) {
	f(ctx, summary)
}

type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, summary Summary) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, summary)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Summary) {}

// LogNotifier writes one line per persisted summary.
func LogNotifier(logger *log.Logger) Notifier {
	if logger == nil {
		logger = log.Default()
	}
	return NotifierFunc(func(_ context.Context, s Summary) {
		logger.Printf("import %s source=%q fetched=%d new=%d updated=%d failed=%d received=%d",
			s.ID, s.Source, s.Fetched, s.New, s.Updated, len(s.Failures), s.Received)
	})
}
