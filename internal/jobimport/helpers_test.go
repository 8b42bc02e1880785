package jobimport

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

var errStoreDown = errors.New("store unavailable")

// flakyRecordStore fails UpsertRecord for selected identifiers a fixed
// number of times (or forever when the count is negative).
type flakyRecordStore struct {
	RecordStore

	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlakyRecordStore(inner RecordStore, failures map[string]int) *flakyRecordStore {
	return &flakyRecordStore{RecordStore: inner, failures: failures, calls: map[string]int{}}
}

func (s *flakyRecordStore) UpsertRecord(ctx context.Context, r Record) (bool, error) {
	s.mu.Lock()
	s.calls[r.ID]++
	remaining, ok := s.failures[r.ID]
	if ok && remaining != 0 {
		if remaining > 0 {
			s.failures[r.ID] = remaining - 1
		}
		s.mu.Unlock()
		return false, errStoreDown
	}
	s.mu.Unlock()
	return s.RecordStore.UpsertRecord(ctx, r)
}

func (s *flakyRecordStore) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type failingSummaryStore struct {
	SummaryStore

	mu    sync.Mutex
	fails int
}

func (s *failingSummaryStore) AppendSummary(ctx context.Context, summary Summary) error {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return errStoreDown
	}
	s.mu.Unlock()
	return s.SummaryStore.AppendSummary(ctx, summary)
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []Summary
	ch   chan Summary
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan Summary, 64)}
}

func (n *recordingNotifier) Notify(_ context.Context, s Summary) {
	n.mu.Lock()
	n.seen = append(n.seen, s)
	n.mu.Unlock()
	n.ch <- s
}

func (n *recordingNotifier) summaries() []Summary {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Summary(nil), n.seen...)
}

func noSleep(context.Context, time.Duration) error { return nil }

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestPool(queue UnitQueue, records RecordStore, summaries SummaryStore, notifier Notifier, batch int) *Pool {
	return NewPool(queue, NewUpsertEngine(records, nil), NewAggregator(summaries, notifier, nil), PoolOptions{
		Workers:   2,
		BatchSize: batch,
		Retry:     RetryPolicy{sleep: noSleep},
		Logger:    quietLogger(),
	})
}

func candidate(id string) Candidate {
	return Candidate{ID: id, Title: "Title " + id, Company: "Acme", URL: "https://jobs.example.com/" + id}
}
