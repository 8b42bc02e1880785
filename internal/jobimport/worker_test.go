package jobimport

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProcessUnitConcreteScenario(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()
	if _, err := memory.UpsertRecord(ctx, recordFromCandidate(candidate("B"), time.Now())); err != nil {
		t.Fatalf("seed B: %v", err)
	}
	records := newFlakyRecordStore(memory, map[string]int{"C": -1})
	notifier := newRecordingNotifier()
	pool := newTestPool(NewInMemoryUnitQueue(4), records, memory, notifier, 100)

	changedB := candidate("B")
	changedB.Title = "Changed title"
	summary, err := pool.ProcessUnit(ctx, UnitOfWork{
		ID:         "unit-1",
		Source:     "scenario",
		Candidates: []Candidate{candidate("A"), changedB, candidate("C")},
	})
	if err != nil {
		t.Fatalf("process unit: %v", err)
	}
	if summary.Fetched != 3 || summary.Imported != 2 || summary.New != 1 || summary.Updated != 1 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].ID != "C" || summary.Failures[0].Reason == "" {
		t.Fatalf("expected one failure for C, got %+v", summary.Failures)
	}
	if records.callsFor("C") != 3 {
		t.Fatalf("expected C to be attempted 3 times, got %d", records.callsFor("C"))
	}

	seen := notifier.summaries()
	if len(seen) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(seen))
	}
	stored, err := memory.RecentSummaries(ctx, 20)
	if err != nil || len(stored) != 1 {
		t.Fatalf("expected one stored summary, got %d (%v)", len(stored), err)
	}
	if !reflect.DeepEqual(seen[0], stored[0]) {
		t.Fatalf("broadcast differs from persisted summary:\n%+v\n%+v", seen[0], stored[0])
	}
	if rec, _ := memory.GetRecord(ctx, "B"); rec.Title != "Changed title" {
		t.Fatalf("expected B to be replaced, got %q", rec.Title)
	}
}

func TestProcessUnitRetryAbsorption(t *testing.T) {
	memory := NewMemoryStore()
	records := newFlakyRecordStore(memory, map[string]int{"A": 2})
	pool := newTestPool(NewInMemoryUnitQueue(1), records, memory, nil, 100)

	summary, err := pool.ProcessUnit(context.Background(), UnitOfWork{ID: "u", Source: "s", Candidates: []Candidate{candidate("A")}})
	if err != nil {
		t.Fatalf("process unit: %v", err)
	}
	if summary.New != 1 || len(summary.Failures) != 0 {
		t.Fatalf("expected absorbed failures, got %+v", summary)
	}
	if records.callsFor("A") != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", records.callsFor("A"))
	}
}

func TestProcessUnitFailureDoesNotStopLaterRecords(t *testing.T) {
	memory := NewMemoryStore()
	records := newFlakyRecordStore(memory, map[string]int{"A": -1})
	pool := newTestPool(NewInMemoryUnitQueue(1), records, memory, nil, 100)

	missing := Candidate{Title: "no id"}
	summary, err := pool.ProcessUnit(context.Background(), UnitOfWork{
		ID: "u", Source: "s",
		Candidates: []Candidate{candidate("A"), missing, candidate("B"), candidate("C")},
	})
	if err != nil {
		t.Fatalf("process unit: %v", err)
	}
	if summary.New != 2 || len(summary.Failures) != 2 || !summary.Consistent() {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, f := range summary.Failures {
		if f.Reason == "" {
			t.Fatalf("failure without reason: %+v", f)
		}
	}
	if summary.Failures[1].Reason != ErrMissingIdentifier.Error() {
		t.Fatalf("expected missing identifier reason, got %q", summary.Failures[1].Reason)
	}
}

func TestProcessUnitBatchCap(t *testing.T) {
	memory := NewMemoryStore()
	pool := newTestPool(NewInMemoryUnitQueue(1), memory, memory, nil, 2)
	cands := []Candidate{candidate("1"), candidate("2"), candidate("3"), candidate("4"), candidate("5")}

	summary, err := pool.ProcessUnit(context.Background(), UnitOfWork{ID: "u", Source: "s", Candidates: cands})
	if err != nil {
		t.Fatalf("process unit: %v", err)
	}
	if summary.Fetched != 2 || summary.Received != 5 {
		t.Fatalf("expected fetched=2 received=5, got %+v", summary)
	}
	if summary.New+summary.Updated+len(summary.Failures) != 2 {
		t.Fatalf("expected exactly 2 processed, got %+v", summary)
	}
	if n, _ := memory.CountRecords(context.Background()); n != 2 {
		t.Fatalf("expected 2 stored records, got %d", n)
	}
}

func TestProcessUnitIdempotentRerun(t *testing.T) {
	memory := NewMemoryStore()
	pool := newTestPool(NewInMemoryUnitQueue(1), memory, memory, nil, 100)
	unit := UnitOfWork{ID: "u", Source: "s", Candidates: []Candidate{candidate("A"), candidate("B"), candidate("C")}}

	if _, err := pool.ProcessUnit(context.Background(), unit); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := pool.ProcessUnit(context.Background(), unit)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.New != 0 || second.Updated != second.Fetched || second.Fetched != 3 {
		t.Fatalf("expected all updates on re-run, got %+v", second)
	}
}

func TestPoolConsumesQueueAndAcks(t *testing.T) {
	memory := NewMemoryStore()
	queue := NewInMemoryUnitQueue(8)
	notifier := newRecordingNotifier()
	metrics := NewMetrics()
	pool := NewPool(queue, NewUpsertEngine(memory, nil), NewAggregator(memory, notifier, nil), PoolOptions{
		Workers: 3, Retry: RetryPolicy{sleep: noSleep}, Logger: quietLogger(), Metrics: metrics,
	})
	dispatcher := NewDispatcher(queue, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Close()

	for _, source := range []string{"one", "two", "three"} {
		if _, err := dispatcher.Dispatch(ctx, source, []Candidate{candidate(source + "-a"), candidate(source + "-b")}); err != nil {
			t.Fatalf("dispatch %s: %v", source, err)
		}
	}
	sources := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case s := <-notifier.ch:
			if !s.Consistent() || s.New != 2 {
				t.Fatalf("unexpected summary %+v", s)
			}
			sources[s.Source] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for summary %d", i+1)
		}
	}
	if len(sources) != 3 {
		t.Fatalf("expected one summary per source, got %v", sources)
	}
	if got := testutil.ToFloat64(metrics.units.WithLabelValues(UnitStatusImported)); got != 3 {
		t.Fatalf("expected 3 imported units, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.records.WithLabelValues(string(OutcomeInserted))); got != 6 {
		t.Fatalf("expected 6 inserted records, got %v", got)
	}
	if queue.Depth() != 0 {
		t.Fatalf("expected drained queue, got depth %d", queue.Depth())
	}
}

func TestPoolRedeliversWhenSummaryPersistFails(t *testing.T) {
	memory := NewMemoryStore()
	queue := NewInMemoryUnitQueue(2)
	notifier := newRecordingNotifier()
	summaries := &failingSummaryStore{SummaryStore: memory, fails: 1}
	pool := newTestPool(queue, memory, summaries, notifier, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := NewDispatcher(queue, nil).Dispatch(ctx, "feed", []Candidate{candidate("A")}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	pool.Start(ctx)
	defer pool.Close()

	select {
	case s := <-notifier.ch:
		// The first attempt inserted A before the summary write failed.
		if s.Updated != 1 || s.New != 0 {
			t.Fatalf("expected redelivered unit to update A, got %+v", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for redelivered summary")
	}
	stored, _ := memory.RecentSummaries(ctx, 20)
	if len(stored) != 1 {
		t.Fatalf("expected exactly one persisted summary, got %d", len(stored))
	}
}

func TestPoolAcksPoisonPayload(t *testing.T) {
	memory := NewMemoryStore()
	queue := NewInMemoryUnitQueue(2)
	metrics := NewMetrics()
	pool := NewPool(queue, NewUpsertEngine(memory, nil), NewAggregator(memory, nil, nil), PoolOptions{
		Workers: 1, Logger: quietLogger(), Metrics: metrics,
	})
	bad, _ := json.Marshal(map[string]any{"id": "x", "candidates": "nope"})
	if !queue.TryEnqueue(bad) {
		t.Fatalf("enqueue poison payload failed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Close()

	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(metrics.units.WithLabelValues(UnitStatusPoison)) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("poison payload was not handled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if queue.Depth() != 0 {
		t.Fatalf("poison payload must not be redelivered")
	}
	if stored, _ := memory.RecentSummaries(ctx, 20); len(stored) != 0 {
		t.Fatalf("poison payload must not produce a summary")
	}
}

func TestPoolBoundsConcurrentUnits(t *testing.T) {
	memory := NewMemoryStore()
	queue := NewInMemoryUnitQueue(16)
	var mu sync.Mutex
	active, peak := 0, 0
	release := make(chan struct{})
	blocking := NotifierFunc(func(context.Context, Summary) {})
	records := &gatedRecordStore{RecordStore: memory, enter: func() {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		<-release
		mu.Lock()
		active--
		mu.Unlock()
	}}
	pool := NewPool(queue, NewUpsertEngine(records, nil), NewAggregator(memory, blocking, nil), PoolOptions{
		Workers: 2, Retry: RetryPolicy{sleep: noSleep}, Logger: quietLogger(),
	})
	dispatcher := NewDispatcher(queue, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 5; i++ {
		if _, err := dispatcher.Dispatch(ctx, "s", []Candidate{candidate(string(rune('a' + i)))}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	pool.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	close(release)
	pool.Close()
	if peak > 2 {
		t.Fatalf("expected at most 2 units in progress, saw %d", peak)
	}
	if peak == 0 {
		t.Fatalf("expected the pool to process units")
	}
}

type gatedRecordStore struct {
	RecordStore
	enter func()
}

func (s *gatedRecordStore) UpsertRecord(ctx context.Context, r Record) (bool, error) {
	s.enter()
	return s.RecordStore.UpsertRecord(ctx, r)
}

func TestPoolWaitsBeforeRequeueingUnrecordedUnit(t *testing.T) {
	memory := NewMemoryStore()
	queue := NewInMemoryUnitQueue(2)
	records := newFlakyRecordStore(memory, nil)
	summaries := &failingSummaryStore{SummaryStore: memory, fails: 1 << 30}
	waits := make(chan time.Duration, 8)
	release := make(chan struct{})
	hold := func(ctx context.Context, d time.Duration) error {
		waits <- d
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	pool := NewPool(queue, NewUpsertEngine(records, nil), NewAggregator(summaries, nil, nil), PoolOptions{
		Workers: 1, MaxDeliveries: 10, Retry: RetryPolicy{sleep: hold}, Logger: quietLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewDispatcher(queue, nil).Dispatch(ctx, "feed", []Candidate{candidate("A"), candidate("B")}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	pool.Start(ctx)
	defer pool.Close()

	select {
	case d := <-waits:
		if d != 500*time.Millisecond {
			t.Fatalf("expected first redelivery backoff of 500ms, got %s", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for redelivery backoff")
	}
	time.Sleep(20 * time.Millisecond)
	if queue.Depth() != 0 || records.callsFor("A") != 1 {
		t.Fatalf("unit came back before its backoff: depth=%d upserts=%d", queue.Depth(), records.callsFor("A"))
	}

	release <- struct{}{}
	select {
	case d := <-waits:
		if d != time.Second {
			t.Fatalf("expected second redelivery backoff of 1s, got %s", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for second backoff")
	}
	if got := records.callsFor("A"); got != 2 {
		t.Fatalf("expected A upserted once per delivery, got %d", got)
	}
	cancel()
}

func TestPoolPacesRedeliveryAgainstWallClock(t *testing.T) {
	memory := NewMemoryStore()
	queue := NewInMemoryUnitQueue(2)
	records := newFlakyRecordStore(memory, nil)
	summaries := &failingSummaryStore{SummaryStore: memory, fails: 1 << 30}
	pool := NewPool(queue, NewUpsertEngine(records, nil), NewAggregator(summaries, nil, nil), PoolOptions{
		Workers: 5, MaxDeliveries: 100, Retry: RetryPolicy{BaseDelay: 100 * time.Millisecond}, Logger: quietLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewDispatcher(queue, nil).Dispatch(ctx, "feed", []Candidate{candidate("A"), candidate("B")}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	pool.Start(ctx)
	time.Sleep(250 * time.Millisecond)
	cancel()
	pool.Close()

	if got := records.callsFor("A"); got < 1 || got > 3 {
		t.Fatalf("expected a handful of paced deliveries in 250ms, got %d upserts of A", got)
	}
}

func TestPoolDeadLettersAfterMaxDeliveries(t *testing.T) {
	memory := NewMemoryStore()
	queue := NewInMemoryUnitQueue(2)
	records := newFlakyRecordStore(memory, nil)
	summaries := &failingSummaryStore{SummaryStore: memory, fails: 1 << 30}
	metrics := NewMetrics()
	pool := NewPool(queue, NewUpsertEngine(records, nil), NewAggregator(summaries, nil, nil), PoolOptions{
		Workers: 2, MaxDeliveries: 2, Retry: RetryPolicy{sleep: noSleep}, Logger: quietLogger(), Metrics: metrics,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewDispatcher(queue, nil).Dispatch(ctx, "feed", []Candidate{candidate("A")}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	pool.Start(ctx)
	defer pool.Close()

	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(metrics.units.WithLabelValues(UnitStatusDead)) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("unit was not dead-lettered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := records.callsFor("A"); got != 2 {
		t.Fatalf("expected exactly 2 deliveries, got %d", got)
	}
	if queue.Depth() != 0 {
		t.Fatalf("dead-lettered unit must leave the queue, depth %d", queue.Depth())
	}
	if got := testutil.ToFloat64(metrics.units.WithLabelValues(UnitStatusRequeued)); got != 1 {
		t.Fatalf("expected 1 requeue before dead-lettering, got %v", got)
	}
}
