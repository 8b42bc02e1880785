package jobimport

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Record
	summaries []Summary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) UpsertRecord(ctx context.Context, record Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(record.ID) == "" {
		return false, ErrMissingIdentifier
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[record.ID]
	if ok {
		record.CreatedAt = existing.CreatedAt
	}
	s.records[record.ID] = record
	return !ok, nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

func (s *MemoryStore) CountRecords(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *MemoryStore) AppendSummary(ctx context.Context, summary Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	summary.Failures = append([]FailureEntry{}, summary.Failures...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *MemoryStore) RecentSummaries(_ context.Context, limit int) ([]Summary, error) {
	s.mu.Lock()
	out := make([]Summary, len(s.summaries))
	for i := range s.summaries {
		// newest appended first so equal timestamps keep reverse insertion order
		src := s.summaries[len(s.summaries)-1-i]
		src.Failures = append([]FailureEntry{}, src.Failures...)
		out[i] = src
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
