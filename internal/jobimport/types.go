package jobimport

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrMissingIdentifier = errors.New("missing record identifier")
	ErrQueueUnavailable  = errors.New("queue unavailable")
	ErrNotImplemented    = errors.New("not implemented")
)

// Candidate is a normalized posting that has not been persisted yet.
type Candidate struct {
	ID          string `json:"jobId"`
	Title       string `json:"title"`
	Company     string `json:"company"`
	Location    string `json:"location"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Category    string `json:"category"`
}

// Identifier returns the deduplication key: the feed identifier, or the
// posting URL when the feed omitted one.
func (c Candidate) Identifier() string {
	if id := strings.TrimSpace(c.ID); id != "" {
		return id
	}
	return strings.TrimSpace(c.URL)
}

type Record struct {
	ID          string    `json:"jobId"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func recordFromCandidate(c Candidate, now time.Time) Record {
	return Record{
		ID:          c.Identifier(),
		Title:       c.Title,
		Company:     c.Company,
		Location:    c.Location,
		Description: c.Description,
		URL:         c.URL,
		Category:    c.Category,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

type FailureEntry struct {
	ID     string `json:"jobId"`
	Reason string `json:"reason"`
}

// Summary is the audit record written once per completed unit of work.
// Fetched always equals New + Updated + len(Failures); Received is the
// candidate count before batch truncation.
type Summary struct {
	ID        string         `json:"id"`
	Source    string         `json:"fileName"`
	Timestamp time.Time      `json:"timestamp"`
	Received  int            `json:"totalReceived"`
	Fetched   int            `json:"totalFetched"`
	Imported  int            `json:"totalImported"`
	New       int            `json:"newJobs"`
	Updated   int            `json:"updatedJobs"`
	Failures  []FailureEntry `json:"failedJobs"`
}

func (s Summary) Consistent() bool {
	return s.Fetched == s.New+s.Updated+len(s.Failures) && s.Imported == s.New+s.Updated
}

type UnitOfWork struct {
	ID         string      `json:"id"`
	Source     string      `json:"source"`
	Candidates []Candidate `json:"candidates"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
}

type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeFailed   Outcome = "failed"
)

type RecordStore interface {
	UpsertRecord(ctx context.Context, record Record) (inserted bool, err error)
	GetRecord(ctx context.Context, id string) (Record, error)
	CountRecords(ctx context.Context) (int, error)
}

type SummaryStore interface {
	AppendSummary(ctx context.Context, summary Summary) error
	RecentSummaries(ctx context.Context, limit int) ([]Summary, error)
}

// Store holds both logical collections of one backend.
type Store interface {
	RecordStore
	SummaryStore
	Close() error
}
