package feeds

import (
	"context"
	"log"
	"time"

	"github.com/agentworkforce/jobimport/internal/jobimport"
)

const (
	StatusDispatched     = "dispatched"
	StatusFetchFailed    = "fetch_failed"
	StatusDispatchFailed = "dispatch_failed"
)

type SourceResult struct {
	Source     string `json:"source"`
	Status     string `json:"status"`
	UnitID     string `json:"unitId,omitempty"`
	Candidates int    `json:"candidates"`
	Error      string `json:"error,omitempty"`
}

// Dispatcher is satisfied by *jobimport.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, source string, candidates []jobimport.Candidate) (jobimport.UnitOfWork, error)
}

// Importer fetches every catalog feed and dispatches one unit per feed. It
// returns as soon as the units are queued; summaries arrive asynchronously.
type Importer struct {
	Source     Source
	Normalizer Normalizer
	Dispatcher Dispatcher
	Logger     *log.Logger
}

// Run processes feeds in catalog order. A failing feed is reported in its
// result and does not stop the remaining feeds.
func (im *Importer) Run(ctx context.Context) []SourceResult {
	logger := im.Logger
	if logger == nil {
		logger = log.Default()
	}
	feeds := im.Source.Feeds()
	results := make([]SourceResult, 0, len(feeds))
	for _, feed := range feeds {
		if ctx.Err() != nil {
			break
		}
		result := SourceResult{Source: feed.Name}
		candidates, err := im.Normalizer.Fetch(ctx, feed)
		if err != nil {
			logger.Printf("feeds: %v", err)
			result.Status = StatusFetchFailed
			result.Error = err.Error()
			results = append(results, result)
			continue
		}
		result.Candidates = len(candidates)
		unit, err := im.Dispatcher.Dispatch(ctx, feed.Name, candidates)
		if err != nil {
			logger.Printf("feeds: dispatch %s: %v", feed.Name, err)
			result.Status = StatusDispatchFailed
			result.Error = err.Error()
			results = append(results, result)
			continue
		}
		result.Status = StatusDispatched
		result.UnitID = unit.ID
		logger.Printf("feeds: dispatched unit %s for %s (%d candidates)", unit.ID, feed.Name, len(candidates))
		results = append(results, result)
	}
	return results
}

// AllFailed reports whether no feed was dispatched.
func AllFailed(results []SourceResult) bool {
	for _, r := range results {
		if r.Status == StatusDispatched {
			return false
		}
	}
	return len(results) > 0
}

// RunEvery triggers Run on a fixed interval until ctx is done.
func (im *Importer) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			im.Run(ctx)
		}
	}
}
