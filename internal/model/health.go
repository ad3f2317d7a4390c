package model

import "time"

// URLHealthRecord tracks fetch outcomes for one monitored URL.
type URLHealthRecord struct {
	URL                 string     `json:"url"`
	SourceID            string     `json:"source_id"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	TotalSuccesses      int        `json:"total_successes"`
	TotalFailures       int        `json:"total_failures"`
}

// FailureReason labels why a URL did not produce content in a run.
type FailureReason string

const (
	ReasonSkipped         FailureReason = "skipped"
	ReasonFailedTransient FailureReason = "failed_transient"
	ReasonFailedPermanent FailureReason = "failed_permanent"
	ReasonStoreError      FailureReason = "store_error"
)

// URLFailure records one URL that failed or was skipped during a run.
type URLFailure struct {
	URL    string        `json:"url"`
	Reason FailureReason `json:"reason"`
	Error  string        `json:"error,omitempty"`
}

// SourceStats summarizes one source type's worker in a run.
type SourceStats struct {
	Processed       int          `json:"processed"`
	Succeeded       int          `json:"succeeded"`
	Changed         int          `json:"changed"`
	FirstCrawls     int          `json:"first_crawls"`
	Skipped         int          `json:"skipped"`
	Failed          int          `json:"failed"`
	HighPriority    int          `json:"high_priority"`
	AssertionsSaved int          `json:"assertions_saved"`
	Failures        []URLFailure `json:"failures,omitempty"`
}

// RunSummary is the persisted outcome of one crawl run.
type RunSummary struct {
	RunID      string                  `json:"run_id"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Sources    map[string]*SourceStats `json:"sources"`
}

// Totals sums stats across every source type.
func (r *RunSummary) Totals() SourceStats {
	var t SourceStats
	for _, s := range r.Sources {
		t.Processed += s.Processed
		t.Succeeded += s.Succeeded
		t.Changed += s.Changed
		t.FirstCrawls += s.FirstCrawls
		t.Skipped += s.Skipped
		t.Failed += s.Failed
		t.HighPriority += s.HighPriority
		t.AssertionsSaved += s.AssertionsSaved
	}
	return t
}
