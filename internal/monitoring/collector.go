package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/coverage"
	"github.com/sells-group/coverage-watch/internal/metrics"
	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/store"
)

// backlogScanLimit caps how many pending discoveries are counted.
const backlogScanLimit = 10000

// MetricsSnapshot holds a point-in-time view of review and crawl health.
type MetricsSnapshot struct {
	UnhealthyURLs      int      `json:"unhealthy_urls"`
	WorstURL           string   `json:"worst_url,omitempty"`
	WorstFailures      int      `json:"worst_failures"`
	PendingConflicts   int      `json:"pending_conflicts"`
	PendingDiscoveries int      `json:"pending_discoveries"`
	HighPriority       int      `json:"high_priority_changes"`
	ChangedPolicies    []string `json:"changed_policies,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// HealthLister is satisfied by *health.Tracker.
type HealthLister interface {
	UnhealthyURLs(ctx context.Context, threshold int) ([]model.URLHealthRecord, error)
}

// ConflictLister is satisfied by *coverage.Reconciler.
type ConflictLister interface {
	Conflicts(ctx context.Context) ([]coverage.ConflictGroup, error)
}

// DiscoveryLister lists staged discoveries by status.
type DiscoveryLister interface {
	ListDiscoveries(ctx context.Context, status model.DiscoveryStatus, limit int) ([]model.StagedDiscovery, error)
}

// DocumentLister lists tracked documents.
type DocumentLister interface {
	ListDocumentHashes(ctx context.Context, filter store.DocumentFilter) ([]model.DocumentHashRecord, error)
}

// CollectorDeps wires the sources a Collector reads. Nil sources are skipped.
type CollectorDeps struct {
	Health      HealthLister
	Conflicts   ConflictLister
	Discoveries DiscoveryLister
	Documents   DocumentLister
	// Metrics, when set, receives the unhealthy URL gauge.
	Metrics *metrics.Crawl
	// URLThreshold is the consecutive-failure count that marks a URL
	// unhealthy. Zero defers to the tracker's threshold.
	URLThreshold int
}

// Collector gathers a MetricsSnapshot from the stores.
type Collector struct {
	deps CollectorDeps
	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(deps CollectorDeps) *Collector {
	return &Collector{deps: deps, nowFunc: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	if c.deps.Health != nil {
		recs, err := c.deps.Health.UnhealthyURLs(ctx, c.deps.URLThreshold)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list unhealthy urls")
		}
		snap.UnhealthyURLs = len(recs)
		// Listed worst first.
		if len(recs) > 0 {
			snap.WorstURL = recs[0].URL
			snap.WorstFailures = recs[0].ConsecutiveFailures
		}
		if c.deps.Metrics != nil {
			c.deps.Metrics.SetUnhealthy(len(recs))
		}
	}

	if c.deps.Conflicts != nil {
		groups, err := c.deps.Conflicts.Conflicts(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list conflicts")
		}
		snap.PendingConflicts = len(groups)
	}

	if c.deps.Discoveries != nil {
		pending, err := c.deps.Discoveries.ListDiscoveries(ctx, model.DiscoveryPending, backlogScanLimit)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list discoveries")
		}
		snap.PendingDiscoveries = len(pending)
	}

	if c.deps.Documents != nil {
		docs, err := c.deps.Documents.ListDocumentHashes(ctx, store.DocumentFilter{MinPriority: model.PriorityHigh})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list documents")
		}
		cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
		for _, d := range docs {
			if d.LastChanged == nil || d.LastChanged.Before(cutoff) {
				continue
			}
			snap.HighPriority++
			snap.ChangedPolicies = append(snap.ChangedPolicies, d.PolicyID)
		}
	}

	return snap, nil
}
