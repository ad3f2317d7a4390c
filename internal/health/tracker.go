// Package health tracks per-URL fetch outcomes and decides when a chronically
// failing URL should be skipped.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/model"
)

// DefaultThreshold is the consecutive-failure count at which a URL is skipped.
const DefaultThreshold = 5

const maxErrorLen = 1000

// Store persists URL health records.
type Store interface {
	GetURLHealth(ctx context.Context, url string) (*model.URLHealthRecord, error)
	RecordURLSuccess(ctx context.Context, url, sourceID string, at time.Time) error
	RecordURLFailure(ctx context.Context, url, sourceID, errMsg string, at time.Time) error
	ListUnhealthyURLs(ctx context.Context, threshold int) ([]model.URLHealthRecord, error)
}

// Tracker is a persistent, per-URL circuit breaker. Health bookkeeping never
// blocks a crawl: store errors are logged and the URL is treated as healthy.
type Tracker struct {
	store     Store
	threshold int
	log       *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewTracker creates a Tracker. A threshold <= 0 uses DefaultThreshold.
func NewTracker(store Store, threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		store:     store,
		threshold: threshold,
		log:       zap.L().With(zap.String("component", "health.tracker")),
		nowFunc:   time.Now,
	}
}

// Threshold returns the tracker's default skip threshold.
func (t *Tracker) Threshold() int { return t.threshold }

// RecordSuccess resets the URL's consecutive failures.
func (t *Tracker) RecordSuccess(ctx context.Context, url, sourceID string) {
	if err := t.store.RecordURLSuccess(ctx, url, sourceID, t.nowFunc().UTC()); err != nil {
		t.log.Warn("health: record success failed", zap.String("url", url), zap.Error(err))
	}
}

// RecordFailure increments the URL's consecutive failures.
func (t *Tracker) RecordFailure(ctx context.Context, url, sourceID, errMsg string) {
	errMsg = model.TruncateRunes(errMsg, maxErrorLen)
	if err := t.store.RecordURLFailure(ctx, url, sourceID, errMsg, t.nowFunc().UTC()); err != nil {
		t.log.Warn("health: record failure failed", zap.String("url", url), zap.Error(err))
	}
}

// ShouldSkip reports whether url has failed at least threshold times in a
// row. A threshold <= 0 uses the tracker's default. Fails open.
func (t *Tracker) ShouldSkip(ctx context.Context, url string, threshold int) bool {
	if threshold <= 0 {
		threshold = t.threshold
	}
	rec, err := t.store.GetURLHealth(ctx, url)
	if err != nil {
		t.log.Warn("health: lookup failed, not skipping", zap.String("url", url), zap.Error(err))
		return false
	}
	if rec == nil {
		return false
	}
	return rec.ConsecutiveFailures >= threshold
}

// UnhealthyURLs lists URLs at or above threshold, worst first.
func (t *Tracker) UnhealthyURLs(ctx context.Context, threshold int) ([]model.URLHealthRecord, error) {
	if threshold <= 0 {
		threshold = t.threshold
	}
	return t.store.ListUnhealthyURLs(ctx, threshold)
}
