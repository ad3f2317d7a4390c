// Package store persists page hashes, document hashes, URL health, staged
// discoveries, coverage assertions and run summaries.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/model"
)

var (
	// ErrNotFound is returned when an update targets a missing row.
	ErrNotFound = eris.New("store: not found")

	// ErrDuplicateDiscovery is returned when a URL is staged while an earlier
	// staging of it is still pending.
	ErrDuplicateDiscovery = eris.New("store: url already staged and pending review")
)

// DocumentFilter narrows ListDocumentHashes.
type DocumentFilter struct {
	PayerID     string         `json:"payer_id,omitempty"`
	MinPriority model.Priority `json:"min_priority,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

// PageStore persists page-level hashes keyed by hash key.
type PageStore interface {
	GetPageHash(ctx context.Context, hashKey string) (*model.PageHashRecord, error)
	SetPageHash(ctx context.Context, rec model.PageHashRecord) error
	CountPageHashes(ctx context.Context) (int, error)
	ImportPageHashes(ctx context.Context, recs []model.PageHashRecord) (int, error)
}

// DocumentStore persists the multi-hash state of tracked documents.
type DocumentStore interface {
	GetDocumentHash(ctx context.Context, policyID string) (*model.DocumentHashRecord, error)
	// UpsertDocumentHashes compares rec with the stored record and writes it.
	// Change fields only advance when the comparison reports a change.
	UpsertDocumentHashes(ctx context.Context, rec model.DocumentHashRecord) (model.Comparison, error)
	ListDocumentHashes(ctx context.Context, filter DocumentFilter) ([]model.DocumentHashRecord, error)
	DocumentRevisions(ctx context.Context, policyID string, limit int) ([]model.DocumentRevision, error)
}

// HealthStore persists per-URL fetch outcomes.
type HealthStore interface {
	GetURLHealth(ctx context.Context, url string) (*model.URLHealthRecord, error)
	RecordURLSuccess(ctx context.Context, url, sourceID string, at time.Time) error
	RecordURLFailure(ctx context.Context, url, sourceID, errMsg string, at time.Time) error
	ListUnhealthyURLs(ctx context.Context, threshold int) ([]model.URLHealthRecord, error)
}

// DiscoveryStore persists candidate documents awaiting review.
type DiscoveryStore interface {
	StageDiscovery(ctx context.Context, d *model.StagedDiscovery) error
	GetDiscovery(ctx context.Context, id string) (*model.StagedDiscovery, error)
	HasPendingDiscovery(ctx context.Context, url string) (bool, error)
	ListDiscoveries(ctx context.Context, status model.DiscoveryStatus, limit int) ([]model.StagedDiscovery, error)
	ReviewDiscovery(ctx context.Context, id string, status model.DiscoveryStatus, reviewer, notes string) error
}

// AssertionStore persists layered coverage assertions.
type AssertionStore interface {
	UpsertAssertion(ctx context.Context, a model.CoverageAssertion) (*model.CoverageAssertion, error)
	GetAssertion(ctx context.Context, id string) (*model.CoverageAssertion, error)
	ListAssertionsByTest(ctx context.Context, testID string) ([]model.CoverageAssertion, error)
	ListPendingAssertions(ctx context.Context) ([]model.CoverageAssertion, error)
	UpdateAssertionReview(ctx context.Context, id string, status model.ReviewStatus, reviewer string, at time.Time) error
}

// RunStore persists crawl run summaries.
type RunStore interface {
	SaveRunSummary(ctx context.Context, r *model.RunSummary) error
	ListRunSummaries(ctx context.Context, limit int) ([]model.RunSummary, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	PageStore
	DocumentStore
	HealthStore
	DiscoveryStore
	AssertionStore
	RunStore

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
