// Package coverage validates, stores and reconciles layered coverage
// assertions. Conflicting claims are surfaced for review, never resolved.
package coverage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/store"
)

// ErrNotFound is returned when a review targets an unknown assertion.
var ErrNotFound = store.ErrNotFound

// Store persists coverage assertions.
type Store interface {
	UpsertAssertion(ctx context.Context, a model.CoverageAssertion) (*model.CoverageAssertion, error)
	GetAssertion(ctx context.Context, id string) (*model.CoverageAssertion, error)
	ListAssertionsByTest(ctx context.Context, testID string) ([]model.CoverageAssertion, error)
	ListPendingAssertions(ctx context.Context) ([]model.CoverageAssertion, error)
	UpdateAssertionReview(ctx context.Context, id string, status model.ReviewStatus, reviewer string, at time.Time) error
}

// ValidationError reports an assertion or review rejected before storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("coverage: invalid %s: %s", e.Field, e.Reason)
}

// ConflictGroup is every pending assertion about one (payer, test) pair
// whose statuses disagree.
type ConflictGroup struct {
	PayerID    string                    `json:"payer_id"`
	TestID     string                    `json:"test_id"`
	Statuses   []model.AssertionStatus   `json:"statuses"`
	Assertions []model.CoverageAssertion `json:"assertions"`
}

// Reconciler is the entry point for assertion writes and conflict reads.
type Reconciler struct {
	store Store
	log   *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewReconciler creates a Reconciler over s.
func NewReconciler(s Store) *Reconciler {
	return &Reconciler{
		store:   s,
		log:     zap.L().With(zap.String("component", "coverage.reconciler")),
		nowFunc: time.Now,
	}
}

// UpsertAssertion validates a and stores it under its derived id. A claim
// whose status or criteria changed goes back to pending review.
func (r *Reconciler) UpsertAssertion(ctx context.Context, a model.CoverageAssertion) (*model.CoverageAssertion, error) {
	a.PayerID = strings.TrimSpace(a.PayerID)
	a.TestID = strings.TrimSpace(a.TestID)
	a.SourcePolicyID = strings.TrimSpace(a.SourcePolicyID)
	if err := Validate(a); err != nil {
		return nil, err
	}

	a.AssertionID = model.AssertionID(a.PayerID, a.TestID, a.Layer, a.SourcePolicyID)
	if a.ReviewStatus == "" {
		a.ReviewStatus = model.ReviewPending
	}

	out, err := r.store.UpsertAssertion(ctx, a)
	if err != nil {
		return nil, eris.Wrapf(err, "coverage: upsert assertion %s", a.AssertionID)
	}
	r.log.Debug("assertion stored",
		zap.String("assertion_id", out.AssertionID),
		zap.String("payer_id", out.PayerID),
		zap.String("test_id", out.TestID),
		zap.String("layer", string(out.Layer)),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

// Validate checks the fields an assertion must carry.
func Validate(a model.CoverageAssertion) error {
	switch {
	case strings.TrimSpace(a.SourcePolicyID) == "":
		return &ValidationError{Field: "source_policy_id", Reason: "required"}
	case strings.TrimSpace(a.PayerID) == "":
		return &ValidationError{Field: "payer_id", Reason: "required"}
	case strings.TrimSpace(a.TestID) == "":
		return &ValidationError{Field: "test_id", Reason: "required"}
	case !a.Layer.Valid():
		return &ValidationError{Field: "layer", Reason: fmt.Sprintf("unknown layer %q", a.Layer)}
	case !a.Status.Valid():
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", a.Status)}
	case a.Confidence < 0 || a.Confidence > 1:
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("%v outside 0..1", a.Confidence)}
	case a.ReviewStatus != "" && !a.ReviewStatus.Valid():
		return &ValidationError{Field: "review_status", Reason: fmt.Sprintf("unknown review status %q", a.ReviewStatus)}
	}
	return nil
}

// AssertionsForTest lists every assertion about testID, most binding layer
// first, then by confidence descending.
func (r *Reconciler) AssertionsForTest(ctx context.Context, testID string) ([]model.CoverageAssertion, error) {
	out, err := r.store.ListAssertionsByTest(ctx, testID)
	if err != nil {
		return nil, eris.Wrapf(err, "coverage: list assertions for %s", testID)
	}
	SortByPrecedence(out)
	return out, nil
}

// SortByPrecedence orders assertions by layer rank, then confidence
// descending, then id.
func SortByPrecedence(as []model.CoverageAssertion) {
	sort.SliceStable(as, func(i, j int) bool {
		a, b := as[i], as[j]
		if ra, rb := a.Layer.Rank(), b.Layer.Rank(); ra != rb {
			return ra < rb
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.AssertionID < b.AssertionID
	})
}

// Conflicts groups pending assertions by (payer, test) and returns the
// groups that hold a supporting claim alongside a denying or restricting
// one.
func (r *Reconciler) Conflicts(ctx context.Context) ([]ConflictGroup, error) {
	pending, err := r.store.ListPendingAssertions(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "coverage: list pending assertions")
	}
	return FindConflicts(pending), nil
}

type pairKey struct{ payer, test string }

// FindConflicts is the pure grouping behind Conflicts.
func FindConflicts(assertions []model.CoverageAssertion) []ConflictGroup {
	groups := make(map[pairKey][]model.CoverageAssertion)
	for _, a := range assertions {
		k := pairKey{a.PayerID, a.TestID}
		groups[k] = append(groups[k], a)
	}

	var out []ConflictGroup
	for k, as := range groups {
		seen := make(map[model.AssertionStatus]bool)
		for _, a := range as {
			seen[a.Status] = true
		}
		if !seen[model.StatusSupports] || !(seen[model.StatusDenies] || seen[model.StatusRestricts]) {
			continue
		}
		SortByPrecedence(as)
		out = append(out, ConflictGroup{
			PayerID:    k.payer,
			TestID:     k.test,
			Statuses:   statuses(seen),
			Assertions: as,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PayerID != out[j].PayerID {
			return out[i].PayerID < out[j].PayerID
		}
		return out[i].TestID < out[j].TestID
	})
	return out
}

func statuses(seen map[model.AssertionStatus]bool) []model.AssertionStatus {
	out := make([]model.AssertionStatus, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Review records a human decision on one assertion. Only the review fields
// change.
func (r *Reconciler) Review(ctx context.Context, assertionID string, status model.ReviewStatus, reviewer string) error {
	if !status.Valid() {
		return &ValidationError{Field: "review_status", Reason: fmt.Sprintf("unknown review status %q", status)}
	}
	if strings.TrimSpace(reviewer) == "" {
		return &ValidationError{Field: "reviewer", Reason: "required"}
	}

	existing, err := r.store.GetAssertion(ctx, assertionID)
	if err != nil {
		return eris.Wrapf(err, "coverage: get assertion %s", assertionID)
	}
	if existing == nil {
		return eris.Wrapf(ErrNotFound, "coverage: assertion %s", assertionID)
	}

	if err := r.store.UpdateAssertionReview(ctx, assertionID, status, reviewer, r.nowFunc().UTC()); err != nil {
		return eris.Wrapf(err, "coverage: review assertion %s", assertionID)
	}
	r.log.Info("assertion reviewed",
		zap.String("assertion_id", assertionID),
		zap.String("status", string(status)),
		zap.String("reviewer", reviewer),
	)
	return nil
}

// Get returns one assertion or ErrNotFound.
func (r *Reconciler) Get(ctx context.Context, assertionID string) (*model.CoverageAssertion, error) {
	a, err := r.store.GetAssertion(ctx, assertionID)
	if err != nil {
		return nil, eris.Wrapf(err, "coverage: get assertion %s", assertionID)
	}
	if a == nil {
		return nil, eris.Wrapf(ErrNotFound, "coverage: assertion %s", assertionID)
	}
	return a, nil
}

// Pending lists assertions awaiting review.
func (r *Reconciler) Pending(ctx context.Context) ([]model.CoverageAssertion, error) {
	out, err := r.store.ListPendingAssertions(ctx)
	return out, eris.Wrap(err, "coverage: list pending assertions")
}

var _ Store = store.Store(nil)
