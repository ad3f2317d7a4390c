package coverage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "coverage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	r := NewReconciler(s)
	r.nowFunc = func() time.Time { return time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC) }
	return r, s
}

func assertion(payer, test string, layer model.Layer, status model.AssertionStatus, policy string, conf float64) model.CoverageAssertion {
	return model.CoverageAssertion{
		PayerID:        payer,
		TestID:         test,
		Layer:          layer,
		Status:         status,
		SourcePolicyID: policy,
		Confidence:     conf,
	}
}

func TestValidate(t *testing.T) {
	valid := assertion("aetna", "cologuard", model.LayerPolicyStance, model.StatusSupports, "aetna:cpb-0352", 0.8)
	require.NoError(t, Validate(valid))

	tests := []struct {
		name  string
		mut   func(*model.CoverageAssertion)
		field string
	}{
		{"blank source policy", func(a *model.CoverageAssertion) { a.SourcePolicyID = " " }, "source_policy_id"},
		{"blank payer", func(a *model.CoverageAssertion) { a.PayerID = "" }, "payer_id"},
		{"blank test", func(a *model.CoverageAssertion) { a.TestID = "" }, "test_id"},
		{"unknown layer", func(a *model.CoverageAssertion) { a.Layer = "rumor" }, "layer"},
		{"unknown status", func(a *model.CoverageAssertion) { a.Status = "maybe" }, "status"},
		{"confidence high", func(a *model.CoverageAssertion) { a.Confidence = 1.2 }, "confidence"},
		{"confidence negative", func(a *model.CoverageAssertion) { a.Confidence = -0.1 }, "confidence"},
		{"unknown review", func(a *model.CoverageAssertion) { a.ReviewStatus = "done" }, "review_status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid
			tt.mut(&a)
			err := Validate(a)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestUpsertAssertion_BlankSourceStoresNothing(t *testing.T) {
	ctx := context.Background()
	r, s := newTestReconciler(t)

	_, err := r.UpsertAssertion(ctx, assertion("aetna", "cologuard", model.LayerPolicyStance, model.StatusSupports, "", 0.5))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "source_policy_id", ve.Field)

	got, err := s.ListAssertionsByTest(ctx, "cologuard")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpsertAssertion_IdempotentKeyAndReviewReset(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReconciler(t)
	a := assertion("aetna", "cologuard", model.LayerPolicyStance, model.StatusSupports, "aetna:cpb-0352", 0.7)

	first, err := r.UpsertAssertion(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, model.AssertionID("aetna", "cologuard", model.LayerPolicyStance, "aetna:cpb-0352"), first.AssertionID)
	assert.Equal(t, model.ReviewPending, first.ReviewStatus)

	require.NoError(t, r.Review(ctx, first.AssertionID, model.ReviewApproved, "reviewer@example.com"))

	// Same claim, new confidence: review survives.
	a.Confidence = 0.9
	again, err := r.UpsertAssertion(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, first.AssertionID, again.AssertionID)
	assert.Equal(t, model.ReviewApproved, again.ReviewStatus)
	assert.InDelta(t, 0.9, again.Confidence, 1e-9)

	// Changed claim: back to pending.
	a.Status = model.StatusRestricts
	changed, err := r.UpsertAssertion(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, changed.ReviewStatus)
	assert.Empty(t, changed.ReviewedBy)
	assert.Nil(t, changed.ReviewedAt)
}

func TestAssertionsForTest_Precedence(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReconciler(t)

	for _, a := range []model.CoverageAssertion{
		assertion("aetna", "guardant360", model.LayerOverlay, model.StatusSupports, "p1", 0.9),
		assertion("aetna", "guardant360", model.LayerPolicyStance, model.StatusRestricts, "p2", 0.4),
		assertion("aetna", "guardant360", model.LayerPolicyStance, model.StatusRestricts, "p3", 0.8),
		assertion("aetna", "guardant360", model.LayerLBMGuideline, model.StatusDenies, "p4", 0.5),
		assertion("aetna", "guardant360", model.LayerUMCriteria, model.StatusSupports, "p5", 0.1),
		assertion("aetna", "signatera", model.LayerUMCriteria, model.StatusSupports, "p6", 0.9),
	} {
		_, err := r.UpsertAssertion(ctx, a)
		require.NoError(t, err)
	}

	got, err := r.AssertionsForTest(ctx, "guardant360")
	require.NoError(t, err)
	require.Len(t, got, 5)
	var order []string
	for _, a := range got {
		order = append(order, a.SourcePolicyID)
	}
	assert.Equal(t, []string{"p5", "p4", "p3", "p2", "p1"}, order)
}

func TestSortByPrecedence_TieBreaksOnID(t *testing.T) {
	as := []model.CoverageAssertion{
		{AssertionID: "b", Layer: model.LayerDelegation, Confidence: 0.5},
		{AssertionID: "a", Layer: model.LayerLBMGuideline, Confidence: 0.5},
	}
	SortByPrecedence(as)
	assert.Equal(t, "a", as[0].AssertionID)
}

func TestConflicts(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReconciler(t)

	for _, a := range []model.CoverageAssertion{
		// Conflict: supports vs denies.
		assertion("uhc", "cologuard", model.LayerPolicyStance, model.StatusSupports, "uhc:a", 0.6),
		assertion("uhc", "cologuard", model.LayerUMCriteria, model.StatusDenies, "uhc:b", 0.7),
		// Conflict: supports vs restricts.
		assertion("aetna", "shield", model.LayerPolicyStance, model.StatusSupports, "aetna:a", 0.6),
		assertion("aetna", "shield", model.LayerOverlay, model.StatusRestricts, "aetna:b", 0.3),
		// No conflict: restricts vs denies only.
		assertion("cigna", "shield", model.LayerPolicyStance, model.StatusRestricts, "cigna:a", 0.6),
		assertion("cigna", "shield", model.LayerUMCriteria, model.StatusDenies, "cigna:b", 0.6),
		// No conflict: unclear does not count.
		assertion("bcbs", "shield", model.LayerPolicyStance, model.StatusSupports, "bcbs:a", 0.6),
		assertion("bcbs", "shield", model.LayerUMCriteria, model.StatusUnclear, "bcbs:b", 0.6),
	} {
		_, err := r.UpsertAssertion(ctx, a)
		require.NoError(t, err)
	}

	groups, err := r.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "aetna", groups[0].PayerID)
	assert.Equal(t, "shield", groups[0].TestID)
	assert.Equal(t, []model.AssertionStatus{model.StatusRestricts, model.StatusSupports}, groups[0].Statuses)
	assert.Equal(t, "uhc", groups[1].PayerID)
	require.Len(t, groups[1].Assertions, 2)
	assert.Equal(t, model.LayerUMCriteria, groups[1].Assertions[0].Layer)

	// Reviewing one side removes the pair from the pending set.
	require.NoError(t, r.Review(ctx, groups[1].Assertions[0].AssertionID, model.ReviewRejected, "qa"))
	groups, err = r.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "aetna", groups[0].PayerID)
}

func TestReview(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReconciler(t)
	a, err := r.UpsertAssertion(ctx, assertion("aetna", "cologuard", model.LayerPolicyStance, model.StatusSupports, "aetna:x", 0.5))
	require.NoError(t, err)

	err = r.Review(ctx, "missing", model.ReviewApproved, "qa")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = r.Review(ctx, a.AssertionID, "bogus", "qa")
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "review_status", ve.Field)

	err = r.Review(ctx, a.AssertionID, model.ReviewApproved, " ")
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "reviewer", ve.Field)

	require.NoError(t, r.Review(ctx, a.AssertionID, model.ReviewNeedsReview, "qa"))
	got, err := r.Get(ctx, a.AssertionID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewNeedsReview, got.ReviewStatus)
	assert.Equal(t, "qa", got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)
	assert.True(t, got.ReviewedAt.Equal(time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)))
	assert.Equal(t, a.Status, got.Status)
	assert.True(t, a.UpdatedAt.Equal(got.UpdatedAt))

	_, err = r.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
