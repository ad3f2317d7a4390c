package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Layer is the organizational level a coverage claim originates from.
type Layer string

const (
	LayerPolicyStance Layer = "policy_stance"
	LayerUMCriteria   Layer = "um_criteria"
	LayerDelegation   Layer = "delegation"
	LayerLBMGuideline Layer = "lbm_guideline"
	LayerOverlay      Layer = "overlay"
)

// Valid reports whether l is a known layer.
func (l Layer) Valid() bool {
	return l.Rank() >= 0
}

// Rank orders layers from most to least operationally binding. The
// delegated lab-benefit-manager guideline shares a rank with delegation.
func (l Layer) Rank() int {
	switch l {
	case LayerUMCriteria:
		return 0
	case LayerDelegation, LayerLBMGuideline:
		return 1
	case LayerPolicyStance:
		return 2
	case LayerOverlay:
		return 3
	default:
		return -1
	}
}

// AssertionStatus is what a layer says about coverage of a test.
type AssertionStatus string

const (
	StatusSupports  AssertionStatus = "supports"
	StatusRestricts AssertionStatus = "restricts"
	StatusDenies    AssertionStatus = "denies"
	StatusUnclear   AssertionStatus = "unclear"
)

// Valid reports whether s is a known assertion status.
func (s AssertionStatus) Valid() bool {
	switch s {
	case StatusSupports, StatusRestricts, StatusDenies, StatusUnclear:
		return true
	default:
		return false
	}
}

// ReviewStatus tracks human adjudication of an assertion.
type ReviewStatus string

const (
	ReviewPending     ReviewStatus = "pending"
	ReviewApproved    ReviewStatus = "approved"
	ReviewRejected    ReviewStatus = "rejected"
	ReviewNeedsReview ReviewStatus = "needs_review"
)

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewApproved, ReviewRejected, ReviewNeedsReview:
		return true
	default:
		return false
	}
}

// CoverageAssertion is one layered, sourced claim about (payer, test) coverage.
type CoverageAssertion struct {
	AssertionID    string          `json:"assertion_id"`
	PayerID        string          `json:"payer_id"`
	TestID         string          `json:"test_id"`
	Layer          Layer           `json:"layer"`
	Status         AssertionStatus `json:"status"`
	Criteria       Criteria        `json:"criteria"`
	SourcePolicyID string          `json:"source_policy_id"`
	SourceURL      string          `json:"source_url,omitempty"`
	SourceCitation string          `json:"source_citation,omitempty"`
	SourceQuote    string          `json:"source_quote,omitempty"`
	EffectiveDate  string          `json:"effective_date,omitempty"`
	ExpirationDate string          `json:"expiration_date,omitempty"`
	Confidence     float64         `json:"confidence"`
	ReviewStatus   ReviewStatus    `json:"review_status"`
	ReviewedBy     string          `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time      `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AssertionID derives the deterministic id of an assertion from its
// composite key.
func AssertionID(payerID, testID string, layer Layer, sourcePolicyID string) string {
	key := strings.Join([]string{payerID, testID, string(layer), sourcePolicyID}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:32]
}
