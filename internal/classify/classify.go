// Package classify turns fetched policy documents and discovery candidates
// into structured coverage findings. An LLM-backed classifier is preferred;
// a deterministic keyword classifier always produces a result.
package classify

import (
	"context"
	"regexp"
	"strings"

	"github.com/sells-group/coverage-watch/internal/model"
)

// Kind selects the prompt and result shape.
type Kind string

const (
	// KindPolicy classifies a changed payer policy document.
	KindPolicy Kind = "policy"
	// KindCandidate scores a discovery candidate for relevance.
	KindCandidate Kind = "candidate"
)

// Request is the input to a classification.
type Request struct {
	Kind      Kind                  `json:"kind"`
	URL       string                `json:"url"`
	PayerID   string                `json:"payer_id,omitempty"`
	PolicyID  string                `json:"policy_id,omitempty"`
	Title     string                `json:"title,omitempty"`
	Content   string                `json:"content"`
	Extracted model.ExtractedFields `json:"extracted"`
	Change    model.Comparison      `json:"change"`
	Source    string                `json:"source,omitempty"`
	Company   string                `json:"company,omitempty"`
	Date      string                `json:"date,omitempty"`
}

// AssertionDraft is a coverage claim proposed by a classifier. It becomes a
// model.CoverageAssertion once the caller attaches the source policy.
type AssertionDraft struct {
	TestName       string                `json:"testName"`
	Layer          model.Layer           `json:"layer"`
	Status         model.AssertionStatus `json:"status"`
	Criteria       model.Criteria        `json:"criteria"`
	Quote          string                `json:"quote,omitempty"`
	Citation       string                `json:"citation,omitempty"`
	EffectiveDate  string                `json:"effectiveDate,omitempty"`
	ExpirationDate string                `json:"expirationDate,omitempty"`
	Confidence     float64               `json:"confidence"`
}

// Result is a classification outcome.
type Result struct {
	Stance           model.Stance     `json:"stance"`
	Announcements    []string         `json:"announcements,omitempty"`
	PLACodes         []string         `json:"plaCodes,omitempty"`
	NamedTests       []string         `json:"namedTests,omitempty"`
	ClinicalEvidence []string         `json:"clinicalEvidence,omitempty"`
	Assertions       []AssertionDraft `json:"assertions,omitempty"`

	// Candidate scoring.
	Relevant   bool    `json:"relevant"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	TestName   string  `json:"testName,omitempty"`

	// Classifier names the implementation that produced the result.
	Classifier string `json:"classifier"`
}

// Classifier classifies one request. A nil result with a nil error means the
// classifier declined (unavailable or unparsable output).
type Classifier interface {
	Classify(ctx context.Context, req Request) (*Result, error)
}

// Chain tries each classifier in order and returns the first non-nil
// result. Errors from earlier classifiers are swallowed when a later one
// succeeds.
type Chain []Classifier

// Classify implements Classifier.
func (c Chain) Classify(ctx context.Context, req Request) (*Result, error) {
	var lastErr error
	for _, cl := range c {
		if cl == nil {
			continue
		}
		res, err := cl.Classify(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, lastErr
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// TestID derives a stable test identifier from a test name.
func TestID(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-"), "-")
}

// Drafts converts a result's assertion drafts into coverage assertions for
// the given payer and source document. Drafts without a test name are
// dropped.
func Drafts(res *Result, payerID, policyID, sourceURL string) []model.CoverageAssertion {
	if res == nil {
		return nil
	}
	out := make([]model.CoverageAssertion, 0, len(res.Assertions))
	for _, d := range res.Assertions {
		testID := TestID(d.TestName)
		if testID == "" {
			continue
		}
		layer := d.Layer
		if layer == "" {
			layer = model.LayerPolicyStance
		}
		out = append(out, model.CoverageAssertion{
			PayerID:        payerID,
			TestID:         testID,
			Layer:          layer,
			Status:         d.Status,
			Criteria:       d.Criteria,
			SourcePolicyID: policyID,
			SourceURL:      sourceURL,
			SourceCitation: d.Citation,
			SourceQuote:    d.Quote,
			EffectiveDate:  d.EffectiveDate,
			ExpirationDate: d.ExpirationDate,
			Confidence:     clamp01(d.Confidence),
		})
	}
	return out
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
