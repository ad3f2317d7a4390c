// Package discovery finds candidate documents worth monitoring: FDA device
// decisions, literature, trial registrations, vendor press and policy-like
// links on payer index pages. Candidates are normalized, scored and staged
// for human review.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Source names recorded on staged discoveries.
const (
	SourceExplorer       = "explorer"
	SourceFDA510k        = "openfda_510k"
	SourceFDAPMA         = "openfda_pma"
	SourcePubMed         = "pubmed"
	SourceClinicalTrials = "clinicaltrials"
	SourceNewsroom       = "newsroom"
)

// Candidate is a raw finding from one collector.
type Candidate struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Company     string `json:"company,omitempty"`
	Date        string `json:"date,omitempty"`
	PayerID     string `json:"payer_id,omitempty"`
	LinkText    string `json:"link_text,omitempty"`
	LinkContext string `json:"link_context,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	// Summary is the raw text handed to the classifier.
	Summary string `json:"summary,omitempty"`
}

// Collector produces candidates from one channel.
type Collector interface {
	Name() string
	Collect(ctx context.Context) ([]Candidate, error)
}

// CandidateID derives a stable id from the source and identifying parts.
func CandidateID(source string, parts ...string) string {
	key := strings.Join(append([]string{source}, parts...), "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

func newCandidate(source, url, title, company, date, summary string) Candidate {
	return Candidate{
		ID:      CandidateID(source, url, title),
		Source:  source,
		URL:     url,
		Title:   strings.TrimSpace(title),
		Company: strings.TrimSpace(company),
		Date:    date,
		Summary: summary,
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
