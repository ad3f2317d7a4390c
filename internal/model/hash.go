package model

import "github.com/rotisserie/eris"

// Priority ranks how significant a detected change is.
type Priority string

const (
	PriorityNone   Priority = "none"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities: none < low < medium < high. Unknown values rank
// below none.
func (p Priority) Rank() int {
	switch p {
	case PriorityNone:
		return 0
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether p ranks at or above min.
func (p Priority) AtLeast(min Priority) bool {
	return p.Rank() >= min.Rank()
}

// ParsePriority converts a config or CLI string to a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if p.Rank() < 0 {
		return "", eris.Errorf("model: unknown priority %q", s)
	}
	return p, nil
}

// Hash field names reported in Comparison.ChangedHashes.
const (
	HashCriteria    = "criteria"
	HashCodes       = "codes"
	HashMetadata    = "metadata"
	HashContent     = "content"
	HashNewDocument = "new_document"
)

// MultiHash holds the four independent digests of a document. The optional
// digests are nil when the document carries nothing to hash for them.
type MultiHash struct {
	ContentHash  string  `json:"content_hash"`
	MetadataHash *string `json:"metadata_hash,omitempty"`
	CriteriaHash *string `json:"criteria_hash,omitempty"`
	CodesHash    *string `json:"codes_hash,omitempty"`
}

// Comparison is the verdict of comparing a new MultiHash with the stored one.
type Comparison struct {
	Changed       bool     `json:"changed"`
	Priority      Priority `json:"priority"`
	ChangedHashes []string `json:"changed_hashes"`
	Analysis      string   `json:"analysis"`
}
