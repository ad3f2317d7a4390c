package model

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentChars caps the canonical snapshot stored with a page hash.
const MaxContentChars = 50000

// Stance is a policy document's overall coverage position.
type Stance string

const (
	StanceSupports  Stance = "supports"
	StanceRestricts Stance = "restricts"
	StanceDenies    Stance = "denies"
	StanceUnclear   Stance = "unclear"
	StanceUnknown   Stance = "unknown"
)

// Valid reports whether s is one of the known stances.
func (s Stance) Valid() bool {
	switch s {
	case StanceSupports, StanceRestricts, StanceDenies, StanceUnclear, StanceUnknown:
		return true
	default:
		return false
	}
}

// PageHashRecord is the stored hash of one (source, page type, URL) triple.
type PageHashRecord struct {
	HashKey     string    `json:"hash_key"`
	SourceID    string    `json:"source_id"`
	PageType    string    `json:"page_type"`
	URL         string    `json:"url"`
	ContentHash string    `json:"content_hash"`
	Content     string    `json:"content"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// HashKey builds the page-hash key for a source, page type and URL.
func HashKey(sourceID, pageType, url string) string {
	return sourceID + ":" + pageType + ":" + url
}

// SplitHashKey splits a key built by HashKey. URLs contain colons, so only
// the first two separators count.
func SplitHashKey(key string) (sourceID, pageType, url string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// CapContent truncates s to MaxContentChars runes.
func CapContent(s string) string {
	return TruncateRunes(s, MaxContentChars)
}

// TruncateRunes cuts s to at most n runes, never splitting a character.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// DocumentMetadata holds the version-identifying fields of a policy document.
type DocumentMetadata struct {
	EffectiveDate string `json:"effective_date,omitempty"`
	RevisionDate  string `json:"revision_date,omitempty"`
	LastReviewed  string `json:"last_reviewed,omitempty"`
	PolicyID      string `json:"policy_id,omitempty"`
	PolicyNumber  string `json:"policy_number,omitempty"`
	Version       string `json:"version,omitempty"`
}

// IsEmpty reports whether every metadata field is blank.
func (m DocumentMetadata) IsEmpty() bool {
	return strings.TrimSpace(m.EffectiveDate) == "" &&
		strings.TrimSpace(m.RevisionDate) == "" &&
		strings.TrimSpace(m.LastReviewed) == "" &&
		strings.TrimSpace(m.PolicyID) == "" &&
		strings.TrimSpace(m.PolicyNumber) == "" &&
		strings.TrimSpace(m.Version) == ""
}

// CodeSet groups billing and diagnosis codes found in a document.
type CodeSet struct {
	CPT   []string `json:"cpt,omitempty"`
	PLA   []string `json:"pla,omitempty"`
	HCPCS []string `json:"hcpcs,omitempty"`
	ICD10 []string `json:"icd10,omitempty"`
}

// Normalized returns a copy with every list upper-cased, deduplicated and sorted.
func (c CodeSet) Normalized() CodeSet {
	return CodeSet{
		CPT:   NormalizeSet(c.CPT, strings.ToUpper),
		PLA:   NormalizeSet(c.PLA, strings.ToUpper),
		HCPCS: NormalizeSet(c.HCPCS, strings.ToUpper),
		ICD10: NormalizeSet(c.ICD10, strings.ToUpper),
	}
}

// IsEmpty reports whether the set holds no codes.
func (c CodeSet) IsEmpty() bool {
	return len(c.CPT) == 0 && len(c.PLA) == 0 && len(c.HCPCS) == 0 && len(c.ICD10) == 0
}

// Criteria is the structured body of a coverage claim.
type Criteria struct {
	Indications       []string `json:"indications,omitempty"`
	Limitations       []string `json:"limitations,omitempty"`
	Requirements      []string `json:"requirements,omitempty"`
	Exclusions        []string `json:"exclusions,omitempty"`
	PriorAuthRequired *bool    `json:"prior_auth_required,omitempty"`
	Notes             string   `json:"notes,omitempty"`
}

// Link is a candidate link found on a page.
type Link struct {
	URL     string `json:"url"`
	Text    string `json:"text,omitempty"`
	Context string `json:"context,omitempty"`
}

// ExtractedFields is the structured, best-effort extraction from one fetched page.
type ExtractedFields struct {
	Title           string           `json:"title,omitempty"`
	Headings        []string         `json:"headings,omitempty"`
	Links           []Link           `json:"links,omitempty"`
	Dates           []string         `json:"dates,omitempty"`
	PolicyNumbers   []string         `json:"policy_numbers,omitempty"`
	Metadata        DocumentMetadata `json:"metadata"`
	Stance          Stance           `json:"stance,omitempty"`
	Criteria        Criteria         `json:"criteria"`
	CriteriaExcerpt string           `json:"criteria_excerpt,omitempty"`
	NamedTests      []string         `json:"named_tests,omitempty"`
	Codes           CodeSet          `json:"codes"`
}

// DocumentHashRecord is the current state of one tracked policy document.
type DocumentHashRecord struct {
	PolicyID           string           `json:"policy_id"`
	PayerID            string           `json:"payer_id"`
	URL                string           `json:"url"`
	DocType            string           `json:"doc_type"`
	Hashes             MultiHash        `json:"hashes"`
	Metadata           DocumentMetadata `json:"metadata"`
	Codes              CodeSet          `json:"codes"`
	NamedTests         []string         `json:"named_tests,omitempty"`
	Stance             Stance           `json:"stance"`
	LastFetched        time.Time        `json:"last_fetched"`
	LastChanged        *time.Time       `json:"last_changed,omitempty"`
	LastChangePriority Priority         `json:"last_change_priority"`
	LastChangeSummary  string           `json:"last_change_summary,omitempty"`
}

// DocumentRevision is one entry in the append-only history of a document.
type DocumentRevision struct {
	PolicyID      string    `json:"policy_id"`
	FetchedAt     time.Time `json:"fetched_at"`
	Hashes        MultiHash `json:"hashes"`
	Priority      Priority  `json:"priority"`
	ChangedHashes []string  `json:"changed_hashes"`
	Summary       string    `json:"summary,omitempty"`
}

// NormalizeSet trims, transforms, deduplicates and sorts values. Blank
// entries are dropped. A nil transform leaves values as-is.
func NormalizeSet(values []string, transform func(string) string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if transform != nil {
			v = transform(v)
		}
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
