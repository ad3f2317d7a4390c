package model

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// DiscoveryStatus is the review state of a staged discovery.
type DiscoveryStatus string

const (
	DiscoveryPending  DiscoveryStatus = "pending"
	DiscoveryApproved DiscoveryStatus = "approved"
	DiscoveryRejected DiscoveryStatus = "rejected"
	DiscoveryIgnored  DiscoveryStatus = "ignored"
)

// Valid reports whether s is a known discovery status.
func (s DiscoveryStatus) Valid() bool {
	switch s {
	case DiscoveryPending, DiscoveryApproved, DiscoveryRejected, DiscoveryIgnored:
		return true
	default:
		return false
	}
}

// StagedDiscovery is a candidate document awaiting review.
type StagedDiscovery struct {
	DiscoveryID          string          `json:"discovery_id"`
	PayerID              string          `json:"payer_id"`
	URL                  string          `json:"url"`
	Title                string          `json:"title,omitempty"`
	LinkText             string          `json:"link_text,omitempty"`
	LinkContext          string          `json:"link_context,omitempty"`
	ContentType          string          `json:"content_type,omitempty"`
	Source               string          `json:"source"`
	Confidence           float64         `json:"confidence"`
	ClassificationReason string          `json:"classification_reason,omitempty"`
	Status               DiscoveryStatus `json:"status"`
	ReviewedBy           string          `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time      `json:"reviewed_at,omitempty"`
	ReviewNotes          string          `json:"review_notes,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// URLSlug reduces a URL to a lower-case host+path slug.
func URLSlug(raw string) string {
	s := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		s = u.Host + u.Path
	}
	s = slugRe.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// DiscoveryID derives the id of a staged discovery from its payer, URL and
// staging time.
func DiscoveryID(payerID, rawURL string, at time.Time) string {
	key := strings.Join([]string{payerID, URLSlug(rawURL), at.UTC().Format(time.RFC3339Nano)}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}
