package discovery

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/store"
)

var nameReplacer = strings.NewReplacer("-", " ", "_", " ", "®", "", "™", "", "©", "")

// NormalizeName lower-cases a test or company name, turns dashes and
// underscores into spaces, strips trademark marks and collapses spaces.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(nameReplacer.Replace(strings.ToLower(name))), " ")
}

// PendingChecker reports whether a URL already awaits review.
type PendingChecker interface {
	HasPendingDiscovery(ctx context.Context, url string) (bool, error)
}

// NormalizeStats counts what the normalizer dropped.
type NormalizeStats struct {
	Input         int `json:"input"`
	Duplicates    int `json:"duplicates"`
	KnownTests    int `json:"known_tests"`
	AlreadyStaged int `json:"already_staged"`
	Output        int `json:"output"`
}

// Normalizer removes duplicates, already-staged URLs and announcements of
// tests that are already tracked.
type Normalizer struct {
	pending PendingChecker
	known   []string
}

// NewNormalizer creates a normalizer. pending may be nil.
func NewNormalizer(pending PendingChecker, knownTests []string) *Normalizer {
	known := make([]string, 0, len(knownTests))
	for _, k := range knownTests {
		if n := NormalizeName(k); n != "" {
			known = append(known, n)
		}
	}
	return &Normalizer{pending: pending, known: known}
}

// Normalize filters a batch. Candidates keep their input order.
func (n *Normalizer) Normalize(ctx context.Context, in []Candidate) ([]Candidate, NormalizeStats, error) {
	stats := NormalizeStats{Input: len(in)}
	var (
		out     []Candidate
		ids     = map[string]bool{}
		titles  = map[string]bool{}
		urlSeen = map[string]bool{}
	)

	for _, c := range in {
		title := NormalizeName(c.Title)
		titleKey := c.Source + "|" + c.PayerID + "|" + title
		if ids[c.ID] || urlSeen[c.URL] || (title != "" && titles[titleKey]) {
			stats.Duplicates++
			continue
		}
		ids[c.ID] = true
		urlSeen[c.URL] = true
		if title != "" {
			titles[titleKey] = true
		}

		// Payer links about a tracked test are exactly what should be staged.
		if c.Source != SourceExplorer && n.isKnownTest(title) {
			stats.KnownTests++
			continue
		}

		if n.pending != nil {
			staged, err := n.pending.HasPendingDiscovery(ctx, c.URL)
			if err != nil {
				return nil, stats, eris.Wrapf(err, "discovery: check pending %s", c.URL)
			}
			if staged {
				stats.AlreadyStaged++
				continue
			}
		}
		out = append(out, c)
	}
	stats.Output = len(out)
	return out, stats, nil
}

// isKnownTest matches exactly, or by containment in either direction for
// known names longer than five characters.
func (n *Normalizer) isKnownTest(title string) bool {
	if len(title) <= 3 {
		return false
	}
	for _, k := range n.known {
		if title == k {
			return true
		}
		if len(k) > 5 && (strings.Contains(title, k) || strings.Contains(k, title)) {
			return true
		}
	}
	return false
}

// isDuplicate reports whether err means the URL is already staged.
func isDuplicate(err error) bool {
	return errors.Is(err, store.ErrDuplicateDiscovery)
}
