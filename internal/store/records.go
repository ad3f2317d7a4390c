package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/multihash"
)

const (
	defaultListLimit = 100
	maxHealthError   = 1000
)

type scannable interface {
	Scan(dest ...any) error
}

// mergeDocument compares rec with prev and returns the record to persist.
// Fetch-time fields always come from rec; the change fields only advance
// when the comparison reports a change. A blank stance or nil test list
// keeps the stored classification.
func mergeDocument(prev *model.DocumentHashRecord, rec model.DocumentHashRecord, now time.Time) (model.DocumentHashRecord, model.Comparison) {
	if prev != nil {
		if rec.Stance == "" {
			rec.Stance = prev.Stance
		}
		if rec.NamedTests == nil {
			rec.NamedTests = prev.NamedTests
		}
	}
	rec.Codes = rec.Codes.Normalized()
	rec.NamedTests = model.NormalizeSet(rec.NamedTests, nil)
	if rec.Stance == "" {
		rec.Stance = model.StanceUnknown
	}
	if rec.LastFetched.IsZero() {
		rec.LastFetched = now
	}
	rec.LastFetched = rec.LastFetched.UTC()

	var prevHashes *model.MultiHash
	if prev != nil {
		prevHashes = &prev.Hashes
	}
	cmp := multihash.Compare(prevHashes, rec.Hashes)

	if cmp.Changed {
		changed := rec.LastFetched
		rec.LastChanged = &changed
		rec.LastChangePriority = cmp.Priority
		rec.LastChangeSummary = cmp.Analysis
	} else {
		rec.LastChanged = prev.LastChanged
		rec.LastChangePriority = prev.LastChangePriority
		rec.LastChangeSummary = prev.LastChangeSummary
	}
	if rec.LastChangePriority == "" {
		rec.LastChangePriority = model.PriorityNone
	}
	return rec, cmp
}

func revisionFor(rec model.DocumentHashRecord, cmp model.Comparison) model.DocumentRevision {
	return model.DocumentRevision{
		PolicyID:      rec.PolicyID,
		FetchedAt:     rec.LastFetched,
		Hashes:        rec.Hashes,
		Priority:      cmp.Priority,
		ChangedHashes: cmp.ChangedHashes,
		Summary:       cmp.Analysis,
	}
}

// prioritiesAtLeast lists the priority values whose rank is >= min.
func prioritiesAtLeast(min model.Priority) []string {
	var out []string
	for _, p := range []model.Priority{model.PriorityNone, model.PriorityLow, model.PriorityMedium, model.PriorityHigh} {
		if p.AtLeast(min) {
			out = append(out, string(p))
		}
	}
	return out
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func truncateError(msg string) string {
	return model.TruncateRunes(msg, maxHealthError)
}

// prepareDiscovery fills defaults and the deterministic id.
func prepareDiscovery(d *model.StagedDiscovery, now time.Time) error {
	if d == nil {
		return eris.New("store: nil discovery")
	}
	d.URL = strings.TrimSpace(d.URL)
	if d.URL == "" {
		return eris.New("store: discovery url is required")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.CreatedAt = d.CreatedAt.UTC()
	if d.Status == "" {
		d.Status = model.DiscoveryPending
	}
	if !d.Status.Valid() {
		return eris.Errorf("store: invalid discovery status %q", d.Status)
	}
	if d.DiscoveryID == "" {
		d.DiscoveryID = model.DiscoveryID(d.PayerID, d.URL, d.CreatedAt)
	}
	return nil
}

// prepareAssertion fills the id and review defaults. Field validation is the
// reconciler's job; the schema enforces a non-blank source policy.
func prepareAssertion(a *model.CoverageAssertion, now time.Time) {
	if a.AssertionID == "" {
		a.AssertionID = model.AssertionID(a.PayerID, a.TestID, a.Layer, a.SourcePolicyID)
	}
	if a.ReviewStatus == "" {
		a.ReviewStatus = model.ReviewPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = now
}

type documentBlobs struct {
	metadata   string
	codes      string
	namedTests string
}

func encodeDocument(rec model.DocumentHashRecord) (documentBlobs, error) {
	var b documentBlobs
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return b, eris.Wrap(err, "store: marshal metadata")
	}
	codes, err := json.Marshal(rec.Codes)
	if err != nil {
		return b, eris.Wrap(err, "store: marshal codes")
	}
	tests := rec.NamedTests
	if tests == nil {
		tests = []string{}
	}
	named, err := json.Marshal(tests)
	if err != nil {
		return b, eris.Wrap(err, "store: marshal named tests")
	}
	b.metadata, b.codes, b.namedTests = string(meta), string(codes), string(named)
	return b, nil
}

func decodeDocument(rec *model.DocumentHashRecord, b documentBlobs) error {
	if err := unmarshalBlob(b.metadata, &rec.Metadata); err != nil {
		return eris.Wrap(err, "store: unmarshal metadata")
	}
	if err := unmarshalBlob(b.codes, &rec.Codes); err != nil {
		return eris.Wrap(err, "store: unmarshal codes")
	}
	if err := unmarshalBlob(b.namedTests, &rec.NamedTests); err != nil {
		return eris.Wrap(err, "store: unmarshal named tests")
	}
	if len(rec.NamedTests) == 0 {
		rec.NamedTests = nil
	}
	return nil
}

func unmarshalBlob(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}
