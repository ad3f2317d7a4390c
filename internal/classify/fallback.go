package classify

import (
	"context"
	"strings"

	"github.com/cloudflare/ahocorasick"

	"github.com/sells-group/coverage-watch/internal/codes"
	"github.com/sells-group/coverage-watch/internal/model"
)

// KnownTests are commercial test names the keyword classifier recognizes.
var KnownTests = []string{
	"Signatera", "Guardant360", "Guardant360 CDx", "Guardant360 TissueNext", "Guardant Reveal",
	"Guardant Shield", "FoundationOne Liquid CDx", "FoundationOne CDx", "FoundationOne Heme",
	"Tempus xT", "Tempus xF", "Galleri", "Shield", "Caris Assure", "clonoSEQ", "RaDaR",
	"NeXT Personal", "Oncotype DX", "Cologuard", "Haystack MRD", "Invitae Personalized Cancer Monitoring",
	"Resolution ctDx", "PGDx elio", "Northstar Select", "Prospera", "Reveal MRD",
}

var (
	denyPhrases = []string{
		"not medically necessary", "investigational", "experimental", "unproven",
		"not covered", "considered not medically necessary", "insufficient evidence",
	}
	restrictPhrases = []string{
		"prior authorization", "when the following criteria are met", "limited to",
		"only when", "must meet", "criteria are met", "one time per",
	}
	supportPhrases = []string{
		"medically necessary", "is covered", "are covered", "considered medically necessary",
		"meets coverage criteria", "approved",
	}
	relevancePhrases = []string{
		"ctdna", "cfdna", "liquid biopsy", "minimal residual disease", "mrd", "early detection",
		"cancer screening", "tumor-informed", "methylation", "next-generation sequencing",
		"companion diagnostic", "oncology", "cancer",
	}
)

// CodeRegistry describes known codes. The CLFS registry implements it.
type CodeRegistry interface {
	Describe(code string) (string, bool)
}

// Fallback is a deterministic keyword and code classifier. It always
// returns a result.
type Fallback struct {
	registry CodeRegistry
	tests    []string
	testM    *ahocorasick.Matcher
	deny     *ahocorasick.Matcher
	restrict *ahocorasick.Matcher
	support  *ahocorasick.Matcher
	relevant *ahocorasick.Matcher
}

// NewFallback builds a keyword classifier. registry may be nil; when set,
// PLA candidates it does not know are dropped.
func NewFallback(registry CodeRegistry, extraTests ...string) *Fallback {
	names := model.NormalizeSet(append(append([]string{}, KnownTests...), extraTests...), nil)
	lower := make([]string, len(names))
	for i, n := range names {
		lower[i] = strings.ToLower(n)
	}
	return &Fallback{
		registry: registry,
		tests:    names,
		testM:    ahocorasick.NewStringMatcher(lower),
		deny:     ahocorasick.NewStringMatcher(denyPhrases),
		restrict: ahocorasick.NewStringMatcher(restrictPhrases),
		support:  ahocorasick.NewStringMatcher(supportPhrases),
		relevant: ahocorasick.NewStringMatcher(relevancePhrases),
	}
}

// Classify implements Classifier.
func (f *Fallback) Classify(_ context.Context, req Request) (*Result, error) {
	text := strings.ToLower(req.Title + "\n" + req.Content)
	body := []byte(text)

	var named []string
	for _, i := range f.testM.MatchThreadSafe(body) {
		named = append(named, f.tests[i])
	}
	named = model.NormalizeSet(named, nil)

	if req.Kind == KindCandidate {
		hits := len(f.relevant.MatchThreadSafe(body))
		res := &Result{
			Stance:     model.StanceUnknown,
			NamedTests: named,
			Relevant:   hits > 0,
			Confidence: clamp01(float64(hits) / 4),
			Reason:     "keyword match",
			Classifier: "fallback",
		}
		if len(named) > 0 {
			res.TestName = named[0]
		}
		return res, nil
	}

	stance := f.stance(body)
	res := &Result{
		Stance:     stance,
		PLACodes:   f.plaCodes(req),
		NamedTests: named,
		Classifier: "fallback",
	}
	status := statusForStance(stance)
	for _, name := range named {
		res.Assertions = append(res.Assertions, AssertionDraft{
			TestName:      name,
			Layer:         model.LayerPolicyStance,
			Status:        status,
			EffectiveDate: req.Extracted.Metadata.EffectiveDate,
			Confidence:    0.3,
		})
	}
	return res, nil
}

// stance scores phrase hits. Denial phrases contain support phrases
// ("not medically necessary"), so a deny hit outranks a bare support hit.
func (f *Fallback) stance(body []byte) model.Stance {
	deny := len(f.deny.MatchThreadSafe(body))
	restrict := len(f.restrict.MatchThreadSafe(body))
	support := len(f.support.MatchThreadSafe(body))
	switch {
	case deny > 0 && restrict == 0:
		return model.StanceDenies
	case restrict > 0:
		return model.StanceRestricts
	case support > 0:
		return model.StanceSupports
	default:
		return model.StanceUnclear
	}
}

func (f *Fallback) plaCodes(req Request) []string {
	found := codes.Find(req.Content).PLA
	found = append(found, req.Extracted.Codes.PLA...)
	var out []string
	for _, c := range model.NormalizeSet(found, strings.ToUpper) {
		if f.registry != nil {
			if _, ok := f.registry.Describe(c); !ok {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func statusForStance(s model.Stance) model.AssertionStatus {
	switch s {
	case model.StanceSupports:
		return model.StatusSupports
	case model.StanceRestricts:
		return model.StatusRestricts
	case model.StanceDenies:
		return model.StatusDenies
	default:
		return model.StatusUnclear
	}
}
