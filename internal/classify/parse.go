package classify

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/coverage-watch/internal/codes"
	"github.com/sells-group/coverage-watch/internal/model"
)

// ErrNoJSON is returned when model output holds no JSON object.
var ErrNoJSON = eris.New("classify: no json object in output")

// extractJSON strips markdown fences and slices the outermost object.
func extractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", ErrNoJSON
	}
	return s[start : end+1], nil
}

// candidateWire is the relevance-scoring output shape.
type candidateWire struct {
	IsRelevant      *bool    `json:"is_relevant"`
	IsNewTest       bool     `json:"is_new_test"`
	IsNewIndication bool     `json:"is_new_indication"`
	RelevanceReason string   `json:"relevance_reason"`
	TestName        *string  `json:"test_name"`
	Confidence      *float64 `json:"confidence"`
}

// parseResult decodes model output for the given request kind.
func parseResult(kind Kind, text string) (*Result, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	if kind == KindCandidate {
		var w candidateWire
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, eris.Wrap(err, "classify: decode candidate output")
		}
		res := &Result{Stance: model.StanceUnknown, Reason: w.RelevanceReason, Relevant: true, Confidence: 0.5}
		if w.IsRelevant != nil {
			res.Relevant = *w.IsRelevant
		}
		if w.Confidence != nil {
			res.Confidence = clamp01(*w.Confidence)
		}
		if w.TestName != nil {
			res.TestName = strings.TrimSpace(*w.TestName)
		}
		if w.IsNewTest {
			res.Announcements = append(res.Announcements, "new test")
		}
		if w.IsNewIndication {
			res.Announcements = append(res.Announcements, "new indication")
		}
		return res, nil
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, eris.Wrap(err, "classify: decode policy output")
	}
	normalize(&res)
	return &res, nil
}

// normalize coerces free-form model values onto the known enums.
func normalize(res *Result) {
	res.Stance = model.Stance(strings.ToLower(strings.TrimSpace(string(res.Stance))))
	if res.Stance == "" || !res.Stance.Valid() {
		res.Stance = model.StanceUnclear
	}

	var pla []string
	for _, c := range res.PLACodes {
		if codes.IsPLA(c) {
			pla = append(pla, strings.ToUpper(strings.TrimSpace(c)))
		}
	}
	res.PLACodes = model.NormalizeSet(pla, nil)
	res.NamedTests = model.NormalizeSet(res.NamedTests, nil)

	kept := res.Assertions[:0]
	for _, a := range res.Assertions {
		a.Status = model.AssertionStatus(strings.ToLower(strings.TrimSpace(string(a.Status))))
		if !a.Status.Valid() {
			a.Status = model.StatusUnclear
		}
		a.Layer = model.Layer(strings.ToLower(strings.TrimSpace(string(a.Layer))))
		if !a.Layer.Valid() {
			a.Layer = model.LayerPolicyStance
		}
		a.Confidence = clamp01(a.Confidence)
		if strings.TrimSpace(a.TestName) == "" {
			continue
		}
		kept = append(kept, a)
	}
	res.Assertions = kept
}
