package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/resilience"
	"github.com/sells-group/coverage-watch/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(s string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: s}}}
}

const policyOutput = "Here you go:\n```json\n" + `{
  "stance": "Restricts",
  "plaCodes": ["0340u", "81479", "0340U"],
  "namedTests": ["Signatera", "Signatera"],
  "assertions": [
    {"testName": "Signatera", "layer": "um_criteria", "status": "restricts",
     "criteria": {"indications": ["stage II-III colorectal cancer"], "prior_auth_required": true},
     "quote": "Signatera is covered for stage II-III CRC", "confidence": 1.4},
    {"testName": "", "status": "supports"},
    {"testName": "Galleri", "layer": "bogus", "status": "maybe"}
  ]
}` + "\n```"

func TestParseResult_Policy(t *testing.T) {
	res, err := parseResult(KindPolicy, policyOutput)
	require.NoError(t, err)
	assert.Equal(t, model.StanceRestricts, res.Stance)
	assert.Equal(t, []string{"0340U"}, res.PLACodes)
	assert.Equal(t, []string{"Signatera"}, res.NamedTests)

	require.Len(t, res.Assertions, 2)
	sig := res.Assertions[0]
	assert.Equal(t, model.LayerUMCriteria, sig.Layer)
	assert.Equal(t, 1.0, sig.Confidence)
	require.NotNil(t, sig.Criteria.PriorAuthRequired)
	assert.True(t, *sig.Criteria.PriorAuthRequired)

	gal := res.Assertions[1]
	assert.Equal(t, model.LayerPolicyStance, gal.Layer)
	assert.Equal(t, model.StatusUnclear, gal.Status)
}

func TestParseResult_Candidate(t *testing.T) {
	res, err := parseResult(KindCandidate, `{"is_relevant": false, "relevance_reason": "tissue only", "test_name": null, "confidence": 0.8}`)
	require.NoError(t, err)
	assert.False(t, res.Relevant)
	assert.Equal(t, 0.8, res.Confidence)
	assert.Equal(t, "tissue only", res.Reason)
}

func TestParseResult_Errors(t *testing.T) {
	_, err := parseResult(KindPolicy, "no json here")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = parseResult(KindPolicy, `{"stance": }`)
	assert.Error(t, err)
}

func TestLLMClassifier_Success(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5" && len(req.System) == 1 && len(req.Messages) == 1
	})).Return(textResponse(policyOutput), nil).Once()

	c := NewLLM(client, LLMConfig{})
	res, err := c.Classify(context.Background(), Request{Kind: KindPolicy, URL: "https://p.example/a", Content: "text"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "llm", res.Classifier)
	client.AssertExpectations(t)
}

func TestLLMClassifier_DeclinesOnFailure(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("boom")).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I cannot help"), nil).Once()

	c := NewLLM(client, LLMConfig{})
	res, err := c.Classify(context.Background(), Request{Content: "x"})
	assert.NoError(t, err)
	assert.Nil(t, res)

	res, err = c.Classify(context.Background(), Request{Content: "x"})
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestLLMClassifier_NilClient(t *testing.T) {
	res, err := NewLLM(nil, LLMConfig{}).Classify(context.Background(), Request{})
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestLLMClassifier_BreakerSkipsCalls(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Once()

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1})
	c := NewLLM(client, LLMConfig{Breaker: breaker})

	_, _ = c.Classify(context.Background(), Request{})
	res, err := c.Classify(context.Background(), Request{})
	assert.NoError(t, err)
	assert.Nil(t, res)
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}

type fakeRegistry map[string]string

func (r fakeRegistry) Describe(code string) (string, bool) {
	d, ok := r[code]
	return d, ok
}

func TestFallback_Policy(t *testing.T) {
	f := NewFallback(fakeRegistry{"0340U": "Signatera MRD"})
	res, err := f.Classify(context.Background(), Request{
		Kind:    KindPolicy,
		Content: "Signatera (0340U) is considered medically necessary when the following criteria are met. Code 0999U is unrelated.",
		Extracted: model.ExtractedFields{
			Metadata: model.DocumentMetadata{EffectiveDate: "2026-01-01"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StanceRestricts, res.Stance)
	assert.Equal(t, []string{"0340U"}, res.PLACodes)
	assert.Equal(t, []string{"Signatera"}, res.NamedTests)
	require.Len(t, res.Assertions, 1)
	assert.Equal(t, model.StatusRestricts, res.Assertions[0].Status)
	assert.Equal(t, "2026-01-01", res.Assertions[0].EffectiveDate)
	assert.Equal(t, "fallback", res.Classifier)
}

func TestFallback_Stance(t *testing.T) {
	f := NewFallback(nil)
	tests := []struct {
		text string
		want model.Stance
	}{
		{"ctDNA testing is considered investigational and not medically necessary.", model.StanceDenies},
		{"Galleri is covered.", model.StanceSupports},
		{"Requires prior authorization.", model.StanceRestricts},
		{"This page lists contact numbers.", model.StanceUnclear},
	}
	for _, tt := range tests {
		res, err := f.Classify(context.Background(), Request{Kind: KindPolicy, Content: tt.text})
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Stance, tt.text)
	}
}

func TestFallback_Candidate(t *testing.T) {
	f := NewFallback(nil)
	res, err := f.Classify(context.Background(), Request{
		Kind:  KindCandidate,
		Title: "Natera launches Signatera for minimal residual disease in bladder cancer",
	})
	require.NoError(t, err)
	assert.True(t, res.Relevant)
	assert.Greater(t, res.Confidence, 0.0)
	assert.Equal(t, "Signatera", res.TestName)

	res, err = f.Classify(context.Background(), Request{Kind: KindCandidate, Title: "Quarterly earnings call"})
	require.NoError(t, err)
	assert.False(t, res.Relevant)
	assert.Zero(t, res.Confidence)
}

func TestChain(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("down"))

	chain := Chain{NewLLM(client, LLMConfig{}), NewFallback(nil)}
	res, err := chain.Classify(context.Background(), Request{Kind: KindPolicy, Content: "Galleri is covered."})
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Classifier)

	res, err = Chain{NewLLM(nil, LLMConfig{})}.Classify(context.Background(), Request{})
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestDrafts(t *testing.T) {
	res := &Result{Assertions: []AssertionDraft{
		{TestName: "Guardant360 CDx", Status: model.StatusSupports, Confidence: 0.9, Quote: "covered"},
		{TestName: "  ", Status: model.StatusDenies},
	}}
	got := Drafts(res, "aetna", "aetna:cpb-0352", "https://aetna.example/0352")
	require.Len(t, got, 1)
	assert.Equal(t, "guardant360-cdx", got[0].TestID)
	assert.Equal(t, model.LayerPolicyStance, got[0].Layer)
	assert.Equal(t, "aetna:cpb-0352", got[0].SourcePolicyID)
	assert.Equal(t, "covered", got[0].SourceQuote)
	assert.Nil(t, Drafts(nil, "a", "b", "c"))
}

func TestExtractJSON(t *testing.T) {
	got, err := extractJSON("```\n{\"a\": {\"b\": 1}}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}}`, got)
}
