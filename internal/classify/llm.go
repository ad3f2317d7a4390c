package classify

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/resilience"
	"github.com/sells-group/coverage-watch/pkg/anthropic"
)

const (
	defaultModel     = "claude-haiku-4-5"
	defaultMaxTokens = 2048
	maxPromptContent = 12000
)

// LLMConfig configures an LLMClassifier.
type LLMConfig struct {
	Model     string
	MaxTokens int64
	// Breaker guards the API. Nil uses a default breaker.
	Breaker *resilience.CircuitBreaker
}

// LLMClassifier classifies through the Anthropic messages API. It never
// returns an error: failures are logged and reported as a nil result so a
// Chain falls through to the deterministic classifier.
type LLMClassifier struct {
	client  anthropic.Client
	model   string
	tokens  int64
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewLLM builds an LLMClassifier. A nil client yields a classifier that
// always declines.
func NewLLM(client anthropic.Client, cfg LLMConfig) *LLMClassifier {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Breaker == nil {
		bc := resilience.DefaultCircuitBreakerConfig()
		bc.Name = "anthropic"
		bc.ShouldTrip = resilience.IsTransient
		cfg.Breaker = resilience.NewCircuitBreaker(bc)
	}
	return &LLMClassifier{
		client:  client,
		model:   cfg.Model,
		tokens:  cfg.MaxTokens,
		breaker: cfg.Breaker,
		log:     zap.L().With(zap.String("component", "classify.llm")),
	}
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, req Request) (*Result, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}

	system, prompt := policySystemPrompt, policyPrompt(req)
	if req.Kind == KindCandidate {
		system, prompt = candidateSystemPrompt, candidatePrompt(req)
	}

	resp, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return c.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     c.model,
			MaxTokens: c.tokens,
			System:    anthropic.CachedSystem(system, ""),
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		c.log.Warn("classification call failed", zap.String("url", req.URL), zap.Error(err))
		return nil, nil
	}
	resp.Usage.LogCost(c.model, "classify."+string(kindOrPolicy(req.Kind)))

	res, err := parseResult(req.Kind, resp.Text())
	if err != nil {
		c.log.Warn("unparsable classification output", zap.String("url", req.URL), zap.Error(err))
		return nil, nil
	}
	res.Classifier = "llm"
	return res, nil
}

func kindOrPolicy(k Kind) Kind {
	if k == "" {
		return KindPolicy
	}
	return k
}

const policySystemPrompt = `You review US health plan medical policies for molecular diagnostic and
liquid biopsy test coverage. Read the policy text and respond with ONLY a JSON object:

{
  "stance": "supports | restricts | denies | unclear",
  "announcements": ["notable changes in this revision"],
  "plaCodes": ["PLA codes such as 0340U"],
  "namedTests": ["commercial test names mentioned"],
  "clinicalEvidence": ["studies or guidelines cited"],
  "assertions": [
    {
      "testName": "test the claim is about",
      "layer": "policy_stance | um_criteria | delegation | lbm_guideline | overlay",
      "status": "supports | restricts | denies | unclear",
      "criteria": {"indications": [], "limitations": [], "requirements": [],
                   "exclusions": [], "prior_auth_required": true, "notes": ""},
      "quote": "verbatim sentence supporting the claim",
      "citation": "section heading or number",
      "effectiveDate": "YYYY-MM-DD or empty",
      "confidence": 0.0
    }
  ]
}

Only report claims the text states. Prefer "unclear" to guessing.`

const candidateSystemPrompt = `You screen announcements, approvals, trials and papers for new cancer
diagnostic tests (MRD, early detection, treatment response monitoring, treatment decision
support). Respond with ONLY a JSON object:

{"is_relevant": true, "is_new_test": false, "is_new_indication": false,
 "relevance_reason": "brief", "test_name": "name or null", "confidence": 0.0}

Pure academic research, tissue-only assays and non-cancer diagnostics are not relevant.`

func policyPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PAYER: %s\nPOLICY: %s\nURL: %s\nTITLE: %s\n", req.PayerID, req.PolicyID, req.URL, req.Title)
	if req.Change.Changed {
		fmt.Fprintf(&b, "CHANGE: %s (%s)\n", req.Change.Analysis, strings.Join(req.Change.ChangedHashes, ", "))
	}
	if req.Extracted.Metadata.EffectiveDate != "" {
		fmt.Fprintf(&b, "EFFECTIVE: %s\n", req.Extracted.Metadata.EffectiveDate)
	}
	b.WriteString("\nPOLICY TEXT:\n")
	b.WriteString(truncate(req.Content, maxPromptContent))
	return b.String()
}

func candidatePrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SOURCE: %s\nSOURCE URL: %s\nTITLE: %s\nCOMPANY: %s\nDATE: %s\n\nRAW DATA:\n",
		req.Source, req.URL, req.Title, req.Company, req.Date)
	b.WriteString(truncate(req.Content, 6000))
	return b.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "\n... [truncated]"
}
