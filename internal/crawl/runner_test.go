package crawl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coverage-watch/internal/classify"
	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/resilience"
	"github.com/sells-group/coverage-watch/internal/source"
	"github.com/sells-group/coverage-watch/internal/store"
)

type fakeClassifier struct {
	mu     sync.Mutex
	reqs   []classify.Request
	stance model.Stance
}

func (f *fakeClassifier) Classify(_ context.Context, req classify.Request) (*classify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &classify.Result{
		Stance:     f.stance,
		NamedTests: []string{"Cologuard"},
		Assertions: []classify.AssertionDraft{
			{TestName: "Cologuard", Status: model.StatusSupports, Confidence: 0.9, Quote: "considered medically necessary"},
			{TestName: "  ", Status: model.StatusDenies},
		},
		Classifier: "fake",
	}, nil
}

func (f *fakeClassifier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeSink struct {
	mu    sync.Mutex
	saved []model.CoverageAssertion
}

func (f *fakeSink) UpsertAssertion(_ context.Context, a model.CoverageAssertion) (*model.CoverageAssertion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, a)
	return &a, nil
}

func newTestRunner(t *testing.T, s *store.SQLiteStore, tr Transport, cls classify.Classifier, sink AssertionSink) *Runner {
	t.Helper()
	return NewRunner(RunnerDeps{
		NewExecutor: func() *Executor { return newTestExecutor(t, s, tr, nil, fastOptions()) },
		Store:       s,
		Classifier:  cls,
		Assertions:  sink,
	}, RunnerOptions{})
}

func testSources() []source.Source {
	return []source.Source{
		{
			ID: "aetna", Type: source.TypePayerPolicy, PayerID: "aetna", PageType: "payer_policy", DocType: "policy",
			URLs: []string{"https://aetna.example.com/cpb/0352.html", "https://aetna.example.com/gone"},
		},
		{
			ID: "exact", Type: source.TypeVendorPress, PageType: "vendor_press",
			URLs: []string{"https://exact.example.com/news"},
		},
	}
}

func TestRunner_RunAndRerun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := &fakeTransport{name: "fake", fn: func(u string) (*Page, error) {
		if strings.HasSuffix(u, "/gone") {
			return nil, resilience.HTTPStatusError(404, u)
		}
		return htmlPage(u, fullPolicyHTML)
	}}
	cls := &fakeClassifier{stance: model.StanceSupports}
	sink := &fakeSink{}
	r := newTestRunner(t, s, tr, cls, sink)

	sum, err := r.Run(ctx, testSources())
	require.NoError(t, err)
	require.NotEmpty(t, sum.RunID)

	policy := sum.Sources["payer_policy"]
	require.NotNil(t, policy)
	assert.Equal(t, 2, policy.Processed)
	assert.Equal(t, 1, policy.Succeeded)
	assert.Equal(t, 1, policy.FirstCrawls)
	assert.Equal(t, 1, policy.Failed)
	assert.Equal(t, 1, policy.HighPriority)
	assert.Equal(t, 1, policy.AssertionsSaved)
	require.Len(t, policy.Failures, 1)
	assert.Equal(t, model.ReasonFailedPermanent, policy.Failures[0].Reason)
	assert.Equal(t, "https://aetna.example.com/gone", policy.Failures[0].URL)

	press := sum.Sources["vendor_press"]
	require.NotNil(t, press)
	assert.Equal(t, 1, press.Processed)
	assert.Equal(t, 1, press.FirstCrawls)

	assert.Equal(t, 1, cls.calls())
	require.Len(t, sink.saved, 1)
	a := sink.saved[0]
	assert.Equal(t, "aetna", a.PayerID)
	assert.Equal(t, "cologuard", a.TestID)
	assert.Equal(t, model.LayerPolicyStance, a.Layer)
	assert.Equal(t, DocumentID("aetna", "https://aetna.example.com/cpb/0352.html"), a.SourcePolicyID)

	doc, err := s.GetDocumentHash(ctx, DocumentID("aetna", "https://aetna.example.com/cpb/0352.html"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, model.StanceSupports, doc.Stance)
	assert.Equal(t, []string{"Cologuard"}, doc.NamedTests)
	assert.Equal(t, "MP-0352", doc.Metadata.PolicyNumber)

	// Unchanged content: no reclassification and the stance survives.
	sum, err = r.Run(ctx, testSources())
	require.NoError(t, err)
	policy = sum.Sources["payer_policy"]
	assert.Equal(t, 0, policy.Changed)
	assert.Equal(t, 0, policy.FirstCrawls)
	assert.Equal(t, 1, cls.calls())

	doc, err = s.GetDocumentHash(ctx, DocumentID("aetna", "https://aetna.example.com/cpb/0352.html"))
	require.NoError(t, err)
	assert.Equal(t, model.StanceSupports, doc.Stance)

	revs, err := s.DocumentRevisions(ctx, doc.PolicyID, 10)
	require.NoError(t, err)
	assert.Len(t, revs, 1)

	runs, err := s.ListRunSummaries(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRunner_ChangedCriteriaIsReclassified(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	body := fullPolicyHTML
	var mu sync.Mutex
	tr := &fakeTransport{name: "fake", fn: func(u string) (*Page, error) {
		mu.Lock()
		defer mu.Unlock()
		return htmlPage(u, body)
	}}
	cls := &fakeClassifier{stance: model.StanceSupports}
	r := newTestRunner(t, s, tr, cls, &fakeSink{})
	srcs := testSources()[:1]
	srcs[0].URLs = srcs[0].URLs[:1]

	_, err := r.Run(ctx, srcs)
	require.NoError(t, err)

	mu.Lock()
	body = strings.Replace(fullPolicyHTML, "aged 45 to 85", "aged 50 to 75", 1)
	mu.Unlock()

	sum, err := r.Run(ctx, srcs)
	require.NoError(t, err)
	policy := sum.Sources["payer_policy"]
	assert.Equal(t, 1, policy.Changed)
	assert.Equal(t, 1, policy.HighPriority)
	assert.Equal(t, 2, cls.calls())

	revs, err := s.DocumentRevisions(ctx, DocumentID("aetna", "https://aetna.example.com/cpb/0352.html"), 10)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Contains(t, revs[0].ChangedHashes, model.HashCriteria)
}

func TestRunner_QueryOnlyURLsKeepSeparateDocuments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	lcdA := "https://www.cms.gov/medicare-coverage-database/view/lcd.aspx?lcdid=39230"
	lcdB := "https://www.cms.gov/medicare-coverage-database/view/lcd.aspx?lcdid=38779"
	pinned := "https://www.cms.gov/medicare-coverage-database/view/lcd.aspx?lcdid=37810"
	tr := &fakeTransport{name: "fake", fn: func(u string) (*Page, error) {
		id := u[strings.LastIndex(u, "=")+1:]
		return htmlPage(u, strings.Replace(fullPolicyHTML, "</body>", "<p>Local coverage determination L"+id+"</p></body>", 1))
	}}
	r := newTestRunner(t, s, tr, nil, nil)
	sources := []source.Source{{
		ID: "cms", Type: source.TypePayerPolicy, PayerID: "cms", PageType: "payer_policy", DocType: "lcd",
		URLs:      []string{lcdA, lcdB, pinned},
		PolicyIDs: map[string]string{pinned: "cms:L37810"},
	}}

	for i := 0; i < 3; i++ {
		_, err := r.Run(ctx, sources)
		require.NoError(t, err)
	}

	idA, idB := DocumentID("cms", lcdA), DocumentID("cms", lcdB)
	require.NotEqual(t, idA, idB)
	for _, id := range []string{idA, idB, "cms:L37810"} {
		doc, err := s.GetDocumentHash(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, doc, id)

		revs, err := s.DocumentRevisions(ctx, id, 10)
		require.NoError(t, err)
		require.Len(t, revs, 1, id)
		assert.Equal(t, []string{model.HashNewDocument}, revs[0].ChangedHashes)
	}

	docs, err := s.ListDocumentHashes(ctx, store.DocumentFilter{PayerID: "cms"})
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestDocumentID(t *testing.T) {
	a := DocumentID("cms", "https://www.cms.gov/view/lcd.aspx?lcdid=39230")
	assert.True(t, strings.HasPrefix(a, "cms:www-cms-gov-view-lcd-aspx-"))
	assert.NotEqual(t, a, DocumentID("cms", "https://www.cms.gov/view/lcd.aspx?lcdid=38779"))
	assert.Equal(t, a, DocumentID("cms", "http://WWW.CMS.GOV/view/lcd.aspx?lcdid=39230#top"))
	assert.NotEqual(t, a, DocumentID("aetna", "https://www.cms.gov/view/lcd.aspx?lcdid=39230"))
}

func TestRunner_CancelledRunStopsEarly(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	tr := &fakeTransport{name: "fake", fn: func(u string) (*Page, error) {
		cancel()
		return htmlPage(u, fullPolicyHTML)
	}}
	r := newTestRunner(t, s, tr, nil, nil)
	srcs := testSources()[:1]

	sum, err := r.Run(ctx, srcs)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.count())
	assert.Equal(t, 1, sum.Sources["payer_policy"].Processed)

	runs, err := s.ListRunSummaries(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

type downStore struct{ *store.SQLiteStore }

func (downStore) Ping(context.Context) error { return errors.New("db down") }

func TestRunner_StoreUnreachable(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(RunnerDeps{Store: downStore{s}}, RunnerOptions{})
	_, err := r.Run(context.Background(), testSources())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unreachable")
}
