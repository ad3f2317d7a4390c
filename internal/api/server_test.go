package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coverage-watch/internal/coverage"
	"github.com/sells-group/coverage-watch/internal/health"
	"github.com/sells-group/coverage-watch/internal/metrics"
	"github.com/sells-group/coverage-watch/internal/model"
	"github.com/sells-group/coverage-watch/internal/store"
)

type testEnv struct {
	server *Server
	store  *store.SQLiteStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	reg := prometheus.NewRegistry()
	metrics.NewCrawl(reg).SetUnhealthy(3)

	srv := NewServer(Deps{
		Assertions:  coverage.NewReconciler(s),
		Discoveries: s,
		Documents:   s,
		Health:      health.NewTracker(s, 2),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		CORSOrigins: []string{"https://review.example"},
	})
	return &testEnv{server: srv, store: s}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func assertionBody(layer model.Layer, status model.AssertionStatus, policy string) model.CoverageAssertion {
	return model.CoverageAssertion{
		PayerID:        "aetna",
		TestID:         "signatera",
		Layer:          layer,
		Status:         status,
		SourcePolicyID: policy,
		Confidence:     0.9,
	}
}

func TestHealth(t *testing.T) {
	rec := newTestEnv(t).do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestAssertions_UpsertListAndConflicts(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/assertions", assertionBody(model.LayerPolicyStance, model.StatusSupports, "aetna:cpb-0715"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[model.CoverageAssertion](t, rec)
	assert.NotEmpty(t, saved.AssertionID)
	assert.Equal(t, model.ReviewPending, saved.ReviewStatus)

	rec = env.do(t, http.MethodPost, "/v1/assertions", assertionBody(model.LayerUMCriteria, model.StatusDenies, "aetna:um-17"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/assertions?test_id=signatera", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Assertions []model.CoverageAssertion `json:"assertions"`
	}](t, rec)
	require.Len(t, list.Assertions, 2)
	// Most binding layer first.
	assert.Equal(t, model.LayerUMCriteria, list.Assertions[0].Layer)

	rec = env.do(t, http.MethodGet, "/v1/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conflicts := decode[struct {
		Conflicts []coverage.ConflictGroup `json:"conflicts"`
	}](t, rec)
	require.Len(t, conflicts.Conflicts, 1)
	assert.Equal(t, "signatera", conflicts.Conflicts[0].TestID)
}

func TestAssertions_Validation(t *testing.T) {
	env := newTestEnv(t)

	bad := assertionBody(model.LayerPolicyStance, model.StatusSupports, "")
	rec := env.do(t, http.MethodPost, "/v1/assertions", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "source_policy_id")

	rec = env.do(t, http.MethodGet, "/v1/assertions", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/assertions", bytes.NewBufferString("{not json"))
	raw := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestAssertions_Review(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/assertions", assertionBody(model.LayerPolicyStance, model.StatusSupports, "aetna:cpb-0715"))
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[model.CoverageAssertion](t, rec).AssertionID

	rec = env.do(t, http.MethodPost, "/v1/assertions/"+id+"/review", reviewRequest{Status: "approved", Reviewer: "analyst"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := env.store.GetAssertion(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewApproved, got.ReviewStatus)
	assert.Equal(t, "analyst", got.ReviewedBy)

	rec = env.do(t, http.MethodPost, "/v1/assertions/"+id+"/review", reviewRequest{Status: "approved"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/assertions/missing/review", reviewRequest{Status: "approved", Reviewer: "analyst"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiscoveries_ListAndReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := &model.StagedDiscovery{
		PayerID:    "aetna",
		URL:        "https://payer.example/policies/genetic.pdf",
		Title:      "Genetic Testing",
		Source:     "explorer",
		Confidence: 0.7,
	}
	require.NoError(t, env.store.StageDiscovery(ctx, d))

	rec := env.do(t, http.MethodGet, "/v1/discoveries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Discoveries []model.StagedDiscovery `json:"discoveries"`
	}](t, rec)
	require.Len(t, list.Discoveries, 1)
	id := list.Discoveries[0].DiscoveryID

	rec = env.do(t, http.MethodPost, "/v1/discoveries/"+id+"/review",
		reviewRequest{Status: "approved", Reviewer: "analyst", Notes: "add to catalog"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := env.store.GetDiscovery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.DiscoveryApproved, got.Status)
	assert.Equal(t, "add to catalog", got.ReviewNotes)

	rec = env.do(t, http.MethodGet, "/v1/discoveries?status=approved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = env.do(t, http.MethodGet, "/v1/discoveries?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/discoveries/"+id+"/review", reviewRequest{Status: "pending", Reviewer: "analyst"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/discoveries/missing/review", reviewRequest{Status: "rejected", Reviewer: "analyst"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func seedDocument(t *testing.T, env *testEnv, policyID, payerID, content string, fetched time.Time) {
	t.Helper()
	_, err := env.store.UpsertDocumentHashes(context.Background(), model.DocumentHashRecord{
		PolicyID:    policyID,
		PayerID:     payerID,
		URL:         "https://payer.example/" + policyID + ".pdf",
		DocType:     "pdf",
		Hashes:      model.MultiHash{ContentHash: content},
		LastFetched: fetched,
	})
	require.NoError(t, err)
}

func TestDocuments_ListGetAndRevisions(t *testing.T) {
	env := newTestEnv(t)
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedDocument(t, env, "aetna:cpb-0715", "aetna", "h1", t0)
	seedDocument(t, env, "aetna:cpb-0715", "aetna", "h2", t0.Add(24*time.Hour))
	seedDocument(t, env, "cigna:mm-0520", "cigna", "h3", t0)

	rec := env.do(t, http.MethodGet, "/v1/documents?payer_id=aetna", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[struct {
		Documents []model.DocumentHashRecord `json:"documents"`
	}](t, rec)
	require.Len(t, list.Documents, 1)
	assert.Equal(t, "h2", list.Documents[0].Hashes.ContentHash)

	rec = env.do(t, http.MethodGet, "/v1/documents?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[struct {
		Documents []model.DocumentHashRecord `json:"documents"`
	}](t, rec)
	assert.Len(t, list.Documents, 1)

	rec = env.do(t, http.MethodGet, "/v1/documents?min_priority=urgent", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/documents/cigna:mm-0520", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cigna", decode[model.DocumentHashRecord](t, rec).PayerID)

	rec = env.do(t, http.MethodGet, "/v1/documents/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/documents/aetna:cpb-0715/revisions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	revs := decode[struct {
		Revisions []model.DocumentRevision `json:"revisions"`
	}](t, rec)
	require.Len(t, revs.Revisions, 2)
	assert.Equal(t, "h2", revs.Revisions[0].Hashes.ContentHash)

	rec = env.do(t, http.MethodGet, "/v1/documents/aetna:cpb-0715/revisions?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnhealthyURLs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.RecordURLFailure(ctx, "https://payer.example/a.pdf", "aetna", "503", now))
	}
	require.NoError(t, env.store.RecordURLFailure(ctx, "https://payer.example/b.pdf", "aetna", "timeout", now))

	rec := env.do(t, http.MethodGet, "/v1/urls/unhealthy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	urls := decode[struct {
		URLs []model.URLHealthRecord `json:"urls"`
	}](t, rec)
	require.Len(t, urls.URLs, 1)
	assert.Equal(t, 3, urls.URLs[0].ConsecutiveFailures)

	rec = env.do(t, http.MethodGet, "/v1/urls/unhealthy?threshold=1", nil)
	urls = decode[struct {
		URLs []model.URLHealthRecord `json:"urls"`
	}](t, rec)
	assert.Len(t, urls.URLs, 2)

	rec = env.do(t, http.MethodGet, "/v1/urls/unhealthy?threshold=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	rec := newTestEnv(t).do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coverage_unhealthy_urls 3")
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/conflicts", nil)
	req.Header.Set("Origin", "https://review.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://review.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
