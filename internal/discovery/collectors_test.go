package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/coverage-watch/internal/fetcher"
)

func newTestFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout:     5 * time.Second,
		MaxRetries:  1,
		RetryBase:   time.Millisecond,
		DefaultRate: rate.Inf,
	})
}

var fixedNow = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

func TestCandidateID(t *testing.T) {
	a := CandidateID("pubmed", "https://pubmed.ncbi.nlm.nih.gov/1/", "Title")
	assert.Len(t, a, 16)
	assert.Equal(t, a, CandidateID("pubmed", "https://pubmed.ncbi.nlm.nih.gov/1/", "Title"))
	assert.NotEqual(t, a, CandidateID("newsroom", "https://pubmed.ncbi.nlm.nih.gov/1/", "Title"))
}

func TestFDACollector(t *testing.T) {
	var (
		mu       sync.Mutex
		searches []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		searches = append(searches, r.URL.Query().Get("search"))
		mu.Unlock()
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		switch r.URL.Path {
		case "/device/510k.json":
			w.Write([]byte(`{"results":[
				{"k_number":"K253001","device_name":"OncoDetect ctDNA Assay","applicant":"Acme Dx","decision_date":"2026-03-10","statement_or_summary":"cancer"},
				{"k_number":"","device_name":"missing id"}
			]}`))
		case "/device/pma.json":
			http.Error(w, `{"error":{"code":"NOT_FOUND"}}`, http.StatusNotFound)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewFDACollector(newTestFetcher(), 0)
	c.baseURL = srv.URL
	c.nowFunc = func() time.Time { return fixedNow }

	got, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, SourceFDA510k, got[0].Source)
	assert.Equal(t, "https://www.accessdata.fda.gov/scripts/cdrh/cfdocs/cfpmn/pmn.cfm?ID=K253001", got[0].URL)
	assert.Equal(t, "OncoDetect ctDNA Assay", got[0].Title)
	assert.Equal(t, "Acme Dx", got[0].Company)
	assert.Equal(t, "2026-03-10", got[0].Date)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, searches, 2)
	for _, s := range searches {
		assert.True(t, strings.HasPrefix(s, "decision_date:[20260301 TO *] AND ("), s)
	}
	assert.Contains(t, searches[1], "clinical chemistry")
}

func TestFDACollector_BothEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewFDACollector(newTestFetcher(), 30)
	c.baseURL = srv.URL
	_, err := c.Collect(context.Background())
	require.Error(t, err)
}

func TestPubMedCollector(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/esearch.fcgi":
			term := r.URL.Query().Get("term")
			assert.Contains(t, term, `"2026/03/01"[Date - Publication] : "2026/03/31"[Date - Publication]`)
			if strings.HasPrefix(term, "empty") {
				w.Write([]byte(`{"esearchresult":{"idlist":[]}}`))
				return
			}
			w.Write([]byte(`{"esearchresult":{"idlist":["111","222"]}}`))
		case "/esummary.fcgi":
			assert.Equal(t, "111,222", r.URL.Query().Get("id"))
			w.Write([]byte(`{"result":{"uids":["111","222"],
				"111":{"title":"Clinical validation of a ctDNA MRD assay","pubdate":"2026 Mar 12","source":"J Clin Oncol","sortfirstauthor":"Smith J"},
				"222":"not an object"}}`))
		}
	}))
	defer srv.Close()

	c := NewPubMedCollector(newTestFetcher(), []string{"ctDNA cancer test", "empty term"}, 30, -1)
	c.baseURL = srv.URL
	c.nowFunc = func() time.Time { return fixedNow }

	got, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/111/", got[0].URL)
	assert.Equal(t, "Clinical validation of a ctDNA MRD assay", got[0].Title)
	assert.Equal(t, "2026 Mar 12", got[0].Date)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPubMedCollector_CancelledDuringDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"esearchresult":{"idlist":[]}}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewPubMedCollector(newTestFetcher(), []string{"a", "b"}, 30, time.Hour)
	c.baseURL = srv.URL
	_, err := c.Collect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClinicalTrialsCollector(t *testing.T) {
	var (
		mu    sync.Mutex
		terms []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		terms = append(terms, q.Get("query.term"))
		mu.Unlock()
		assert.Equal(t, "RECRUITING,ACTIVE_NOT_RECRUITING", q.Get("filter.overallStatus"))
		assert.Equal(t, "LastUpdatePostDate:desc", q.Get("sort"))
		w.Write([]byte(`{"studies":[{"protocolSection":{
			"identificationModule":{"nctId":"NCT06000001","briefTitle":"MRD-Guided Adjuvant Therapy"},
			"sponsorCollaboratorsModule":{"leadSponsor":{"name":"Acme Dx"}},
			"statusModule":{"lastUpdatePostDateStruct":{"date":"2026-03-20"}}}}]}`))
	}))
	defer srv.Close()

	c := NewClinicalTrialsCollector(newTestFetcher(), DefaultSearchTerms, 0)
	c.baseURL = srv.URL

	got, err := c.Collect(context.Background())
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, DefaultSearchTerms[:3], terms)
	mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, "https://clinicaltrials.gov/study/NCT06000001", got[0].URL)
	assert.Equal(t, "Acme Dx", got[0].Company)
	assert.Equal(t, "2026-03-20", got[0].Date)
}

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Acme News</title>
<item><title>Acme Launches ctDNA MRD Test</title><link>https://acme.example/news/mrd</link>
<description>The new test is now available&nbsp;nationwide.</description><pubDate>Tue, 10 Mar 2026 09:00:00 GMT</pubDate></item>
<item><title>Acme Announces Quarterly Results</title><link>https://acme.example/news/q1</link></item>
<item><title>Acme publishes liquid biopsy data</title><link>https://acme.example/news/data</link></item>
</channel></rss>`

const atomFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom"><title>Beta</title>
<entry><title>Beta receives FDA clearance for early detection assay</title>
<link rel="alternate" href="https://beta.example/press/1"/><updated>2026-03-11T00:00:00Z</updated></entry>
</feed>`

func TestNewsroomCollector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/acme.xml":
			w.Write([]byte(rssFeed))
		case "/beta.xml":
			w.Write([]byte(atomFeed))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewNewsroomCollector(newTestFetcher(), []Company{
		{Name: "Acme", FeedURL: srv.URL + "/acme.xml"},
		{Name: "Beta", FeedURL: srv.URL + "/beta.xml"},
		{Name: "Gone", FeedURL: srv.URL + "/gone.xml"},
		{Name: "NoFeed"},
	})

	got, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "https://acme.example/news/mrd", got[0].URL)
	assert.Equal(t, "Acme", got[0].Company)
	assert.Equal(t, "https://beta.example/press/1", got[1].URL)
	assert.Equal(t, "Beta", got[1].Company)
}

func TestNewsroomCollector_AllFeedsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewNewsroomCollector(newTestFetcher(), []Company{{Name: "Acme", FeedURL: srv.URL + "/x.xml"}})
	_, err := c.Collect(context.Background())
	require.Error(t, err)
}

func TestIsLaunch(t *testing.T) {
	c := NewNewsroomCollector(nil, nil)
	tests := []struct {
		text string
		want bool
	}{
		{"Acme launches MRD assay", true},
		{"FDA Approval for liquid biopsy test", true},
		{"Acme launches new cafeteria", false},
		{"Liquid biopsy data at ASCO", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.IsLaunch(tt.text), tt.text)
	}
}
