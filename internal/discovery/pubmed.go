package discovery

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/fetcher"
)

const (
	defaultEutilsBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	defaultPubMedDelay   = 400 * time.Millisecond
	pubmedRetMax         = 50
)

// DefaultSearchTerms seed the literature and trial collectors.
var DefaultSearchTerms = []string{
	"liquid biopsy cancer detection",
	"ctDNA cancer test",
	"circulating tumor DNA assay",
	"minimal residual disease test",
	"early cancer detection blood test",
	"multi-cancer early detection",
	"tumor profiling NGS",
	"MRD monitoring",
}

// PubMedCollector searches recent publications that suggest a test is
// reaching clinical use.
type PubMedCollector struct {
	fetch        fetcher.Fetcher
	baseURL      string
	terms        []string
	lookbackDays int
	delay        time.Duration
	log          *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewPubMedCollector creates a PubMed collector. delay spaces successive
// eutils calls; a negative delay disables spacing.
func NewPubMedCollector(f fetcher.Fetcher, terms []string, lookbackDays int, delay time.Duration) *PubMedCollector {
	if len(terms) == 0 {
		terms = DefaultSearchTerms
	}
	if lookbackDays <= 0 {
		lookbackDays = defaultLookbackDays
	}
	if delay == 0 {
		delay = defaultPubMedDelay
	}
	return &PubMedCollector{
		fetch:        f,
		baseURL:      defaultEutilsBaseURL,
		terms:        terms,
		lookbackDays: lookbackDays,
		delay:        delay,
		log:          zap.L().With(zap.String("collector", "pubmed")),
		nowFunc:      time.Now,
	}
}

// Name implements Collector.
func (c *PubMedCollector) Name() string { return "pubmed" }

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type esummaryResponse struct {
	Result map[string]json.RawMessage `json:"result"`
}

type esummaryDoc struct {
	Title           string `json:"title"`
	PubDate         string `json:"pubdate"`
	Source          string `json:"source"`
	SortFirstAuthor string `json:"sortfirstauthor"`
}

// Collect implements Collector. Terms that fail are logged and skipped.
func (c *PubMedCollector) Collect(ctx context.Context) ([]Candidate, error) {
	now := c.nowFunc()
	minDate := now.AddDate(0, 0, -c.lookbackDays).Format("2006/01/02")
	maxDate := now.Format("2006/01/02")

	var (
		out    []Candidate
		failed int
	)
	for i, term := range c.terms {
		if i > 0 {
			if err := sleepCtx(ctx, c.delay); err != nil {
				return out, err
			}
		}
		found, err := c.search(ctx, term, minDate, maxDate)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			failed++
			c.log.Warn("pubmed: term failed", zap.String("term", term), zap.Error(err))
			continue
		}
		out = append(out, found...)
	}
	if failed > 0 && failed == len(c.terms) {
		return nil, eris.Errorf("pubmed: all %d terms failed", failed)
	}
	return out, nil
}

func (c *PubMedCollector) search(ctx context.Context, term, minDate, maxDate string) ([]Candidate, error) {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("term", term+` AND (clinical validation OR commercial OR FDA OR diagnostic accuracy) AND ("`+
		minDate+`"[Date - Publication] : "`+maxDate+`"[Date - Publication])`)
	q.Set("retmax", strconv.Itoa(pubmedRetMax))
	q.Set("retmode", "json")
	q.Set("sort", "date")

	ids, err := getJSON[esearchResponse](ctx, c.fetch, c.baseURL+"/esearch.fcgi?"+q.Encode())
	if err != nil {
		return nil, eris.Wrap(err, "pubmed: esearch")
	}
	if len(ids.Result.IDList) == 0 {
		return nil, nil
	}

	if err := sleepCtx(ctx, c.delay); err != nil {
		return nil, err
	}

	q = url.Values{}
	q.Set("db", "pubmed")
	q.Set("id", strings.Join(ids.Result.IDList, ","))
	q.Set("retmode", "json")
	summary, err := getJSON[esummaryResponse](ctx, c.fetch, c.baseURL+"/esummary.fcgi?"+q.Encode())
	if err != nil {
		return nil, eris.Wrap(err, "pubmed: esummary")
	}

	out := make([]Candidate, 0, len(ids.Result.IDList))
	for _, pmid := range ids.Result.IDList {
		raw, ok := summary.Result[pmid]
		if !ok {
			continue
		}
		var doc esummaryDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			c.log.Debug("pubmed: skip malformed summary", zap.String("pmid", pmid), zap.Error(err))
			continue
		}
		link := "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/"
		out = append(out, newCandidate(SourcePubMed, link, doc.Title, doc.SortFirstAuthor, doc.PubDate,
			doc.Title+"\n"+doc.Source))
	}
	return out, nil
}
