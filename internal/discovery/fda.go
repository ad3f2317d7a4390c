package discovery

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/fetcher"
	"github.com/sells-group/coverage-watch/internal/resilience"
)

const (
	defaultFDABaseURL   = "https://api.fda.gov"
	defaultLookbackDays = 30
	fdaLimit            = 100
)

var oncologyTerms = []string{"cancer", "tumor", "oncology", "ctdna", "liquid biopsy"}

// FDACollector searches openFDA for recent 510(k) clearances and PMA
// approvals of oncology diagnostics.
type FDACollector struct {
	fetch        fetcher.Fetcher
	baseURL      string
	lookbackDays int
	log          *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewFDACollector creates an FDA collector. lookbackDays <= 0 uses 30.
func NewFDACollector(f fetcher.Fetcher, lookbackDays int) *FDACollector {
	if lookbackDays <= 0 {
		lookbackDays = defaultLookbackDays
	}
	return &FDACollector{
		fetch:        f,
		baseURL:      defaultFDABaseURL,
		lookbackDays: lookbackDays,
		log:          zap.L().With(zap.String("collector", "fda")),
		nowFunc:      time.Now,
	}
}

// Name implements Collector.
func (c *FDACollector) Name() string { return "fda" }

type fda510kResponse struct {
	Results []struct {
		KNumber            string `json:"k_number"`
		DeviceName         string `json:"device_name"`
		Applicant          string `json:"applicant"`
		DecisionDate       string `json:"decision_date"`
		StatementOrSummary string `json:"statement_or_summary"`
	} `json:"results"`
}

type fdaPMAResponse struct {
	Results []struct {
		PMANumber                    string `json:"pma_number"`
		TradeName                    string `json:"trade_name"`
		GenericName                  string `json:"generic_name"`
		Applicant                    string `json:"applicant"`
		DecisionDate                 string `json:"decision_date"`
		AdvisoryCommitteeDescription string `json:"advisory_committee_description"`
	} `json:"results"`
}

// Collect implements Collector. A failure of one endpoint does not discard
// the other's results.
func (c *FDACollector) Collect(ctx context.Context) ([]Candidate, error) {
	since := c.nowFunc().AddDate(0, 0, -c.lookbackDays).Format("20060102")
	window := "decision_date:[" + since + " TO *]"

	var (
		out  []Candidate
		errs []error
	)

	clearances, err := c.collect510k(ctx, window)
	if err != nil {
		errs = append(errs, err)
	}
	out = append(out, clearances...)

	approvals, err := c.collectPMA(ctx, window)
	if err != nil {
		errs = append(errs, err)
	}
	out = append(out, approvals...)

	if len(errs) == 2 {
		return nil, eris.Wrap(errs[0], "fda: both endpoints failed")
	}
	for _, e := range errs {
		c.log.Warn("fda: endpoint failed", zap.Error(e))
	}
	return out, nil
}

func (c *FDACollector) collect510k(ctx context.Context, window string) ([]Candidate, error) {
	terms := make([]string, 0, len(oncologyTerms)*2)
	for _, t := range oncologyTerms {
		terms = append(terms, `statement_or_summary:"`+t+`"`, `device_name:"`+t+`"`)
	}
	search := window + " AND (" + strings.Join(terms, " OR ") + ")"

	resp, err := getJSON[fda510kResponse](ctx, c.fetch, c.endpoint("/device/510k.json", search))
	if err != nil {
		return nil, eris.Wrap(err, "fda: 510k search")
	}

	out := make([]Candidate, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.KNumber == "" {
			continue
		}
		link := "https://www.accessdata.fda.gov/scripts/cdrh/cfdocs/cfpmn/pmn.cfm?ID=" + r.KNumber
		out = append(out, newCandidate(SourceFDA510k, link, r.DeviceName, r.Applicant, r.DecisionDate,
			r.DeviceName+"\n"+r.StatementOrSummary))
	}
	return out, nil
}

func (c *FDACollector) collectPMA(ctx context.Context, window string) ([]Candidate, error) {
	search := window + ` AND (advisory_committee_description:"clinical chemistry" OR advisory_committee_description:"pathology")`

	resp, err := getJSON[fdaPMAResponse](ctx, c.fetch, c.endpoint("/device/pma.json", search))
	if err != nil {
		return nil, eris.Wrap(err, "fda: pma search")
	}

	out := make([]Candidate, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.PMANumber == "" {
			continue
		}
		link := "https://www.accessdata.fda.gov/scripts/cdrh/cfdocs/cfpma/pma.cfm?id=" + r.PMANumber
		out = append(out, newCandidate(SourceFDAPMA, link, r.TradeName, r.Applicant, r.DecisionDate,
			r.TradeName+"\n"+r.GenericName+"\n"+r.AdvisoryCommitteeDescription))
	}
	return out, nil
}

func (c *FDACollector) endpoint(path, search string) string {
	q := url.Values{}
	q.Set("search", search)
	q.Set("limit", strconv.Itoa(fdaLimit))
	return strings.TrimRight(c.baseURL, "/") + path + "?" + q.Encode()
}

// getJSON downloads and decodes a JSON document. openFDA answers 404 when a
// search has no matches, so 404 decodes as the zero value.
func getJSON[T any](ctx context.Context, f fetcher.Fetcher, rawURL string) (*T, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		if resilience.StatusCode(err) == 404 {
			return new(T), nil
		}
		return nil, err
	}
	defer body.Close() //nolint:errcheck
	return fetcher.DecodeJSON[T](body)
}
