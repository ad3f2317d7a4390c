package discovery

import (
	"context"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/fetcher"
)

const (
	defaultTrialsBaseURL = "https://clinicaltrials.gov/api/v2"
	defaultTrialTerms    = 3
	trialsPageSize       = 10
)

// ClinicalTrialsCollector lists recently updated active studies for the
// leading search terms.
type ClinicalTrialsCollector struct {
	fetch   fetcher.Fetcher
	baseURL string
	terms   []string
	log     *zap.Logger
}

// NewClinicalTrialsCollector creates a trials collector over the first
// maxTerms terms (3 when maxTerms <= 0).
func NewClinicalTrialsCollector(f fetcher.Fetcher, terms []string, maxTerms int) *ClinicalTrialsCollector {
	if len(terms) == 0 {
		terms = DefaultSearchTerms
	}
	if maxTerms <= 0 {
		maxTerms = defaultTrialTerms
	}
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	return &ClinicalTrialsCollector{
		fetch:   f,
		baseURL: defaultTrialsBaseURL,
		terms:   terms,
		log:     zap.L().With(zap.String("collector", "clinicaltrials")),
	}
}

// Name implements Collector.
func (c *ClinicalTrialsCollector) Name() string { return "clinicaltrials" }

type studiesResponse struct {
	Studies []struct {
		ProtocolSection struct {
			IdentificationModule struct {
				NCTID      string `json:"nctId"`
				BriefTitle string `json:"briefTitle"`
			} `json:"identificationModule"`
			SponsorCollaboratorsModule struct {
				LeadSponsor struct {
					Name string `json:"name"`
				} `json:"leadSponsor"`
			} `json:"sponsorCollaboratorsModule"`
			StatusModule struct {
				LastUpdatePostDateStruct struct {
					Date string `json:"date"`
				} `json:"lastUpdatePostDateStruct"`
			} `json:"statusModule"`
			DescriptionModule struct {
				BriefSummary string `json:"briefSummary"`
			} `json:"descriptionModule"`
		} `json:"protocolSection"`
	} `json:"studies"`
}

// Collect implements Collector.
func (c *ClinicalTrialsCollector) Collect(ctx context.Context) ([]Candidate, error) {
	var (
		out    []Candidate
		failed int
	)
	for _, term := range c.terms {
		q := url.Values{}
		q.Set("query.term", term)
		q.Set("filter.overallStatus", "RECRUITING,ACTIVE_NOT_RECRUITING")
		q.Set("pageSize", strconv.Itoa(trialsPageSize))
		q.Set("sort", "LastUpdatePostDate:desc")

		resp, err := getJSON[studiesResponse](ctx, c.fetch, c.baseURL+"/studies?"+q.Encode())
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			failed++
			c.log.Warn("clinicaltrials: term failed", zap.String("term", term), zap.Error(err))
			continue
		}

		for _, s := range resp.Studies {
			p := s.ProtocolSection
			id := p.IdentificationModule.NCTID
			if id == "" {
				continue
			}
			out = append(out, newCandidate(SourceClinicalTrials,
				"https://clinicaltrials.gov/study/"+id,
				p.IdentificationModule.BriefTitle,
				p.SponsorCollaboratorsModule.LeadSponsor.Name,
				p.StatusModule.LastUpdatePostDateStruct.Date,
				p.IdentificationModule.BriefTitle+"\n"+p.DescriptionModule.BriefSummary))
		}
	}
	if failed > 0 && failed == len(c.terms) {
		return nil, eris.Errorf("clinicaltrials: all %d terms failed", failed)
	}
	return out, nil
}
