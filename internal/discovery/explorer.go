package discovery

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/crawl"
)

const maxLinkContext = 300

// ExplorerTarget is a payer index page to scan for policy links.
type ExplorerTarget struct {
	PayerID  string `mapstructure:"payer_id" yaml:"payer_id"`
	IndexURL string `mapstructure:"index_url" yaml:"index_url"`
}

// Explorer scans payer index pages for policy-like links that are not
// monitored yet. It reads each index page only and does not follow links.
type Explorer struct {
	targets   []ExplorerTarget
	known     map[string]bool
	userAgent string
	timeout   time.Duration
	transport http.RoundTripper
	log       *zap.Logger
}

// NewExplorer creates an explorer. known lists URLs already monitored.
func NewExplorer(targets []ExplorerTarget, known []string, userAgent string) *Explorer {
	k := make(map[string]bool, len(known))
	for _, u := range known {
		k[u] = true
	}
	return &Explorer{
		targets:   targets,
		known:     k,
		userAgent: userAgent,
		timeout:   30 * time.Second,
		log:       zap.L().With(zap.String("collector", "explorer")),
	}
}

// Name implements Collector.
func (e *Explorer) Name() string { return SourceExplorer }

// Collect implements Collector.
func (e *Explorer) Collect(ctx context.Context) ([]Candidate, error) {
	var (
		out    []Candidate
		failed int
	)
	for _, t := range e.targets {
		found, err := e.explore(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			failed++
			e.log.Warn("explorer: index failed", zap.String("payer_id", t.PayerID),
				zap.String("url", t.IndexURL), zap.Error(err))
			continue
		}
		out = append(out, found...)
	}
	if failed > 0 && failed == len(e.targets) {
		return nil, eris.Errorf("explorer: all %d index pages failed", failed)
	}
	return out, nil
}

func (e *Explorer) explore(ctx context.Context, t ExplorerTarget) ([]Candidate, error) {
	opts := []colly.CollectorOption{
		colly.StdlibContext(ctx),
		colly.MaxDepth(1),
		colly.IgnoreRobotsTxt(),
	}
	if e.userAgent != "" {
		opts = append(opts, colly.UserAgent(e.userAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(e.timeout)
	if e.transport != nil {
		c.WithTransport(e.transport)
	}

	var (
		mu       sync.Mutex
		out      []Candidate
		seen     = map[string]bool{}
		visitErr error
	)
	c.OnHTML("a[href]", func(el *colly.HTMLElement) {
		href := el.Request.AbsoluteURL(el.Attr("href"))
		if href == "" || !strings.HasPrefix(href, "http") {
			return
		}
		text := strings.Join(strings.Fields(el.Text), " ")
		if !crawl.IsPolicyLink(href, text) {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if seen[href] || e.known[href] {
			return
		}
		seen[href] = true

		cand := newCandidate(SourceExplorer, href, text, "", "", text+"\n"+linkContext(el))
		cand.ID = CandidateID(SourceExplorer, t.PayerID, href)
		cand.PayerID = t.PayerID
		cand.LinkText = text
		cand.LinkContext = linkContext(el)
		cand.ContentType = contentTypeFor(href)
		out = append(out, cand)
	})
	c.OnError(func(r *colly.Response, err error) {
		visitErr = eris.Wrapf(err, "explorer: status %d", r.StatusCode)
	})

	if err := c.Visit(t.IndexURL); err != nil {
		return nil, eris.Wrapf(err, "explorer: visit %s", t.IndexURL)
	}
	c.Wait()
	if visitErr != nil {
		return nil, visitErr
	}
	return out, nil
}

// linkContext is the collapsed text of the link's parent element.
func linkContext(el *colly.HTMLElement) string {
	s := strings.Join(strings.Fields(el.DOM.Parent().Text()), " ")
	if r := []rune(s); len(r) > maxLinkContext {
		s = string(r[:maxLinkContext])
	}
	return s
}

func contentTypeFor(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".pdf":
		return "application/pdf"
	case ".htm", ".html", "":
		return "text/html"
	default:
		return ""
	}
}
