package discovery

import (
	"context"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/fetcher"
)

var (
	launchKeywords = []string{
		"launch", "introduce", "announce", "now available", "fda clear", "fda approv",
		"510(k)", "pma approv", "new test", "new assay", "commercial availability",
	}
	testKeywords = []string{
		"liquid biopsy", "ctdna", "circulating tumor", "mrd", "minimal residual",
		"early detection", "cancer screening", "tumor profiling",
	}
)

// Company is a watched vendor with a press feed.
type Company struct {
	Name    string `mapstructure:"name" yaml:"name"`
	FeedURL string `mapstructure:"feed_url" yaml:"feed_url"`
}

// NewsroomCollector reads vendor RSS or Atom feeds and keeps items that
// announce a launch of a relevant test.
type NewsroomCollector struct {
	fetch     fetcher.Fetcher
	companies []Company
	launch    *ahocorasick.Matcher
	tests     *ahocorasick.Matcher
	log       *zap.Logger
}

// NewNewsroomCollector creates a newsroom collector.
func NewNewsroomCollector(f fetcher.Fetcher, companies []Company) *NewsroomCollector {
	return &NewsroomCollector{
		fetch:     f,
		companies: companies,
		launch:    ahocorasick.NewStringMatcher(launchKeywords),
		tests:     ahocorasick.NewStringMatcher(testKeywords),
		log:       zap.L().With(zap.String("collector", "newsroom")),
	}
}

// Name implements Collector.
func (c *NewsroomCollector) Name() string { return "newsroom" }

// feed decodes both RSS 2.0 (channel/item) and Atom (entry) documents.
type feed struct {
	Channel struct {
		Items []struct {
			Title       string `xml:"title"`
			Link        string `xml:"link"`
			Description string `xml:"description"`
			PubDate     string `xml:"pubDate"`
		} `xml:"item"`
	} `xml:"channel"`
	Entries []struct {
		Title   string `xml:"title"`
		Summary string `xml:"summary"`
		Updated string `xml:"updated"`
		Links   []struct {
			Href string `xml:"href,attr"`
			Rel  string `xml:"rel,attr"`
		} `xml:"link"`
	} `xml:"entry"`
}

type feedItem struct {
	title, link, summary, date string
}

func (f *feed) items() []feedItem {
	out := make([]feedItem, 0, len(f.Channel.Items)+len(f.Entries))
	for _, it := range f.Channel.Items {
		out = append(out, feedItem{it.Title, strings.TrimSpace(it.Link), it.Description, it.PubDate})
	}
	for _, e := range f.Entries {
		var link string
		for _, l := range e.Links {
			if l.Rel == "" || l.Rel == "alternate" {
				link = l.Href
				break
			}
		}
		out = append(out, feedItem{e.Title, link, e.Summary, e.Updated})
	}
	return out
}

// Collect implements Collector. A failing feed is logged and skipped.
func (c *NewsroomCollector) Collect(ctx context.Context) ([]Candidate, error) {
	var (
		out               []Candidate
		attempted, failed int
	)
	for _, co := range c.companies {
		if co.FeedURL == "" {
			continue
		}
		attempted++
		found, err := c.readFeed(ctx, co)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			failed++
			c.log.Warn("newsroom: feed failed", zap.String("company", co.Name), zap.Error(err))
			continue
		}
		out = append(out, found...)
	}
	if failed > 0 && failed == attempted {
		return nil, eris.Errorf("newsroom: all %d feeds failed", failed)
	}
	return out, nil
}

func (c *NewsroomCollector) readFeed(ctx context.Context, co Company) ([]Candidate, error) {
	body, err := c.fetch.Download(ctx, co.FeedURL)
	if err != nil {
		return nil, eris.Wrapf(err, "newsroom: download %s", co.FeedURL)
	}
	defer body.Close() //nolint:errcheck

	doc, err := fetcher.DecodeXML[feed](body)
	if err != nil {
		return nil, eris.Wrapf(err, "newsroom: decode %s", co.FeedURL)
	}

	var out []Candidate
	for _, it := range doc.items() {
		if it.link == "" || !c.IsLaunch(it.title+" "+it.summary) {
			continue
		}
		out = append(out, newCandidate(SourceNewsroom, it.link, it.title, co.Name, it.date,
			it.title+"\n"+it.summary))
	}
	return out, nil
}

// IsLaunch reports whether text announces a launch and names a relevant
// test category.
func (c *NewsroomCollector) IsLaunch(text string) bool {
	b := []byte(strings.ToLower(text))
	return len(c.launch.MatchThreadSafe(b)) > 0 && len(c.tests.MatchThreadSafe(b)) > 0
}
