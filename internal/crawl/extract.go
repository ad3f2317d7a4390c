package crawl

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/sells-group/coverage-watch/internal/codes"
	"github.com/sells-group/coverage-watch/internal/model"
)

// minMainText is the selector-extracted length below which the readability
// extractor is tried instead.
const minMainText = 200

const maxExcerpt = 4000

// stripSelectors are removed before any text is read.
const stripSelectors = "script, style, noscript, nav, header, footer"

// mainSelectors are tried in order for the primary content region.
var mainSelectors = []string{"main", "article", "[role=main]", "#main-content", "#content", ".content"}

// PolicyLinkPatterns match hrefs or link text that look like policy documents.
var PolicyLinkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)medical[-_ ]?polic`),
	regexp.MustCompile(`(?i)clinical[-_ ]?polic`),
	regexp.MustCompile(`(?i)coverage[-_ ]?(?:polic|determination|guideline|criteria)`),
	regexp.MustCompile(`(?i)\bcpb\b|policy[-_ ]?bulletin`),
	regexp.MustCompile(`(?i)\b(?:lcd|ncd)\b|local[-_ ]coverage`),
	regexp.MustCompile(`(?i)genetic[-_ ]test|molecular|liquid[-_ ]biopsy|tumor[-_ ]marker`),
	regexp.MustCompile(`(?i)/polic(?:y|ies)/.+\.(?:pdf|html?)$`),
}

const monthName = `(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|June?|July?|Aug(?:ust)?|Sep(?:t(?:ember)?)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)`

const dateExpr = `(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}|` + monthName + `\.? \d{1,2},? \d{4}|\d{1,2} ` + monthName + ` \d{4})`

var (
	dateRe         = regexp.MustCompile(`(?i)\b` + dateExpr + `\b`)
	policyNumberRe = regexp.MustCompile(`(?i)\b(?:policy|cpb|bulletin|guideline)\s*(?:number|no\.?|#)\s*:?\s*([A-Z]{0,4}[-.]?\d{2,5}(?:[-.]\d{1,4})?)\b`)
	effectiveRe    = regexp.MustCompile(`(?i)effective(?:\s+date)?\s*:?\s*(` + dateExpr + `)`)
	revisedRe      = regexp.MustCompile(`(?i)(?:revision date|last revised|revised)\s*:?\s*(` + dateExpr + `)`)
	reviewedRe     = regexp.MustCompile(`(?i)(?:last reviewed|review date|reviewed)\s*:?\s*(` + dateExpr + `)`)
	versionRe      = regexp.MustCompile(`(?i)\bversion\s*:?\s*(\d+(?:\.\d+)*)\b`)
	criteriaHeadRe = regexp.MustCompile(`(?i)criteria|medical(?:ly)? necess|coverage (?:position|policy|statement)|policy statement`)
	blankLinesRe   = regexp.MustCompile(`\n{3,}`)
)

// Extraction is what a page's HTML yields.
type Extraction struct {
	Title  string
	Text   string
	Fields model.ExtractedFields
}

// Extract parses HTML and pulls text, headings, policy links, dates, policy
// numbers and code candidates. Extraction is best effort: malformed HTML
// yields whatever goquery could parse.
func Extract(html, pageURL string) Extraction {
	base, _ := url.Parse(pageURL)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Extraction{Text: html}
	}
	doc.Find(stripSelectors).Remove()

	title := cleanText(doc.Find("title").First().Text())
	if title == "" {
		title = cleanText(doc.Find("h1").First().Text())
	}

	text := mainText(doc)
	if len(text) < minMainText {
		if rt, rtitle := readabilityText(html, base); len(rt) > len(text) {
			text = rt
			if title == "" {
				title = rtitle
			}
		}
	}

	f := model.ExtractedFields{
		Title:    title,
		Headings: headings(doc),
		Links:    policyLinks(doc, base),
		Dates:    findAll(dateRe, text, 0),
		Codes:    codes.Find(text),
	}
	f.PolicyNumbers = findAll(policyNumberRe, text, 1)
	f.Metadata = model.DocumentMetadata{
		EffectiveDate: firstGroup(effectiveRe, text),
		RevisionDate:  firstGroup(revisedRe, text),
		LastReviewed:  firstGroup(reviewedRe, text),
		Version:       firstGroup(versionRe, text),
	}
	if len(f.PolicyNumbers) > 0 {
		f.Metadata.PolicyNumber = f.PolicyNumbers[0]
	}
	f.CriteriaExcerpt = criteriaExcerpt(doc)

	return Extraction{Title: title, Text: text, Fields: f}
}

// ExtractText handles text/plain bodies.
func ExtractText(body string) Extraction {
	text := strings.TrimSpace(blankLinesRe.ReplaceAllString(body, "\n\n"))
	f := model.ExtractedFields{
		Dates:         findAll(dateRe, text, 0),
		PolicyNumbers: findAll(policyNumberRe, text, 1),
		Codes:         codes.Find(text),
		Metadata: model.DocumentMetadata{
			EffectiveDate: firstGroup(effectiveRe, text),
			RevisionDate:  firstGroup(revisedRe, text),
			LastReviewed:  firstGroup(reviewedRe, text),
			Version:       firstGroup(versionRe, text),
		},
	}
	return Extraction{Text: text, Fields: f}
}

func mainText(doc *goquery.Document) string {
	for _, sel := range mainSelectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		if t := blockText(s); len(t) >= minMainText {
			return t
		}
	}
	return blockText(doc.Find("body"))
}

const blockSelectors = "h1, h2, h3, h4, h5, h6, p, li, td, th, dd, dt, pre, blockquote"

// blockText joins the text of block elements with newlines so diffs stay
// line oriented. s may be a container or a run of sibling blocks.
func blockText(s *goquery.Selection) string {
	var lines []string
	add := func(b *goquery.Selection) {
		if b.Find("p, li").Length() > 0 {
			return
		}
		if t := cleanText(b.Text()); t != "" {
			lines = append(lines, t)
		}
	}
	s.Each(func(_ int, el *goquery.Selection) {
		if el.Is(blockSelectors) {
			add(el)
		}
		el.Find(blockSelectors).Each(func(_ int, b *goquery.Selection) { add(b) })
	})
	if len(lines) == 0 {
		return cleanText(s.Text())
	}
	return strings.Join(lines, "\n")
}

func readabilityText(html string, base *url.URL) (text, title string) {
	if base == nil || strings.TrimSpace(html) == "" {
		return "", ""
	}
	article, err := readability.FromReader(strings.NewReader(html), base)
	if err != nil {
		return "", ""
	}
	return strings.TrimSpace(article.TextContent), strings.TrimSpace(article.Title)
}

func headings(doc *goquery.Document) []string {
	var out []string
	doc.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if t := cleanText(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

func policyLinks(doc *goquery.Document, base *url.URL) []model.Link {
	seen := make(map[string]struct{})
	var out []model.Link
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return
		}
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		u.Fragment = ""
		abs := u.String()

		text := cleanText(a.Text())
		if !IsPolicyLink(abs, text) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, model.Link{URL: abs, Text: text, Context: truncateRunes(cleanText(a.Parent().Text()), 200)})
	})
	return out
}

// IsPolicyLink reports whether a link's URL or text matches a policy pattern.
func IsPolicyLink(href, text string) bool {
	for _, re := range PolicyLinkPatterns {
		if re.MatchString(href) || re.MatchString(text) {
			return true
		}
	}
	return false
}

func criteriaExcerpt(doc *goquery.Document) string {
	var excerpt string
	doc.Find("h1, h2, h3, h4").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if !criteriaHeadRe.MatchString(h.Text()) {
			return true
		}
		body := blockText(h.NextUntil("h1, h2, h3, h4"))
		if body == "" {
			return true
		}
		excerpt = truncateRunes(body, maxExcerpt)
		return false
	})
	return excerpt
}

func findAll(re *regexp.Regexp, text string, group int) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if group < len(m) {
			out = append(out, strings.TrimSpace(m[group]))
		}
	}
	return model.NormalizeSet(out, nil)
}

func firstGroup(re *regexp.Regexp, text string) string {
	if m := re.FindStringSubmatch(text); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
