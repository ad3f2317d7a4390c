// Package canonical normalizes fetched page text so that cosmetic noise
// (timestamps, copyright years, UI boilerplate) does not register as change.
package canonical

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// DefaultPhrases is the built-in boilerplate denylist. Phrases are matched
// against lower-cased, whitespace-collapsed text.
var DefaultPhrases = []string{
	"accept all cookies",
	"accept cookies",
	"reject all cookies",
	"cookie settings",
	"cookie preferences",
	"manage cookies",
	"this website uses cookies",
	"this site uses cookies",
	"we use cookies",
	"back to top",
	"skip to main content",
	"skip to content",
	"skip navigation",
	"toggle navigation",
	"print this page",
	"share this page",
	"email this page",
	"opens in a new window",
	"opens in new window",
	"was this page helpful?",
	"all rights reserved",
}

const month = `(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

const datePattern = `(?:\d{4}-\d{1,2}-\d{1,2}(?:t\d{1,2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:z|[+-]\d{2}:?\d{2})?)?` +
	`|\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}` +
	`|` + month + `\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}` +
	`|\d{1,2}\s+` + month + `\.?,?\s+\d{4}` +
	`|` + month + `\.?\s+\d{4})`

const timePattern = `(?:,?\s*(?:at\s+)?\d{1,2}:\d{2}(?::\d{2})?(?:\s*(?:am|pm|a\.m\.|p\.m\.))?(?:\s*(?:utc|gmt|[ecmp][sd]t))?)?`

var (
	lastUpdatedRe = regexp.MustCompile(`(?:last\s+)?(?:updated|reviewed|modified|revised)(?:\s+(?:on|date))?\s*:?\s*` + datePattern + timePattern)
	generatedRe   = regexp.MustCompile(`(?:page\s+)?(?:generated|retrieved|printed|accessed|downloaded)(?:\s+(?:on|at))?\s*:?\s*` + datePattern + timePattern)
	copyrightRe   = regexp.MustCompile(`(?:©|\(c\)|copyright)(?:\s*(?:©|\(c\)))?\s*\d{4}(?:\s*[-–—]\s*\d{4})?`)
)

// Canonicalizer strips non-substantive text. It is safe for concurrent use.
type Canonicalizer struct {
	phrases []string
	matcher *ahocorasick.Matcher
}

// Option configures a Canonicalizer.
type Option func(*options)

type options struct {
	phrases    []string
	noDefaults bool
}

// WithPhrases adds boilerplate phrases to the denylist.
func WithPhrases(phrases ...string) Option {
	return func(o *options) { o.phrases = append(o.phrases, phrases...) }
}

// WithoutDefaults drops DefaultPhrases from the denylist.
func WithoutDefaults() Option {
	return func(o *options) { o.noDefaults = true }
}

// New builds a Canonicalizer from DefaultPhrases plus any extra phrases.
func New(opts ...Option) *Canonicalizer {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	var raw []string
	if !o.noDefaults {
		raw = append(raw, DefaultPhrases...)
	}
	raw = append(raw, o.phrases...)

	seen := make(map[string]struct{}, len(raw))
	phrases := make([]string, 0, len(raw))
	for _, p := range raw {
		p = collapse(strings.ToLower(norm.NFKC.String(p)))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		phrases = append(phrases, p)
	}

	// Longest first so an enclosing phrase wins over a phrase it contains.
	sort.SliceStable(phrases, func(i, j int) bool { return len(phrases[i]) > len(phrases[j]) })

	c := &Canonicalizer{phrases: phrases}
	if len(phrases) > 0 {
		c.matcher = ahocorasick.NewStringMatcher(phrases)
	}
	return c
}

var defaultCanonicalizer = New()

// Canonicalize normalizes raw with the default denylist.
func Canonicalize(raw string) string {
	return defaultCanonicalizer.Canonicalize(raw)
}

// Phrases returns the effective denylist.
func (c *Canonicalizer) Phrases() []string {
	out := make([]string, len(c.phrases))
	copy(out, c.phrases)
	return out
}

// Canonicalize returns the canonical form of raw. The result is a fixed
// point: canonicalizing it again returns it unchanged.
func (c *Canonicalizer) Canonicalize(raw string) string {
	s := collapse(strings.ToLower(norm.NFKC.String(raw)))
	for {
		next := c.strip(s)
		if next == s {
			return s
		}
		s = next
	}
}

func (c *Canonicalizer) strip(s string) string {
	s = lastUpdatedRe.ReplaceAllString(s, " ")
	s = generatedRe.ReplaceAllString(s, " ")
	s = copyrightRe.ReplaceAllString(s, " ")

	if c.matcher != nil {
		hits := c.matcher.MatchThreadSafe([]byte(s))
		sort.Ints(hits)
		for _, i := range hits {
			s = strings.ReplaceAll(s, c.phrases[i], " ")
		}
	}
	return collapse(s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// denylistFile is the YAML shape of an extra boilerplate list.
type denylistFile struct {
	Phrases []string `yaml:"phrases"`
}

// LoadDenylist reads extra boilerplate phrases from a YAML file of the form
// `phrases: [...]`.
func LoadDenylist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "canonical: read denylist %s", path)
	}
	var f denylistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "canonical: parse denylist %s", path)
	}
	return f.Phrases, nil
}
