// Package source loads the catalog of monitored sources.
package source

import (
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Type is the kind of content a source publishes.
type Type string

const (
	TypePayerPolicy Type = "payer_policy"
	TypeVendorPress Type = "vendor_press"
	TypeGovFeed     Type = "gov_feed"
	TypeLiterature  Type = "literature"
)

// Valid reports whether t is a known source type.
func (t Type) Valid() bool {
	switch t {
	case TypePayerPolicy, TypeVendorPress, TypeGovFeed, TypeLiterature:
		return true
	default:
		return false
	}
}

// Source is one catalog entry: a set of URLs fetched by the same worker.
type Source struct {
	ID       string   `yaml:"id" json:"id"`
	Type     Type     `yaml:"type" json:"type"`
	Name     string   `yaml:"name" json:"name"`
	PayerID  string   `yaml:"payer_id" json:"payer_id,omitempty"`
	PageType string   `yaml:"page_type" json:"page_type"`
	DocType  string   `yaml:"doc_type" json:"doc_type,omitempty"`
	URLs     []string `yaml:"urls" json:"urls"`
	Render   bool     `yaml:"render" json:"render"`
	Fallback bool     `yaml:"fallback" json:"fallback"`

	// PolicyIDs pins the document policy id of individual URLs.
	PolicyIDs map[string]string `yaml:"policy_ids" json:"policy_ids,omitempty"`
}

// PolicyID returns the pinned policy id of rawURL, or "" when the catalog
// leaves it to be derived.
func (s Source) PolicyID(rawURL string) string {
	return s.PolicyIDs[rawURL]
}

// TracksDocuments reports whether the source's pages are policy documents
// that get multi-hash tracking and classification.
func (s Source) TracksDocuments() bool {
	return s.Type == TypePayerPolicy
}

// Catalog is a validated list of sources.
type Catalog struct {
	Sources []Source `yaml:"sources"`
}

var idRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// LoadCatalog reads and validates a YAML catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read catalog %s", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates YAML catalog bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "source: parse catalog")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ids, types and URLs and fills defaults in place.
func (c *Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Sources))
	policyOwner := make(map[string]string)
	for i := range c.Sources {
		s := &c.Sources[i]
		s.ID = strings.TrimSpace(s.ID)
		if !idRe.MatchString(s.ID) {
			return eris.Errorf("source: invalid id %q at index %d", s.ID, i)
		}
		if _, dup := seen[s.ID]; dup {
			return eris.Errorf("source: duplicate id %q", s.ID)
		}
		seen[s.ID] = struct{}{}

		if !s.Type.Valid() {
			return eris.Errorf("source: %s: unknown type %q", s.ID, s.Type)
		}
		if s.PageType == "" {
			s.PageType = string(s.Type)
		}
		if s.TracksDocuments() && s.DocType == "" {
			s.DocType = "policy"
		}
		if s.TracksDocuments() && s.PayerID == "" {
			s.PayerID = s.ID
		}
		if len(s.URLs) == 0 {
			return eris.Errorf("source: %s: no urls", s.ID)
		}
		for j, raw := range s.URLs {
			raw = strings.TrimSpace(raw)
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return eris.Errorf("source: %s: invalid url %q", s.ID, raw)
			}
			s.URLs[j] = raw
		}
		if err := s.validatePolicyIDs(policyOwner); err != nil {
			return err
		}
	}
	return nil
}

// validatePolicyIDs trims pinned ids and rejects blank ids, ids for URLs
// the source does not list, and ids claimed by two URLs of the catalog.
func (s *Source) validatePolicyIDs(owner map[string]string) error {
	if len(s.PolicyIDs) == 0 {
		return nil
	}
	listed := make(map[string]struct{}, len(s.URLs))
	for _, u := range s.URLs {
		listed[u] = struct{}{}
	}
	pinned := make(map[string]string, len(s.PolicyIDs))
	for raw, id := range s.PolicyIDs {
		raw, id = strings.TrimSpace(raw), strings.TrimSpace(id)
		if _, ok := listed[raw]; !ok {
			return eris.Errorf("source: %s: policy id for unlisted url %q", s.ID, raw)
		}
		if id == "" {
			return eris.Errorf("source: %s: blank policy id for %q", s.ID, raw)
		}
		if prev, dup := owner[id]; dup && prev != raw {
			return eris.Errorf("source: %s: policy id %q used by %q and %q", s.ID, id, prev, raw)
		}
		owner[id] = raw
		pinned[raw] = id
	}
	s.PolicyIDs = pinned
	return nil
}

// ByType groups sources by type, preserving catalog order within a group.
func (c *Catalog) ByType() map[Type][]Source {
	out := make(map[Type][]Source)
	for _, s := range c.Sources {
		out[s.Type] = append(out[s.Type], s)
	}
	return out
}

// Types returns the distinct source types in sorted order.
func (c *Catalog) Types() []Type {
	groups := c.ByType()
	out := make([]Type, 0, len(groups))
	for t := range groups {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Filter returns the sources whose id or type matches one of the names.
// No names returns every source.
func (c *Catalog) Filter(names ...string) []Source {
	if len(names) == 0 {
		return c.Sources
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	var out []Source
	for _, s := range c.Sources {
		_, byID := want[s.ID]
		_, byType := want[string(s.Type)]
		if byID || byType {
			out = append(out, s)
		}
	}
	return out
}
