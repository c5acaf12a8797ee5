package extract

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Strategy is one way to locate a field inside a listing container. An empty
// Attr reads text content; Pattern, when set, must capture the value in its
// first group.
type Strategy struct {
	Selector string `yaml:"selector"`
	Attr     string `yaml:"attr,omitempty"`
	Pattern  string `yaml:"pattern,omitempty"`
}

// Profile is the site-specific selector/regex table. It is data, not code:
// markup drift is absorbed by editing the profile, never the engine.
type Profile struct {
	// ContainerSelectors are tried in priority order; the first selector
	// whose match count and textual bulk look like a listing grid wins.
	ContainerSelectors []string `yaml:"container_selectors"`

	// LinkStrategies locate the listing URL inside one container. The URL
	// is the raw material for identity derivation.
	LinkStrategies []Strategy `yaml:"link_strategies"`

	// IdentityPatterns extract a canonical listing id from the listing
	// URL, first capture group wins.
	IdentityPatterns []string `yaml:"identity_patterns"`

	// FieldStrategies maps field name to an ordered strategy cascade.
	FieldStrategies map[string][]Strategy `yaml:"field_strategies"`

	// Container plausibility bounds.
	MinContainers int `yaml:"min_containers"`
	MaxContainers int `yaml:"max_containers"`
	MinTextBulk   int `yaml:"min_text_bulk"`
}

// DefaultProfile covers the common marketplace listing-grid shapes. Real
// deployments ship a site profile alongside the config file.
func DefaultProfile() *Profile {
	return &Profile{
		ContainerSelectors: []string{
			"div[data-listing-id]",
			"article.listing-card",
			"div.listing-card",
			"li.listing",
			"div.search-result",
			"div[class*='ListingCard']",
		},
		LinkStrategies: []Strategy{
			{Selector: "a[href*='/listing']", Attr: "href"},
			{Selector: "h3 a", Attr: "href"},
			{Selector: "a", Attr: "href"},
		},
		IdentityPatterns: []string{
			`/listings?/(\d+)`,
			`[-/](\d{4,})(?:[/?#]|$)`,
		},
		FieldStrategies: map[string][]Strategy{
			"title": {
				{Selector: "h3 a"},
				{Selector: "h2"},
				{Selector: "[class*='title']"},
			},
			"price": {
				{Selector: "[class*='price']", Pattern: `(?i)(?:USD|\$)\s*([\d,.]+[kKmM]?)`},
				{Selector: "[data-price]", Attr: "data-price"},
			},
			"monthly_revenue": {
				{Selector: "[class*='revenue']", Pattern: `(?i)([\d,.]+[kKmM]?)\s*(?:/\s*mo|per month|p/m)`},
				{Selector: "[class*='revenue']", Pattern: `(?i)(?:USD|\$)\s*([\d,.]+[kKmM]?)`},
			},
			"multiple": {
				{Selector: "[class*='multiple']", Pattern: `([\d.]+)\s*[xX]`},
			},
			"category": {
				{Selector: "[class*='category']"},
				{Selector: "[class*='industry']"},
			},
			"badges": {
				{Selector: "[class*='badge']"},
				{Selector: "[class*='verified']"},
			},
			"age_months": {
				{Selector: "[class*='age']"},
				{Selector: "[class*='established']"},
			},
		},
		MinContainers: 2,
		MaxContainers: 250,
		MinTextBulk:   40,
	}
}

// LoadProfile reads a profile YAML; missing bounds fall back to defaults.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p := &Profile{}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	def := DefaultProfile()
	if p.MinContainers <= 0 {
		p.MinContainers = def.MinContainers
	}
	if p.MaxContainers <= 0 {
		p.MaxContainers = def.MaxContainers
	}
	if p.MinTextBulk <= 0 {
		p.MinTextBulk = def.MinTextBulk
	}
	if len(p.ContainerSelectors) == 0 {
		return nil, fmt.Errorf("profile %s has no container selectors", path)
	}
	return p, nil
}

// compiled is a profile with all regex patterns compiled once.
type compiled struct {
	containers []string
	links      []compiledStrategy
	identity   []*regexp.Regexp
	fields     map[string][]compiledStrategy
	minCount   int
	maxCount   int
	minBulk    int
}

type compiledStrategy struct {
	selector string
	attr     string
	re       *regexp.Regexp
}

func (p *Profile) compile() (*compiled, error) {
	c := &compiled{
		containers: p.ContainerSelectors,
		fields:     make(map[string][]compiledStrategy, len(p.FieldStrategies)),
		minCount:   p.MinContainers,
		maxCount:   p.MaxContainers,
		minBulk:    p.MinTextBulk,
	}
	var err error
	if c.links, err = compileStrategies(p.LinkStrategies); err != nil {
		return nil, fmt.Errorf("link strategies: %w", err)
	}
	for _, pat := range p.IdentityPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("identity pattern %q: %w", pat, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("identity pattern %q has no capture group", pat)
		}
		c.identity = append(c.identity, re)
	}
	for name, strategies := range p.FieldStrategies {
		cs, err := compileStrategies(strategies)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		c.fields[name] = cs
	}
	return c, nil
}

func compileStrategies(in []Strategy) ([]compiledStrategy, error) {
	out := make([]compiledStrategy, 0, len(in))
	for _, s := range in {
		cs := compiledStrategy{selector: s.Selector, attr: s.Attr}
		if s.Pattern != "" {
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", s.Pattern, err)
			}
			if re.NumSubexp() < 1 {
				return nil, fmt.Errorf("pattern %q has no capture group for the value", s.Pattern)
			}
			cs.re = re
		}
		out = append(out, cs)
	}
	return out, nil
}
