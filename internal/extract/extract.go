// Package extract turns one rendered catalog page into zero or more
// confidence-scored records. Container location and per-field strategies are
// driven entirely by a swappable profile.
package extract

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/listwatch/harvester/internal/render"
	"github.com/listwatch/harvester/internal/types"
)

// FieldWeights is the confidence contribution of each observed field. The
// table is data so weighting stays independently testable; the sum of all
// weights is 100.
var FieldWeights = map[string]int{
	types.FieldTitle:          25,
	types.FieldPrice:          20,
	types.FieldMonthlyRevenue: 15,
	types.FieldMultiple:       10,
	types.FieldCategory:       10,
	types.FieldBadges:         10,
	types.FieldAgeMonths:      10,
}

// Derived fields earn half the observed weight.
const derivedWeightDivisor = 2

// MinRecordConfidence is the floor below which a record is dropped in the
// extractor rather than handed to the store.
const MinRecordConfidence = 35

// Stats reports what happened to the candidate containers of one page.
type Stats struct {
	Containers    int
	Extracted     int
	NoIdentity    int
	LowConfidence int
}

// Extractor applies a compiled profile to rendered pages.
type Extractor struct {
	profile *compiled
	log     *slog.Logger
}

// New compiles the profile. A nil profile uses the defaults.
func New(p *Profile, log *slog.Logger) (*Extractor, error) {
	if p == nil {
		p = DefaultProfile()
	}
	if log == nil {
		log = slog.Default()
	}
	c, err := p.compile()
	if err != nil {
		return nil, fmt.Errorf("compile profile: %w", err)
	}
	return &Extractor{profile: c, log: log}, nil
}

// Extract locates listing containers on the page and runs the per-field
// cascades over each. Records without a derivable identity or below the
// confidence floor never leave this method.
func (e *Extractor) Extract(page *render.Page) ([]*types.Record, Stats) {
	var stats Stats

	containers := e.locateContainers(page.Doc)
	if containers == nil {
		e.log.Debug("no plausible listing containers", slog.String("url", page.URL), slog.Int("page", page.Number))
		return nil, stats
	}
	stats.Containers = containers.Length()

	base, _ := url.Parse(page.URL)
	now := time.Now().UTC()

	var records []*types.Record
	containers.Each(func(_ int, sel *goquery.Selection) {
		rec := e.extractOne(sel, base, page.Number, now)
		if rec == nil {
			stats.NoIdentity++
			return
		}
		if rec.OverallConfidence < MinRecordConfidence {
			stats.LowConfidence++
			return
		}
		records = append(records, rec)
	})
	stats.Extracted = len(records)
	return records, stats
}

// locateContainers tries the prioritized container selectors, accepting the
// first whose match count is plausible and whose average text bulk looks
// like list items rather than page chrome.
func (e *Extractor) locateContainers(doc *goquery.Document) *goquery.Selection {
	for _, selector := range e.profile.containers {
		sel := doc.Find(selector)
		n := sel.Length()
		if n < e.profile.minCount || n > e.profile.maxCount {
			continue
		}
		total := 0
		sel.Each(func(_ int, s *goquery.Selection) {
			total += len(strings.TrimSpace(s.Text()))
		})
		if total/n < e.profile.minBulk {
			continue
		}
		return sel
	}
	return nil
}

func (e *Extractor) extractOne(sel *goquery.Selection, base *url.URL, pageNum int, now time.Time) *types.Record {
	link := e.listingURL(sel, base)
	identity := e.deriveIdentity(link)
	if identity == "" {
		return nil
	}

	rec := &types.Record{
		Identity:        identity,
		Fields:          make(map[string]types.FieldValue, len(e.profile.fields)+1),
		FieldConfidence: make(map[string]int, len(e.profile.fields)),
		SourcePage:      pageNum,
		CapturedAt:      now,
	}
	if link != "" {
		rec.Fields[types.FieldURL] = types.FieldValue{Text: link}
	}

	for name, cascade := range e.profile.fields {
		var raw string
		var ok bool
		if name == types.FieldBadges {
			raw, ok = applyCascadeJoined(sel, cascade)
		} else {
			raw, ok = applyCascade(sel, cascade)
		}
		if !ok {
			continue
		}
		value, ok := parseField(name, raw)
		if !ok {
			continue
		}
		rec.Fields[name] = value
		weight := FieldWeights[name]
		rec.FieldConfidence[name] = weight
		rec.OverallConfidence += weight
	}

	e.backfillDerived(rec)
	return rec
}

// applyCascade tries each strategy in order and stops at the first success.
func applyCascade(sel *goquery.Selection, cascade []compiledStrategy) (string, bool) {
	for _, s := range cascade {
		found := sel.Find(s.selector)
		if found.Length() == 0 {
			continue
		}
		var raw string
		if s.attr != "" {
			raw, _ = found.First().Attr(s.attr)
		} else {
			raw = found.First().Text()
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if s.re != nil {
			m := s.re.FindStringSubmatch(raw)
			if len(m) < 2 {
				continue
			}
			raw = m[1]
		}
		return raw, true
	}
	return "", false
}

// applyCascadeJoined is applyCascade for multi-valued fields: every match of
// the winning strategy is joined, not just the first.
func applyCascadeJoined(sel *goquery.Selection, cascade []compiledStrategy) (string, bool) {
	for _, s := range cascade {
		found := sel.Find(s.selector)
		if found.Length() == 0 {
			continue
		}
		parts := make([]string, 0, found.Length())
		found.Each(func(_ int, b *goquery.Selection) {
			t := strings.TrimSpace(b.Text())
			if t == "" {
				return
			}
			if s.re != nil {
				m := s.re.FindStringSubmatch(t)
				if len(m) < 2 {
					return
				}
				t = m[1]
			}
			parts = append(parts, t)
		})
		if len(parts) > 0 {
			return strings.Join(parts, ", "), true
		}
	}
	return "", false
}

// parseField converts the raw strategy output into a typed field value.
// Out-of-domain numbers are non-matches, not errors.
func parseField(name, raw string) (types.FieldValue, bool) {
	switch name {
	case types.FieldPrice:
		v, ok := parseMoney(raw, minPrice, maxPrice)
		if !ok {
			return types.FieldValue{}, false
		}
		return types.FieldValue{Text: raw, Number: v}, true
	case types.FieldMonthlyRevenue:
		v, ok := parseMoney(raw, minRevenue, maxRevenue)
		if !ok {
			return types.FieldValue{}, false
		}
		return types.FieldValue{Text: raw, Number: v}, true
	case types.FieldMultiple:
		v, ok := parseMultiple(raw)
		if !ok {
			return types.FieldValue{}, false
		}
		return types.FieldValue{Text: raw, Number: v}, true
	case types.FieldAgeMonths:
		v, ok := parseAgeText(raw)
		if !ok {
			return types.FieldValue{}, false
		}
		return types.FieldValue{Text: raw, Number: v}, true
	default:
		return types.FieldValue{Text: raw}, true
	}
}

// backfillDerived computes a missing value multiple from price and monthly
// revenue when both operands are present and non-zero. Back-filled values
// are flagged derived and earn reduced confidence.
func (e *Extractor) backfillDerived(rec *types.Record) {
	if _, have := rec.Fields[types.FieldMultiple]; have {
		return
	}
	price, okP := rec.Fields[types.FieldPrice]
	rev, okR := rec.Fields[types.FieldMonthlyRevenue]
	if !okP || !okR || price.Number == 0 || rev.Number == 0 {
		return
	}
	multiple := price.Number / (rev.Number * 12)
	if multiple < minMultiple || multiple > maxMultiple {
		return
	}
	weight := FieldWeights[types.FieldMultiple] / derivedWeightDivisor
	rec.Fields[types.FieldMultiple] = types.FieldValue{
		Text:    fmt.Sprintf("%.2fx", multiple),
		Number:  multiple,
		Derived: true,
	}
	rec.FieldConfidence[types.FieldMultiple] = weight
	rec.OverallConfidence += weight
}

// listingURL resolves the listing link of one container against the page
// URL.
func (e *Extractor) listingURL(sel *goquery.Selection, base *url.URL) string {
	raw, ok := applyCascade(sel, e.profile.links)
	if !ok {
		return ""
	}
	if base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// deriveIdentity extracts a canonical listing id from the URL, falling back
// to the normalized URL itself. An empty return means the record must be
// discarded.
func (e *Extractor) deriveIdentity(link string) string {
	if link == "" {
		return ""
	}
	for _, re := range e.profile.identity {
		if m := re.FindStringSubmatch(link); len(m) > 1 {
			return m[1]
		}
	}
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	return strings.TrimRight(u.String(), "/")
}
