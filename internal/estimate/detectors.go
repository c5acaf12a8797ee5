package estimate

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/listwatch/harvester/internal/render"
	"github.com/listwatch/harvester/internal/types"
)

// detect runs every detector over one page pass and returns whatever counts
// they produced. Detectors are independent; a miss is silent.
func (e *Estimator) detect(ctx context.Context, page *render.Page) []candidate {
	var out []candidate
	if c, ok := detectTotalCountText(page.Doc); ok {
		out = append(out, candidate{count: c, source: types.SourceTotalCountText})
	}
	if c, ok := detectStructuredMeta(page.Doc); ok {
		out = append(out, candidate{count: c, source: types.SourceStructuredMeta})
	}
	if c, ok := e.detectPaginationFooter(page.Doc); ok {
		out = append(out, candidate{count: c, source: types.SourcePagination})
	}
	if c, ok := e.detectLastPageProbe(page.Doc); ok {
		out = append(out, candidate{count: c, source: types.SourceLastPageProbe})
	}
	if c, ok := detectEmbeddedState(ctx, page); ok {
		out = append(out, candidate{count: c, source: types.SourceEmbeddedState})
	}
	return out
}

var totalCountRe = regexp.MustCompile(`(?i)([\d][\d,.]*)\s*\+?\s*(?:results|listings|items|businesses|websites|matches)\b`)

// detectTotalCountText searches likely headline elements, then the whole
// body, for an "N results" phrase.
func detectTotalCountText(doc *goquery.Document) (int, bool) {
	scopes := []string{"[class*='result']", "[class*='count']", "[class*='total']", "h1, h2", "body"}
	for _, scope := range scopes {
		text := doc.Find(scope).Text()
		if m := totalCountRe.FindStringSubmatch(text); m != nil {
			if n, ok := parseCount(m[1]); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// detectStructuredMeta looks for an item count in JSON-LD blocks or count
// meta tags.
func detectStructuredMeta(doc *goquery.Document) (int, bool) {
	found := 0
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return true
		}
		if n, ok := findNumberOfItems(payload); ok {
			found = n
			return false
		}
		return true
	})
	if found > 0 {
		return found, true
	}
	for _, name := range []string{"total-results", "totalResults"} {
		if content, ok := doc.Find(`meta[name="` + name + `"]`).Attr("content"); ok {
			if n, ok := parseCount(content); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// findNumberOfItems walks arbitrary JSON-LD for a numberOfItems key.
func findNumberOfItems(v any) (int, bool) {
	switch t := v.(type) {
	case map[string]any:
		if raw, ok := t["numberOfItems"]; ok {
			if f, ok := raw.(float64); ok && f > 0 {
				return int(f), true
			}
		}
		for _, child := range t {
			if n, ok := findNumberOfItems(child); ok {
				return n, true
			}
		}
	case []any:
		for _, child := range t {
			if n, ok := findNumberOfItems(child); ok {
				return n, true
			}
		}
	}
	return 0, false
}

var pageOfRe = regexp.MustCompile(`(?i)page\s+\d+\s+of\s+([\d,]+)`)

// detectPaginationFooter parses a "Page X of Y" style footer and
// extrapolates with the page size.
func (e *Estimator) detectPaginationFooter(doc *goquery.Document) (int, bool) {
	text := doc.Find("[class*='pagination'], [class*='pager'], nav").Text()
	m := pageOfRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	pages, ok := parseCount(m[1])
	if !ok || pages <= 0 {
		return 0, false
	}
	return pages * e.pageSize, true
}

// detectLastPageProbe takes the largest numeric pagination link and
// extrapolates with the page size.
func (e *Estimator) detectLastPageProbe(doc *goquery.Document) (int, bool) {
	maxPage := 0
	doc.Find("[class*='pagination'] a, [class*='pager'] a, nav a").Each(func(_ int, a *goquery.Selection) {
		t := strings.TrimSpace(a.Text())
		if n, err := strconv.Atoi(strings.ReplaceAll(t, ",", "")); err == nil && n > maxPage {
			maxPage = n
		}
	})
	if maxPage <= 1 {
		return 0, false
	}
	return maxPage * e.pageSize, true
}

// embeddedStateScript probes the globals client frameworks leave behind for
// a total count. Returns 0 when nothing is exposed.
const embeddedStateScript = `(() => {
	const roots = [window.__INITIAL_STATE__, window.__NEXT_DATA__, window.__APP_STATE__];
	const keys = ["totalCount", "total_results", "totalItems", "resultCount"];
	const walk = (node, depth) => {
		if (!node || typeof node !== "object" || depth > 6) return 0;
		for (const k of keys) {
			if (typeof node[k] === "number" && node[k] > 0) return node[k];
		}
		for (const v of Object.values(node)) {
			const n = walk(v, depth + 1);
			if (n > 0) return n;
		}
		return 0;
	};
	for (const root of roots) {
		const n = walk(root, 0);
		if (n > 0) return n;
	}
	return 0;
})()`

// detectEmbeddedState asks the live page for exposed client-side state. A
// renderer without script support is a silent miss.
func detectEmbeddedState(ctx context.Context, page *render.Page) (int, bool) {
	if page.Eval == nil {
		return 0, false
	}
	evalCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var n float64
	if err := page.Eval(evalCtx, embeddedStateScript, &n); err != nil {
		return 0, false
	}
	if n <= 0 {
		return 0, false
	}
	return int(n), true
}

func parseCount(raw string) (int, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	s = strings.TrimSuffix(s, ".")
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
