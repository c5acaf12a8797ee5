package estimate

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/listwatch/harvester/internal/render"
	"github.com/listwatch/harvester/internal/types"
)

func pageOf(t *testing.T, html string) *render.Page {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatal(err)
	}
	return &render.Page{URL: "https://marketplace.test/search?page=1", Number: 1, Doc: doc}
}

func newClockedEstimator(t *testing.T) (*Estimator, *time.Time) {
	t.Helper()
	e := New(nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, &now
}

func TestDetectTotalCountText(t *testing.T) {
	page := pageOf(t, `<html><body><h1>6,142 results for online businesses</h1></body></html>`)
	e, _ := newClockedEstimator(t)
	est, err := e.Estimate(context.Background(), page)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.TotalItems != 6142 {
		t.Errorf("total = %d, want 6142", est.TotalItems)
	}
	if est.Source != types.SourceTotalCountText {
		t.Errorf("source = %s, want totalCountText", est.Source)
	}
}

func TestDetectStructuredMetadata(t *testing.T) {
	page := pageOf(t, `<html><head><script type="application/ld+json">
		{"@type":"ItemList","mainEntity":{"numberOfItems":5890}}
	</script></head><body></body></html>`)
	e, _ := newClockedEstimator(t)
	est, err := e.Estimate(context.Background(), page)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.TotalItems != 5890 || est.Source != types.SourceStructuredMeta {
		t.Errorf("got %d from %s, want 5890 from structuredMetadata", est.TotalItems, est.Source)
	}
}

func TestPaginationExtrapolation(t *testing.T) {
	page := pageOf(t, `<html><body><div class="pagination">
		<a href="?page=1">1</a><a href="?page=2">2</a><a href="?page=248">248</a>
	</div></body></html>`)
	e, _ := newClockedEstimator(t)
	e.SetObservedPageSize(25)
	est, err := e.Estimate(context.Background(), page)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Source != types.SourceLastPageProbe {
		t.Errorf("source = %s, want lastPageProbe", est.Source)
	}
	if est.TotalItems != 248*25 {
		t.Errorf("total = %d, want %d", est.TotalItems, 248*25)
	}
}

func TestEmbeddedStateDetector(t *testing.T) {
	page := pageOf(t, `<html><body></body></html>`)
	page.Eval = func(ctx context.Context, script string, out any) error {
		*(out.(*float64)) = 6050
		return nil
	}
	e, _ := newClockedEstimator(t)
	est, err := e.Estimate(context.Background(), page)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.TotalItems != 6050 || est.Source != types.SourceEmbeddedState {
		t.Errorf("got %d from %s, want 6050 from embeddedState", est.TotalItems, est.Source)
	}
}

// Higher tiers win; the count text outranks pagination math.
func TestTierSelection(t *testing.T) {
	page := pageOf(t, `<html><body>
		<h1>6,000 listings</h1>
		<div class="pagination"><a>1</a><a>2</a><a>300</a></div>
	</body></html>`)
	e, _ := newClockedEstimator(t)
	e.SetObservedPageSize(25)
	est, err := e.Estimate(context.Background(), page)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Source != types.SourceTotalCountText || est.TotalItems != 6000 {
		t.Errorf("got %d from %s, want 6000 from totalCountText", est.TotalItems, est.Source)
	}
}

// A detector reporting 10x everything else must not be accepted.
func TestOutlierRejection(t *testing.T) {
	e, now := newClockedEstimator(t)

	seed := pageOf(t, `<html><body><h1>6,000 results</h1></body></html>`)
	if _, err := e.Estimate(context.Background(), seed); err != nil {
		t.Fatalf("seed estimate: %v", err)
	}

	*now = now.Add(30 * time.Minute)
	outlier := pageOf(t, `<html><body>
		<h1>60,000 results</h1>
		<div class="pagination"><a>1</a><a>244</a></div>
	</body></html>`)
	e.SetObservedPageSize(25)
	est, _ := e.Estimate(context.Background(), outlier)
	if est.TotalItems == 60000 {
		t.Fatalf("outlier accepted: %d", est.TotalItems)
	}
	if est.TotalItems != 244*25 {
		t.Errorf("total = %d, want fallback to pagination %d", est.TotalItems, 244*25)
	}
}

// Same-tier candidates are resolved by proximity to the previous accepted
// value: the stability bias against oscillation.
func TestStabilityBiasTieBreak(t *testing.T) {
	e, now := newClockedEstimator(t)
	e.SetObservedPageSize(25)
	seed := pageOf(t, `<html><body><h1>6,000 results</h1></body></html>`)
	if _, err := e.Estimate(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	// Footer says 240 pages (6,000 items); the bare link probe sees a 260
	// link (6,500 items). Equal tiers; 6,000 is closer to the accepted
	// value and must win.
	*now = now.Add(time.Hour)
	page := pageOf(t, `<html><body><div class="pagination">
		Page 3 of 240 <a>1</a><a>2</a><a>260</a>
	</div></body></html>`)
	est, err := e.Estimate(context.Background(), page)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.TotalItems != 240*25 {
		t.Errorf("accepted %d from %s, want %d via stability bias", est.TotalItems, est.Source, 240*25)
	}
	if est.Source != types.SourcePagination {
		t.Errorf("source = %s, want pagination", est.Source)
	}
}

func TestNoDetectorKeepsLastGood(t *testing.T) {
	e, now := newClockedEstimator(t)
	seed := pageOf(t, `<html><body><h1>5,000 results</h1></body></html>`)
	if _, err := e.Estimate(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(time.Hour)
	blank := pageOf(t, `<html><body><p>nothing useful</p></body></html>`)
	est, err := e.Estimate(context.Background(), blank)
	if err == nil {
		t.Fatal("expected EstimatorDisagreement")
	}
	if est.TotalItems != 5000 {
		t.Errorf("fallback total = %d, want last good 5000", est.TotalItems)
	}
}

// 5,900 -> 6,800 within one interval is a >15% swing: volatile, buffer grows.
func TestVelocityAndVolatility(t *testing.T) {
	e, now := newClockedEstimator(t)

	first := pageOf(t, `<html><body><h1>5,900 results</h1></body></html>`)
	if _, err := e.Estimate(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	calmBuffer := e.BufferPages()

	*now = now.Add(time.Hour)
	second := pageOf(t, `<html><body><h1>6,800 results</h1></body></html>`)
	est, err := e.Estimate(context.Background(), second)
	if err != nil {
		t.Fatal(err)
	}

	if !Changed(5900, est.TotalItems) {
		t.Error("a 5900 -> 6800 swing must cross the catalog-changed threshold")
	}
	if v := e.Velocity(); v != 900 {
		t.Errorf("velocity = %v items/hour, want 900", v)
	}
	if !e.Volatile() {
		t.Error("catalog must be flagged volatile")
	}
	if e.BufferPages() <= calmBuffer {
		t.Errorf("volatile buffer pages (%d) must exceed calm buffer (%d)", e.BufferPages(), calmBuffer)
	}
}

func TestHistoryBounded(t *testing.T) {
	e, now := newClockedEstimator(t)
	for i := 0; i < historyCap+20; i++ {
		html := fmt.Sprintf(`<html><body><h1>%d results</h1></body></html>`, 6000+i)
		*now = now.Add(time.Minute)
		if _, err := e.Estimate(context.Background(), pageOf(t, html)); err != nil {
			t.Fatalf("estimate %d: %v", i, err)
		}
	}
	if len(e.history) != historyCap {
		t.Errorf("history length = %d, want capped at %d", len(e.history), historyCap)
	}
}

func TestPredictedLastPage(t *testing.T) {
	e, _ := newClockedEstimator(t)
	e.SetObservedPageSize(25)
	seed := pageOf(t, `<html><body><h1>1,000 results</h1></body></html>`)
	if _, err := e.Estimate(context.Background(), seed); err != nil {
		t.Fatal(err)
	}
	// 1000/25 = 40 pages plus the calm buffer (ceil(50/25) = 2).
	if got := e.PredictedLastPage(); got != 42 {
		t.Errorf("predicted last page = %d, want 42", got)
	}
}
