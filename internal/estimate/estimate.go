// Package estimate infers the current size of the remote catalog from
// several independent signals on a rendered page, tracks its trend, and
// flags volatility.
package estimate

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/listwatch/harvester/internal/errors"
	"github.com/listwatch/harvester/internal/render"
	"github.com/listwatch/harvester/internal/types"
)

// Confidence tiers per detector source. Selection picks the highest tier;
// ties are broken by proximity to the previously accepted value.
// The two page-count extrapolations share a tier: both are one page-size
// multiplication away from the truth.
var sourceTier = map[types.EstimateSource]float64{
	types.SourceTotalCountText: 0.90,
	types.SourceStructuredMeta: 0.85,
	types.SourceEmbeddedState:  0.80,
	types.SourcePagination:     0.55,
	types.SourceLastPageProbe:  0.55,
}

// Plausibility bounds and trend thresholds.
const (
	absoluteFloor   = 10         // catalogs smaller than this are noise
	absoluteCeiling = 10_000_000 // larger is a parse artifact
	relativeCeiling = 5.0        // vs last accepted
	relativeFloor   = 0.2        // vs last accepted

	// ChangeThreshold is the relative swing past which consecutive
	// estimates mean "the catalog changed".
	ChangeThreshold = 0.15

	// volatileItemsPerHour marks the catalog volatile when the mean
	// change rate exceeds it.
	volatileItemsPerHour = 50.0

	historyCap     = 100
	velocityWindow = 10

	// staleEscapeStreak is the number of consecutive higher-tier
	// rejections after which the stability bias yields. The bias
	// otherwise locks onto the first accepted value forever if that
	// value was wrong.
	staleEscapeStreak = 3
)

// Volatility buffer shares of the accepted total.
const (
	calmBufferShare     = 0.05
	volatileBufferShare = 0.15
)

// candidate is one detector output.
type candidate struct {
	count  int
	source types.EstimateSource
}

// Estimator holds the bounded estimate history for one worker. Not safe for
// concurrent use; the controller loop is sequential.
type Estimator struct {
	log      *slog.Logger
	pageSize int

	accepted types.CatalogEstimate
	history  []types.CatalogEstimate

	highTierRejects int

	now func() time.Time
}

// New builds an estimator. pageSize seeds the page-count extrapolation
// detectors until an observed value replaces it.
func New(log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	return &Estimator{log: log, pageSize: 24, now: time.Now}
}

// SetObservedPageSize feeds back the container count actually seen on a full
// page, sharpening the extrapolation detectors.
func (e *Estimator) SetObservedPageSize(n int) {
	if n > 0 {
		e.pageSize = n
	}
}

// Accepted returns the last accepted estimate; zero TotalItems means no
// estimate has been accepted yet.
func (e *Estimator) Accepted() types.CatalogEstimate { return e.accepted }

// Estimate runs all detectors over the page and accepts the best plausible
// candidate. On total detector failure or disagreement it keeps the last
// known good estimate and returns an EstimatorDisagreement; callers log it
// as a warning, never treat it as fatal.
func (e *Estimator) Estimate(ctx context.Context, page *render.Page) (types.CatalogEstimate, error) {
	cands := e.detect(ctx, page)
	if len(cands) == 0 {
		if e.accepted.TotalItems > 0 {
			return e.accepted, &errors.EstimatorDisagreement{
				LastGood: e.accepted.TotalItems,
				Reason:   "no detector produced a count",
			}
		}
		return e.accepted, &errors.EstimatorDisagreement{Reason: "no detector produced a count"}
	}

	// Highest tier first; within a tier, closest to the previous accepted
	// value (stability bias against oscillation).
	prev := e.accepted.TotalItems
	sort.SliceStable(cands, func(i, j int) bool {
		ti, tj := sourceTier[cands[i].source], sourceTier[cands[j].source]
		if ti != tj {
			return ti > tj
		}
		if prev > 0 {
			return absDiff(cands[i].count, prev) < absDiff(cands[j].count, prev)
		}
		return false
	})

	for i, c := range cands {
		if reason := e.implausible(c.count); reason != "" {
			if i == 0 && prev > 0 && sourceTier[c.source] > sourceTier[e.accepted.Source] {
				e.highTierRejects++
				// A consistently disagreeing higher-tier detector
				// eventually wins over the stale accepted value.
				if e.highTierRejects >= staleEscapeStreak && c.count <= absoluteCeiling && c.count >= absoluteFloor {
					e.log.Warn("estimator stability bias released",
						slog.Int("accepted", prev), slog.Int("new", c.count),
						slog.String("source", string(c.source)))
					return e.accept(c), nil
				}
			}
			e.log.Warn("implausible estimate rejected",
				slog.Int("count", c.count),
				slog.String("source", string(c.source)),
				slog.String("reason", reason))
			continue
		}
		if i == 0 {
			e.highTierRejects = 0
		}
		return e.accept(c), nil
	}

	err := &errors.EstimatorDisagreement{
		Rejected: cands[0].count,
		LastGood: prev,
		Reason:   "all detector outputs implausible",
	}
	return e.accepted, err
}

func (e *Estimator) accept(c candidate) types.CatalogEstimate {
	est := types.CatalogEstimate{
		TotalItems: c.count,
		Confidence: sourceTier[c.source],
		Source:     c.source,
		ObservedAt: e.now(),
	}
	e.accepted = est
	e.history = append(e.history, est)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
	return est
}

func (e *Estimator) implausible(count int) string {
	if count < absoluteFloor {
		return "below absolute floor"
	}
	if count > absoluteCeiling {
		return "above absolute ceiling"
	}
	if prev := e.accepted.TotalItems; prev > 0 {
		if float64(count) > float64(prev)*relativeCeiling {
			return "absurdly large vs last accepted"
		}
		if float64(count) < float64(prev)*relativeFloor {
			return "absurdly small vs last accepted"
		}
	}
	return ""
}

// Velocity is the mean catalog change rate in items/hour over the recent
// history window. Zero when fewer than two estimates exist.
func (e *Estimator) Velocity() float64 {
	h := e.history
	if len(h) > velocityWindow {
		h = h[len(h)-velocityWindow:]
	}
	if len(h) < 2 {
		return 0
	}
	var sum float64
	var n int
	for i := 1; i < len(h); i++ {
		dt := h[i].ObservedAt.Sub(h[i-1].ObservedAt).Hours()
		if dt <= 0 {
			continue
		}
		sum += float64(h[i].TotalItems-h[i-1].TotalItems) / dt
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Volatile reports whether the catalog is changing fast enough to shorten
// the recheck interval and widen the stop-page buffer.
func (e *Estimator) Volatile() bool {
	return math.Abs(e.Velocity()) > volatileItemsPerHour
}

// BufferItems is the volatility allowance added on top of the accepted
// total when checking coverage bounds.
func (e *Estimator) BufferItems() int {
	share := calmBufferShare
	if e.Volatile() {
		share = volatileBufferShare
	}
	return int(math.Ceil(float64(e.accepted.TotalItems) * share))
}

// BufferPages converts the item buffer into whole pages.
func (e *Estimator) BufferPages() int {
	if e.pageSize <= 0 {
		return 1
	}
	pages := (e.BufferItems() + e.pageSize - 1) / e.pageSize
	if pages < 1 {
		pages = 1
	}
	return pages
}

// PredictedLastPage is the page past which the catalog should be exhausted,
// including the volatility buffer.
func (e *Estimator) PredictedLastPage() int {
	if e.accepted.TotalItems <= 0 || e.pageSize <= 0 {
		return 0
	}
	last := (e.accepted.TotalItems + e.pageSize - 1) / e.pageSize
	return last + e.BufferPages()
}

// Changed reports whether next is a catalog-changed swing from prev.
func Changed(prev, next int) bool {
	if prev <= 0 {
		return false
	}
	return math.Abs(float64(next-prev))/float64(prev) > ChangeThreshold
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
