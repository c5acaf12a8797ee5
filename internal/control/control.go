// Package control runs the page loop for one worker: fetch, extract, account
// coverage, adapt pacing, and decide when the run is over.
package control

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/listwatch/harvester/internal/config"
	"github.com/listwatch/harvester/internal/errors"
	"github.com/listwatch/harvester/internal/estimate"
	"github.com/listwatch/harvester/internal/extract"
	"github.com/listwatch/harvester/internal/metrics"
	"github.com/listwatch/harvester/internal/render"
	"github.com/listwatch/harvester/internal/store"
	"github.com/listwatch/harvester/internal/types"
)

const (
	// emptyStreakLimit ends the run when this many consecutive pages yield
	// nothing even after recovery.
	emptyStreakLimit = 5

	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 15 * time.Second

	// errorSlowdownStep scales the inter-page delay per consecutive error;
	// the multiplier is capped so a bad patch cannot stall the run.
	errorSlowdownStep = 0.5
	errorSlowdownMax  = 4.0

	// successStreakCalm is the run of clean pages after which the random
	// delay is drawn from the lower half of the range.
	successStreakCalm = 10

	pageCacheSize = 512
)

// state names the controller's position in its page cycle; used only for
// structured logging, the loop itself is explicit.
type state string

const (
	stateFetching  state = "fetching"
	stateExtracted state = "extracted"
	stateEmpty     state = "empty"
	stateFailed    state = "failed"
	stateRecheck   state = "recheck"
	stateStopped   state = "stopped"
)

// Controller drives one sequential page walk. Not safe for concurrent use.
type Controller struct {
	cfg       *config.Config
	renderer  render.Renderer
	extractor *extract.Extractor
	estimator *estimate.Estimator
	store     store.Store
	metrics   *metrics.Metrics
	log       *slog.Logger

	// seenPages remembers content signatures of recent pages so a site
	// quietly serving the same page again is not double counted.
	seenPages *lru.Cache[string, int]

	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	// OnProgress, when set, is invoked after every page with the fresh
	// coverage numbers.
	OnProgress func(types.WorkerProgress)

	errorCount           int
	consecutiveErrors    int
	consecutiveSuccesses int
	emptyStreak          int
	maxContainers        int
	pagesDone            int
}

// New wires a controller. metrics may be nil.
func New(cfg *config.Config, r render.Renderer, ex *extract.Extractor, est *estimate.Estimator, st store.Store, m *metrics.Metrics, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	cache, err := lru.New[string, int](pageCacheSize)
	if err != nil {
		return nil, fmt.Errorf("page cache: %w", err)
	}
	return &Controller{
		cfg:       cfg,
		renderer:  r,
		extractor: ex,
		estimator: est,
		store:     st,
		metrics:   m,
		log:       log,
		seenPages: cache,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepCtx,
		now:       time.Now,
	}, nil
}

// Run walks the assignment's page range and returns the structured result.
// It always finishes the page in flight before honoring a cancellation.
func (c *Controller) Run(ctx context.Context, a types.WorkerAssignment) types.WorkerResult {
	started := c.now()
	result := types.WorkerResult{
		WorkerID:  a.ID,
		StartedAt: started,
	}

	page := a.PageRangeStart
	for {
		if reason, ok := c.shouldStop(page, a); ok {
			c.logStop(reason, page)
			result.StopReason = reason
			break
		}
		if ctx.Err() != nil {
			c.logStop(types.StopInterrupted, page)
			result.StopReason = types.StopInterrupted
			break
		}

		c.processPage(ctx, page, a)
		c.pagesDone++
		c.reportProgress(a.ID, page)

		page++
		if reason, ok := c.shouldStop(page, a); ok {
			c.logStop(reason, page)
			result.StopReason = reason
			break
		}
		if err := c.pause(ctx, a); err != nil {
			c.logStop(types.StopInterrupted, page)
			result.StopReason = types.StopInterrupted
			break
		}
	}

	result.Coverage = c.store.Coverage()
	result.ErrorCount = c.errorCount
	result.FinishedAt = c.now()
	return result
}

// shouldStop evaluates the stop conditions for the page about to be fetched,
// in fixed precedence: ceiling, empty streak, range, coverage target,
// predicted end.
func (c *Controller) shouldStop(page int, a types.WorkerAssignment) (types.StopReason, bool) {
	if c.cfg.PageCeiling > 0 && page > c.cfg.PageCeiling {
		return types.StopPageCeiling, true
	}
	if c.emptyStreak >= emptyStreakLimit {
		return types.StopEmptyStreak, true
	}
	if a.PageRangeEnd > 0 && page > a.PageRangeEnd {
		return types.StopRangeExhausted, true
	}
	cov := c.store.Coverage()
	if cov.TargetEstimate > 0 && cov.Percentage >= c.cfg.CompletenessTarget {
		return types.StopTargetReached, true
	}
	if last := c.estimator.PredictedLastPage(); last > 0 && page > last {
		return types.StopNaturalEnd, true
	}
	return "", false
}

func (c *Controller) logStop(reason types.StopReason, page int) {
	cov := c.store.Coverage()
	c.log.Info("collection stopped",
		slog.String("state", string(stateStopped)),
		slog.String("reason", string(reason)),
		slog.Int("next_page", page),
		slog.Int("unique", cov.UniqueCollected),
		slog.Float64("coverage", cov.Percentage))
}

// processPage runs one full fetch/extract/account cycle. Failures are logged
// and counted, never fatal to the run.
func (c *Controller) processPage(ctx context.Context, page int, a types.WorkerAssignment) {
	pageURL := c.pageURL(page)
	c.log.Debug("fetching page",
		slog.String("state", string(stateFetching)),
		slog.Int("page", page), slog.String("url", pageURL))

	start := c.now()
	doc, err := c.fetchWithRetry(ctx, pageURL)
	if err != nil {
		c.metrics.ObservePage("failed", c.now().Sub(start))
		c.metrics.IncError(string(errors.Classify(err)))
		c.errorCount++
		c.consecutiveErrors++
		c.consecutiveSuccesses = 0
		c.log.Warn("page failed after retries",
			slog.String("state", string(stateFailed)),
			slog.Int("page", page), slog.String("error", err.Error()))
		return
	}

	records, stats := c.extractor.Extract(doc)
	if stats.Containers == 0 {
		records, stats = c.recoverEmpty(ctx, doc)
	}

	if stats.Containers == 0 {
		c.emptyStreak++
		c.store.SetEmptyStreak(c.emptyStreak)
		c.metrics.ObservePage("empty", c.now().Sub(start))
		c.log.Warn("empty page",
			slog.String("state", string(stateEmpty)),
			slog.Int("page", page), slog.Int("streak", c.emptyStreak))
		return
	}

	if prior, dup := c.notePageSignature(records, page); dup {
		c.emptyStreak++
		c.store.SetEmptyStreak(c.emptyStreak)
		c.metrics.ObservePage("repeated", c.now().Sub(start))
		c.log.Warn("page content already seen, site may be cycling",
			slog.Int("page", page), slog.Int("first_seen_on", prior))
		return
	}

	c.emptyStreak = 0
	c.store.SetEmptyStreak(0)
	c.consecutiveErrors = 0
	c.consecutiveSuccesses++

	for _, rec := range records {
		res, err := c.store.Upsert(ctx, rec)
		if err != nil {
			c.log.Warn("upsert failed", slog.String("identity", rec.Identity), slog.String("error", err.Error()))
			c.errorCount++
			continue
		}
		c.metrics.IncRecord(string(res))
	}
	c.store.NoteRejected(stats.NoIdentity + stats.LowConfidence)
	c.store.MarkPage(page)

	if stats.Containers > c.maxContainers {
		c.maxContainers = stats.Containers
		c.estimator.SetObservedPageSize(stats.Containers)
	}

	c.metrics.ObservePage("ok", c.now().Sub(start))
	c.log.Info("page extracted",
		slog.String("state", string(stateExtracted)),
		slog.Int("page", page),
		slog.Int("containers", stats.Containers),
		slog.Int("records", len(records)))

	if c.dueForEstimate(page) {
		c.reestimate(ctx, doc, page)
	}

	cov := c.store.Coverage()
	c.metrics.SetCoverage(cov.Percentage)
}

// dueForEstimate triggers on the first page and then every recheck interval;
// a volatile catalog is rechecked twice as often.
func (c *Controller) dueForEstimate(page int) bool {
	if c.pagesDone == 0 {
		return true
	}
	interval := c.cfg.RecheckInterval
	if interval <= 0 {
		return false
	}
	if c.estimator.Volatile() && interval > 1 {
		interval /= 2
	}
	return c.pagesDone%interval == 0
}

func (c *Controller) reestimate(ctx context.Context, page *render.Page, number int) {
	doc := page
	if number != 1 {
		// Headline counts and pagination footers live on the first page;
		// a deep page may carry neither. The next loop iteration navigates
		// to its own page, so there is nothing to restore afterwards.
		fresh, err := c.fetchFirstPage(ctx)
		if err != nil {
			c.metrics.IncError(string(errors.ClassEstimator))
			c.log.Warn("estimate not refreshed, first page unreachable",
				slog.String("state", string(stateRecheck)),
				slog.String("error", err.Error()))
			return
		}
		doc = fresh
	}

	prev := c.estimator.Accepted().TotalItems
	est, err := c.estimator.Estimate(ctx, doc)
	if err != nil {
		c.metrics.IncError(string(errors.ClassEstimator))
		c.log.Warn("estimate not refreshed",
			slog.String("state", string(stateRecheck)),
			slog.String("error", err.Error()))
		return
	}

	c.store.SetTarget(est.TotalItems, c.estimator.BufferItems())
	c.metrics.SetEstimate(est.TotalItems, est.Confidence, c.estimator.Velocity())

	if estimate.Changed(prev, est.TotalItems) {
		c.metrics.IncCatalogChanged()
		c.log.Info("catalog size changed",
			slog.String("state", string(stateRecheck)),
			slog.Int("previous", prev),
			slog.Int("current", est.TotalItems),
			slog.String("source", string(est.Source)),
			slog.Bool("volatile", c.estimator.Volatile()))
	} else {
		c.log.Debug("estimate refreshed",
			slog.String("state", string(stateRecheck)),
			slog.Int("total", est.TotalItems),
			slog.String("source", string(est.Source)))
	}
}

func (c *Controller) fetchFirstPage(ctx context.Context) (*render.Page, error) {
	firstURL := c.pageURL(1)
	opts := render.NavigateOptions{Timeout: c.cfg.NavigationTimeout}
	if _, err := c.renderer.Navigate(ctx, firstURL, opts); err != nil {
		return nil, err
	}
	return render.Snapshot(ctx, c.renderer, firstURL, 1)
}

// fetchWithRetry navigates with capped exponential backoff. Only errors the
// classifier marks retryable are retried.
func (c *Controller) fetchWithRetry(ctx context.Context, pageURL string) (*render.Page, error) {
	opts := render.NavigateOptions{Timeout: c.cfg.NavigationTimeout}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		_, err := c.renderer.Navigate(ctx, pageURL, opts)
		if err == nil {
			return render.Snapshot(ctx, c.renderer, pageURL, pageNumberOf(pageURL))
		}
		lastErr = err
		if !errors.IsRetryable(err) || attempt == c.cfg.MaxRetries {
			break
		}

		delay := retryBaseDelay * time.Duration(1<<(attempt-1))
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		c.metrics.IncRetry()
		c.log.Debug("retrying navigation",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// recoverEmpty runs the recovery ladder on a page that rendered without
// containers: reload first, then a back/forward cycle to reset client state.
func (c *Controller) recoverEmpty(ctx context.Context, page *render.Page) ([]*types.Record, extract.Stats) {
	if err := c.renderer.Reload(ctx); err == nil {
		if fresh, err := render.Snapshot(ctx, c.renderer, page.URL, page.Number); err == nil {
			if records, stats := c.extractor.Extract(fresh); stats.Containers > 0 {
				c.metrics.IncRecovery("reload")
				c.log.Info("empty page recovered", slog.String("strategy", "reload"), slog.Int("page", page.Number))
				return records, stats
			}
		}
	}

	if err := c.renderer.Back(ctx); err == nil {
		if err := c.renderer.Forward(ctx); err == nil {
			if fresh, err := render.Snapshot(ctx, c.renderer, page.URL, page.Number); err == nil {
				if records, stats := c.extractor.Extract(fresh); stats.Containers > 0 {
					c.metrics.IncRecovery("history_cycle")
					c.log.Info("empty page recovered", slog.String("strategy", "history_cycle"), slog.Int("page", page.Number))
					return records, stats
				}
			}
		}
	}

	return nil, extract.Stats{}
}

// notePageSignature hashes the extracted identities and reports whether the
// same set was served before, and on which page.
func (c *Controller) notePageSignature(records []*types.Record, page int) (int, bool) {
	if len(records) == 0 {
		return 0, false
	}
	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(rec.Identity)
		sb.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	sig := hex.EncodeToString(sum[:8])

	if prior, ok := c.seenPages.Get(sig); ok && prior != page {
		return prior, true
	}
	c.seenPages.Add(sig, page)
	return 0, false
}

// pause sleeps the adaptive inter-page delay: uniform within the assignment's
// range, stretched while errors accumulate, drawn from the lower half of the
// range after a clean streak, never below the polite floor.
func (c *Controller) pause(ctx context.Context, a types.WorkerAssignment) error {
	minMs, maxMs := a.DelayMinMs, a.DelayMaxMs
	if minMs <= 0 {
		minMs = c.cfg.DelayRange.MinMs
	}
	if maxMs < minMs {
		maxMs = minMs
	}

	span := maxMs - minMs
	if c.consecutiveSuccesses >= successStreakCalm {
		span /= 2
	}
	base := minMs
	if span > 0 {
		base += c.rng.Intn(span + 1)
	}

	mult := 1.0 + errorSlowdownStep*float64(c.consecutiveErrors)
	if mult > errorSlowdownMax {
		mult = errorSlowdownMax
	}

	d := time.Duration(float64(base)*mult) * time.Millisecond
	if floor := time.Duration(minMs) * time.Millisecond; d < floor {
		d = floor
	}
	c.metrics.ObserveDelay(d)
	return c.sleep(ctx, d)
}

func (c *Controller) reportProgress(workerID string, page int) {
	if c.OnProgress == nil {
		return
	}
	cov := c.store.Coverage()
	c.OnProgress(types.WorkerProgress{
		WorkerID:        workerID,
		CurrentPage:     page,
		PagesProcessed:  c.pagesDone,
		UniqueCollected: cov.UniqueCollected,
		ErrorCount:      c.errorCount,
		UpdatedAt:       c.now(),
	})
}

// pageURL sets the page query parameter on the configured start URL.
func (c *Controller) pageURL(page int) string {
	u, err := url.Parse(c.cfg.StartURL)
	if err != nil {
		return c.cfg.StartURL
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func pageNumberOf(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(u.Query().Get("page"))
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
