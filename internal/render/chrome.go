package render

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/listwatch/harvester/internal/errors"
)

// ChromeOptions configures the headless Chrome session.
type ChromeOptions struct {
	Headless         bool
	UserAgent        string
	NoSandbox        bool
	ChallengeTimeout time.Duration
}

// ChromeRenderer drives a single headless Chrome session. The browser is
// started lazily on the first navigation and reused for the lifetime of the
// worker; one worker owns exactly one session.
type ChromeRenderer struct {
	opts ChromeOptions
	log  *slog.Logger

	profileDir  string
	allocCancel context.CancelFunc
	ctxCancel   context.CancelFunc
	browserCtx  context.Context

	lastURL string
}

// NewChromeRenderer prepares a Chrome session. Start is deferred until the
// first Navigate so construction never blocks.
func NewChromeRenderer(opts ChromeOptions, log *slog.Logger) *ChromeRenderer {
	if opts.ChallengeTimeout <= 0 {
		opts.ChallengeTimeout = 90 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &ChromeRenderer{opts: opts, log: log}
}

// Start eagerly launches the browser session. Workers call it once before
// page work so an unavailable browser surfaces at startup, not mid-run.
func (r *ChromeRenderer) Start(ctx context.Context) error {
	return r.start(ctx)
}

// chromePaths lists binary locations checked in container environments.
var chromePaths = []string{
	"/usr/bin/chromium-browser",
	"/usr/bin/chromium",
	"/usr/bin/google-chrome",
	"/usr/bin/google-chrome-stable",
}

func (r *ChromeRenderer) start(ctx context.Context) error {
	if r.browserCtx != nil {
		return nil
	}

	// Unique profile dir so concurrent workers never fight over
	// SingletonLock.
	profileDir, err := os.MkdirTemp("", "harvester-profile-*")
	if err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	r.profileDir = profileDir

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("user-data-dir", profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("window-size", "1920,1080"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if r.opts.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if r.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.opts.UserAgent))
	}

	for _, p := range chromePaths {
		if _, err := os.Stat(p); err == nil {
			opts = append(opts, chromedp.ExecPath(p))
			if strings.Contains(p, "chromium") {
				opts = append(opts,
					chromedp.Flag("disable-dev-shm-usage", true),
					chromedp.Flag("disable-software-rasterizer", true),
				)
			}
			break
		}
	}
	if r.opts.NoSandbox {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, ctxCancel := chromedp.NewContext(allocCtx)
	r.allocCancel = allocCancel
	r.ctxCancel = ctxCancel
	r.browserCtx = browserCtx

	// First Run starts the browser; bound it by the caller's deadline.
	startCtx := browserCtx
	var cancel context.CancelFunc = func() {}
	if deadline, ok := ctx.Deadline(); ok {
		startCtx, cancel = context.WithDeadline(browserCtx, deadline)
	}
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		r.Close()
		return fmt.Errorf("chrome startup: %w", err)
	}
	r.log.Debug("chrome session started", slog.String("profile", profileDir))
	return nil
}

// Navigate loads url and waits for the wait condition, the lazy-load scroll
// pass and any interstitial to clear.
func (r *ChromeRenderer) Navigate(ctx context.Context, url string, opts NavigateOptions) (*NavResult, error) {
	if err := errors.ValidateURL(url); err != nil {
		return nil, errors.NewNavigationError(url, errors.NavFailed, err)
	}
	if err := r.start(ctx); err != nil {
		return nil, errors.NewNavigationError(url, errors.NavFailed, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	navCtx, cancel := context.WithTimeout(r.browserCtx, timeout)
	defer cancel()

	waitSel := opts.WaitSelector
	if waitSel == "" {
		waitSel = "body"
	}

	// Raw CDP navigate: chromedp.Navigate carries its own internal page
	// load timeout that is separate from our context deadline.
	err := chromedp.Run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigation error: %s", errorText)
		}
		return nil
	}))
	if err != nil {
		return nil, errors.NewNavigationError(url, "", err)
	}

	if err := chromedp.Run(navCtx, chromedp.WaitReady(waitSel, chromedp.ByQuery)); err != nil {
		return nil, errors.NewNavigationError(url, errors.NavTimeout, err)
	}

	// Scroll to the bottom a few times so lazily loaded list items render.
	scrollDelay := timeout / 100
	if scrollDelay > 500*time.Millisecond {
		scrollDelay = 500 * time.Millisecond
	} else if scrollDelay < 100*time.Millisecond {
		scrollDelay = 100 * time.Millisecond
	}
	err = chromedp.Run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		for i := 0; i < 3; i++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_ = chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight);`, nil).Do(ctx)
			time.Sleep(scrollDelay)
		}
		return nil
	}))
	if err != nil {
		return nil, errors.NewNavigationError(url, "", err)
	}

	if err := r.awaitChallengeClear(navCtx, url); err != nil {
		return nil, err
	}

	var finalURL string
	if err := chromedp.Run(navCtx, chromedp.Location(&finalURL)); err != nil {
		finalURL = url
	}
	r.lastURL = finalURL

	// CDP does not expose the HTTP status cheaply; a completed navigation
	// with a satisfied wait condition is treated as 200.
	return &NavResult{Status: 200, FinalURL: finalURL}, nil
}

// challengeMarkers are title fragments shown by common bot-check
// interstitials.
var challengeMarkers = []string{
	"just a moment",
	"checking your browser",
	"attention required",
	"verify you are human",
}

// awaitChallengeClear polls the document title until no interstitial marker
// is present, bounded by the challenge timeout.
func (r *ChromeRenderer) awaitChallengeClear(ctx context.Context, url string) error {
	deadline := time.Now().Add(r.opts.ChallengeTimeout)
	for {
		var title string
		if err := chromedp.Run(ctx, chromedp.Title(&title)); err != nil {
			return errors.NewNavigationError(url, errors.NavTimeout, err)
		}
		if !isChallengeTitle(title) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.NewNavigationError(url, errors.NavChallenge,
				fmt.Errorf("challenge page did not clear within %s", r.opts.ChallengeTimeout))
		}
		r.log.Debug("waiting for challenge to clear", slog.String("url", url), slog.String("title", title))
		select {
		case <-ctx.Done():
			return errors.NewNavigationError(url, errors.NavTimeout, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

func isChallengeTitle(title string) bool {
	t := strings.ToLower(title)
	for _, marker := range challengeMarkers {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

func (r *ChromeRenderer) HTML(ctx context.Context) (string, error) {
	if r.browserCtx == nil {
		return "", fmt.Errorf("render: no page loaded")
	}
	var html string
	runCtx, cancel := r.boundCtx(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", err
	}
	return html, nil
}

func (r *ChromeRenderer) Evaluate(ctx context.Context, script string, out any) error {
	if r.browserCtx == nil {
		return fmt.Errorf("render: no page loaded")
	}
	runCtx, cancel := r.boundCtx(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Evaluate(script, out))
}

func (r *ChromeRenderer) Cookies(ctx context.Context) ([]Cookie, error) {
	if r.browserCtx == nil {
		return nil, fmt.Errorf("render: no page loaded")
	}
	runCtx, cancel := r.boundCtx(ctx)
	defer cancel()
	var out []Cookie
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
		}
		return nil
	}))
	return out, err
}

func (r *ChromeRenderer) Reload(ctx context.Context) error {
	if r.browserCtx == nil {
		return fmt.Errorf("render: no page loaded")
	}
	runCtx, cancel := r.boundCtx(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Reload(), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (r *ChromeRenderer) Back(ctx context.Context) error {
	if r.browserCtx == nil {
		return fmt.Errorf("render: no page loaded")
	}
	runCtx, cancel := r.boundCtx(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.NavigateBack())
}

func (r *ChromeRenderer) Forward(ctx context.Context) error {
	if r.browserCtx == nil {
		return fmt.Errorf("render: no page loaded")
	}
	runCtx, cancel := r.boundCtx(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.NavigateForward())
}

// boundCtx derives a chromedp-compatible context that still honors the
// caller's deadline.
func (r *ChromeRenderer) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(r.browserCtx, deadline)
	}
	return context.WithCancel(r.browserCtx)
}

// Close tears down the browser session and its temporary profile.
func (r *ChromeRenderer) Close() error {
	if r.ctxCancel != nil {
		r.ctxCancel()
		r.ctxCancel = nil
	}
	if r.allocCancel != nil {
		r.allocCancel()
		r.allocCancel = nil
	}
	r.browserCtx = nil
	if r.profileDir != "" {
		_ = os.RemoveAll(r.profileDir)
		r.profileDir = ""
	}
	return nil
}
