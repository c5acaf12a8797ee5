package render

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/listwatch/harvester/internal/errors"
)

// HTTPRenderer serves statically rendered catalogs and tests. It keeps the
// same session semantics as the Chrome renderer (one current document, a
// navigable history) but cannot execute page scripts.
type HTTPRenderer struct {
	client    *http.Client
	userAgent string

	body    string
	url     string
	history []string
	// forward stack after Back
	forward []string
}

// NewHTTPRenderer builds an HTTP-backed renderer with the given client.
// A nil client uses http.DefaultClient, which lets tests install a mock
// transport.
func NewHTTPRenderer(client *http.Client, userAgent string) *HTTPRenderer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRenderer{client: client, userAgent: userAgent}
}

func (r *HTTPRenderer) Navigate(ctx context.Context, url string, opts NavigateOptions) (*NavResult, error) {
	if err := errors.ValidateURL(url); err != nil {
		return nil, errors.NewNavigationError(url, errors.NavFailed, err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := r.fetch(reqCtx, url)
	if err != nil {
		return nil, err
	}
	if r.url != "" {
		r.history = append(r.history, r.url)
	}
	r.forward = nil
	r.url = res.FinalURL
	return res, nil
}

func (r *HTTPRenderer) fetch(ctx context.Context, url string) (*NavResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewNavigationError(url, errors.NavFailed, err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.NewNavigationError(url, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewNavigationError(url, "", err)
	}
	if resp.StatusCode >= 400 {
		return nil, errors.NewNavigationError(url, errors.NavFailed,
			fmt.Errorf("http status %d", resp.StatusCode))
	}
	r.body = string(body)
	final := url
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &NavResult{Status: resp.StatusCode, FinalURL: final}, nil
}

func (r *HTTPRenderer) HTML(ctx context.Context) (string, error) {
	if r.url == "" {
		return "", fmt.Errorf("render: no page loaded")
	}
	return r.body, nil
}

// Evaluate is unsupported: there is no script engine behind a plain fetch.
func (r *HTTPRenderer) Evaluate(ctx context.Context, script string, out any) error {
	return ErrEvaluateUnsupported
}

// Cookies returns the jar's cookies scoped to the current page, the same
// view the server sees on the next request.
func (r *HTTPRenderer) Cookies(ctx context.Context) ([]Cookie, error) {
	if r.client.Jar == nil || r.url == "" {
		return nil, nil
	}
	u, err := url.Parse(r.url)
	if err != nil {
		return nil, err
	}
	jarred := r.client.Jar.Cookies(u)
	out := make([]Cookie, 0, len(jarred))
	for _, c := range jarred {
		out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: u.Hostname()})
	}
	return out, nil
}

func (r *HTTPRenderer) Reload(ctx context.Context) error {
	if r.url == "" {
		return fmt.Errorf("render: no page loaded")
	}
	_, err := r.fetch(ctx, r.url)
	return err
}

func (r *HTTPRenderer) Back(ctx context.Context) error {
	if len(r.history) == 0 {
		return fmt.Errorf("render: no history")
	}
	prev := r.history[len(r.history)-1]
	r.history = r.history[:len(r.history)-1]
	r.forward = append(r.forward, r.url)
	if _, err := r.fetch(ctx, prev); err != nil {
		return err
	}
	r.url = prev
	return nil
}

func (r *HTTPRenderer) Forward(ctx context.Context) error {
	if len(r.forward) == 0 {
		return fmt.Errorf("render: no forward history")
	}
	next := r.forward[len(r.forward)-1]
	r.forward = r.forward[:len(r.forward)-1]
	r.history = append(r.history, r.url)
	if _, err := r.fetch(ctx, next); err != nil {
		return err
	}
	r.url = next
	return nil
}

func (r *HTTPRenderer) Close() error { return nil }
