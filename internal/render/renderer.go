// Package render is the page-renderer boundary. The collection engine never
// speaks raw HTTP; it depends only on the Renderer interface, which yields
// live rendered documents it can query and script.
package render

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// NavigateOptions controls one navigation.
type NavigateOptions struct {
	// WaitSelector is the CSS selector the page must satisfy before the
	// navigation counts as complete. Empty means "body".
	WaitSelector string
	// Timeout bounds the whole navigation including the wait condition.
	Timeout time.Duration
}

// NavResult reports the outcome of a navigation.
type NavResult struct {
	Status   int
	FinalURL string
}

// Cookie is a renderer-agnostic session cookie.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// ErrEvaluateUnsupported is returned by renderers that cannot execute
// scripts in page context.
var ErrEvaluateUnsupported = errors.New("render: evaluate not supported by this renderer")

// Renderer is a live, scriptable browsing session. Implementations hold one
// session per worker; calls are not safe for concurrent use.
type Renderer interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) (*NavResult, error)
	// HTML returns the full serialized document currently loaded.
	HTML(ctx context.Context) (string, error)
	// Evaluate runs script in page context and unmarshals the result into out.
	Evaluate(ctx context.Context, script string, out any) error
	Cookies(ctx context.Context) ([]Cookie, error)
	Reload(ctx context.Context) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Close() error
}

// Page is one rendered catalog page handed to the extractor and estimator.
// Eval lets detectors inspect exposed client-side state without re-coupling
// them to the renderer.
type Page struct {
	URL    string
	Number int
	Doc    *goquery.Document
	Eval   func(ctx context.Context, script string, out any) error
}

// Snapshot parses the renderer's current document into a Page.
func Snapshot(ctx context.Context, r Renderer, url string, number int) (*Page, error) {
	html, err := r.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	return &Page{
		URL:    url,
		Number: number,
		Doc:    doc,
		Eval:   r.Evaluate,
	}, nil
}
