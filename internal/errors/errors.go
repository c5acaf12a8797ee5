// Package errors defines the harvester's error taxonomy. Every recoverable
// failure mode in the collection loop maps onto exactly one class here, and
// each class carries a stable label used for metrics and log fields.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
)

// Class identifies a failure mode in the collection loop.
type Class string

const (
	// ClassNavigation covers timeouts, navigation failures and unresolved
	// interstitials. Recovered locally via retry with backoff.
	ClassNavigation Class = "navigation"
	// ClassExtraction covers pages that rendered but yielded zero usable
	// records. Recovered via page recovery, then counted toward the
	// empty-streak stop condition.
	ClassExtraction Class = "extraction_miss"
	// ClassIdentity covers records without a derivable stable identity.
	// Discarded silently and counted in the rejected metric.
	ClassIdentity Class = "identity_conflict"
	// ClassEstimator covers detector disagreement beyond plausibility
	// bounds. Resolved by keeping the last-known-good estimate.
	ClassEstimator Class = "estimator_disagreement"
	// ClassWorker covers worker processes exiting non-zero. Recovered by
	// the scheduler via cooldown and restart.
	ClassWorker Class = "worker_failure"
)

// NavigationKind distinguishes retry-relevant navigation error signatures.
type NavigationKind string

const (
	NavTimeout   NavigationKind = "timeout"
	NavFailed    NavigationKind = "navigation"
	NavChallenge NavigationKind = "challenge"
)

// NavigationError is a transient navigation failure. Retryable until the
// retry budget is exhausted.
type NavigationError struct {
	URL  string
	Kind NavigationKind
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// NewNavigationError wraps err with a navigation signature derived from its
// message when kind is empty.
func NewNavigationError(url string, kind NavigationKind, err error) *NavigationError {
	if kind == "" {
		kind = classifyNavigation(err)
	}
	return &NavigationError{URL: url, Kind: kind, Err: err}
}

func classifyNavigation(err error) NavigationKind {
	if err == nil {
		return NavFailed
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return NavTimeout
	case strings.Contains(msg, "challenge"), strings.Contains(msg, "interstitial"):
		return NavChallenge
	default:
		return NavFailed
	}
}

// ExtractionMiss reports a page that rendered without usable records.
type ExtractionMiss struct {
	URL  string
	Page int
}

func (e *ExtractionMiss) Error() string {
	return fmt.Sprintf("page %d (%s): no extractable records", e.Page, e.URL)
}

// IdentityConflict reports a record with no derivable identity.
type IdentityConflict struct {
	SourcePage int
}

func (e *IdentityConflict) Error() string {
	return fmt.Sprintf("record from page %d has no derivable identity", e.SourcePage)
}

// EstimatorDisagreement reports detector output outside plausibility bounds.
// Never fatal; the caller falls back to the last-known-good estimate.
type EstimatorDisagreement struct {
	Rejected int
	LastGood int
	Reason   string
}

func (e *EstimatorDisagreement) Error() string {
	return fmt.Sprintf("estimate %d rejected (%s), keeping %d", e.Rejected, e.Reason, e.LastGood)
}

// WorkerFailure reports a worker process exiting non-zero.
type WorkerFailure struct {
	WorkerID string
	ExitCode int
	Err      error
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("worker %s exited %d: %v", e.WorkerID, e.ExitCode, e.Err)
}

func (e *WorkerFailure) Unwrap() error { return e.Err }

// Classify returns the taxonomy class of err, or empty for unclassified
// errors.
func Classify(err error) Class {
	var nav *NavigationError
	if stderrors.As(err, &nav) {
		return ClassNavigation
	}
	var miss *ExtractionMiss
	if stderrors.As(err, &miss) {
		return ClassExtraction
	}
	var id *IdentityConflict
	if stderrors.As(err, &id) {
		return ClassIdentity
	}
	var est *EstimatorDisagreement
	if stderrors.As(err, &est) {
		return ClassEstimator
	}
	var wf *WorkerFailure
	if stderrors.As(err, &wf) {
		return ClassWorker
	}
	return ""
}

// IsRetryable reports whether the controller should retry the operation that
// produced err. Only navigation errors are retried; everything else has its
// own recovery path.
func IsRetryable(err error) bool {
	return Classify(err) == ClassNavigation
}

// ValidateURL rejects URLs the renderer cannot navigate to.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
