package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"navigation", NewNavigationError("https://x.test", NavTimeout, stderrors.New("context deadline exceeded")), ClassNavigation},
		{"wrapped navigation", fmt.Errorf("fetch: %w", NewNavigationError("https://x.test", NavFailed, stderrors.New("net::ERR_ABORTED"))), ClassNavigation},
		{"extraction", &ExtractionMiss{URL: "https://x.test?page=3", Page: 3}, ClassExtraction},
		{"identity", &IdentityConflict{SourcePage: 7}, ClassIdentity},
		{"estimator", &EstimatorDisagreement{Rejected: 99999999, LastGood: 6000, Reason: "above ceiling"}, ClassEstimator},
		{"worker", &WorkerFailure{WorkerID: "w1", ExitCode: 1, Err: stderrors.New("boom")}, ClassWorker},
		{"plain error", stderrors.New("something"), Class("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNavigationKindInference(t *testing.T) {
	tests := []struct {
		msg  string
		want NavigationKind
	}{
		{"context deadline exceeded", NavTimeout},
		{"navigation timeout after 30s", NavTimeout},
		{"challenge page did not clear", NavChallenge},
		{"net::ERR_NAME_NOT_RESOLVED", NavFailed},
	}
	for _, tt := range tests {
		err := NewNavigationError("https://x.test", "", stderrors.New(tt.msg))
		if err.Kind != tt.want {
			t.Errorf("kind for %q = %q, want %q", tt.msg, err.Kind, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	nav := NewNavigationError("https://x.test", NavTimeout, stderrors.New("timeout"))
	if !IsRetryable(nav) {
		t.Error("navigation errors must be retryable")
	}
	if IsRetryable(&ExtractionMiss{Page: 1}) {
		t.Error("extraction misses have their own recovery path, not retry")
	}
	if IsRetryable(stderrors.New("misc")) {
		t.Error("unclassified errors must not be retried")
	}
}

func TestValidateURL(t *testing.T) {
	if err := ValidateURL("https://marketplace.test/search?page=1"); err != nil {
		t.Errorf("valid url rejected: %v", err)
	}
	for _, bad := range []string{"", "ftp://x.test", "https://", "://nope"} {
		if err := ValidateURL(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
