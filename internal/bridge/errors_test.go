package bridge

import (
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"
)

func TestClassifyHTTPStatuses(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		category  Category
		retryable bool
	}{
		{"unauthorized", 401, CategoryAuth, false},
		{"rate limited", 429, CategoryRateLimit, true},
		{"server error", 500, CategoryServer, true},
		{"bad gateway", 502, CategoryServer, true},
		{"forbidden", 403, CategoryClient, false},
		{"bad request", 400, CategoryClient, false},
		{"not found", 404, CategoryClient, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := Classify(&HTTPError{StatusCode: tc.status, Message: "nope"}, ClassifyContext{})
			if verdict.Category != tc.category {
				t.Fatalf("expected category %s for status %d, got %s", tc.category, tc.status, verdict.Category)
			}
			if verdict.Retryable != tc.retryable {
				t.Fatalf("expected retryable=%v for status %d", tc.retryable, tc.status)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	err := &HTTPError{StatusCode: 429, RetryAfter: 7 * time.Second}
	ctx := ClassifyContext{Provider: ProviderJobber, Path: "/api/jobber/jobs"}
	first := Classify(err, ctx)
	for i := 0; i < 5; i++ {
		if got := Classify(err, ctx); got != first {
			t.Fatalf("classification changed between calls: %+v vs %+v", got, first)
		}
	}
	if first.RetryAfter != 7*time.Second {
		t.Fatalf("expected server hint to be carried, got %s", first.RetryAfter)
	}
}

func TestClassifyTransportFailure(t *testing.T) {
	err := &url.Error{Op: "Get", URL: "http://127.0.0.1:1/api/health", Err: errors.New("connection refused")}
	verdict := Classify(err, ClassifyContext{})
	if verdict.Category != CategoryNetwork {
		t.Fatalf("expected NETWORK for transport error, got %s", verdict.Category)
	}
	if !verdict.Retryable {
		t.Fatalf("expected transport errors to be retryable")
	}
}

func TestClassifyGraphQLErrors(t *testing.T) {
	err := &HTTPError{
		StatusCode:    200,
		GraphQLErrors: []GraphQLError{{Message: "field no longer exists"}, {Message: "second"}},
	}
	verdict := Classify(err, ClassifyContext{Provider: ProviderJobber})
	if verdict.Category != CategoryGraphQL {
		t.Fatalf("expected GRAPHQL, got %s", verdict.Category)
	}
	if verdict.Retryable {
		t.Fatalf("graphql errors must not be retryable")
	}
	if verdict.Message != "field no longer exists" {
		t.Fatalf("expected first structured error message, got %q", verdict.Message)
	}
}

func TestClassifyStatusWinsOverGraphQLErrors(t *testing.T) {
	gqlErrs := []GraphQLError{{Message: "throttled at the provider"}}
	cases := []struct {
		name      string
		status    int
		category  Category
		retryable bool
	}{
		{"rate limited body with errors array", 429, CategoryRateLimit, true},
		{"server error body with errors array", 500, CategoryServer, true},
		{"unauthorized body with errors array", 401, CategoryAuth, false},
		{"client error body with errors array", 400, CategoryClient, false},
		{"graphql envelope on 200", 200, CategoryGraphQL, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := &HTTPError{StatusCode: tc.status, GraphQLErrors: gqlErrs, RetryAfter: 3 * time.Second}
			verdict := Classify(err, ClassifyContext{Provider: ProviderQuickBooks})
			if verdict.Category != tc.category {
				t.Fatalf("expected %s for status %d, got %s", tc.category, tc.status, verdict.Category)
			}
			if verdict.Retryable != tc.retryable {
				t.Fatalf("expected retryable=%v for status %d", tc.retryable, tc.status)
			}
			if tc.status == 429 && verdict.RetryAfter != 3*time.Second {
				t.Fatalf("expected server hint to survive, got %s", verdict.RetryAfter)
			}
		})
	}
}

func TestClassifyUnknown(t *testing.T) {
	verdict := Classify(fmt.Errorf("something odd"), ClassifyContext{})
	if verdict.Category != CategoryUnknown || verdict.Retryable {
		t.Fatalf("expected non-retryable UNKNOWN, got %+v", verdict)
	}
}

func TestClassifyProviderAttribution(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		ctx      ClassifyContext
		provider string
	}{
		{"explicit context wins", &HTTPError{StatusCode: 500}, ClassifyContext{Provider: ProviderQuickBooks, Path: "/api/jobber/jobs"}, ProviderQuickBooks},
		{"path substring", &HTTPError{StatusCode: 500}, ClassifyContext{Path: "/api/jobber/jobs"}, ProviderJobber},
		{"error substring", fmt.Errorf("quickbooks realm rejected"), ClassifyContext{}, ProviderQuickBooks},
		{"no hint", fmt.Errorf("boom"), ClassifyContext{}, ProviderUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err, tc.ctx).Provider; got != tc.provider {
				t.Fatalf("expected provider %q, got %q", tc.provider, got)
			}
		})
	}
}

func TestEnhancedErrorReauthSentinel(t *testing.T) {
	enhanced := newEnhancedError(&HTTPError{StatusCode: 401}, Classify(&HTTPError{StatusCode: 401}, ClassifyContext{}))
	if !errors.Is(enhanced, ErrReauthRequired) {
		t.Fatalf("expected auth failure to match ErrReauthRequired")
	}
	var httpErr *HTTPError
	if !errors.As(enhanced, &httpErr) || httpErr.StatusCode != 401 {
		t.Fatalf("expected wrapped HTTPError to be reachable")
	}
}
