package bridge

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotConnected    = errors.New("provider not connected")
	ErrReauthRequired  = errors.New("reauthentication required")
	ErrBackendOffline  = errors.New("backend unreachable")
	ErrGateClosed      = errors.New("rate gate closed")
	ErrTooManyWaiters  = errors.New("rate gate queue full")
	ErrUnknownProvider = errors.New("unknown provider")
)

const (
	ProviderJobber     = "jobber"
	ProviderQuickBooks = "quickbooks"
	ProviderUnknown    = "unknown"
)

// Category buckets a failed backend call for retry and messaging decisions.
type Category string

const (
	CategoryNetwork   Category = "NETWORK"
	CategoryAuth      Category = "AUTH"
	CategoryRateLimit Category = "RATE_LIMIT"
	CategoryServer    Category = "SERVER"
	CategoryClient    Category = "CLIENT"
	CategoryGraphQL   Category = "GRAPHQL"
	CategoryUnknown   Category = "UNKNOWN"
)

type GraphQLError struct {
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// HTTPError is a non-2xx response from the bridge backend.
type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	RetryAfter    time.Duration
	GraphQLErrors []GraphQLError
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Verdict is the classification of one failure. Produced fresh per call and
// never shared or mutated afterwards.
type Verdict struct {
	Category   Category
	Retryable  bool
	RetryAfter time.Duration
	Message    string
	Provider   string
	Detail     string
}

// ClassifyContext carries what the caller knows about the failed operation.
type ClassifyContext struct {
	Provider string
	Path     string
}

// Classify inspects a failed operation and produces a structured verdict.
// It is deterministic and performs no I/O.
func Classify(err error, ctx ClassifyContext) Verdict {
	provider := attributeProvider(err, ctx)
	if err == nil {
		return Verdict{Category: CategoryUnknown, Provider: provider, Message: genericMessage(CategoryUnknown, provider)}
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// The status code decides first. A GraphQL errors array only settles
		// the verdict when the status itself did not, so a 429 or 5xx from a
		// GraphQL backend keeps its retry semantics.
		switch {
		case httpErr.StatusCode == 401:
			return Verdict{
				Category: CategoryAuth,
				Provider: provider,
				Message:  genericMessage(CategoryAuth, provider),
				Detail:   err.Error(),
			}
		case httpErr.StatusCode == 429:
			return Verdict{
				Category:   CategoryRateLimit,
				Retryable:  true,
				RetryAfter: httpErr.RetryAfter,
				Provider:   provider,
				Message:    genericMessage(CategoryRateLimit, provider),
				Detail:     err.Error(),
			}
		case httpErr.StatusCode >= 500:
			return Verdict{
				Category:  CategoryServer,
				Retryable: true,
				Provider:  provider,
				Message:   genericMessage(CategoryServer, provider),
				Detail:    err.Error(),
			}
		case httpErr.StatusCode >= 400:
			message := strings.TrimSpace(httpErr.Message)
			if message == "" {
				message = genericMessage(CategoryClient, provider)
			}
			return Verdict{
				Category: CategoryClient,
				Provider: provider,
				Message:  message,
				Detail:   err.Error(),
			}
		case len(httpErr.GraphQLErrors) > 0:
			return Verdict{
				Category: CategoryGraphQL,
				Provider: provider,
				Message:  httpErr.GraphQLErrors[0].Message,
				Detail:   err.Error(),
			}
		}
	}

	if isTransportError(err) {
		return Verdict{
			Category:  CategoryNetwork,
			Retryable: true,
			Provider:  provider,
			Message:   genericMessage(CategoryNetwork, provider),
			Detail:    err.Error(),
		}
	}

	return Verdict{
		Category: CategoryUnknown,
		Provider: provider,
		Message:  genericMessage(CategoryUnknown, provider),
		Detail:   err.Error(),
	}
}

// isTransportError reports whether no HTTP response was obtained at all.
func isTransportError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func attributeProvider(err error, ctx ClassifyContext) string {
	if p := strings.TrimSpace(ctx.Provider); p != "" {
		return p
	}
	haystack := strings.ToLower(ctx.Path)
	if err != nil {
		haystack += " " + strings.ToLower(err.Error())
	}
	switch {
	case strings.Contains(haystack, ProviderJobber):
		return ProviderJobber
	case strings.Contains(haystack, ProviderQuickBooks):
		return ProviderQuickBooks
	default:
		return ProviderUnknown
	}
}

func genericMessage(category Category, provider string) string {
	name := providerDisplayName(provider)
	switch category {
	case CategoryNetwork:
		return "Unable to reach the sync service. Check your connection and try again."
	case CategoryAuth:
		return fmt.Sprintf("Your %s connection has expired. Please reconnect.", name)
	case CategoryRateLimit:
		return fmt.Sprintf("%s is receiving too many requests. Retrying shortly.", name)
	case CategoryServer:
		return "The sync service hit a temporary problem. Retrying."
	case CategoryClient:
		return "The request could not be completed."
	case CategoryGraphQL:
		return "The request was rejected by the provider."
	default:
		return "Something went wrong. Please try again."
	}
}

func providerDisplayName(provider string) string {
	switch provider {
	case ProviderJobber:
		return "Jobber"
	case ProviderQuickBooks:
		return "QuickBooks"
	default:
		return "The service"
	}
}

// EnhancedError is the only error shape exposed past the retry layer.
type EnhancedError struct {
	Err            error
	Message        string
	Category       Category
	Provider       string
	CanRetry       bool
	RequiresReauth bool
	IsRateLimit    bool
}

func (e *EnhancedError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *EnhancedError) Unwrap() error {
	return e.Err
}

func (e *EnhancedError) Is(target error) bool {
	return target == ErrReauthRequired && e.RequiresReauth
}

func newEnhancedError(cause error, verdict Verdict) *EnhancedError {
	return &EnhancedError{
		Err:            cause,
		Message:        verdict.Message,
		Category:       verdict.Category,
		Provider:       verdict.Provider,
		CanRetry:       verdict.Retryable,
		RequiresReauth: verdict.Category == CategoryAuth,
		IsRateLimit:    verdict.Category == CategoryRateLimit,
	}
}
