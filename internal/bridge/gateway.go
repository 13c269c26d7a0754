package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

type GatewayOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     *TokenStore
	Gate       *RateGate
	Retry      *Coordinator
	Logger     logrus.FieldLogger
	MockMode   bool
	UserID     string
}

// Gateway issues authenticated JSON calls to the bridge backend: rate-gate
// admission first, then the call through a circuit breaker, with failures
// routed through the retry coordinator. When mock mode is on and the backend
// is unreachable, canned placeholder payloads are served instead.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenStore
	gate       *RateGate
	retry      *Coordinator
	breaker    *gobreaker.CircuitBreaker
	log        logrus.FieldLogger
	mockMode   bool
	userID     string
}

func NewGateway(opts GatewayOptions) *Gateway {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3001"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	retry := opts.Retry
	if retry == nil {
		retry = NewCoordinator(CoordinatorOptions{})
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bridge-backend",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Gateway{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     opts.Tokens,
		gate:       opts.Gate,
		retry:      retry,
		breaker:    breaker,
		log:        log,
		mockMode:   opts.MockMode,
		userID:     strings.TrimSpace(opts.UserID),
	}
}

// ProviderAuthStatus mirrors the backend's per-provider connection view.
type ProviderAuthStatus struct {
	Connected bool       `json:"connected"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type AuthStatusResponse struct {
	Providers map[string]ProviderAuthStatus `json:"providers"`
	Mock      bool                          `json:"mock,omitempty"`
}

// SyncStats is the backend's webhook-processing statistics snapshot.
type SyncStats struct {
	TotalWebhooks int        `json:"totalWebhooks"`
	Processed     int        `json:"processed"`
	Failed        int        `json:"failed"`
	Pending       int        `json:"pending"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	Mock          bool       `json:"mock,omitempty"`
}

type Job struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	ClientName string    `json:"clientName"`
	Status     string    `json:"status"`
	Total      float64   `json:"total"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type JobList struct {
	Jobs []Job `json:"jobs"`
	Mock bool  `json:"mock,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Mock   bool   `json:"mock,omitempty"`
}

type SyncTriggerResponse struct {
	Started bool   `json:"started"`
	SyncID  string `json:"syncId,omitempty"`
}

func (g *Gateway) AuthStatus(ctx context.Context) (AuthStatusResponse, error) {
	var out AuthStatusResponse
	err := g.doJSON(ctx, http.MethodGet, "/api/auth/status", "", nil, &out)
	return out, err
}

func (g *Gateway) SyncStats(ctx context.Context) (SyncStats, error) {
	var out SyncStats
	err := g.doJSON(ctx, http.MethodGet, "/api/sync/stats", "", nil, &out)
	return out, err
}

func (g *Gateway) Jobs(ctx context.Context) (JobList, error) {
	var out JobList
	err := g.doJSON(ctx, http.MethodGet, "/api/jobber/jobs", ProviderJobber, nil, &out)
	return out, err
}

func (g *Gateway) TriggerSync(ctx context.Context, provider string) (SyncTriggerResponse, error) {
	var out SyncTriggerResponse
	path := fmt.Sprintf("/api/sync/%s", provider)
	err := g.doJSON(ctx, http.MethodPost, path, provider, nil, &out)
	return out, err
}

func (g *Gateway) RetryWebhook(ctx context.Context, webhookID string) error {
	if strings.TrimSpace(webhookID) == "" {
		return ErrInvalidInput
	}
	path := fmt.Sprintf("/api/webhooks/%s/retry", webhookID)
	return g.doJSON(ctx, http.MethodPost, path, "", nil, nil)
}

func (g *Gateway) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := g.doJSON(ctx, http.MethodGet, "/api/health", "", nil, &out)
	return out, err
}

func (g *Gateway) doJSON(ctx context.Context, method, path, provider string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	// One admission covers the whole logical call, retries included, so the
	// window can undercount during long retry sequences. Responses carrying
	// x-ratelimit headers fold the server's own count back in.
	if provider != "" && g.gate != nil {
		if err := g.gate.Acquire(ctx, provider); err != nil {
			return err
		}
		defer g.gate.Release(provider)
	}

	call := Call{Provider: provider, Path: path, Refresh: g.refreshCallback(provider)}
	err := g.retry.Do(ctx, call, func(ctx context.Context) error {
		return g.attempt(ctx, method, path, provider, bodyBytes, out)
	})
	if err == nil {
		return nil
	}
	if g.mockMode && isOffline(err) {
		if payload, ok := mockResponseFor(path); ok {
			g.log.WithField("path", path).Debug("backend unreachable; serving mock payload")
			if out == nil {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
	}
	return err
}

// attempt performs a single HTTP exchange. Transport errors pass through the
// circuit breaker so repeated outages trip it open.
func (g *Gateway) attempt(ctx context.Context, method, path, provider string, bodyBytes []byte, out any) error {
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if g.userID != "" {
		req.Header.Set("X-User-Id", g.userID)
	}
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if provider != "" && g.tokens != nil {
		if record, ok := g.tokens.Get(provider); ok {
			req.Header.Set("Authorization", "Bearer "+record.AccessToken)
		}
	}

	result, err := g.breaker.Execute(func() (any, error) {
		return g.httpClient.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrBackendOffline, err)
		}
		return err
	}
	resp := result.(*http.Response)
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if provider != "" && g.gate != nil {
		g.reconcileRateHeaders(provider, resp.Header)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if gqlErrs := extractGraphQLErrors(payload); len(gqlErrs) > 0 {
			return &HTTPError{StatusCode: resp.StatusCode, Message: gqlErrs[0].Message, GraphQLErrors: gqlErrs}
		}
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			// A non-JSON body from an intermediary is treated as empty
			// rather than a hard failure.
			g.log.WithField("path", path).Debug("unparseable response body ignored")
		}
		return nil
	}

	return buildHTTPError(resp, payload)
}

func buildHTTPError(resp *http.Response, payload []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: resp.StatusCode}
	var parsed struct {
		Code       string         `json:"code"`
		Message    string         `json:"message"`
		RetryAfter float64        `json:"retryAfter"`
		Errors     []GraphQLError `json:"errors"`
	}
	if json.Unmarshal(payload, &parsed) == nil {
		httpErr.Code = parsed.Code
		httpErr.Message = strings.TrimSpace(parsed.Message)
		httpErr.GraphQLErrors = parsed.Errors
		if parsed.RetryAfter > 0 {
			httpErr.RetryAfter = time.Duration(parsed.RetryAfter * float64(time.Second))
		}
	}
	if httpErr.Message == "" {
		httpErr.Message = strings.TrimSpace(string(payload))
	}
	if hinted := parseRetryAfterSeconds(resp.Header.Get("Retry-After")); hinted > 0 {
		httpErr.RetryAfter = hinted
	}
	return httpErr
}

func extractGraphQLErrors(payload []byte) []GraphQLError {
	if len(payload) == 0 {
		return nil
	}
	var envelope struct {
		Errors []GraphQLError `json:"errors"`
	}
	if json.Unmarshal(payload, &envelope) != nil {
		return nil
	}
	return envelope.Errors
}

// reconcileRateHeaders opportunistically folds provider rate-limit headers
// into the local gate.
func (g *Gateway) reconcileRateHeaders(provider string, header http.Header) {
	remainingRaw := strings.TrimSpace(header.Get("x-ratelimit-remaining"))
	if remainingRaw == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingRaw)
	if err != nil {
		return
	}
	var resetAt time.Time
	if resetRaw := strings.TrimSpace(header.Get("x-ratelimit-reset")); resetRaw != "" {
		if epoch, err := strconv.ParseInt(resetRaw, 10, 64); err == nil && epoch > 0 {
			resetAt = time.Unix(epoch, 0)
		}
	}
	g.gate.ReconcileHeaders(provider, remaining, resetAt)
}

// refreshCallback adapts the token store's refresh flow for the retry
// coordinator's AUTH handling.
func (g *Gateway) refreshCallback(provider string) RefreshCallback {
	if provider == "" || g.tokens == nil {
		return nil
	}
	refresh := g.tokens.RefreshCallback(provider, g.refreshFunc(provider))
	return func(ctx context.Context) bool {
		_, ok := refresh(ctx)
		return ok
	}
}

// refreshFunc exchanges a refresh token through the backend. It runs a single
// unretried attempt; the caller's retry budget covers the overall operation.
func (g *Gateway) refreshFunc(provider string) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (TokenRecord, error) {
		body := map[string]string{"refreshToken": refreshToken}
		payload, err := json.Marshal(body)
		if err != nil {
			return TokenRecord{}, err
		}
		path := fmt.Sprintf("/api/auth/%s/refresh", provider)
		var fresh TokenRecord
		if err := g.attempt(ctx, http.MethodPost, path, "", payload, &fresh); err != nil {
			return TokenRecord{}, err
		}
		if strings.TrimSpace(fresh.AccessToken) == "" {
			return TokenRecord{}, fmt.Errorf("refresh response missing access token")
		}
		return fresh, nil
	}
}

func isOffline(err error) bool {
	if errors.Is(err, ErrBackendOffline) {
		return true
	}
	var enhanced *EnhancedError
	return errors.As(err, &enhanced) && enhanced.Category == CategoryNetwork
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
