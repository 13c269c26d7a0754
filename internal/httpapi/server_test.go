package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldbooks/bridgeclient/internal/bridge"
	"github.com/fieldbooks/bridgeclient/internal/pushsync"
)

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newStatusFixture(t *testing.T) *Server {
	t.Helper()
	tokens := bridge.NewTokenStore(bridge.TokenStoreOptions{Logger: quietLog()})
	expiresAt := time.Now().Add(time.Hour)
	if err := tokens.Store(bridge.ProviderJobber, bridge.TokenRecord{
		AccessToken: "token_a",
		ExpiresAt:   &expiresAt,
	}); err != nil {
		t.Fatalf("store token: %v", err)
	}

	gate := bridge.NewRateGate(bridge.RateGateOptions{SweepInterval: time.Hour})
	t.Cleanup(gate.Close)
	if err := gate.Acquire(context.Background(), bridge.ProviderJobber); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	gate.Release(bridge.ProviderJobber)

	dispatcher := bridge.NewDispatcher(quietLog())
	gateway := bridge.NewGateway(bridge.GatewayOptions{Logger: quietLog()})
	channel, err := pushsync.NewChannel(pushsync.ChannelOptions{
		Gateway:    gateway,
		Dispatcher: dispatcher,
		Logger:     quietLog(),
	})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	return NewServer(tokens, gate, channel)
}

func TestHealthEndpoint(t *testing.T) {
	server := newStatusFixture(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStatusEndpointShape(t *testing.T) {
	server := newStatusFixture(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var status struct {
		Push struct {
			State             string `json:"state"`
			ReconnectAttempts int    `json:"reconnectAttempts"`
		} `json:"push"`
		RateLimits []bridge.RateSnapshot   `json:"rateLimits"`
		Providers  []bridge.ProviderStatus `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Push.State != string(pushsync.StateClosed) {
		t.Fatalf("expected closed push state before connect, got %q", status.Push.State)
	}
	if len(status.RateLimits) != 2 {
		t.Fatalf("expected both provider gates, got %+v", status.RateLimits)
	}
	if status.RateLimits[0].Provider != bridge.ProviderJobber {
		t.Fatalf("expected sorted snapshots, got %+v", status.RateLimits)
	}
	if status.RateLimits[0].Used != 1 {
		t.Fatalf("expected one recorded jobber request, got %+v", status.RateLimits[0])
	}
	if len(status.Providers) != 2 {
		t.Fatalf("expected both provider statuses, got %+v", status.Providers)
	}
	if !status.Providers[0].Connected || status.Providers[1].Connected {
		t.Fatalf("expected jobber connected and quickbooks not: %+v", status.Providers)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	server := newStatusFixture(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "not_found" {
		t.Fatalf("unexpected error body: %v", body)
	}
}
