package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/fieldbooks/bridgeclient/internal/bridge"
	"github.com/fieldbooks/bridgeclient/internal/pushsync"
)

// Server exposes the client's own state for local diagnostics. It binds to
// loopback and carries no auth; it never proxies backend data beyond the
// cached stats snapshot.
type Server struct {
	tokens  *bridge.TokenStore
	gate    *bridge.RateGate
	channel *pushsync.Channel
}

func NewServer(tokens *bridge.TokenStore, gate *bridge.RateGate, channel *pushsync.Channel) *Server {
	return &Server{tokens: tokens, gate: gate, channel: channel}
}

type pushStatus struct {
	State             string `json:"state"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

type statsStatus struct {
	Snapshot bridge.SyncStats `json:"snapshot"`
	AsOf     *time.Time       `json:"asOf,omitempty"`
}

type statusResponse struct {
	Push       pushStatus              `json:"push"`
	RateLimits []bridge.RateSnapshot   `json:"rateLimits"`
	Providers  []bridge.ProviderStatus `json:"providers"`
	Stats      statsStatus             `json:"stats"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	resp := statusResponse{}
	if s.channel != nil {
		resp.Push.State = string(s.channel.State())
		resp.Push.ReconnectAttempts = s.channel.ReconnectAttempts()
		stats, asOf := s.channel.Stats()
		resp.Stats.Snapshot = stats
		if !asOf.IsZero() {
			resp.Stats.AsOf = &asOf
		}
	}
	if s.gate != nil {
		resp.RateLimits = s.gate.Snapshots()
		sort.Slice(resp.RateLimits, func(i, j int) bool {
			return resp.RateLimits[i].Provider < resp.RateLimits[j].Provider
		})
	}
	if s.tokens != nil {
		for _, provider := range []string{bridge.ProviderJobber, bridge.ProviderQuickBooks} {
			resp.Providers = append(resp.Providers, s.tokens.Status(provider))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
