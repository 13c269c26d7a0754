package bridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// tokenExpiryBuffer is subtracted from a token's expiry before deciding
	// it is unusable; refreshing slightly early avoids racing the provider.
	tokenExpiryBuffer = 5 * time.Minute
	// tokenRefreshBuffer marks a token as wanting refresh ahead of the
	// expiry buffer so callers can refresh without dropping a request.
	tokenRefreshBuffer = 10 * time.Minute
)

// TokenRecord is one provider's OAuth credential set.
type TokenRecord struct {
	Provider     string     `json:"provider"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	StoredAt     time.Time  `json:"storedAt"`
	LastUsedAt   time.Time  `json:"lastUsedAt"`
	UserID       string     `json:"userId,omitempty"`
	Source       string     `json:"source,omitempty"`
}

// ProviderStatus is the derived connection view for one provider.
type ProviderStatus struct {
	Provider     string     `json:"provider"`
	Connected    bool       `json:"connected"`
	NeedsRefresh bool       `json:"needsRefresh"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}

// TokenBackend persists the full provider-to-record mapping as one snapshot.
type TokenBackend interface {
	Load() (map[string]TokenRecord, error)
	Save(map[string]TokenRecord) error
	Close() error
}

type TokenStoreOptions struct {
	Backend TokenBackend
	UserID  string
	Logger  logrus.FieldLogger

	// Now is an injection point for tests.
	Now func() time.Time
}

// TokenStore holds OAuth credentials per provider. The in-memory map is the
// source of truth; the backend is durability only, and backend faults never
// escape to callers.
type TokenStore struct {
	mu      sync.Mutex
	records map[string]TokenRecord
	backend TokenBackend
	userID  string
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewTokenStore(opts TokenStoreOptions) *TokenStore {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &TokenStore{
		records: map[string]TokenRecord{},
		backend: opts.Backend,
		userID:  strings.TrimSpace(opts.UserID),
		log:     log,
		now:     now,
	}
	if s.backend != nil {
		loaded, err := s.backend.Load()
		if err != nil {
			// Corrupt or unreadable state means "no tokens", never a fault.
			s.log.WithError(err).Warn("token state unreadable; starting empty")
		} else if loaded != nil {
			s.records = loaded
		}
	}
	s.SweepExpired()
	return s
}

// Store validates and saves a provider's record, overwriting any prior one.
// Only validation can fail; persistence faults are logged and swallowed.
func (s *TokenStore) Store(provider string, record TokenRecord) error {
	provider = strings.TrimSpace(provider)
	if provider == "" || strings.TrimSpace(record.AccessToken) == "" {
		return ErrInvalidInput
	}
	now := s.now()
	record.Provider = provider
	record.StoredAt = now
	record.LastUsedAt = now
	if record.UserID == "" {
		record.UserID = s.userID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[provider] = record
	s.persistLocked()
	return nil
}

// Get returns the provider's record. A record inside the expiry buffer is
// deleted and reported absent. Reads bump last-used.
func (s *TokenStore) Get(provider string) (TokenRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[provider]
	if !ok {
		return TokenRecord{}, false
	}
	if s.expiredLocked(record) {
		delete(s.records, provider)
		s.persistLocked()
		return TokenRecord{}, false
	}
	record.LastUsedAt = s.now()
	s.records[provider] = record
	s.persistLocked()
	return record, true
}

// Remove deletes the provider's record. Removing an absent record is a no-op.
func (s *TokenStore) Remove(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[provider]; !ok {
		return
	}
	delete(s.records, provider)
	s.persistLocked()
}

// Status never fails; it derives the connection view without mutating state.
func (s *TokenStore) Status(provider string) ProviderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := ProviderStatus{Provider: provider}
	record, ok := s.records[provider]
	if !ok || s.expiredLocked(record) {
		return status
	}
	status.Connected = true
	status.NeedsRefresh = s.needsRefreshLocked(record)
	if record.ExpiresAt != nil {
		expiresAt := *record.ExpiresAt
		status.ExpiresAt = &expiresAt
	}
	lastUsed := record.LastUsedAt
	status.LastUsedAt = &lastUsed
	return status
}

// SweepExpired removes every record inside the expiry buffer and reports how
// many were dropped. Runs at startup and on the daemon's sweep timer.
func (s *TokenStore) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for provider, record := range s.records {
		if s.expiredLocked(record) {
			delete(s.records, provider)
			removed++
		}
	}
	if removed > 0 {
		s.persistLocked()
	}
	return removed
}

// RefreshFunc exchanges a refresh credential for a new record.
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenRecord, error)

// RefreshCallback returns an operation that refreshes the provider's record
// when needed. A failed refresh removes the record and reports absent.
func (s *TokenStore) RefreshCallback(provider string, refresh RefreshFunc) func(ctx context.Context) (TokenRecord, bool) {
	return func(ctx context.Context) (TokenRecord, bool) {
		s.mu.Lock()
		record, ok := s.records[provider]
		needsRefresh := ok && s.needsRefreshLocked(record)
		s.mu.Unlock()
		if !ok {
			return TokenRecord{}, false
		}
		if !needsRefresh {
			return record, true
		}
		if refresh == nil || strings.TrimSpace(record.RefreshToken) == "" {
			s.Remove(provider)
			return TokenRecord{}, false
		}
		fresh, err := refresh(ctx, record.RefreshToken)
		if err != nil || strings.TrimSpace(fresh.AccessToken) == "" {
			if err != nil {
				s.log.WithError(err).WithField("provider", provider).Warn("token refresh failed")
			}
			s.Remove(provider)
			return TokenRecord{}, false
		}
		if strings.TrimSpace(fresh.RefreshToken) == "" {
			fresh.RefreshToken = record.RefreshToken
		}
		if fresh.Source == "" {
			fresh.Source = "refresh"
		}
		if err := s.Store(provider, fresh); err != nil {
			return TokenRecord{}, false
		}
		stored, ok := s.Get(provider)
		return stored, ok
	}
}

func (s *TokenStore) expiredLocked(record TokenRecord) bool {
	if record.ExpiresAt == nil {
		return false
	}
	return !record.ExpiresAt.Add(-tokenExpiryBuffer).After(s.now())
}

func (s *TokenStore) needsRefreshLocked(record TokenRecord) bool {
	if record.ExpiresAt == nil {
		return false
	}
	return !record.ExpiresAt.Add(-tokenRefreshBuffer).After(s.now())
}

func (s *TokenStore) persistLocked() {
	if s.backend == nil {
		return
	}
	snapshot := make(map[string]TokenRecord, len(s.records))
	for provider, record := range s.records {
		snapshot[provider] = record
	}
	if err := s.backend.Save(snapshot); err != nil {
		s.log.WithError(err).Warn("token state not persisted")
	}
}

// Close flushes nothing (every mutation persists eagerly) and closes the
// backend.
func (s *TokenStore) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
