// Package session implements the storefront's session-and-event continuity
// layer: a credential store with durable persistence, an auth client with
// single-flight token refresh, an HTTP client that resolves authorization
// failures transparently, and the two-party trade lock tracker fed by the
// push channel.
package session

import (
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// CredentialPair is the current access/refresh token pair. Tokens are opaque
// to callers; the pair is persisted under well-known storage keys and cleared
// atomically together.
type CredentialPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Valid reports whether both tokens are present.
func (p CredentialPair) Valid() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// CredentialStore is the process-wide holder of the credential pair. It is
// mutated only by the auth client (login, successful refresh) and cleared on
// logout or irrecoverable refresh failure.
type CredentialStore struct {
	mu      sync.RWMutex
	pair    CredentialPair
	storage CredentialStorage
	logger  *zap.Logger
}

// NewCredentialStore creates a store backed by the given durable storage.
// A nil logger is replaced with a no-op logger.
func NewCredentialStore(storage CredentialStorage, logger *zap.Logger) *CredentialStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialStore{storage: storage, logger: logger}
}

// Load restores the persisted pair into memory at startup. ErrNoCredentials
// means a clean first run.
func (s *CredentialStore) Load() error {
	pair, err := s.storage.Load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
	s.logger.Debug("credentials restored from storage")
	return nil
}

// Pair returns the current pair.
func (s *CredentialStore) Pair() CredentialPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair
}

// AccessToken returns the current access token, empty when unauthenticated.
func (s *CredentialStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair.AccessToken
}

// Set replaces the pair in memory and persists both tokens.
func (s *CredentialStore) Set(pair CredentialPair) error {
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
	if err := s.storage.Save(pair); err != nil {
		s.logger.Warn("failed to persist credentials", zap.Error(err))
		return err
	}
	return nil
}

// Clear drops both tokens from memory and durable storage together.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	s.pair = CredentialPair{}
	s.mu.Unlock()
	return s.storage.Delete()
}

// UserID returns the subject claim of the access token, or "" when the token
// is absent or not a parseable JWT. The token is not verified here; the
// server remains the authority.
func (s *CredentialStore) UserID() string {
	return s.claim("sub")
}

// Role returns the role claim of the access token, used to filter push
// frames addressed to a specific recipient role.
func (s *CredentialStore) Role() string {
	return s.claim("role")
}

func (s *CredentialStore) claim(name string) string {
	token := s.AccessToken()
	if token == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}
