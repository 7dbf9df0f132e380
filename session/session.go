package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vendhub/session-adapter/session/push"
)

// Session bundles the credential store, the authenticated API client and
// the push connection for one storefront account.
type Session struct {
	cfg    Config
	logger *zap.Logger

	Auth   *AuthClient
	API    *Client
	Push   *push.Manager
	store  *CredentialStore
}

// New assembles a session from configuration. Credentials persisted by a
// previous run are loaded from disk; it is not an error when none exist.
func New(cfg Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	storage, err := NewFileCredentialStorage(cfg.StoragePath)
	if err != nil {
		return nil, err
	}
	store := NewCredentialStore(storage, logger)
	if err := store.Load(); err != nil && !errors.Is(err, ErrNoCredentials) {
		return nil, err
	}

	auth := NewAuthClient(cfg, store, logger)
	api := NewClient(cfg, auth, logger)
	mgr := push.NewManager(push.Options{
		URL: cfg.PushURL,
		Token: func() (string, error) {
			token := store.AccessToken()
			if token == "" {
				return "", ErrNoCredentials
			}
			return token, nil
		},
		Role:        store.Role,
		MaxAttempts: cfg.MaxReconnectAttempts,
		Logger:      logger,
	})

	s := &Session{
		cfg:    cfg,
		logger: logger,
		Auth:   auth,
		API:    api,
		Push:   mgr,
		store:  store,
	}
	// Once the session is torn down the push connection cannot
	// re-authenticate, so drop it as well.
	auth.OnSessionCleared(func() {
		if err := mgr.Disconnect(); err != nil {
			logger.Warn("failed to close push connection", zap.Error(err))
		}
	})
	return s, nil
}

// Store exposes the credential store.
func (s *Session) Store() *CredentialStore { return s.store }

// TrackTradeLock starts a lock tracker for one trade using the configured
// completion settle delay.
func (s *Session) TrackTradeLock(tradeID string) *TradeLockTracker {
	delay := s.cfg.TradeCompletedDelay
	if delay <= 0 {
		delay = 1500 * time.Millisecond
	}
	return NewTradeLockTracker(s.Push.Dispatcher(), tradeID, delay, s.logger)
}

// PushHealthy reports whether the push channel can still deliver events.
// It returns ErrChannelUnavailable once the reconnect attempts are exhausted
// and only an explicit Push.Connect can bring the channel back.
func (s *Session) PushHealthy() error {
	if s.Push.State() == push.StateUnavailable {
		return ErrChannelUnavailable
	}
	return nil
}

// Close disconnects the push channel. Credentials stay persisted so the
// next run can resume the session.
func (s *Session) Close() error {
	return s.Push.Disconnect()
}

// Login authenticates and brings up the push connection.
func (s *Session) Login(ctx context.Context, email, password string) error {
	if err := s.Auth.Login(ctx, email, password); err != nil {
		return err
	}
	return s.Push.Connect(ctx)
}

// Logout tears down the push connection and clears the session.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.Push.Disconnect(); err != nil {
		s.logger.Warn("failed to close push connection", zap.Error(err))
	}
	return s.Auth.Logout(ctx)
}
