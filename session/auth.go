package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Auth endpoints. Calls to these paths are excluded from the refresh-retry
// path so a failing refresh or login can never recurse into another refresh.
const (
	loginPath   = "/auth/login"
	logoutPath  = "/auth/logout"
	refreshPath = "/auth/refresh-token"
)

// AuthClient manages the credential lifecycle against the storefront auth
// endpoints. All refresh traffic is single-flight: concurrent callers that
// hit an authorization failure share one refresh request and see the same
// outcome.
type AuthClient struct {
	baseURL string
	http    *http.Client
	store   *CredentialStore
	logger  *zap.Logger

	refresh singleflight.Group

	clearedMu  sync.Mutex
	clearedFns []func()
}

// NewAuthClient creates an auth client over the given credential store.
func NewAuthClient(cfg Config, store *CredentialStore, logger *zap.Logger) *AuthClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthClient{
		baseURL: cfg.APIBaseURL,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		store:   store,
		logger:  logger,
	}
}

// Store exposes the underlying credential store.
func (a *AuthClient) Store() *CredentialStore { return a.store }

// AccessToken returns the cached access token, empty when unauthenticated.
func (a *AuthClient) AccessToken() string { return a.store.AccessToken() }

// IsAuthenticated reports whether a credential pair is currently held.
func (a *AuthClient) IsAuthenticated() bool { return a.store.Pair().Valid() }

// OnSessionCleared registers a callback fired when the session is torn down
// by an irrecoverable refresh failure and the caller must re-authenticate.
func (a *AuthClient) OnSessionCleared(fn func()) {
	a.clearedMu.Lock()
	a.clearedFns = append(a.clearedFns, fn)
	a.clearedMu.Unlock()
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Login authenticates with the storefront and stores the returned pair.
// A 401 here means bad credentials and never enters the refresh path.
func (a *AuthClient) Login(ctx context.Context, email, password string) error {
	var tokens tokenResponse
	if err := a.post(ctx, loginPath, loginRequest{Email: email, Password: password}, &tokens); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	pair := CredentialPair(tokens)
	if !pair.Valid() {
		return fmt.Errorf("login: %w: incomplete token pair in response", ErrUnauthorized)
	}
	if err := a.store.Set(pair); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	a.logger.Info("logged in", zap.String("user_id", a.store.UserID()))
	return nil
}

// Logout notifies the server and clears both tokens together. The local
// session is cleared even when the server call fails.
func (a *AuthClient) Logout(ctx context.Context) error {
	reqErr := a.post(ctx, logoutPath, nil, nil)
	if err := a.store.Clear(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	a.logger.Info("logged out")
	if reqErr != nil {
		return fmt.Errorf("logout: %w", reqErr)
	}
	return nil
}

// Refresh exchanges the cached refresh token for a fresh pair. At most one
// refresh is in flight at any time; every concurrent caller joins it and
// resumes with the same result. Any failure tears the session down, fires
// the session-cleared signal once, and surfaces ErrRefreshFailed.
func (a *AuthClient) Refresh(ctx context.Context) (CredentialPair, error) {
	v, err, _ := a.refresh.Do("refresh", func() (interface{}, error) {
		return a.doRefresh(ctx)
	})
	if err != nil {
		return CredentialPair{}, err
	}
	return v.(CredentialPair), nil
}

func (a *AuthClient) doRefresh(ctx context.Context) (CredentialPair, error) {
	refreshToken := a.store.Pair().RefreshToken
	if refreshToken == "" {
		a.teardown()
		return CredentialPair{}, fmt.Errorf("%w: %w", ErrRefreshFailed, ErrNoCredentials)
	}

	a.logger.Debug("refreshing access token")
	var tokens tokenResponse
	body := map[string]string{"refreshToken": refreshToken}
	if err := a.post(ctx, refreshPath, body, &tokens); err != nil {
		a.logger.Warn("token refresh failed, clearing session", zap.Error(err))
		a.teardown()
		return CredentialPair{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	pair := CredentialPair(tokens)
	if !pair.Valid() {
		a.teardown()
		return CredentialPair{}, fmt.Errorf("%w: incomplete token pair in response", ErrRefreshFailed)
	}
	if err := a.store.Set(pair); err != nil {
		return CredentialPair{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	a.logger.Info("access token refreshed")
	return pair, nil
}

// teardown clears the session and notifies cleared subscribers. Called at
// most once per failed refresh because refreshes are single-flight.
func (a *AuthClient) teardown() {
	if err := a.store.Clear(); err != nil {
		a.logger.Warn("failed to clear stored credentials", zap.Error(err))
	}
	a.clearedMu.Lock()
	fns := make([]func(), len(a.clearedFns))
	copy(fns, a.clearedFns)
	a.clearedMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// post issues a bare JSON call to an auth endpoint. It attaches the bearer
// token when one is cached (the logout endpoint wants it) but never triggers
// a refresh.
func (a *AuthClient) post(ctx context.Context, path string, reqBody, out interface{}) error {
	var body bytes.Buffer
	if reqBody != nil {
		if err := json.NewEncoder(&body).Encode(reqBody); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := a.store.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
