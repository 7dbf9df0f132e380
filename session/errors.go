package session

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the session layer. Callers match with
// errors.Is regardless of how many layers wrapped the failure.
var (
	// ErrNetworkUnavailable indicates no response was received at all.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrUnauthorized indicates a 401 that could not be resolved by a refresh
	// (or one on the auth endpoints themselves, which never retry).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates a 403. Surfaced directly, never retried.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates a 404.
	ErrNotFound = errors.New("not found")

	// ErrRefreshFailed indicates the refresh endpoint itself failed. The
	// session has been torn down and the caller must re-authenticate.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrChannelUnavailable indicates the push connection exhausted its
	// reconnect attempts and requires an explicit reconnect.
	ErrChannelUnavailable = errors.New("push channel unavailable")

	// ErrNoCredentials indicates no credential pair is available, in memory
	// or in durable storage.
	ErrNoCredentials = errors.New("no stored credentials")
)

// APIError is a structured validation or business error returned by the
// storefront API with a machine-readable code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}
