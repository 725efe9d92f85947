package jquants

import "fmt"

// AuthKind classifies authentication failures.
type AuthKind string

const (
	AuthBadCredential AuthKind = "bad_credential" // refresh token rejected
	AuthExpired       AuthKind = "expired"        // refresh token past its lifetime
	AuthTransport     AuthKind = "transport"      // network or server failure
)

// AuthError is returned when an ID token cannot be obtained.
type AuthError struct {
	Kind    AuthKind
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("jquants auth failed (%s): %s", e.Kind, e.Message)
}

// FetchKind classifies data request failures and drives retry decisions.
type FetchKind string

const (
	// FetchTransient covers network errors and 5xx responses; safe to retry.
	FetchTransient FetchKind = "transient"
	// FetchRateLimited is a 429; retryable after backing off.
	FetchRateLimited FetchKind = "rate_limited"
	// FetchPermanent covers other 4xx responses; retrying cannot help.
	FetchPermanent FetchKind = "permanent"
)

// FetchError is returned when a data request fails.
type FetchError struct {
	Kind       FetchKind
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("jquants request failed (%s): %s (status: %d, endpoint: %s)",
		e.Kind, e.Message, e.StatusCode, e.Endpoint)
}

// Retryable reports whether the error is worth retrying.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchTransient || e.Kind == FetchRateLimited
}

// IsRetryable reports whether err is a retryable fetch failure. Errors that
// are not FetchErrors (context cancellation, auth failures) are not retried.
func IsRetryable(err error) bool {
	if fe, ok := err.(*FetchError); ok {
		return fe.Retryable()
	}
	return false
}
