// Package auth provides token acquisition and caching for the remote
// object store.
//
// Actual token acquisition and revocation are delegated to a
// TokenBroker, a privileged collaborator that may prompt the user for
// consent. The Cache holds at most one token in memory for the
// lifetime of the process; tokens are never persisted.
package auth

import "context"

// TokenBroker acquires and revokes access tokens.
//
// When interactive is true the broker may prompt the user for consent;
// when false it must acquire (or refresh) a token silently or fail.
type TokenBroker interface {
	// GetToken returns a valid access token.
	GetToken(ctx context.Context, interactive bool) (string, error)

	// InvalidateToken drops the given access token so the next
	// non-interactive GetToken mints a fresh one. The underlying grant
	// is kept alive: this is the rejected-token recovery path, not a
	// sign-out.
	InvalidateToken(ctx context.Context, token string) error

	// RevokeToken tears down the whole grant, locally and server-side.
	// After this only an interactive GetToken can succeed.
	RevokeToken(ctx context.Context, token string) error
}

// AuthError indicates that no usable token could be obtained: the
// broker was unreachable, consent was denied or cancelled, or an
// expired token could not be refreshed. Recoverable by re-running an
// interactive enable.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "auth: " + e.Reason + ": " + e.Err.Error()
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
