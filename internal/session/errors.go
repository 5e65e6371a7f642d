package session

import "errors"

// Failure taxonomy for session operations. Every operation resolves to one of
// these (possibly wrapped) so callers can render the right message without
// string matching.
var (
	// ErrServerUnavailable indicates the authentication backend failed its
	// health check. Recoverable by retrying CheckServerConnection.
	ErrServerUnavailable = errors.New("session: auth server unavailable")
	// ErrInvalidCredentials indicates a rejected login. The session is left
	// untouched.
	ErrInvalidCredentials = errors.New("session: invalid credentials")
	// ErrInvalidToken indicates a persisted token that the backend no longer
	// accepts. Handled internally during Init by clearing the token and
	// continuing unauthenticated; surfaced only through logs.
	ErrInvalidToken = errors.New("session: invalid or expired token")
)
