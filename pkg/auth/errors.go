package auth

import "errors"

var (
	// ErrNoTransport is returned by NewClient when no packet writer is
	// given.
	ErrNoTransport = errors.New("auth: no transport given")

	// ErrNoUser is returned by NewClient when the user name is empty.
	ErrNoUser = errors.New("auth: user name required")

	// ErrClosed is delivered to a blocked Authenticate when the client is
	// torn down without a more specific cause.
	ErrClosed = errors.New("auth: client closed")

	// ErrState is returned when an operation does not fit the client's
	// current state, such as two concurrent Authenticate calls.
	ErrState = errors.New("auth: invalid state for operation")

	// ErrAuthenticationFailed means every usable method was tried and
	// rejected.
	ErrAuthenticationFailed = errors.New("auth: authentication failed")

	// ErrPasswordChangeRequired means the server demands a password change
	// before the account can authenticate, which is not supported.
	ErrPasswordChangeRequired = errors.New("auth: server requires a password change")
)
