package kex

import "errors"

// Errors returned by the key exchange engine.
var (
	// ErrNoTransport is returned by NewEngine without a transport.
	ErrNoTransport = errors.New("kex: no transport given")

	// ErrNoVersions is returned by NewEngine when either identification
	// string is missing; both feed the exchange hash.
	ErrNoVersions = errors.New("kex: client and server version strings required")

	// ErrState is returned when a message or call is invalid in the
	// engine's current state.
	ErrState = errors.New("kex: invalid state for operation")

	// ErrHostKeySignature is returned when the server's signature over the
	// exchange hash does not verify. Fatal: the peer does not hold the
	// host key it presented.
	ErrHostKeySignature = errors.New("kex: host key signature verification failed")

	// ErrHostKeyRejected is returned when the host key callback refuses
	// the server's key.
	ErrHostKeyRejected = errors.New("kex: host key rejected")

	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("kex: engine closed")
)
