package sshwire

import "errors"

var (
	// ErrNoHostKeyVerifier is returned when the config has no host key
	// verifier. Host key verification cannot be skipped silently.
	ErrNoHostKeyVerifier = errors.New("sshwire: no host key verifier configured")

	// ErrNoConn is returned when Connect is given a nil net.Conn.
	ErrNoConn = errors.New("sshwire: no network connection given")

	// ErrClosed is returned when operating on a closed client.
	ErrClosed = errors.New("sshwire: client closed")
)
