package sshwire

import (
	"io"
	"time"

	"github.com/pion/logging"

	"github.com/telegraphy/sshwire/pkg/algorithms"
	"github.com/telegraphy/sshwire/pkg/auth"
)

// DefaultClientVersion is the identification string sent during the version
// exchange when the config does not override it.
const DefaultClientVersion = "SSH-2.0-sshwire_0.1.0"

// HostKeyVerifier decides whether a server host key is trusted. Verify is
// called once per connection after the key's signature over the exchange
// hash checked out, and again on any rekey that presents a different key.
// A non-nil error aborts the connection.
type HostKeyVerifier interface {
	// Verify receives the server's hostname and port as dialed, the
	// negotiated host key algorithm name and the raw key blob exactly as
	// the server sent it.
	Verify(hostname string, port int, algorithm string, blob []byte) error
}

// HostKeyVerifierFunc adapts a plain function to the HostKeyVerifier
// interface.
type HostKeyVerifierFunc func(hostname string, port int, algorithm string, blob []byte) error

// Verify implements HostKeyVerifier.
func (f HostKeyVerifierFunc) Verify(hostname string, port int, algorithm string, blob []byte) error {
	return f(hostname, port, algorithm, blob)
}

// InsecureIgnoreHostKey returns a verifier that accepts any host key. It
// provides no protection against man-in-the-middle attacks and must not be
// used outside tests and throwaway tooling.
func InsecureIgnoreHostKey() HostKeyVerifier {
	return HostKeyVerifierFunc(func(string, int, string, []byte) error {
		return nil
	})
}

// Config configures a Client.
type Config struct {
	// HostKeyVerifier accepts or rejects the server host key. Required.
	HostKeyVerifier HostKeyVerifier

	// ClientVersion is the identification string sent in the version
	// exchange. Must start with "SSH-2.0-". Defaults to
	// DefaultClientVersion.
	ClientVersion string

	// User enables authentication after the first key exchange completes.
	// Empty means the client connects without authenticating; most
	// servers reject channel opens on such a connection.
	User string

	// Password supplies the password for "password" authentication. Nil
	// disables the method.
	Password func() (string, error)

	// Agent supplies signing keys for "publickey" authentication. Nil
	// disables the method.
	Agent auth.Agent

	// KeyboardInteractive answers server challenges for the
	// "keyboard-interactive" method. Nil disables the method.
	KeyboardInteractive auth.KeyboardInteractiveFunc

	// OnBanner receives the server's pre-authentication banner, if any.
	// Called from the connection's reader goroutine; must not block.
	OnBanner func(message string)

	// Preferences overrides the algorithm preference lists for the key
	// exchange. Nil means the registry defaults.
	Preferences *algorithms.Preferences

	// Host and Port name the server for the host key verifier. Dial
	// fills them from the dialed address; Connect falls back to the
	// connection's remote address when Host is empty.
	Host string
	Port int

	// RekeyBytes triggers a rekey once that many bytes crossed the
	// connection in either direction. Zero means kex.DefaultRekeyBytes.
	RekeyBytes uint64

	// RekeyInterval triggers a rekey on wall clock time. Zero means
	// kex.DefaultRekeyInterval.
	RekeyInterval time.Duration

	// Rand is the randomness source for cookies, exchange secrets and
	// padding. Defaults to crypto/rand.
	Rand io.Reader

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.HostKeyVerifier == nil {
		return ErrNoHostKeyVerifier
	}
	return nil
}

// applyDefaults fills in zero values.
func (c *Config) applyDefaults() {
	if c.ClientVersion == "" {
		c.ClientVersion = DefaultClientVersion
	}
}
