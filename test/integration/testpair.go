// Package integration provides test infrastructure for sshwire E2E tests:
// a real client connected to a scripted in-process server over a pipe.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pion/logging"

	"github.com/telegraphy/sshwire/pkg/sshwire"
	"github.com/telegraphy/sshwire/test/integration/framework"
)

// TestPair holds a connected client and scripted server for E2E testing.
//
// Example usage:
//
//	pair := NewTestPair(t)
//	defer pair.Close()
//	ch, err := pair.Client.OpenExec(pair.Context(), "uptime")
type TestPair struct {
	// Client is the client under test, connected and authenticated.
	Client *sshwire.Client

	// Server is the scripted server on the other end of the pipe.
	Server *framework.Server

	// HostKey is the server's host key for this connection.
	HostKey *framework.HostKey

	t *testing.T
}

// TestPairConfig configures the test pair creation.
type TestPairConfig struct {
	// Client overrides. A nil HostKeyVerifier pins the server's host key;
	// an empty User connects as "testuser".
	Client sshwire.Config

	// Server overrides. A nil HostKey gets a fresh ed25519 key. With no
	// auth policy fields set the server accepts the "none" method.
	Server framework.Config

	// HandshakeTimeout bounds connect and authentication.
	// Defaults to 10 seconds.
	HandshakeTimeout time.Duration

	// LoggerFactory for both sides. If nil, uses DefaultLoggerFactory.
	LoggerFactory logging.LoggerFactory
}

// DefaultTestPairConfig returns the default configuration: an echoing
// open-access server and a pinned-key client.
func DefaultTestPairConfig() TestPairConfig {
	return TestPairConfig{
		Server:           framework.Config{Echo: true},
		HandshakeTimeout: 10 * time.Second,
	}
}

// NewTestPair creates a connected client+server pair with the default
// configuration.
func NewTestPair(t *testing.T) *TestPair {
	return NewTestPairWithConfig(t, DefaultTestPairConfig())
}

// NewTestPairWithConfig creates a test pair with custom configuration. The
// handshake, including authentication, has completed when it returns.
func NewTestPairWithConfig(t *testing.T, config TestPairConfig) *TestPair {
	t.Helper()

	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.Client.LoggerFactory == nil {
		config.Client.LoggerFactory = loggerFactory
	}
	if config.Server.LoggerFactory == nil {
		config.Server.LoggerFactory = loggerFactory
	}

	if config.Server.HostKey == nil {
		hostKey, err := framework.NewEd25519HostKey()
		if err != nil {
			t.Fatalf("Failed to generate host key: %v", err)
		}
		config.Server.HostKey = hostKey
	}
	if config.Client.User == "" {
		config.Client.User = "testuser"
	}
	if config.Client.HostKeyVerifier == nil {
		config.Client.HostKeyVerifier = pinnedVerifier(config.Server.HostKey)
	}

	srv, err := framework.NewServer(config.Server)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	clientEnd, serverEnd := net.Pipe()
	go srv.Serve(serverEnd)

	ctx, cancel := context.WithTimeout(context.Background(), config.HandshakeTimeout)
	defer cancel()
	client, err := sshwire.Connect(ctx, clientEnd, config.Client)
	if err != nil {
		<-srv.Done()
		t.Fatalf("Connect failed: %v (server: %v)", err, srv.Err())
	}

	return &TestPair{
		Client:  client,
		Server:  srv,
		HostKey: config.Server.HostKey,
		t:       t,
	}
}

// Close tears down the client and waits for the server loop to end.
// Should be called with defer after creating the pair.
func (p *TestPair) Close() {
	if p.Client != nil {
		p.Client.Close()
	}
	<-p.Server.Done()
}

// Context returns a context for operations on this pair.
// Uses a reasonable timeout for E2E operations.
func (p *TestPair) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	p.t.Cleanup(cancel)
	return ctx
}

// ContextWithTimeout returns a context with custom timeout.
func (p *TestPair) ContextWithTimeout(timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	p.t.Cleanup(cancel)
	return ctx
}

// pinnedVerifier accepts exactly one host key blob.
func pinnedVerifier(hostKey *framework.HostKey) sshwire.HostKeyVerifier {
	return sshwire.HostKeyVerifierFunc(func(hostname string, port int, algorithm string, blob []byte) error {
		if algorithm != hostKey.Algorithm {
			return fmt.Errorf("host key algorithm %q, pinned %q", algorithm, hostKey.Algorithm)
		}
		if !bytes.Equal(blob, hostKey.Blob()) {
			return fmt.Errorf("host key for %s does not match the pinned key", hostname)
		}
		return nil
	})
}
