package sshwire

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pion/logging"

	"github.com/telegraphy/sshwire/pkg/algorithms"
	"github.com/telegraphy/sshwire/pkg/auth"
	"github.com/telegraphy/sshwire/pkg/channel"
	"github.com/telegraphy/sshwire/pkg/kex"
	"github.com/telegraphy/sshwire/pkg/transport"
)

// Client is one SSH client connection: the packet transport, the key
// exchange engine, the authentication state and the channel multiplexer
// behind a single handle.
//
// A Client is safe for concurrent use. All methods except Connect's own
// callbacks may be called from any goroutine.
type Client struct {
	config Config
	log    logging.LeveledLogger

	conn     *transport.Conn
	engine   *kex.Engine
	auth     *auth.Client
	channels *channel.Manager

	serverVersion string
	localAddr     net.Addr

	mu       sync.Mutex
	closed   bool
	authDone bool
}

// Dial connects to address, verifies the server host key and, when a user
// is configured, authenticates. The returned Client is ready for channel
// opens.
func Dial(ctx context.Context, network, address string, config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Host == "" {
		config.Host, config.Port = splitAddress(address)
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, nc, config)
}

// Connect runs the SSH client handshake over an established connection:
// version exchange, first key exchange and, when a user is configured,
// authentication. On error the connection is closed.
//
// Connect takes ownership of nc; closing the Client closes it.
func Connect(ctx context.Context, nc net.Conn, config Config) (*Client, error) {
	if nc == nil {
		return nil, ErrNoConn
	}
	if err := config.Validate(); err != nil {
		nc.Close()
		return nil, err
	}
	config.applyDefaults()

	host, port := config.Host, config.Port
	if host == "" {
		host, port = splitAddress(nc.RemoteAddr().String())
	}

	c := &Client{
		config:    config,
		localAddr: nc.LocalAddr(),
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("sshwire")
	}

	conn, err := transport.NewConn(transport.Config{
		Conn:          nc,
		Handler:       c.dispatch,
		OnClose:       c.connectionLost,
		Rand:          config.Rand,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.conn = conn

	serverVersion, err := conn.ExchangeVersions(config.ClientVersion)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.serverVersion = serverVersion

	engine, err := kex.NewEngine(kex.Config{
		Transport:     conn,
		ClientVersion: config.ClientVersion,
		ServerVersion: serverVersion,
		Preferences:   config.Preferences,
		VerifyHostKey: func(algorithm string, blob []byte) error {
			return config.HostKeyVerifier.Verify(host, port, algorithm, blob)
		},
		Rand:          config.Rand,
		RekeyBytes:    config.RekeyBytes,
		RekeyInterval: config.RekeyInterval,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.engine = engine

	channels, err := channel.NewManager(channel.Config{
		Transport:     conn,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.channels = channels

	if config.User != "" {
		authClient, err := auth.NewClient(auth.Config{
			Transport:           conn,
			User:                config.User,
			Password:            config.Password,
			Agent:               config.Agent,
			KeyboardInteractive: config.KeyboardInteractive,
			OnBanner:            config.OnBanner,
			LoggerFactory:       config.LoggerFactory,
		})
		if err != nil {
			nc.Close()
			return nil, err
		}
		c.auth = authClient
	}

	// The engine queues our KEXINIT before the reader starts so an
	// immediate server KEXINIT cannot race the engine's own state setup.
	if err := engine.Start(); err != nil {
		nc.Close()
		return nil, err
	}
	if err := conn.Start(); err != nil {
		c.shutdown()
		return nil, err
	}

	if err := engine.WaitEstablished(ctx); err != nil {
		c.shutdown()
		return nil, err
	}
	if c.log != nil {
		c.log.Infof("connected to %s (%s)", host, serverVersion)
	}

	if c.auth != nil {
		if err := c.auth.Authenticate(ctx, engine.SessionID()); err != nil {
			c.shutdown()
			return nil, err
		}
	}
	return c, nil
}

// Close sends a disconnect and tears the connection down. Blocked channel
// reads and writes fail. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.shutdown()
	return nil
}

// shutdown closes the transport, which fires connectionLost into every
// subsystem, then waits for the engine's monitor goroutine.
func (c *Client) shutdown() {
	_ = c.conn.Close()
	_ = c.engine.Close()
}

// connectionLost is the transport's OnClose callback. It runs once, on
// whichever goroutine detected the failure.
func (c *Client) connectionLost(err error) {
	c.engine.ConnectionLost(err)
	if c.auth != nil {
		c.auth.ConnectionLost(err)
	}
	c.channels.CloseAll(err)
	if c.log != nil {
		c.log.Infof("connection closed: %v", err)
	}
}

// OpenSession opens a raw "session" channel. The caller issues its own
// shell, exec, subsystem or PTY requests.
func (c *Client) OpenSession(ctx context.Context) (*channel.Channel, error) {
	return c.channels.OpenSession(ctx)
}

// OpenShell opens a session channel and starts the user's login shell on
// it. Callers that need a PTY should use OpenSession and request one before
// starting the shell.
func (c *Client) OpenShell(ctx context.Context) (*channel.Channel, error) {
	ch, err := c.channels.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Shell(); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// OpenExec opens a session channel and runs command on it. The channel
// carries the command's stdin, stdout and stderr; ExitStatus reports the
// result after the server closes its side.
func (c *Client) OpenExec(ctx context.Context, command string) (*channel.Channel, error) {
	ch, err := c.channels.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Exec(command); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// OpenSubsystem opens a session channel and starts a named subsystem, such
// as "sftp", on it.
func (c *Client) OpenSubsystem(ctx context.Context, name string) (*channel.Channel, error) {
	ch, err := c.channels.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Subsystem(name); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// OpenDirectTCPIP asks the server to connect to host:port and returns the
// forwarded byte stream. The originator address reported to the server is
// this client's local address.
func (c *Client) OpenDirectTCPIP(ctx context.Context, host string, port uint32) (*channel.Channel, error) {
	originHost, originPort := splitAddress(c.localAddr.String())
	return c.channels.OpenDirectTCPIP(ctx, host, port, originHost, uint32(originPort))
}

// ForceRekey starts a key exchange now, regardless of the byte and time
// thresholds. No-op if an exchange is already running.
func (c *Client) ForceRekey() error {
	return c.engine.ForceRekey()
}

// SessionID returns the session identifier: the exchange hash of the first
// key exchange. Stable for the connection's lifetime.
func (c *Client) SessionID() []byte {
	return c.engine.SessionID()
}

// Negotiated returns the algorithm set of the most recent key exchange.
func (c *Client) Negotiated() *algorithms.Negotiated {
	return c.engine.Negotiated()
}

// ServerVersion returns the server's identification string from the
// version exchange, CR/LF excluded.
func (c *Client) ServerVersion() string {
	return c.serverVersion
}

// Authenticated reports whether user authentication has completed.
func (c *Client) Authenticated() bool {
	return c.auth != nil && c.auth.Authenticated()
}

// Err returns the terminal connection error, or nil while the connection
// is alive.
func (c *Client) Err() error {
	return c.conn.Err()
}

// Channels returns the channel multiplexer.
// Exposed for testing and advanced use cases.
func (c *Client) Channels() *channel.Manager {
	return c.channels
}

// splitAddress breaks a host:port string into its parts. Addresses without
// a port, such as net.Pipe's, come back whole with port zero.
func splitAddress(address string) (string, int) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return address, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
