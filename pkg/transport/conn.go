// Conn runs the packet codec over a network connection: a single reader
// goroutine decodes packets and hands them to the dispatcher in arrival
// order, writers are serialized, and application traffic is held back while
// a key exchange is in progress (RFC 4253 Section 7.1).

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pion/logging"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// PacketHandler receives every decoded packet except the transport-internal
// ones the Conn consumes itself (DISCONNECT, IGNORE, DEBUG, UNIMPLEMENTED).
// It runs on the reader goroutine; returning an error tears the connection
// down.
type PacketHandler func(payload []byte) error

// Config configures a Conn.
type Config struct {
	// Conn is the underlying byte stream. Required.
	Conn net.Conn

	// Handler is called for each received packet. Required.
	Handler PacketHandler

	// OnClose, if set, is called exactly once when the connection dies,
	// with the terminal error. It runs on whichever goroutine detected
	// the failure and must not write to the connection.
	OnClose func(err error)

	// Rand supplies padding bytes. Defaults to crypto/rand.
	Rand io.Reader

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Conn is one SSH transport connection.
type Conn struct {
	nc      net.Conn
	codec   *Codec
	handler PacketHandler
	onClose func(error)
	log     logging.LeveledLogger

	closeCh chan struct{}
	wg      sync.WaitGroup

	writeMu sync.Mutex

	// Write gate, held while a key exchange is in flight. Application
	// writers park here; transport and kex messages pass.
	gateMu sync.Mutex
	gated  bool
	gateCh chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	err     error
}

// NewConn wraps a network connection. Packet I/O starts with Start, after
// the version exchange.
func NewConn(config Config) (*Conn, error) {
	if config.Conn == nil {
		return nil, ErrNoConn
	}
	if config.Handler == nil {
		return nil, ErrNoHandler
	}

	c := &Conn{
		nc:      config.Conn,
		codec:   NewCodec(config.Conn, config.Rand),
		handler: config.Handler,
		onClose: config.OnClose,
		closeCh: make(chan struct{}),
		gateCh:  make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("transport")
	}
	return c, nil
}

// ExchangeVersions runs the identification exchange and returns the server's
// version line. Must complete before Start.
func (c *Conn) ExchangeVersions(clientVersion string) (string, error) {
	serverVersion, err := c.codec.ExchangeVersions(clientVersion)
	if err != nil {
		return "", err
	}
	if c.log != nil {
		c.log.Debugf("server version: %s", serverVersion)
	}
	return serverVersion, nil
}

// Start launches the reader goroutine.
func (c *Conn) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Close sends a best-effort DISCONNECT, tears the connection down and waits
// for the reader goroutine. Must not be called from the packet handler.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	d := &wire.Disconnect{Reason: wire.DisconnectByApplication, Message: "closed by application"}
	_ = c.write(d.Marshal())
	c.fail(ErrClosed)
	c.wg.Wait()
	return nil
}

// Err returns the terminal error, or nil while the connection is alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// WritePacket sends one packet. Application messages block while a key
// exchange is in flight and resume, in arrival order at the gate, once the
// new keys are in effect.
func (c *Conn) WritePacket(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty packet", ErrProtocol)
	}
	if !kexAllowed(payload[0]) {
		if err := c.waitWritable(); err != nil {
			return err
		}
	}
	return c.write(payload)
}

// WriteReply sends a packet without waiting on the kex gate. It exists for
// replies generated on the reader goroutine, which must never park on the
// gate it is itself responsible for releasing.
func (c *Conn) WriteReply(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty packet", ErrProtocol)
	}
	return c.write(payload)
}

// WriteNewKeys sends NEWKEYS and atomically installs next as the outbound
// crypto context: no other packet can slip between the NEWKEYS and the key
// switch.
func (c *Conn) WriteNewKeys(next *CryptoContext) error {
	c.writeMu.Lock()
	c.codec.StageOutbound(next)
	err := c.codec.WriteNewKeys()
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// StageInbound sets the crypto context installed when the peer's NEWKEYS
// arrives. Reader goroutine only.
func (c *Conn) StageInbound(next *CryptoContext) {
	c.codec.StageInbound(next)
}

// HoldWrites parks application writers until ReleaseWrites. Called by the
// kex engine when a key exchange begins.
func (c *Conn) HoldWrites() {
	c.gateMu.Lock()
	c.gated = true
	c.gateMu.Unlock()
}

// ReleaseWrites reopens the gate and wakes parked writers.
func (c *Conn) ReleaseWrites() {
	c.gateMu.Lock()
	if c.gated {
		c.gated = false
		close(c.gateCh)
		c.gateCh = make(chan struct{})
	}
	c.gateMu.Unlock()
}

// ActivateDelayedCompression starts the zlib@openssh.com streams once
// authentication has succeeded. Must be called from the packet handler so it
// cannot race the decoder.
func (c *Conn) ActivateDelayedCompression() {
	c.writeMu.Lock()
	c.codec.ActivateCompression()
	c.writeMu.Unlock()
}

// SendUnimplemented reports the most recently received packet as
// unimplemented. Reader goroutine only.
func (c *Conn) SendUnimplemented() error {
	w := wire.NewWriter(wire.MsgUnimplemented)
	w.Uint32(c.codec.LastReadSeq())
	return c.write(w.Bytes())
}

// BytesIn returns total received bytes, for rekey thresholds.
func (c *Conn) BytesIn() uint64 { return c.codec.BytesIn() }

// BytesOut returns total sent bytes, for rekey thresholds.
func (c *Conn) BytesOut() uint64 { return c.codec.BytesOut() }

func (c *Conn) waitWritable() error {
	c.gateMu.Lock()
	for c.gated {
		ch := c.gateCh
		c.gateMu.Unlock()
		select {
		case <-ch:
		case <-c.closeCh:
			return c.terminalErr()
		}
		c.gateMu.Lock()
	}
	c.gateMu.Unlock()
	return nil
}

func (c *Conn) write(payload []byte) error {
	select {
	case <-c.closeCh:
		return c.terminalErr()
	default:
	}

	c.writeMu.Lock()
	err := c.codec.WritePacket(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		payload, err := c.codec.ReadPacket()
		if err != nil {
			select {
			case <-c.closeCh:
				// Locally closed; the socket error is expected.
			default:
				c.sendDisconnect(err)
			}
			c.fail(readError(err))
			return
		}

		switch payload[0] {
		case wire.MsgDisconnect:
			d, derr := wire.UnmarshalDisconnect(payload)
			if derr != nil {
				c.fail(fmt.Errorf("%w: bad DISCONNECT: %v", ErrProtocol, derr))
				return
			}
			if c.log != nil {
				c.log.Infof("peer disconnected: %s", wire.DisconnectReasonName(d.Reason))
			}
			c.fail(&DisconnectError{Reason: d.Reason, Message: d.Message})
			return
		case wire.MsgIgnore:
			continue
		case wire.MsgDebug:
			if c.log != nil {
				c.log.Debugf("peer debug message (%d bytes)", len(payload))
			}
			continue
		case wire.MsgUnimplemented:
			if c.log != nil {
				c.log.Warnf("peer reported packet as unimplemented")
			}
			continue
		}

		if err := c.handler(payload); err != nil {
			c.sendDisconnect(err)
			c.fail(err)
			return
		}
	}
}

// sendDisconnect tells the peer why the connection is going away. Best
// effort; the connection is about to die either way.
func (c *Conn) sendDisconnect(err error) {
	reason := wire.DisconnectProtocolError
	if errors.Is(err, ErrIntegrity) {
		reason = wire.DisconnectMACError
	}
	d := &wire.Disconnect{Reason: reason, Message: err.Error()}
	_ = c.write(d.Marshal())
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.mu.Unlock()

	close(c.closeCh)
	c.nc.Close()
	if c.onClose != nil {
		c.onClose(err)
	}
}

func (c *Conn) terminalErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// kexAllowed reports whether a message type may be sent while a key exchange
// is in flight: transport-layer generics and the kex range itself.
func kexAllowed(t byte) bool {
	return t <= wire.MsgDebug || t == wire.MsgKexInit || t == wire.MsgNewKeys ||
		(t >= wire.MsgKexDHInit && t <= 49)
}

// readError folds stream endings into ErrConnectionLost; framing and
// integrity errors pass through unchanged.
func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return err
}
