// Package kex drives the client side of the SSH2 key exchange (RFC 4253
// Section 7): KEXINIT negotiation, the negotiated method's message run, the
// exchange hash, host key verification and session key installation, plus the
// rekey policy that repeats the whole exchange on traffic or time triggers.
//
// The engine does not own the socket. It is fed the kex-range packets by the
// connection's dispatcher and writes through a narrow Transport interface, so
// the packet pump and the state machine stay independently testable.
package kex

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/telegraphy/sshwire/pkg/algorithms"
	"github.com/telegraphy/sshwire/pkg/crypto"
	"github.com/telegraphy/sshwire/pkg/signature"
	"github.com/telegraphy/sshwire/pkg/transport"
	"github.com/telegraphy/sshwire/pkg/wire"
)

// Rekey policy defaults. OpenSSH rekeys after 1 GiB or 1 hour, whichever
// comes first; we follow suit.
const (
	DefaultRekeyBytes    uint64 = 1 << 30
	DefaultRekeyInterval        = time.Hour
)

// rekeyCheckInterval is how often the monitor goroutine evaluates the rekey
// thresholds.
const rekeyCheckInterval = 10 * time.Second

// Transport is the slice of the packet connection the engine drives.
// *transport.Conn satisfies it.
type Transport interface {
	// WritePacket sends one packet. Kex-range packets pass the write gate.
	WritePacket(payload []byte) error

	// WriteNewKeys sends NEWKEYS under the old keys and installs next as
	// the outbound crypto context, atomically against other writers.
	WriteNewKeys(next *transport.CryptoContext) error

	// StageInbound arms the inbound crypto context that takes effect
	// after the peer's NEWKEYS.
	StageInbound(next *transport.CryptoContext)

	// HoldWrites parks application writers until ReleaseWrites.
	HoldWrites()
	ReleaseWrites()

	// BytesIn and BytesOut report raw transferred byte counts.
	BytesIn() uint64
	BytesOut() uint64
}

// VerifyHostKeyFunc accepts or rejects the server host key before it is
// trusted. algorithm is the negotiated host key algorithm name, blob the key
// exactly as the server sent it.
type VerifyHostKeyFunc func(algorithm string, blob []byte) error

// Config configures an Engine.
type Config struct {
	// Transport carries the engine's packets. Required.
	Transport Transport

	// ClientVersion and ServerVersion are the identification strings from
	// the version exchange, CR/LF excluded. Both feed the exchange hash.
	// Required.
	ClientVersion string
	ServerVersion string

	// Preferences is the algorithm preference. Nil means the registry
	// defaults.
	Preferences *algorithms.Preferences

	// VerifyHostKey is called with the server's host key after its
	// signature over the exchange hash verified, before the keys are
	// trusted. If nil the key is accepted unconditionally; that is
	// suitable for tests only and MUST be set in production use.
	VerifyHostKey VerifyHostKeyFunc

	// Rand is the randomness source for cookies and exchange secrets.
	// Defaults to crypto/rand.
	Rand io.Reader

	// RekeyBytes triggers a rekey once that many bytes crossed the
	// connection in either direction since the last exchange. Zero means
	// DefaultRekeyBytes.
	RekeyBytes uint64

	// RekeyInterval triggers a rekey on wall clock time. Zero means
	// DefaultRekeyInterval.
	RekeyInterval time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// attempt is the state of one in-flight key exchange. The raw KEXINIT
// payloads are retained byte-for-byte: both are exchange hash inputs.
type attempt struct {
	ourKexInit  []byte
	peerKexInit []byte
	negotiated  *algorithms.Negotiated
	exchange    crypto.Exchange

	// discardNext drops the peer's guessed first kex packet after a lost
	// guess (RFC 4253 Section 7).
	discardNext bool
}

// Engine is the key exchange state machine of one connection. HandlePacket
// runs on the connection's reader goroutine; the other methods are safe from
// any goroutine.
type Engine struct {
	transport     Transport
	clientVersion string
	serverVersion string
	prefs         algorithms.Preferences
	verifyHostKey VerifyHostKeyFunc
	rand          io.Reader
	rekeyBytes    uint64
	rekeyInterval time.Duration
	log           logging.LeveledLogger

	closeCh chan struct{}
	wg      sync.WaitGroup

	// checkEvery is the monitor poll interval, shortened in tests.
	checkEvery time.Duration

	mu            sync.Mutex
	state         State
	attempt       *attempt
	sessionID     []byte
	negotiated    *algorithms.Negotiated
	authenticated bool
	estCh         chan struct{} // closed while established, remade per kex
	closed        bool
	err           error

	// Rekey bookkeeping, reset at every establishment.
	lastKex     time.Time
	baselineIn  uint64
	baselineOut uint64
}

// NewEngine creates an engine. The first key exchange begins with Start.
func NewEngine(config Config) (*Engine, error) {
	if config.Transport == nil {
		return nil, ErrNoTransport
	}
	if config.ClientVersion == "" || config.ServerVersion == "" {
		return nil, ErrNoVersions
	}

	prefs := algorithms.DefaultPreferences()
	if config.Preferences != nil {
		prefs = *config.Preferences
		if err := prefs.Validate(); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		transport:     config.Transport,
		clientVersion: config.ClientVersion,
		serverVersion: config.ServerVersion,
		prefs:         prefs,
		verifyHostKey: config.VerifyHostKey,
		rand:          config.Rand,
		rekeyBytes:    config.RekeyBytes,
		rekeyInterval: config.RekeyInterval,
		closeCh:       make(chan struct{}),
		checkEvery:    rekeyCheckInterval,
		state:         StateInit,
		estCh:         make(chan struct{}),
	}
	if e.rand == nil {
		e.rand = rand.Reader
	}
	if e.rekeyBytes == 0 {
		e.rekeyBytes = DefaultRekeyBytes
	}
	if e.rekeyInterval == 0 {
		e.rekeyInterval = DefaultRekeyInterval
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("kex")
	}
	return e, nil
}

// Start sends the first KEXINIT and launches the rekey monitor. The
// connection's reader must be feeding HandlePacket for the exchange to
// proceed.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.state != StateInit {
		return fmt.Errorf("%w: already started", ErrState)
	}
	if err := e.startKexLocked(); err != nil {
		return err
	}
	e.wg.Add(1)
	go e.monitor()
	return nil
}

// HandlePacket consumes one kex-range packet: KEXINIT, NEWKEYS or a method
// message (30..49). A returned error is terminal for the connection.
func (e *Engine) HandlePacket(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty packet", ErrState)
	}
	t := payload[0]

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	switch {
	case t == wire.MsgKexInit:
		return e.handleKexInitLocked(payload)
	case t == wire.MsgNewKeys:
		return e.handleNewKeysLocked()
	case t >= wire.MsgKexDHInit && t <= 49:
		return e.handleMethodLocked(payload)
	default:
		return fmt.Errorf("%w: message %d is not a key exchange message", ErrState, t)
	}
}

// WaitEstablished blocks until the connection keys are installed, the engine
// dies, or ctx expires. After a successful wait SessionID and Negotiated are
// valid.
func (e *Engine) WaitEstablished(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.closed {
			err := e.err
			e.mu.Unlock()
			return err
		}
		if e.state == StateEstablished {
			e.mu.Unlock()
			return nil
		}
		ch := e.estCh
		e.mu.Unlock()

		select {
		case <-ch:
		case <-e.closeCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ForceRekey starts a key exchange immediately. A no-op when one is already
// in flight.
func (e *Engine) ForceRekey() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	switch e.state {
	case StateEstablished:
		return e.startKexLocked()
	case StateInit:
		return fmt.Errorf("%w: engine not started", ErrState)
	default:
		// An exchange is in flight; it satisfies the request.
		return nil
	}
}

// SessionID returns the session identifier, the exchange hash of the first
// key exchange. Nil before the first exchange completes; never changes after.
func (e *Engine) SessionID() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID == nil {
		return nil
	}
	id := make([]byte, len(e.sessionID))
	copy(id, e.sessionID)
	return id
}

// Negotiated returns the algorithms of the most recent completed exchange,
// or nil before the first one.
func (e *Engine) Negotiated() *algorithms.Negotiated {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.negotiated == nil {
		return nil
	}
	n := *e.negotiated
	return &n
}

// SetAuthenticated records that user authentication completed. Contexts
// built by later rekeys start delayed compression in the active state.
func (e *Engine) SetAuthenticated() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.authenticated = true
}

// State returns the engine's protocol state. Mid-exchange states are
// reported as StateRekeying once a session has been established before.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// ConnectionLost tears the engine down with the connection's terminal error,
// waking every waiter. Safe to call from the connection's close callback.
func (e *Engine) ConnectionLost(err error) {
	if err == nil {
		err = ErrClosed
	}
	e.mu.Lock()
	e.closeLocked(err)
	e.mu.Unlock()
}

// Close stops the engine and its rekey monitor. A second call returns
// ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	wasClosed := e.closed
	e.closeLocked(ErrClosed)
	e.mu.Unlock()

	e.wg.Wait()
	if wasClosed {
		return ErrClosed
	}
	return nil
}

func (e *Engine) closeLocked(err error) {
	if e.closed {
		return
	}
	e.closed = true
	e.err = err
	close(e.closeCh)
}

// stateLocked folds the internal mid-exchange states into StateRekeying when
// the session was already established once.
func (e *Engine) stateLocked() State {
	switch e.state {
	case StateKexInitSent, StateWaitKexReply, StateWaitNewKeys:
		if e.sessionID != nil {
			return StateRekeying
		}
	}
	return e.state
}

// startKexLocked sends our KEXINIT and gates application writes until the
// exchange completes (RFC 4253 Section 7.1).
func (e *Engine) startKexLocked() error {
	e.transport.HoldWrites()

	init := e.prefs.KexInit()
	if _, err := io.ReadFull(e.rand, init.Cookie[:]); err != nil {
		return fmt.Errorf("kex: cookie: %w", err)
	}
	raw := init.Marshal()

	if e.state == StateEstablished {
		e.estCh = make(chan struct{})
	}
	e.attempt = &attempt{ourKexInit: raw}
	e.state = StateKexInitSent

	if err := e.transport.WritePacket(raw); err != nil {
		return err
	}
	if e.log != nil {
		if e.sessionID == nil {
			e.log.Debugf("initial key exchange started")
		} else {
			e.log.Debugf("rekey started")
		}
	}
	return nil
}

func (e *Engine) handleKexInitLocked(payload []byte) error {
	switch e.state {
	case StateKexInitSent:
		// Ours is already out.
	case StateEstablished:
		// Peer-initiated rekey; answer with our own KEXINIT first.
		if err := e.startKexLocked(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: KEXINIT in state %s", ErrState, e.stateLocked())
	}
	a := e.attempt

	peer, err := wire.UnmarshalKexInit(payload)
	if err != nil {
		return fmt.Errorf("kex: peer KEXINIT: %w", err)
	}
	neg, err := algorithms.Negotiate(e.prefs, peer)
	if err != nil {
		return err
	}
	a.peerKexInit = append([]byte(nil), payload...)
	a.negotiated = neg
	a.discardNext = neg.DiscardGuessed

	ex, err := algorithms.NewKex(neg.Kex, e.rand)
	if err != nil {
		return err
	}
	a.exchange = ex

	first, err := ex.Start()
	if err != nil {
		return err
	}
	if err := e.transport.WritePacket(first); err != nil {
		return err
	}
	e.state = StateWaitKexReply

	if e.log != nil {
		e.log.Debugf("negotiated kex=%s hostkey=%s cipher=%s/%s mac=%s/%s compression=%s/%s",
			neg.Kex, neg.HostKey,
			neg.CipherClientServer, neg.CipherServerClient,
			neg.MACClientServer, neg.MACServerClient,
			neg.CompressionClientServer, neg.CompressionServerClient)
	}
	return nil
}

func (e *Engine) handleMethodLocked(payload []byte) error {
	if e.state != StateWaitKexReply {
		return fmt.Errorf("%w: key exchange message %d in state %s", ErrState, payload[0], e.stateLocked())
	}
	a := e.attempt

	if a.discardNext {
		a.discardNext = false
		if e.log != nil {
			e.log.Debugf("discarding peer's guessed kex packet (type %d)", payload[0])
		}
		return nil
	}

	reply, done, err := a.exchange.Handle(payload)
	if err != nil {
		return err
	}
	if reply != nil {
		if err := e.transport.WritePacket(reply); err != nil {
			return err
		}
	}
	if !done {
		return nil
	}
	return e.finishExchangeLocked(a)
}

// finishExchangeLocked computes the exchange hash, verifies the host key,
// derives the session keys and sends NEWKEYS.
func (e *Engine) finishExchangeLocked(a *attempt) error {
	k := a.exchange.SharedSecret()

	// H = HASH(V_C || V_S || I_C || I_S || K_S || <method values> || K),
	// RFC 4253 Section 8 and RFC 5656 Section 4.
	hw := crypto.NewHashWriter(a.exchange.NewHash())
	hw.WriteText(e.clientVersion)
	hw.WriteText(e.serverVersion)
	hw.WriteString(a.ourKexInit)
	hw.WriteString(a.peerKexInit)
	hw.WriteString(a.exchange.HostKeyBlob())
	a.exchange.WriteExchangeValues(hw)
	hw.WriteMPInt(k)
	h := hw.Sum()

	key, err := signature.ParsePublicKey(a.exchange.HostKeyBlob())
	if err != nil {
		return fmt.Errorf("kex: server host key: %w", err)
	}
	if err := signature.Verify(key, a.negotiated.HostKey, h, a.exchange.Signature()); err != nil {
		return fmt.Errorf("%w: %v", ErrHostKeySignature, err)
	}
	if e.verifyHostKey != nil {
		if err := e.verifyHostKey(a.negotiated.HostKey, a.exchange.HostKeyBlob()); err != nil {
			return fmt.Errorf("%w: %v", ErrHostKeyRejected, err)
		}
	}

	// The first exchange hash becomes the session identifier and feeds
	// every later key derivation.
	if e.sessionID == nil {
		e.sessionID = h
	}

	in, out, err := e.buildContextsLocked(a, k, h)
	if err != nil {
		return err
	}
	e.transport.StageInbound(in)
	if err := e.transport.WriteNewKeys(out); err != nil {
		return err
	}
	e.state = StateWaitNewKeys

	if e.log != nil {
		e.log.Debugf("exchange hash computed, NEWKEYS sent")
	}
	return nil
}

// buildContextsLocked derives the six key blobs of RFC 4253 Section 7.2 and
// assembles the per-direction crypto contexts.
func (e *Engine) buildContextsLocked(a *attempt, k *big.Int, h []byte) (in, out *transport.CryptoContext, err error) {
	neg := a.negotiated
	csSizes, err := algorithms.KeySizes(neg.CipherClientServer, neg.MACClientServer)
	if err != nil {
		return nil, nil, err
	}
	scSizes, err := algorithms.KeySizes(neg.CipherServerClient, neg.MACServerClient)
	if err != nil {
		return nil, nil, err
	}
	keys, err := crypto.DeriveKeys(a.exchange.NewHash(), k, h, e.sessionID, csSizes, scSizes)
	if err != nil {
		return nil, nil, err
	}

	out, err = transport.NewOutboundContext(
		neg.CipherClientServer, neg.MACClientServer, neg.CompressionClientServer,
		transport.KeySet{IV: keys.IVClientServer, Enc: keys.EncClientServer, MAC: keys.MACClientServer},
		e.authenticated)
	if err != nil {
		return nil, nil, err
	}
	in, err = transport.NewInboundContext(
		neg.CipherServerClient, neg.MACServerClient, neg.CompressionServerClient,
		transport.KeySet{IV: keys.IVServerClient, Enc: keys.EncServerClient, MAC: keys.MACServerClient},
		e.authenticated)
	if err != nil {
		return nil, nil, err
	}
	return in, out, nil
}

func (e *Engine) handleNewKeysLocked() error {
	if e.state != StateWaitNewKeys {
		return fmt.Errorf("%w: NEWKEYS in state %s", ErrState, e.stateLocked())
	}
	e.negotiated = e.attempt.negotiated
	e.attempt = nil
	e.state = StateEstablished
	e.lastKex = time.Now()
	e.baselineIn = e.transport.BytesIn()
	e.baselineOut = e.transport.BytesOut()
	close(e.estCh)
	e.transport.ReleaseWrites()

	if e.log != nil {
		e.log.Infof("keys installed: %s with %s", e.negotiated.Kex, e.negotiated.HostKey)
	}
	return nil
}

// monitor watches the rekey thresholds.
func (e *Engine) monitor() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			e.maybeRekey()
		}
	}
}

func (e *Engine) maybeRekey() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.state != StateEstablished {
		return
	}
	moved := (e.transport.BytesIn() - e.baselineIn) + (e.transport.BytesOut() - e.baselineOut)
	if moved < e.rekeyBytes && time.Since(e.lastKex) < e.rekeyInterval {
		return
	}
	if e.log != nil {
		e.log.Debugf("rekey threshold reached (%d bytes, %s since last kex)", moved, time.Since(e.lastKex).Round(time.Second))
	}
	if err := e.startKexLocked(); err != nil && e.log != nil {
		e.log.Warnf("rekey start failed: %v", err)
	}
}
