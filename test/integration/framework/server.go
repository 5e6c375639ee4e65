// Package framework provides a scripted in-process SSH server for
// end-to-end client tests. The server speaks the real wire protocol
// through the repo's own codec and crypto packages, with its inbound and
// outbound key directions mirrored, and exposes knobs for authentication
// policy, channel windows and fault injection.
//
// Only curve25519-sha256 key exchange is implemented; the server
// advertises nothing else. Ciphers, MACs and compression come from the
// algorithm registry and need no per-name code here.
package framework

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"

	"github.com/telegraphy/sshwire/pkg/algorithms"
	"github.com/telegraphy/sshwire/pkg/transport"
	"github.com/telegraphy/sshwire/pkg/wire"
)

// DefaultServerVersion identifies the scripted server in the version
// exchange.
const DefaultServerVersion = "SSH-2.0-sshwire_testsrv"

// Config scripts the server's behavior.
type Config struct {
	// HostKey signs the exchange hash. Required.
	HostKey *HostKey

	// ServerVersion is the identification line. Defaults to
	// DefaultServerVersion.
	ServerVersion string

	// Preferences sets the advertised cipher, MAC and compression lists.
	// The kex and host key lists are always overridden with what the
	// server actually implements. Nil means registry defaults.
	Preferences *algorithms.Preferences

	// ServerSigAlgs, when set, is advertised in an EXT_INFO message
	// after the first key exchange.
	ServerSigAlgs []string

	// Authentication policy. With no policy fields set, the "none"
	// method succeeds.
	Users          map[string]string // password auth: user -> password
	AuthorizedKeys [][]byte          // publickey auth, signature verified
	RequireMethods []string          // all must pass, with partial success between
	Banner         string
	KBIPrompts     []string // keyboard-interactive challenge, echo off
	KBIAnswers     []string // expected answers

	// Channel behavior.
	ChannelWindow    uint32            // window granted to the client, default 1 MiB
	ChannelMaxPacket uint32            // default 32768
	Echo             bool              // echo session and direct-tcpip data back
	ExitStatus       *uint32           // reported when a session channel finishes
	ExitSignal       string            // reported instead of ExitStatus when set
	ManualWindow     bool              // suppress automatic WINDOW_ADJUST
	ExecOutput       []byte            // stdout of an exec request when Echo is off
	ExecStderr       []byte            // stderr of an exec request when Echo is off
	RejectChannels   map[string]uint32 // channel type -> CHANNEL_OPEN_FAILURE reason

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// AuthAttempt records one USERAUTH_REQUEST the server saw.
type AuthAttempt struct {
	User      string
	Method    string
	Algorithm string // publickey only
}

// Server drives one scripted connection. Create with NewServer, run Serve
// on its own goroutine, then use the control methods from the test.
type Server struct {
	cfg   Config
	prefs algorithms.Preferences
	log   logging.LeveledLogger

	nc    net.Conn
	fault *faultWriter
	codec *transport.Codec

	writeMu sync.Mutex

	clientVersion string
	serverVersion string

	mu         sync.Mutex
	sessionID  []byte
	negotiated *algorithms.Negotiated
	kex        *kexState
	rekeying   bool
	kexCount   int
	pending    [][]byte // writes queued while a rekey is in flight

	authDone   bool
	kbiPending bool
	completed  map[string]bool
	attempts   []AuthAttempt

	channels   map[uint32]*serverChannel
	nextID     uint32
	execs      []string
	subsystems []string

	err  error
	done chan struct{}
}

// NewServer validates the config and prepares a server. The connection is
// handed over in Serve.
func NewServer(config Config) (*Server, error) {
	if config.HostKey == nil {
		return nil, errors.New("framework: no host key given")
	}
	if config.ServerVersion == "" {
		config.ServerVersion = DefaultServerVersion
	}
	if config.ChannelWindow == 0 {
		config.ChannelWindow = 1 << 20
	}
	if config.ChannelMaxPacket == 0 {
		config.ChannelMaxPacket = 32768
	}

	prefs := algorithms.DefaultPreferences()
	if config.Preferences != nil {
		prefs = *config.Preferences
	}
	prefs.Kex = []string{"curve25519-sha256"}
	prefs.HostKeys = []string{config.HostKey.Algorithm}

	s := &Server{
		cfg:           config,
		prefs:         prefs,
		serverVersion: config.ServerVersion,
		completed:     make(map[string]bool),
		channels:      make(map[uint32]*serverChannel),
		// Server channel numbers start away from zero so a client that
		// mixes up the two number spaces fails loudly.
		nextID: 100,
		done:   make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("testsrv")
	}
	return s, nil
}

// Serve runs the connection until it fails or the client disconnects. It
// owns nc and closes it on return.
func (s *Server) Serve(nc net.Conn) error {
	s.nc = nc
	err := s.serve(nc)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	nc.Close()
	close(s.done)
	if s.log != nil {
		s.log.Infof("connection ended: %v", err)
	}
	return err
}

func (s *Server) serve(nc net.Conn) error {
	if _, err := nc.Write([]byte(s.serverVersion + "\r\n")); err != nil {
		return err
	}
	clientVersion, err := readLine(nc)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(clientVersion, "SSH-2.0-") {
		return fmt.Errorf("framework: client version %q", clientVersion)
	}
	s.clientVersion = clientVersion

	s.fault = &faultWriter{w: nc}
	s.codec = transport.NewCodec(readWriter{nc, s.fault}, nil)

	for {
		payload, err := s.codec.ReadPacket()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			return errors.New("framework: empty packet")
		}
		if err := s.handle(payload); err != nil {
			return err
		}
	}
}

// handle dispatches one inbound packet.
func (s *Server) handle(payload []byte) error {
	switch t := payload[0]; t {
	case wire.MsgDisconnect:
		d, err := wire.UnmarshalDisconnect(payload)
		if err != nil {
			return err
		}
		return fmt.Errorf("framework: client disconnected: %s (%s)",
			d.Message, wire.DisconnectReasonName(d.Reason))

	case wire.MsgIgnore, wire.MsgDebug, wire.MsgUnimplemented:
		return nil

	case wire.MsgKexInit:
		return s.handleKexInit(payload)

	case wire.MsgKexECDHInit:
		return s.handleECDHInit(payload)

	case wire.MsgNewKeys:
		return s.handleNewKeys()

	case wire.MsgServiceRequest:
		return s.handleServiceRequest(payload)

	case wire.MsgUserauthRequest:
		return s.handleUserauthRequest(payload)

	case wire.MsgUserauthInfoResponse:
		return s.handleInfoResponse(payload)

	case wire.MsgGlobalRequest:
		return s.handleGlobalRequest(payload)

	case wire.MsgChannelOpen:
		return s.handleChannelOpen(payload)

	case wire.MsgChannelWindowAdjust:
		return s.handleWindowAdjust(payload)

	case wire.MsgChannelData:
		return s.handleChannelData(payload)

	case wire.MsgChannelEOF:
		return s.handleChannelEOF(payload)

	case wire.MsgChannelClose:
		return s.handleChannelClose(payload)

	case wire.MsgChannelRequest:
		return s.handleChannelRequest(payload)

	case wire.MsgRequestSuccess, wire.MsgRequestFailure:
		return nil

	case wire.MsgChannelSuccess, wire.MsgChannelFailure:
		// The server sends no reply-wanting requests.
		return nil

	default:
		return s.sendUnimplemented()
	}
}

// writePacket sends one packet, queueing non-kex packets while a rekey is
// in flight.
func (s *Server) writePacket(payload []byte) error {
	s.mu.Lock()
	if s.rekeying && !kexAllowed(payload[0]) {
		s.pending = append(s.pending, append([]byte(nil), payload...))
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.codec.WritePacket(payload)
}

// flushPending sends the writes parked during a rekey.
func (s *Server) flushPending() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, payload := range pending {
		s.writeMu.Lock()
		err := s.codec.WritePacket(payload)
		s.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func kexAllowed(t byte) bool {
	return t <= wire.MsgDebug || t == wire.MsgKexInit || t == wire.MsgNewKeys || (t >= 30 && t <= 49)
}

func (s *Server) sendUnimplemented() error {
	w := wire.NewWriter(wire.MsgUnimplemented)
	w.Uint32(s.codec.LastReadSeq())
	return s.writePacket(w.Bytes())
}

// Disconnect sends a DISCONNECT message to the client. The read loop ends
// when the client closes in response or the test closes the pair.
func (s *Server) Disconnect(reason uint32, message string) error {
	d := wire.Disconnect{Reason: reason, Message: message}
	return s.writePacket(d.Marshal())
}

// SendIgnore sends an SSH_MSG_IGNORE, which the client must consume
// silently.
func (s *Server) SendIgnore(data []byte) error {
	w := wire.NewWriter(wire.MsgIgnore)
	w.String(data)
	return s.writePacket(w.Bytes())
}

// SendDebug sends an SSH_MSG_DEBUG, which the client must consume
// silently.
func (s *Server) SendDebug(message string) error {
	w := wire.NewWriter(wire.MsgDebug)
	w.Bool(false)
	w.Text(message)
	w.Text("")
	return s.writePacket(w.Bytes())
}

// CorruptNextPacket arms the fault injector: one byte of the next wire
// write is flipped, which breaks the packet's integrity tag.
func (s *Server) CorruptNextPacket() {
	s.fault.arm()
}

// SessionID returns the exchange hash of the first key exchange.
func (s *Server) SessionID() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.sessionID...)
}

// Negotiated returns the algorithm set of the most recent exchange.
func (s *Server) Negotiated() *algorithms.Negotiated {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiated == nil {
		return nil
	}
	n := *s.negotiated
	return &n
}

// KexCount returns how many key exchanges completed.
func (s *Server) KexCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kexCount
}

// AuthAttempts returns every USERAUTH_REQUEST seen so far.
func (s *Server) AuthAttempts() []AuthAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuthAttempt(nil), s.attempts...)
}

// Done is closed when the serve loop ends.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the serve loop's terminal error once Done is closed.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// readLine reads one CR/LF terminated line byte by byte, so no bytes
// beyond the line are consumed from the stream.
func readLine(nc net.Conn) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for len(line) < 256 {
		if _, err := nc.Read(buf); err != nil {
			return "", err
		}
		if buf[0] == '\n' {
			return strings.TrimSuffix(string(line), "\r"), nil
		}
		line = append(line, buf[0])
	}
	return "", errors.New("framework: version line too long")
}

// readWriter splits the codec's stream so writes pass the fault injector.
type readWriter struct {
	r interface{ Read([]byte) (int, error) }
	w interface{ Write([]byte) (int, error) }
}

func (rw readWriter) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw readWriter) Write(p []byte) (int, error) { return rw.w.Write(p) }

// faultWriter passes writes through unchanged until armed; the armed write
// has its final byte flipped.
type faultWriter struct {
	w     interface{ Write([]byte) (int, error) }
	armed atomic.Bool
}

func (f *faultWriter) arm() {
	f.armed.Store(true)
}

func (f *faultWriter) Write(p []byte) (int, error) {
	if f.armed.CompareAndSwap(true, false) && len(p) > 0 {
		corrupted := append([]byte(nil), p...)
		corrupted[len(corrupted)-1] ^= 0xFF
		n, err := f.w.Write(corrupted)
		if n > len(p) {
			n = len(p)
		}
		return n, err
	}
	return f.w.Write(p)
}
