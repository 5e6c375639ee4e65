// Package channel multiplexes flow-controlled byte streams over one SSH
// connection (RFC 4254). The Manager owns the channel table and consumes
// connection-protocol messages from the transport reader goroutine;
// Channel exposes the blocking stream API to application goroutines.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/pion/logging"

	"github.com/telegraphy/sshwire/pkg/wire"
)

const (
	// DefaultLocalWindow is the per-channel receive window advertised to
	// the peer when Config.LocalWindow is zero.
	DefaultLocalWindow uint32 = 2 * 1024 * 1024

	// DefaultMaxPacketSize is the per-message data limit advertised to the
	// peer when Config.MaxPacketSize is zero. It stays under the
	// transport's 35000 byte packet ceiling with room for the message
	// header.
	DefaultMaxPacketSize uint32 = 32 * 1024
)

// PacketWriter is the slice of the transport the multiplexer needs.
// *transport.Conn satisfies it.
type PacketWriter interface {
	// WritePacket sends one packet, blocking while a key exchange holds
	// the write gate.
	WritePacket(payload []byte) error

	// WriteReply sends one packet without waiting on the key exchange
	// gate. Replies generated on the reader goroutine must use it, or a
	// rekey could deadlock against its own dispatcher.
	WriteReply(payload []byte) error
}

// Config configures a channel Manager.
type Config struct {
	// Transport carries the encoded channel messages. Required.
	Transport PacketWriter

	// LocalWindow is the receive window advertised for each new channel.
	// Zero means DefaultLocalWindow.
	LocalWindow uint32

	// MaxPacketSize is the largest data message the peer may send on a
	// channel. Zero means DefaultMaxPacketSize.
	MaxPacketSize uint32

	// LoggerFactory is used for logging. Defaults to the pion default
	// factory.
	LoggerFactory logging.LoggerFactory
}

// Manager owns the channel table. One mutex guards id allocation,
// lifecycle state and window arithmetic for every channel; packet sends
// happen outside it so slow writes never stall the dispatcher.
type Manager struct {
	transport   PacketWriter
	localWindow uint32
	maxPacket   uint32
	log         logging.LeveledLogger

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   uint32
	closed   bool
	closeErr error
}

// NewManager creates a channel manager on top of the given transport.
func NewManager(config Config) (*Manager, error) {
	if config.Transport == nil {
		return nil, ErrNoTransport
	}
	window := config.LocalWindow
	if window == 0 {
		window = DefaultLocalWindow
	}
	maxPacket := config.MaxPacketSize
	if maxPacket == 0 {
		maxPacket = DefaultMaxPacketSize
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Manager{
		transport:   config.Transport,
		localWindow: window,
		maxPacket:   maxPacket,
		log:         loggerFactory.NewLogger("channel"),
		channels:    make(map[uint32]*Channel),
	}, nil
}

// OpenSession opens a "session" channel for running a shell, command or
// subsystem.
func (m *Manager) OpenSession(ctx context.Context) (*Channel, error) {
	return m.Open(ctx, "session", nil)
}

// OpenDirectTCPIP opens a "direct-tcpip" channel asking the peer to
// connect to host:port on our behalf. originHost and originPort identify
// the connection being forwarded.
func (m *Manager) OpenDirectTCPIP(ctx context.Context, host string, port uint32, originHost string, originPort uint32) (*Channel, error) {
	w := &wire.Writer{}
	w.Text(host)
	w.Uint32(port)
	w.Text(originHost)
	w.Uint32(originPort)
	return m.Open(ctx, "direct-tcpip", w.Bytes())
}

// Open allocates a local id, sends CHANNEL_OPEN and waits for the peer's
// confirmation or failure. typeData carries the channel-type specific
// trailing fields, already encoded. A rejection is returned as *OpenError
// and leaves the connection usable.
func (m *Manager) Open(ctx context.Context, channelType string, typeData []byte) (*Channel, error) {
	m.mu.Lock()
	if m.closed {
		err := m.closeErr
		m.mu.Unlock()
		return nil, err
	}
	id := m.nextID
	m.nextID++
	ch := newChannel(m, id, channelType)
	m.channels[id] = ch
	m.mu.Unlock()

	open := &wire.ChannelOpen{
		ChannelType:   channelType,
		SenderChannel: id,
		InitialWindow: m.localWindow,
		MaxPacketSize: m.maxPacket,
		TypeData:      typeData,
	}
	m.log.Debugf("opening %s channel %d", channelType, id)
	if err := m.transport.WritePacket(open.Marshal()); err != nil {
		m.mu.Lock()
		delete(m.channels, id)
		m.mu.Unlock()
		return nil, err
	}

	select {
	case <-ch.openCh:
	case <-ctx.Done():
		m.abandonOpen(ch)
		return nil, ctx.Err()
	}

	m.mu.Lock()
	err := ch.openErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// abandonOpen resolves the race between a cancelled open and a late
// reply. If the confirmation already landed the channel is closed out
// with the peer; otherwise the reply handler does that when it arrives.
func (m *Manager) abandonOpen(ch *Channel) {
	m.mu.Lock()
	if !ch.openDone {
		ch.abandoned = true
		m.mu.Unlock()
		return
	}
	if ch.openErr != nil {
		m.mu.Unlock()
		return
	}
	ch.sentClose = true
	raw := wire.MarshalChannelID(wire.MsgChannelClose, ch.remoteID)
	m.mu.Unlock()
	_ = m.transport.WritePacket(raw)
}

// HandlePacket dispatches one connection-protocol message. It is called
// from the transport reader goroutine; a returned error is fatal to the
// connection.
func (m *Manager) HandlePacket(payload []byte) error {
	if len(payload) == 0 {
		return wire.ErrInvalidMessage
	}
	switch payload[0] {
	case wire.MsgGlobalRequest:
		return m.handleGlobalRequest(payload)
	case wire.MsgRequestSuccess, wire.MsgRequestFailure:
		// No global requests with want-reply are ever issued.
		return nil
	case wire.MsgChannelOpen:
		return m.handleOpen(payload)
	case wire.MsgChannelOpenConfirmation:
		return m.handleOpenConfirmation(payload)
	case wire.MsgChannelOpenFailure:
		return m.handleOpenFailure(payload)
	case wire.MsgChannelWindowAdjust:
		return m.handleWindowAdjust(payload)
	case wire.MsgChannelData:
		return m.handleData(payload)
	case wire.MsgChannelExtendedData:
		return m.handleExtendedData(payload)
	case wire.MsgChannelEOF:
		return m.handleEOF(payload)
	case wire.MsgChannelClose:
		return m.handleClose(payload)
	case wire.MsgChannelRequest:
		return m.handleRequest(payload)
	case wire.MsgChannelSuccess, wire.MsgChannelFailure:
		return m.handleReply(payload)
	default:
		return fmt.Errorf("channel: unexpected message %s", wire.MessageName(payload[0]))
	}
}

func (m *Manager) handleGlobalRequest(payload []byte) error {
	req, err := wire.UnmarshalGlobalRequest(payload)
	if err != nil {
		return err
	}
	m.log.Debugf("global request %q from peer (want reply %t)", req.RequestType, req.WantReply)
	if !req.WantReply {
		return nil
	}
	// None are supported.
	return m.transport.WriteReply(wire.NewWriter(wire.MsgRequestFailure).Bytes())
}

// handleOpen rejects peer-initiated channels; a client engine accepts
// none.
func (m *Manager) handleOpen(payload []byte) error {
	open, err := wire.UnmarshalChannelOpen(payload)
	if err != nil {
		return err
	}
	m.log.Debugf("rejecting peer-initiated %s channel", open.ChannelType)
	failure := &wire.ChannelOpenFailure{
		RecipientChannel: open.SenderChannel,
		Reason:           wire.OpenAdministrativelyProhibited,
		Description:      "client does not accept channel opens",
	}
	return m.transport.WriteReply(failure.Marshal())
}

func (m *Manager) handleOpenConfirmation(payload []byte) error {
	msg, err := wire.UnmarshalChannelOpenConfirmation(payload)
	if err != nil {
		return err
	}
	if msg.MaxPacketSize == 0 {
		return fmt.Errorf("channel: peer advertised zero max packet size")
	}
	m.mu.Lock()
	ch, ok := m.channels[msg.RecipientChannel]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChannel, msg.RecipientChannel)
	}
	if ch.openDone {
		m.mu.Unlock()
		return fmt.Errorf("channel: duplicate open reply for channel %d", msg.RecipientChannel)
	}
	if ch.abandoned {
		// The opener gave up; close the channel out with the peer. The id
		// stays in the table until the peer's CLOSE lands.
		ch.openDone = true
		ch.remoteID = msg.SenderChannel
		ch.sentClose = true
		raw := wire.MarshalChannelID(wire.MsgChannelClose, msg.SenderChannel)
		m.mu.Unlock()
		m.log.Debugf("closing abandoned channel %d", msg.RecipientChannel)
		return m.transport.WriteReply(raw)
	}
	ch.openDone = true
	ch.opened = true
	ch.remoteID = msg.SenderChannel
	ch.remoteWindow = uint64(msg.InitialWindow)
	ch.remoteMaxPacket = msg.MaxPacketSize
	close(ch.openCh)
	m.mu.Unlock()
	m.log.Debugf("channel %d open: remote id %d, window %d, max packet %d",
		msg.RecipientChannel, msg.SenderChannel, msg.InitialWindow, msg.MaxPacketSize)
	return nil
}

func (m *Manager) handleOpenFailure(payload []byte) error {
	msg, err := wire.UnmarshalChannelOpenFailure(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ch, ok := m.channels[msg.RecipientChannel]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChannel, msg.RecipientChannel)
	}
	if ch.openDone {
		m.mu.Unlock()
		return fmt.Errorf("channel: duplicate open reply for channel %d", msg.RecipientChannel)
	}
	// A failed open never ran the close handshake; the id frees now.
	delete(m.channels, ch.localID)
	ch.openDone = true
	if !ch.abandoned {
		ch.openErr = &OpenError{Reason: msg.Reason, Message: msg.Description}
		close(ch.openCh)
	}
	m.mu.Unlock()
	m.log.Debugf("channel %d rejected: %s", msg.RecipientChannel, wire.OpenFailureReasonName(msg.Reason))
	return nil
}

func (m *Manager) handleWindowAdjust(payload []byte) error {
	msg, err := wire.UnmarshalChannelWindowAdjust(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[msg.RecipientChannel]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, msg.RecipientChannel)
	}
	ch.remoteWindow += uint64(msg.AdditionalBytes)
	if ch.remoteWindow > math.MaxUint32 {
		return fmt.Errorf("channel: window for channel %d grown past 2^32-1", msg.RecipientChannel)
	}
	ch.wakeWritersLocked()
	return nil
}

func (m *Manager) handleData(payload []byte) error {
	msg, err := wire.UnmarshalChannelData(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[msg.RecipientChannel]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, msg.RecipientChannel)
	}
	return ch.pushLocked(&ch.readBuf, msg.Data)
}

func (m *Manager) handleExtendedData(payload []byte) error {
	msg, err := wire.UnmarshalChannelExtendedData(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ch, ok := m.channels[msg.RecipientChannel]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChannel, msg.RecipientChannel)
	}
	if msg.DataType != wire.ExtendedDataStderr {
		// Unknown extended data still consumes window. Count it as read
		// so the credit flows straight back.
		err = ch.pushLocked(nil, msg.Data)
		var adjust []byte
		if err == nil {
			adjust = ch.consumeLocked(uint32(len(msg.Data)))
		}
		m.mu.Unlock()
		if err == nil && adjust != nil {
			return m.transport.WriteReply(adjust)
		}
		return err
	}
	err = ch.pushLocked(&ch.stderrBuf, msg.Data)
	m.mu.Unlock()
	return err
}

func (m *Manager) handleEOF(payload []byte) error {
	id, err := wire.UnmarshalChannelID(payload, wire.MsgChannelEOF)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	ch.peerEOF = true
	ch.wakeReadersLocked()
	return nil
}

func (m *Manager) handleClose(payload []byte) error {
	id, err := wire.UnmarshalChannelID(payload, wire.MsgChannelClose)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ch, ok := m.channels[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	ch.peerClosed = true
	var reply []byte
	if !ch.sentClose {
		ch.sentClose = true
		reply = wire.MarshalChannelID(wire.MsgChannelClose, ch.remoteID)
	}
	ch.finishLocked(nil)
	m.mu.Unlock()
	m.log.Debugf("channel %d closed", id)
	if reply != nil {
		return m.transport.WriteReply(reply)
	}
	return nil
}

func (m *Manager) handleRequest(payload []byte) error {
	req, err := wire.UnmarshalChannelRequest(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ch, ok := m.channels[req.RecipientChannel]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChannel, req.RecipientChannel)
	}
	var parseErr error
	handled := true
	switch req.RequestType {
	case "exit-status":
		parseErr = ch.setExitStatusLocked(req.RequestData)
	case "exit-signal":
		parseErr = ch.setExitSignalLocked(req.RequestData)
	default:
		handled = false
	}
	remoteID := ch.remoteID
	m.mu.Unlock()
	if parseErr != nil {
		return fmt.Errorf("channel: %s request: %w", req.RequestType, parseErr)
	}
	if !handled {
		m.log.Debugf("channel %d: ignoring %q request", req.RecipientChannel, req.RequestType)
	}
	if !req.WantReply {
		return nil
	}
	replyType := wire.MsgChannelSuccess
	if !handled {
		replyType = wire.MsgChannelFailure
	}
	return m.transport.WriteReply(wire.MarshalChannelID(replyType, remoteID))
}

func (m *Manager) handleReply(payload []byte) error {
	id, err := wire.UnmarshalChannelID(payload, payload[0])
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	var result error
	if payload[0] == wire.MsgChannelFailure {
		result = ErrRequestDenied
	}
	select {
	case ch.replies <- result:
	default:
		// No request waiting; a conforming peer only replies when asked.
	}
	return nil
}

// CloseAll force-closes every channel and fails all pending opens, reads,
// writes and requests. Further opens fail immediately. cause describes
// why the connection died; nil means a plain connection loss.
func (m *Manager) CloseAll(cause error) {
	term := ErrConnectionLost
	if cause != nil {
		if errors.Is(cause, ErrConnectionLost) {
			term = cause
		} else {
			term = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.closeErr = term
	m.log.Debugf("closing %d channels: %v", len(m.channels), term)
	for _, ch := range m.channels {
		if !ch.openDone {
			ch.openDone = true
			ch.openErr = term
			close(ch.openCh)
		}
		ch.finishLocked(term)
	}
}

// ChannelCount returns the number of channels in the table, including
// ones mid-open or mid-close.
func (m *Manager) ChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}
