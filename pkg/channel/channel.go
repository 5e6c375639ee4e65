package channel

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/transport/v3/deadline"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// ExitSignal describes an exit-signal request received on a session
// channel (RFC 4254 Section 6.10).
type ExitSignal struct {
	Signal     string
	CoreDumped bool
	Message    string
}

// Channel is one flow-controlled stream multiplexed over the connection.
// Reads and writes block honouring the peer's window; deadlines follow
// net.Conn semantics and expire with os.ErrDeadlineExceeded.
//
// Lifecycle and window state is guarded by the manager's mutex. A
// per-channel mutex serializes concurrent Write calls so their data
// cannot interleave, and another serializes requests that want a reply.
type Channel struct {
	mgr         *Manager
	localID     uint32
	channelType string

	openCh    chan struct{} // closed once the open resolves
	openDone  bool
	openErr   error
	opened    bool
	abandoned bool

	remoteID        uint32
	remoteWindow    uint64
	remoteMaxPacket uint32

	localWindow uint32
	consumed    uint32 // read bytes not yet returned to the peer

	readBuf   bytes.Buffer
	stderrBuf bytes.Buffer

	// readNotify and writeNotify are closed and remade to wake blocked
	// stream calls after a state or window change.
	readNotify  chan struct{}
	writeNotify chan struct{}

	sentEOF    bool
	peerEOF    bool
	sentClose  bool
	peerClosed bool
	dead       bool
	deadErr    error // nil after a clean close handshake
	deadCh     chan struct{}

	exitStatus *uint32
	exitSignal *ExitSignal

	writeMu sync.Mutex

	reqMu   sync.Mutex
	replies chan error

	readDeadline  *deadline.Deadline
	writeDeadline *deadline.Deadline
}

func newChannel(m *Manager, id uint32, channelType string) *Channel {
	return &Channel{
		mgr:           m,
		localID:       id,
		channelType:   channelType,
		openCh:        make(chan struct{}),
		localWindow:   m.localWindow,
		readNotify:    make(chan struct{}),
		writeNotify:   make(chan struct{}),
		deadCh:        make(chan struct{}),
		replies:       make(chan error, 1),
		readDeadline:  deadline.New(),
		writeDeadline: deadline.New(),
	}
}

// ID returns the locally allocated channel id.
func (c *Channel) ID() uint32 { return c.localID }

// Type returns the channel type the open was sent with.
func (c *Channel) Type() string { return c.channelType }

// State reports where the channel is in its lifecycle.
func (c *Channel) State() State {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()
	switch {
	case c.dead:
		return StateClosed
	case c.sentClose || c.peerClosed:
		return StateClosing
	case c.peerEOF:
		return StateEOFReceived
	case c.sentEOF:
		return StateEOFSent
	case c.opened:
		return StateOpen
	default:
		return StateOpening
	}
}

// Read returns data from the channel's main stream. It blocks until data
// arrives, the peer signals EOF or close, or the read deadline expires.
func (c *Channel) Read(p []byte) (int, error) {
	return c.readStream(&c.readBuf, p)
}

// Stderr returns the stream carrying extended data of type stderr. It
// shares the channel's read deadline.
func (c *Channel) Stderr() io.Reader {
	return stderrStream{c}
}

type stderrStream struct{ c *Channel }

func (s stderrStream) Read(p []byte) (int, error) {
	return s.c.readStream(&s.c.stderrBuf, p)
}

func (c *Channel) readStream(buf *bytes.Buffer, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	m := c.mgr
	for {
		m.mu.Lock()
		if buf.Len() > 0 {
			n, _ := buf.Read(p)
			adjust := c.consumeLocked(uint32(n))
			m.mu.Unlock()
			if adjust != nil {
				if err := m.transport.WritePacket(adjust); err != nil {
					return n, err
				}
			}
			return n, nil
		}
		if c.dead && c.deadErr != nil {
			err := c.deadErr
			m.mu.Unlock()
			return 0, err
		}
		if c.peerEOF || c.peerClosed || c.sentClose || c.dead {
			m.mu.Unlock()
			return 0, io.EOF
		}
		ready := c.readNotify
		m.mu.Unlock()
		select {
		case <-ready:
		case <-c.readDeadline.Done():
			return 0, os.ErrDeadlineExceeded
		}
	}
}

// consumeLocked credits n read bytes back toward the peer's send window
// and returns an encoded WINDOW_ADJUST once the credit crosses half the
// window. The caller sends it after releasing the manager mutex.
func (c *Channel) consumeLocked(n uint32) []byte {
	c.consumed += n
	if !c.opened || c.dead || c.peerEOF || c.sentClose || c.peerClosed {
		return nil
	}
	if c.consumed < c.mgr.localWindow/2 {
		return nil
	}
	add := c.consumed
	c.consumed = 0
	c.localWindow += add
	adj := &wire.ChannelWindowAdjust{RecipientChannel: c.remoteID, AdditionalBytes: add}
	return adj.Marshal()
}

// pushLocked applies inbound data against the local window and buffers
// it. A nil buf discards the data (unknown extended data types) while
// still accounting for it.
func (c *Channel) pushLocked(buf *bytes.Buffer, data []byte) error {
	if c.dead || c.peerClosed || c.peerEOF {
		// Late data on a dying channel.
		return nil
	}
	if uint32(len(data)) > c.localWindow {
		return fmt.Errorf("%w: %d bytes against window %d", ErrWindowExceeded, len(data), c.localWindow)
	}
	c.localWindow -= uint32(len(data))
	if buf != nil {
		buf.Write(data)
		c.wakeReadersLocked()
	}
	return nil
}

// Write sends p on the channel. It blocks while the remote window is
// exhausted, resumes on WINDOW_ADJUST and never puts more data in one
// message than the peer's maximum packet size.
func (c *Channel) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	m := c.mgr
	written := 0
	for len(p) > 0 {
		m.mu.Lock()
		if err := c.writeErrLocked(); err != nil {
			m.mu.Unlock()
			return written, err
		}
		if c.remoteWindow == 0 {
			ready := c.writeNotify
			m.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-c.writeDeadline.Done():
				return written, os.ErrDeadlineExceeded
			}
		}
		n := uint64(len(p))
		if n > c.remoteWindow {
			n = c.remoteWindow
		}
		if mp := uint64(c.remoteMaxPacket); n > mp {
			n = mp
		}
		// Reserve window under the lock, send outside it.
		c.remoteWindow -= n
		remoteID := c.remoteID
		m.mu.Unlock()

		msg := &wire.ChannelData{RecipientChannel: remoteID, Data: p[:n]}
		if err := m.transport.WritePacket(msg.Marshal()); err != nil {
			return written, err
		}
		written += int(n)
		p = p[n:]
	}
	return written, nil
}

// requestErrLocked reports whether the channel can still carry outbound
// messages at all.
func (c *Channel) requestErrLocked() error {
	if c.dead && c.deadErr != nil {
		return c.deadErr
	}
	if c.dead || c.sentClose || c.peerClosed {
		return ErrChannelClosed
	}
	return nil
}

// writeErrLocked reports whether the channel can still carry data.
func (c *Channel) writeErrLocked() error {
	if err := c.requestErrLocked(); err != nil {
		return err
	}
	if c.sentEOF {
		return ErrChannelClosed
	}
	return nil
}

// SendEOF tells the peer no more data will be sent. It is one-directional
// and idempotent; reads keep working.
func (c *Channel) SendEOF() error {
	m := c.mgr
	m.mu.Lock()
	if c.sentEOF {
		m.mu.Unlock()
		return nil
	}
	if err := c.requestErrLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	c.sentEOF = true
	raw := wire.MarshalChannelID(wire.MsgChannelEOF, c.remoteID)
	m.mu.Unlock()
	return m.transport.WritePacket(raw)
}

// Close starts (or completes) the close handshake. It is idempotent; the
// channel id is freed once the peer's CLOSE has also been seen.
func (c *Channel) Close() error {
	m := c.mgr
	m.mu.Lock()
	if c.sentClose || c.dead {
		m.mu.Unlock()
		return nil
	}
	c.sentClose = true
	raw := wire.MarshalChannelID(wire.MsgChannelClose, c.remoteID)
	c.wakeReadersLocked()
	c.wakeWritersLocked()
	if c.peerClosed {
		c.finishLocked(nil)
	}
	m.mu.Unlock()
	return m.transport.WritePacket(raw)
}

// finishLocked removes the channel from the table and releases every
// waiter. cause is nil for a clean close handshake.
func (c *Channel) finishLocked(cause error) {
	if c.dead {
		return
	}
	c.dead = true
	c.deadErr = cause
	delete(c.mgr.channels, c.localID)
	close(c.deadCh)
	c.wakeReadersLocked()
	c.wakeWritersLocked()
}

func (c *Channel) wakeReadersLocked() {
	close(c.readNotify)
	c.readNotify = make(chan struct{})
}

func (c *Channel) wakeWritersLocked() {
	close(c.writeNotify)
	c.writeNotify = make(chan struct{})
}

// PTYRequest describes a pty-req (RFC 4254 Section 6.2). Modes carries
// the encoded terminal modes and may be empty.
type PTYRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   []byte
}

// RequestPTY asks the peer to allocate a pseudo-terminal for the session.
func (c *Channel) RequestPTY(req PTYRequest) error {
	w := &wire.Writer{}
	w.Text(req.Term)
	w.Uint32(req.Columns)
	w.Uint32(req.Rows)
	w.Uint32(req.Width)
	w.Uint32(req.Height)
	w.String(req.Modes)
	return c.sendRequest("pty-req", true, w.Bytes())
}

// Shell asks the peer to start the user's default shell on the session.
func (c *Channel) Shell() error {
	return c.sendRequest("shell", true, nil)
}

// Exec asks the peer to run command on the session.
func (c *Channel) Exec(command string) error {
	w := &wire.Writer{}
	w.Text(command)
	return c.sendRequest("exec", true, w.Bytes())
}

// Subsystem asks the peer to start a named subsystem such as "sftp".
func (c *Channel) Subsystem(name string) error {
	w := &wire.Writer{}
	w.Text(name)
	return c.sendRequest("subsystem", true, w.Bytes())
}

// WindowChange reports new terminal dimensions. The peer never replies.
func (c *Channel) WindowChange(columns, rows, width, height uint32) error {
	w := &wire.Writer{}
	w.Uint32(columns)
	w.Uint32(rows)
	w.Uint32(width)
	w.Uint32(height)
	return c.sendRequest("window-change", false, w.Bytes())
}

// Signal delivers a signal to the remote process. name is the signal
// name without the "SIG" prefix, such as "TERM". The peer never replies.
func (c *Channel) Signal(name string) error {
	w := &wire.Writer{}
	w.Text(name)
	return c.sendRequest("signal", false, w.Bytes())
}

// sendRequest issues one CHANNEL_REQUEST. Requests that want a reply are
// serialized so SUCCESS and FAILURE answers match up in order.
func (c *Channel) sendRequest(requestType string, wantReply bool, requestData []byte) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	m := c.mgr
	m.mu.Lock()
	if err := c.requestErrLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	req := &wire.ChannelRequest{
		RecipientChannel: c.remoteID,
		RequestType:      requestType,
		WantReply:        wantReply,
		RequestData:      requestData,
	}
	m.mu.Unlock()

	if err := m.transport.WritePacket(req.Marshal()); err != nil {
		return err
	}
	if !wantReply {
		return nil
	}
	select {
	case err := <-c.replies:
		return err
	case <-c.deadCh:
		return c.terminalError()
	}
}

// terminalError reports why a dead channel died.
func (c *Channel) terminalError() error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()
	if c.deadErr != nil {
		return c.deadErr
	}
	return ErrChannelClosed
}

func (c *Channel) setExitStatusLocked(data []byte) error {
	r := wire.NewReader(data)
	status, err := r.Uint32()
	if err != nil {
		return err
	}
	c.exitStatus = &status
	return nil
}

func (c *Channel) setExitSignalLocked(data []byte) error {
	r := wire.NewReader(data)
	sig := ExitSignal{}
	var err error
	if sig.Signal, err = r.Text(); err != nil {
		return err
	}
	if sig.CoreDumped, err = r.Bool(); err != nil {
		return err
	}
	if sig.Message, err = r.Text(); err != nil {
		return err
	}
	c.exitSignal = &sig
	return nil
}

// ExitStatus returns the exit status delivered by the peer, if any. It
// is normally available once reads hit EOF and the channel closes.
func (c *Channel) ExitStatus() (uint32, bool) {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()
	if c.exitStatus == nil {
		return 0, false
	}
	return *c.exitStatus, true
}

// ExitSignal returns the exit-signal details delivered by the peer, if
// any.
func (c *Channel) ExitSignal() (ExitSignal, bool) {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()
	if c.exitSignal == nil {
		return ExitSignal{}, false
	}
	return *c.exitSignal, true
}

// SetReadDeadline applies t to current and future blocked reads,
// including the stderr stream. A zero value removes the deadline.
func (c *Channel) SetReadDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	return nil
}

// SetWriteDeadline applies t to current and future blocked writes. A
// zero value removes the deadline.
func (c *Channel) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Set(t)
	return nil
}

// SetDeadline sets both read and write deadlines, net.Conn style.
func (c *Channel) SetDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	c.writeDeadline.Set(t)
	return nil
}
