package framework

import (
	"bytes"
	"fmt"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// serverChannel is the server half of one open channel. The clientID is
// what the client calls the channel and goes into every message we send;
// inbound messages carry ourID.
type serverChannel struct {
	clientID uint32
	ourID    uint32
	chanType string

	destHost string
	destPort uint32
	origHost string
	origPort uint32

	remoteWindow    uint32
	remoteMaxPacket uint32
	localWindow     uint32
	consumed        uint32

	received    bytes.Buffer
	pendingEcho []byte
	requests    []string
	draining    bool
	eofReceived bool
	closedSent  bool
	closedRecv  bool
}

func (s *Server) handleChannelOpen(payload []byte) error {
	m, err := wire.UnmarshalChannelOpen(payload)
	if err != nil {
		return err
	}

	if reason, ok := s.cfg.RejectChannels[m.ChannelType]; ok {
		failure := wire.ChannelOpenFailure{
			RecipientChannel: m.SenderChannel,
			Reason:           reason,
			Description:      "rejected by test policy",
		}
		return s.writePacket(failure.Marshal())
	}

	ch := &serverChannel{
		clientID:        m.SenderChannel,
		chanType:        m.ChannelType,
		remoteWindow:    m.InitialWindow,
		remoteMaxPacket: m.MaxPacketSize,
		localWindow:     s.cfg.ChannelWindow,
	}
	switch m.ChannelType {
	case "session":

	case "direct-tcpip":
		r := wire.NewReader(m.TypeData)
		if ch.destHost, err = r.Text(); err != nil {
			return err
		}
		if ch.destPort, err = r.Uint32(); err != nil {
			return err
		}
		if ch.origHost, err = r.Text(); err != nil {
			return err
		}
		if ch.origPort, err = r.Uint32(); err != nil {
			return err
		}

	default:
		failure := wire.ChannelOpenFailure{
			RecipientChannel: m.SenderChannel,
			Reason:           wire.OpenUnknownChannelType,
			Description:      "unknown channel type " + m.ChannelType,
		}
		return s.writePacket(failure.Marshal())
	}

	s.mu.Lock()
	ch.ourID = s.nextID
	s.nextID++
	s.channels[ch.ourID] = ch
	s.mu.Unlock()
	if s.log != nil {
		s.log.Debugf("channel %d opened: %s", ch.clientID, ch.chanType)
	}

	confirm := wire.ChannelOpenConfirmation{
		RecipientChannel: ch.clientID,
		SenderChannel:    ch.ourID,
		InitialWindow:    s.cfg.ChannelWindow,
		MaxPacketSize:    s.cfg.ChannelMaxPacket,
	}
	return s.writePacket(confirm.Marshal())
}

func (s *Server) handleChannelData(payload []byte) error {
	m, err := wire.UnmarshalChannelData(payload)
	if err != nil {
		return err
	}
	ch, err := s.channelByOurID(m.RecipientChannel)
	if err != nil {
		return err
	}
	size := uint32(len(m.Data))
	if size > s.cfg.ChannelMaxPacket {
		return fmt.Errorf("framework: %d byte DATA exceeds the %d byte packet limit",
			size, s.cfg.ChannelMaxPacket)
	}

	s.mu.Lock()
	if size > ch.localWindow {
		window := ch.localWindow
		s.mu.Unlock()
		return fmt.Errorf("framework: client sent %d bytes into a %d byte window", size, window)
	}
	ch.localWindow -= size
	ch.consumed += size
	ch.received.Write(m.Data)
	if s.cfg.Echo {
		ch.pendingEcho = append(ch.pendingEcho, m.Data...)
	}
	var grant uint32
	if !s.cfg.ManualWindow && ch.consumed >= s.cfg.ChannelWindow/2 {
		grant = ch.consumed
		ch.consumed = 0
		ch.localWindow += grant
	}
	s.mu.Unlock()

	if grant > 0 {
		adjust := wire.ChannelWindowAdjust{RecipientChannel: ch.clientID, AdditionalBytes: grant}
		if err := s.writePacket(adjust.Marshal()); err != nil {
			return err
		}
	}
	return s.flushEcho(ch)
}

func (s *Server) handleWindowAdjust(payload []byte) error {
	m, err := wire.UnmarshalChannelWindowAdjust(payload)
	if err != nil {
		return err
	}
	ch, err := s.channelByOurID(m.RecipientChannel)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch.remoteWindow += m.AdditionalBytes
	s.mu.Unlock()
	return s.flushEcho(ch)
}

func (s *Server) handleChannelEOF(payload []byte) error {
	id, err := wire.UnmarshalChannelID(payload, wire.MsgChannelEOF)
	if err != nil {
		return err
	}
	ch, err := s.channelByOurID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch.eofReceived = true
	ch.draining = true
	drained := len(ch.pendingEcho) == 0
	s.mu.Unlock()
	if drained {
		return s.finishChannel(ch)
	}
	return nil
}

func (s *Server) handleChannelClose(payload []byte) error {
	id, err := wire.UnmarshalChannelID(payload, wire.MsgChannelClose)
	if err != nil {
		return err
	}
	ch, err := s.channelByOurID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch.closedRecv = true
	reply := !ch.closedSent
	ch.closedSent = true
	s.mu.Unlock()
	if !reply {
		return nil
	}
	return s.writePacket(wire.MarshalChannelID(wire.MsgChannelClose, ch.clientID))
}

func (s *Server) handleChannelRequest(payload []byte) error {
	req, err := wire.UnmarshalChannelRequest(payload)
	if err != nil {
		return err
	}
	ch, err := s.channelByOurID(req.RecipientChannel)
	if err != nil {
		return err
	}

	known := true
	switch req.RequestType {
	case "exec":
		r := wire.NewReader(req.RequestData)
		command, err := r.Text()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.execs = append(s.execs, command)
		s.mu.Unlock()

	case "subsystem":
		r := wire.NewReader(req.RequestData)
		name, err := r.Text()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.subsystems = append(s.subsystems, name)
		s.mu.Unlock()

	case "shell", "pty-req", "env", "window-change", "signal":

	default:
		known = false
	}

	s.mu.Lock()
	ch.requests = append(ch.requests, req.RequestType)
	s.mu.Unlock()

	if req.WantReply {
		t := wire.MsgChannelSuccess
		if !known {
			t = wire.MsgChannelFailure
		}
		if err := s.writePacket(wire.MarshalChannelID(t, ch.clientID)); err != nil {
			return err
		}
	}

	// Without echo, an exec runs to completion on its own: scripted
	// output, then exit status and close.
	if req.RequestType == "exec" && !s.cfg.Echo {
		return s.runExec(ch)
	}
	return nil
}

func (s *Server) handleGlobalRequest(payload []byte) error {
	req, err := wire.UnmarshalGlobalRequest(payload)
	if err != nil {
		return err
	}
	if s.log != nil {
		s.log.Debugf("global request %q refused", req.RequestType)
	}
	if !req.WantReply {
		return nil
	}
	return s.writePacket([]byte{wire.MsgRequestFailure})
}

func (s *Server) runExec(ch *serverChannel) error {
	if err := s.writeData(ch, s.cfg.ExecOutput); err != nil {
		return err
	}
	if len(s.cfg.ExecStderr) > 0 {
		if err := s.writeExtended(ch, s.cfg.ExecStderr); err != nil {
			return err
		}
	}
	return s.finishChannel(ch)
}

// flushEcho sends as much queued echo data as the client's window allows,
// and finishes the channel once a received EOF has been fully drained.
func (s *Server) flushEcho(ch *serverChannel) error {
	for {
		s.mu.Lock()
		if len(ch.pendingEcho) == 0 || ch.remoteWindow == 0 {
			finish := ch.draining && len(ch.pendingEcho) == 0 && !ch.closedSent
			s.mu.Unlock()
			if finish {
				return s.finishChannel(ch)
			}
			return nil
		}
		n := len(ch.pendingEcho)
		if n > int(ch.remoteWindow) {
			n = int(ch.remoteWindow)
		}
		if n > int(ch.remoteMaxPacket) {
			n = int(ch.remoteMaxPacket)
		}
		chunk := append([]byte(nil), ch.pendingEcho[:n]...)
		ch.pendingEcho = ch.pendingEcho[n:]
		ch.remoteWindow -= uint32(n)
		s.mu.Unlock()

		data := wire.ChannelData{RecipientChannel: ch.clientID, Data: chunk}
		if err := s.writePacket(data.Marshal()); err != nil {
			return err
		}
	}
}

// finishChannel reports the configured exit condition on session channels,
// then sends EOF and CLOSE. Safe to call more than once.
func (s *Server) finishChannel(ch *serverChannel) error {
	s.mu.Lock()
	if ch.closedSent {
		s.mu.Unlock()
		return nil
	}
	ch.closedSent = true
	s.mu.Unlock()

	if ch.chanType == "session" {
		if s.cfg.ExitSignal != "" {
			w := wire.NewWriter(wire.MsgChannelRequest)
			w.Uint32(ch.clientID)
			w.Text("exit-signal")
			w.Bool(false)
			w.Text(s.cfg.ExitSignal)
			w.Bool(false)
			w.Text("killed by test server")
			w.Text("")
			if err := s.writePacket(w.Bytes()); err != nil {
				return err
			}
		} else if s.cfg.ExitStatus != nil {
			w := wire.NewWriter(wire.MsgChannelRequest)
			w.Uint32(ch.clientID)
			w.Text("exit-status")
			w.Bool(false)
			w.Uint32(*s.cfg.ExitStatus)
			if err := s.writePacket(w.Bytes()); err != nil {
				return err
			}
		}
	}
	if err := s.writePacket(wire.MarshalChannelID(wire.MsgChannelEOF, ch.clientID)); err != nil {
		return err
	}
	return s.writePacket(wire.MarshalChannelID(wire.MsgChannelClose, ch.clientID))
}

// writeData sends DATA in packet-sized chunks, charging the client's
// window. Tests are expected to configure windows large enough for their
// scripted output; running out is an error, not a stall.
func (s *Server) writeData(ch *serverChannel, data []byte) error {
	for len(data) > 0 {
		s.mu.Lock()
		n := len(data)
		if n > int(ch.remoteMaxPacket) {
			n = int(ch.remoteMaxPacket)
		}
		if uint32(n) > ch.remoteWindow {
			s.mu.Unlock()
			return fmt.Errorf("framework: out of window with %d bytes left to write", len(data))
		}
		ch.remoteWindow -= uint32(n)
		s.mu.Unlock()

		m := wire.ChannelData{RecipientChannel: ch.clientID, Data: data[:n]}
		if err := s.writePacket(m.Marshal()); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *Server) writeExtended(ch *serverChannel, data []byte) error {
	for len(data) > 0 {
		s.mu.Lock()
		n := len(data)
		if n > int(ch.remoteMaxPacket) {
			n = int(ch.remoteMaxPacket)
		}
		if uint32(n) > ch.remoteWindow {
			s.mu.Unlock()
			return fmt.Errorf("framework: out of window with %d bytes left to write", len(data))
		}
		ch.remoteWindow -= uint32(n)
		s.mu.Unlock()

		m := wire.ChannelExtendedData{
			RecipientChannel: ch.clientID,
			DataType:         wire.ExtendedDataStderr,
			Data:             data[:n],
		}
		if err := s.writePacket(m.Marshal()); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *Server) channelByOurID(id uint32) (*serverChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("framework: no channel numbered %d", id)
	}
	return ch, nil
}

func (s *Server) channelByClientID(id uint32) (*serverChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.clientID == id {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("framework: no channel with client id %d", id)
}

// GrantWindow sends a WINDOW_ADJUST for the channel the client numbered
// clientID. Used with ManualWindow to step a stalled writer.
func (s *Server) GrantWindow(clientID, n uint32) error {
	ch, err := s.channelByClientID(clientID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch.localWindow += n
	s.mu.Unlock()
	adjust := wire.ChannelWindowAdjust{RecipientChannel: clientID, AdditionalBytes: n}
	return s.writePacket(adjust.Marshal())
}

// SendData pushes server-originated DATA onto an open channel.
func (s *Server) SendData(clientID uint32, data []byte) error {
	ch, err := s.channelByClientID(clientID)
	if err != nil {
		return err
	}
	return s.writeData(ch, data)
}

// SendStderr pushes EXTENDED_DATA of type stderr onto an open channel.
func (s *Server) SendStderr(clientID uint32, data []byte) error {
	ch, err := s.channelByClientID(clientID)
	if err != nil {
		return err
	}
	return s.writeExtended(ch, data)
}

// CloseChannel finishes a channel from the server side.
func (s *Server) CloseChannel(clientID uint32) error {
	ch, err := s.channelByClientID(clientID)
	if err != nil {
		return err
	}
	return s.finishChannel(ch)
}

// Received returns everything the client has written to the channel.
func (s *Server) Received(clientID uint32) []byte {
	ch, err := s.channelByClientID(clientID)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), ch.received.Bytes()...)
}

// ChannelRequests returns the request types seen on a channel, in order.
func (s *Server) ChannelRequests(clientID uint32) []string {
	ch, err := s.channelByClientID(clientID)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), ch.requests...)
}

// Destination returns the target host and port of a direct-tcpip channel.
func (s *Server) Destination(clientID uint32) (string, uint32) {
	ch, err := s.channelByClientID(clientID)
	if err != nil {
		return "", 0
	}
	return ch.destHost, ch.destPort
}

// Origin returns the originator host and port of a direct-tcpip channel.
func (s *Server) Origin(clientID uint32) (string, uint32) {
	ch, err := s.channelByClientID(clientID)
	if err != nil {
		return "", 0
	}
	return ch.origHost, ch.origPort
}

// EOFReceived reports whether the client sent EOF on the channel.
func (s *Server) EOFReceived(clientID uint32) bool {
	ch, err := s.channelByClientID(clientID)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ch.eofReceived
}

// CloseReceived reports whether the client sent CLOSE on the channel.
func (s *Server) CloseReceived(clientID uint32) bool {
	ch, err := s.channelByClientID(clientID)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ch.closedRecv
}

// ExecCommands returns every exec command line received, in order.
func (s *Server) ExecCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

// Subsystems returns every subsystem name requested, in order.
func (s *Server) Subsystems() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subsystems...)
}
