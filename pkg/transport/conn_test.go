package transport

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// serverEnd drains packets from the far end of a pipe so net.Pipe writes
// never wedge.
type serverEnd struct {
	codec *Codec
	recv  chan []byte
	errCh chan error
}

func startServerEnd(nc net.Conn) *serverEnd {
	s := &serverEnd{
		codec: NewCodec(nc, zeroReader{}),
		recv:  make(chan []byte, 64),
		errCh: make(chan error, 1),
	}
	go func() {
		for {
			p, err := s.codec.ReadPacket()
			if err != nil {
				s.errCh <- err
				close(s.recv)
				return
			}
			s.recv <- append([]byte(nil), p...)
		}
	}()
	return s
}

func (s *serverEnd) expect(t *testing.T, msgType byte) []byte {
	t.Helper()
	select {
	case p, ok := <-s.recv:
		if !ok {
			t.Fatalf("server side closed while waiting for message %d", msgType)
		}
		if p[0] != msgType {
			t.Fatalf("server received message %d, want %d", p[0], msgType)
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message %d", msgType)
	}
	return nil
}

type connHarness struct {
	conn     *Conn
	received chan []byte
	closed   chan error
	server   *serverEnd
}

func newConnHarness(t *testing.T) *connHarness {
	t.Helper()
	clientNC, serverNC := net.Pipe()
	h := &connHarness{
		received: make(chan []byte, 64),
		closed:   make(chan error, 1),
		server:   startServerEnd(serverNC),
	}
	conn, err := NewConn(Config{
		Conn: clientNC,
		Handler: func(payload []byte) error {
			h.received <- append([]byte(nil), payload...)
			return nil
		},
		OnClose: func(err error) { h.closed <- err },
		Rand:    zeroReader{},
	})
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if err := conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.conn = conn
	t.Cleanup(func() { _ = conn.Close() })
	return h
}

func TestConnRequiresHandlerAndConn(t *testing.T) {
	if _, err := NewConn(Config{Handler: func([]byte) error { return nil }}); !errors.Is(err, ErrNoConn) {
		t.Errorf("got %v, want ErrNoConn", err)
	}
	nc, _ := net.Pipe()
	defer nc.Close()
	if _, err := NewConn(Config{Conn: nc}); !errors.Is(err, ErrNoHandler) {
		t.Errorf("got %v, want ErrNoHandler", err)
	}
}

func TestConnDispatchesInArrivalOrder(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	h := newConnHarness(t)

	packets := [][]byte{
		{wire.MsgIgnore, 0},
		{wire.MsgChannelOpen, 1},
		{wire.MsgDebug, 0, 0, 0, 0, 0, 0, 0, 0},
		{wire.MsgChannelData, 2},
		{wire.MsgUnimplemented, 0, 0, 0, 0},
		{wire.MsgGlobalRequest, 3},
	}
	for _, p := range packets {
		if err := h.server.codec.WritePacket(p); err != nil {
			t.Fatalf("server WritePacket: %v", err)
		}
	}

	want := []byte{wire.MsgChannelOpen, wire.MsgChannelData, wire.MsgGlobalRequest}
	for i, wt := range want {
		select {
		case p := <-h.received:
			if p[0] != wt {
				t.Fatalf("packet %d: dispatched message %d, want %d", i, p[0], wt)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dispatched packet %d", i)
		}
	}
	select {
	case p := <-h.received:
		t.Fatalf("transport-level message %d leaked to the handler", p[0])
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnPeerDisconnect(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	h := newConnHarness(t)

	d := &wire.Disconnect{Reason: wire.DisconnectByApplication, Message: "bye"}
	if err := h.server.codec.WritePacket(d.Marshal()); err != nil {
		t.Fatalf("server WritePacket: %v", err)
	}

	select {
	case err := <-h.closed:
		var de *DisconnectError
		if !errors.As(err, &de) {
			t.Fatalf("close error %v, want DisconnectError", err)
		}
		if de.Reason != wire.DisconnectByApplication || de.Message != "bye" {
			t.Errorf("DisconnectError = %+v", de)
		}
		if !errors.Is(err, ErrConnectionLost) {
			t.Error("DisconnectError does not match ErrConnectionLost")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close callback")
	}

	if err := h.conn.WritePacket([]byte{wire.MsgChannelData, 1}); err == nil {
		t.Error("write after peer disconnect succeeded")
	}
}

// A corrupted packet must kill the connection before anything after it is
// dispatched.
func TestConnIntegrityFailureStopsProcessing(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	clientNC, serverNC := net.Pipe()
	corrupt := &corruptingConn{Conn: serverNC, corruptNth: 3}
	server := &serverEnd{codec: NewCodec(corrupt, zeroReader{})}

	received := make(chan []byte, 16)
	closed := make(chan error, 1)
	conn, err := NewConn(Config{
		Conn: clientNC,
		Handler: func(p []byte) error {
			received <- append([]byte(nil), p...)
			return nil
		},
		OnClose: func(err error) { closed <- err },
		Rand:    zeroReader{},
	})
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if err := conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer conn.Close()

	// Put both directions under keys so there is a MAC to corrupt. The
	// server->client NEWKEYS is write #1 through the corruptor.
	keys := testKeySet(t, "aes128-ctr", "hmac-sha2-256", 9)
	serverOut, err := NewOutboundContext("aes128-ctr", "hmac-sha2-256", "none", keys, false)
	if err != nil {
		t.Fatalf("NewOutboundContext: %v", err)
	}
	clientIn, err := NewInboundContext("aes128-ctr", "hmac-sha2-256", "none", keys, false)
	if err != nil {
		t.Fatalf("NewInboundContext: %v", err)
	}
	conn.StageInbound(clientIn)
	server.codec.StageOutbound(serverOut)
	if err := server.codec.WriteNewKeys(); err != nil {
		t.Fatalf("server WriteNewKeys: %v", err)
	}

	// Write #2 is intact, #3 is corrupted, #4 must never be dispatched.
	for i := byte(1); i <= 3; i++ {
		if err := server.codec.WritePacket([]byte{wire.MsgChannelData, i}); err != nil {
			break // the client hangs up after the corrupted packet
		}
	}

	select {
	case err := <-closed:
		if !errors.Is(err, ErrIntegrity) {
			t.Fatalf("close error %v, want ErrIntegrity", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for integrity failure")
	}

	// The handler saw NEWKEYS and the one data packet before the
	// corruption, nothing after it.
	close(received)
	var got [][]byte
	for p := range received {
		got = append(got, p)
	}
	if len(got) != 2 || got[0][0] != wire.MsgNewKeys || !bytes.Equal(got[1], []byte{wire.MsgChannelData, 1}) {
		t.Fatalf("dispatched %d packets, want NEWKEYS and the packet before the corruption", len(got))
	}
}

func TestConnWriteGate(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	h := newConnHarness(t)
	h.conn.HoldWrites()

	wrote := make(chan error, 1)
	go func() {
		wrote <- h.conn.WritePacket([]byte{wire.MsgChannelData, 0, 0, 0, 1, 0, 0, 0, 1, 'x'})
	}()

	select {
	case err := <-wrote:
		t.Fatalf("application write passed a held gate (err=%v)", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Kex-range and reader-path traffic must pass while the gate is held.
	if err := h.conn.WritePacket([]byte{wire.MsgKexInit, 1}); err != nil {
		t.Fatalf("kex write during gate: %v", err)
	}
	h.server.expect(t, wire.MsgKexInit)
	if err := h.conn.WriteReply([]byte{wire.MsgRequestFailure}); err != nil {
		t.Fatalf("reply write during gate: %v", err)
	}
	h.server.expect(t, wire.MsgRequestFailure)

	h.conn.ReleaseWrites()
	select {
	case err := <-wrote:
		if err != nil {
			t.Fatalf("gated write failed after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gated write did not resume after release")
	}
	h.server.expect(t, wire.MsgChannelData)
}

func TestConnGatedWriteFailsOnClose(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	h := newConnHarness(t)
	h.conn.HoldWrites()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.conn.WritePacket([]byte{wire.MsgChannelData, byte(i)})
		}(i)
	}
	time.Sleep(50 * time.Millisecond)

	if err := h.conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()
	for i, err := range errs {
		if err == nil {
			t.Errorf("writer %d: gated write succeeded on a closed connection", i)
		}
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	h := newConnHarness(t)
	if err := h.conn.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.conn.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close: got %v, want ErrClosed", err)
	}
	// The peer sees an orderly DISCONNECT.
	h.server.expect(t, wire.MsgDisconnect)
}

func TestConnHandlerErrorSendsDisconnect(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	clientNC, serverNC := net.Pipe()
	server := startServerEnd(serverNC)

	closed := make(chan error, 1)
	conn, err := NewConn(Config{
		Conn:    clientNC,
		Handler: func(p []byte) error { return ErrProtocol },
		OnClose: func(err error) { closed <- err },
		Rand:    zeroReader{},
	})
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if err := conn.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer conn.Close()

	if err := server.codec.WritePacket([]byte{wire.MsgChannelData, 1}); err != nil {
		t.Fatalf("server WritePacket: %v", err)
	}

	p := server.expect(t, wire.MsgDisconnect)
	d, err := wire.UnmarshalDisconnect(p)
	if err != nil {
		t.Fatalf("UnmarshalDisconnect: %v", err)
	}
	if d.Reason != wire.DisconnectProtocolError {
		t.Errorf("disconnect reason %d, want protocol error", d.Reason)
	}
	select {
	case err := <-closed:
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("close error %v, want ErrProtocol", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close callback")
	}
}

// corruptingConn flips one bit in the nth Write. The codec writes each
// packet in a single call, so n counts packets.
type corruptingConn struct {
	net.Conn
	mu         sync.Mutex
	writes     int
	corruptNth int
}

func (c *corruptingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.writes++
	hit := c.writes == c.corruptNth
	c.mu.Unlock()
	if hit {
		q := append([]byte(nil), p...)
		q[len(q)/2] ^= 0x20
		return c.Conn.Write(q)
	}
	return c.Conn.Write(p)
}
