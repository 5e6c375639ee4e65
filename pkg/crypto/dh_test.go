package crypto

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"math/big"
	"testing"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// serverDH plays the server half of a finite-field exchange: a fixed
// exponent y, f = g^y mod p, and K = e^y mod p.
type serverDH struct {
	group *DHGroup
	y     *big.Int
}

func newServerDH(group *DHGroup) *serverDH {
	return &serverDH{
		group: group,
		y:     new(big.Int).SetBytes(bytes.Repeat([]byte{0x42}, 64)),
	}
}

func (s *serverDH) f() *big.Int {
	return new(big.Int).Exp(s.group.G, s.y, s.group.P)
}

func (s *serverDH) secret(e *big.Int) *big.Int {
	return new(big.Int).Exp(e, s.y, s.group.P)
}

func buildKexReply(t *testing.T, msgType byte, hostKey []byte, f *big.Int, sig []byte) []byte {
	t.Helper()
	w := wire.NewWriter(msgType)
	w.String(hostKey)
	w.MPInt(f)
	w.String(sig)
	return w.Bytes()
}

func parseClientPublic(t *testing.T, payload []byte, wantType byte) *big.Int {
	t.Helper()
	r := wire.NewReader(payload)
	msgType, err := r.Byte()
	if err != nil || msgType != wantType {
		t.Fatalf("client message type = %d (err %v), want %d", msgType, err, wantType)
	}
	e, err := r.MPInt()
	if err != nil {
		t.Fatalf("client public value: %v", err)
	}
	if err := r.End(); err != nil {
		t.Fatalf("client message has trailing bytes: %v", err)
	}
	return e
}

func TestClassicDHAgreement(t *testing.T) {
	for _, group := range []*DHGroup{Group1, Group14} {
		d := NewClassicDH(group, sha256.New, nil)
		init, err := d.Start()
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		e := parseClientPublic(t, init, wire.MsgKexDHInit)

		srv := newServerDH(group)
		hostKey := []byte("host key blob")
		sig := []byte("signature blob")
		reply, done, err := d.Handle(buildKexReply(t, wire.MsgKexDHReply, hostKey, srv.f(), sig))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if !done || reply != nil {
			t.Fatalf("Handle: done=%v reply=%v, want done with no reply", done, reply)
		}

		if d.SharedSecret().Cmp(srv.secret(e)) != 0 {
			t.Errorf("%d-bit group: shared secrets disagree", group.P.BitLen())
		}
		if !bytes.Equal(d.HostKeyBlob(), hostKey) || !bytes.Equal(d.Signature(), sig) {
			t.Error("host key or signature not preserved")
		}
	}
}

func TestClassicDHRejectsBadServerPublic(t *testing.T) {
	cases := []struct {
		name string
		f    *big.Int
	}{
		{"zero", big.NewInt(0)},
		{"one", big.NewInt(1)},
		{"p-1", new(big.Int).Sub(Group14.P, big.NewInt(1))},
		{"p", new(big.Int).Set(Group14.P)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewClassicDH(Group14, sha256.New, nil)
			if _, err := d.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			reply := buildKexReply(t, wire.MsgKexDHReply, []byte("hk"), tc.f, []byte("sig"))
			if _, _, err := d.Handle(reply); !errors.Is(err, ErrInvalidServerPublic) {
				t.Errorf("got error %v, want ErrInvalidServerPublic", err)
			}
		})
	}
}

func TestClassicDHRejectsTrailingBytes(t *testing.T) {
	d := NewClassicDH(Group14, sha256.New, nil)
	if _, err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	reply := buildKexReply(t, wire.MsgKexDHReply, []byte("hk"), newServerDH(Group14).f(), []byte("sig"))
	reply = append(reply, 0x00)
	if _, _, err := d.Handle(reply); !errors.Is(err, wire.ErrTrailingBytes) {
		t.Errorf("got error %v, want wire.ErrTrailingBytes", err)
	}
}

func TestClassicDHStateErrors(t *testing.T) {
	d := NewClassicDH(Group14, sha256.New, nil)
	if _, _, err := d.Handle([]byte{wire.MsgKexDHReply}); !errors.Is(err, ErrExchangeState) {
		t.Errorf("Handle before Start: got %v, want ErrExchangeState", err)
	}
	if _, err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := d.Start(); !errors.Is(err, ErrExchangeState) {
		t.Errorf("second Start: got %v, want ErrExchangeState", err)
	}

	w := wire.NewWriter(wire.MsgKexInit)
	if _, _, err := d.Handle(w.Bytes()); !errors.Is(err, ErrUnexpectedKexMessage) {
		t.Errorf("non-kex message: got %v, want ErrUnexpectedKexMessage", err)
	}
}

func TestGroupExchangeFlow(t *testing.T) {
	d := NewGroupExchangeDH(sha256.New, nil)

	req, err := d.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r := wire.NewReader(req)
	msgType, _ := r.Byte()
	if msgType != wire.MsgKexDHGexRequest {
		t.Fatalf("request type = %d, want %d", msgType, wire.MsgKexDHGexRequest)
	}
	min, _ := r.Uint32()
	preferred, _ := r.Uint32()
	max, _ := r.Uint32()
	if min != GexMinBits || preferred != GexPreferredBits || max != GexMaxBits {
		t.Fatalf("requested bounds = %d/%d/%d, want %d/%d/%d",
			min, preferred, max, GexMinBits, GexPreferredBits, GexMaxBits)
	}

	groupMsg := wire.NewWriter(wire.MsgKexDHGexGroup)
	groupMsg.MPInt(Group14.P)
	groupMsg.MPInt(Group14.G)
	reply, done, err := d.Handle(groupMsg.Bytes())
	if err != nil {
		t.Fatalf("Handle group: %v", err)
	}
	if done || reply == nil {
		t.Fatalf("Handle group: done=%v reply=%v, want continuation reply", done, reply)
	}
	e := parseClientPublic(t, reply, wire.MsgKexDHGexInit)

	srv := newServerDH(Group14)
	reply2, done, err := d.Handle(buildKexReply(t, wire.MsgKexDHGexReply, []byte("hk"), srv.f(), []byte("sig")))
	if err != nil {
		t.Fatalf("Handle reply: %v", err)
	}
	if !done || reply2 != nil {
		t.Fatalf("Handle reply: done=%v reply=%v, want done", done, reply2)
	}
	if d.SharedSecret().Cmp(srv.secret(e)) != 0 {
		t.Error("shared secrets disagree")
	}

	// The negotiated group parameters and both public values feed the
	// exchange hash in this exact framing.
	var want wire.Writer
	want.Uint32(GexMinBits)
	want.Uint32(GexPreferredBits)
	want.Uint32(GexMaxBits)
	want.MPInt(Group14.P)
	want.MPInt(Group14.G)
	want.MPInt(e)
	want.MPInt(srv.f())
	expected := sha256.Sum256(want.Bytes())

	hw := NewHashWriter(sha256.New)
	d.WriteExchangeValues(hw)
	if !bytes.Equal(hw.Sum(), expected[:]) {
		t.Error("exchange value framing diverges from expected layout")
	}
}

func TestGroupExchangeRejectsGroupSize(t *testing.T) {
	cases := []struct {
		name string
		p    *big.Int
	}{
		{"below minimum", new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 511), big.NewInt(1))},
		{"above maximum", new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 8192), big.NewInt(1))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewGroupExchangeDH(sha256.New, nil)
			if _, err := d.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			w := wire.NewWriter(wire.MsgKexDHGexGroup)
			w.MPInt(tc.p)
			w.MPInt(big.NewInt(2))
			if _, _, err := d.Handle(w.Bytes()); !errors.Is(err, ErrGroupOutOfRange) {
				t.Errorf("got error %v, want ErrGroupOutOfRange", err)
			}
		})
	}
}

func TestGroupExchangeMessageOrder(t *testing.T) {
	d := NewGroupExchangeDH(sha256.New, nil)
	if _, err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	early := buildKexReply(t, wire.MsgKexDHGexReply, []byte("hk"), big.NewInt(7), []byte("sig"))
	if _, _, err := d.Handle(early); !errors.Is(err, ErrUnexpectedKexMessage) {
		t.Errorf("reply before group: got %v, want ErrUnexpectedKexMessage", err)
	}

	groupMsg := wire.NewWriter(wire.MsgKexDHGexGroup)
	groupMsg.MPInt(Group14.P)
	groupMsg.MPInt(Group14.G)
	if _, _, err := d.Handle(groupMsg.Bytes()); err != nil {
		t.Fatalf("Handle group: %v", err)
	}
	if _, _, err := d.Handle(groupMsg.Bytes()); !errors.Is(err, ErrUnexpectedKexMessage) {
		t.Errorf("second group: got %v, want ErrUnexpectedKexMessage", err)
	}
}
