// Finite-field Diffie-Hellman key exchange, both the fixed Oakley groups
// (RFC 4253 Section 8) and the negotiated-group variant (RFC 4419).

package crypto

import (
	"crypto/rand"
	"hash"
	"io"
	"math/big"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// DHGroup is a finite-field group for classic Diffie-Hellman.
type DHGroup struct {
	P *big.Int
	G *big.Int
}

// Oakley Group 2 (1024 bit), RFC 2409 Section 6.2.
var Group1 = &DHGroup{
	P: mustParseHex("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
		"FFFFFFFFFFFFFFFF"),
	G: big.NewInt(2),
}

// Oakley Group 14 (2048 bit), RFC 3526 Section 3.
var Group14 = &DHGroup{
	P: mustParseHex("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF"),
	G: big.NewInt(2),
}

func mustParseHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("dh: bad group constant")
	}
	return v
}

// ClassicDH runs a fixed-group Diffie-Hellman exchange:
// KEXDH_INIT out, KEXDH_REPLY in.
type ClassicDH struct {
	group   *DHGroup
	newHash func() hash.Hash
	rand    io.Reader

	x, e *big.Int // client secret and public value
	f, k *big.Int

	hostKey []byte
	sig     []byte

	started, done bool
}

// NewClassicDH creates an exchange over a fixed group. rnd defaults to
// crypto/rand.Reader when nil.
func NewClassicDH(group *DHGroup, newHash func() hash.Hash, rnd io.Reader) *ClassicDH {
	if rnd == nil {
		rnd = rand.Reader
	}
	return &ClassicDH{group: group, newHash: newHash, rand: rnd}
}

func (d *ClassicDH) Start() ([]byte, error) {
	if d.started {
		return nil, ErrExchangeState
	}
	x, e, err := dhGenerate(d.rand, d.group)
	if err != nil {
		return nil, err
	}
	d.x, d.e = x, e
	d.started = true

	w := wire.NewWriter(wire.MsgKexDHInit)
	w.MPInt(d.e)
	return w.Bytes(), nil
}

func (d *ClassicDH) Handle(payload []byte) ([]byte, bool, error) {
	if !d.started || d.done {
		return nil, false, ErrExchangeState
	}
	r := wire.NewReader(payload)
	t, err := r.Byte()
	if err != nil {
		return nil, false, err
	}
	if t != wire.MsgKexDHReply {
		return nil, false, ErrUnexpectedKexMessage
	}
	hostKey, f, sig, err := parseKexReplyBody(r)
	if err != nil {
		return nil, false, err
	}
	k, err := dhSharedSecret(d.group, d.x, f)
	if err != nil {
		return nil, false, err
	}
	d.hostKey, d.f, d.sig, d.k = hostKey, f, sig, k
	d.done = true
	return nil, true, nil
}

func (d *ClassicDH) SharedSecret() *big.Int { return d.k }
func (d *ClassicDH) HostKeyBlob() []byte    { return d.hostKey }
func (d *ClassicDH) Signature() []byte      { return d.sig }

func (d *ClassicDH) WriteExchangeValues(w *HashWriter) {
	w.WriteMPInt(d.e)
	w.WriteMPInt(d.f)
}

func (d *ClassicDH) NewHash() func() hash.Hash { return d.newHash }

// GroupExchangeDH runs the negotiated-group variant: GEX_REQUEST out,
// GEX_GROUP in, GEX_INIT out, GEX_REPLY in. The requested bit-size bounds
// become part of the exchange hash.
type GroupExchangeDH struct {
	newHash func() hash.Hash
	rand    io.Reader

	min, preferred, max uint32

	group *DHGroup
	x, e  *big.Int
	f, k  *big.Int

	hostKey []byte
	sig     []byte

	started, haveGroup, done bool
}

// Requested modulus size bounds in bits. Servers below the minimum are
// refused; 2048-bit groups are preferred.
const (
	GexMinBits       = 1024
	GexPreferredBits = 2048
	GexMaxBits       = 8192
)

// NewGroupExchangeDH creates a group-exchange with the default size bounds.
func NewGroupExchangeDH(newHash func() hash.Hash, rnd io.Reader) *GroupExchangeDH {
	if rnd == nil {
		rnd = rand.Reader
	}
	return &GroupExchangeDH{
		newHash:   newHash,
		rand:      rnd,
		min:       GexMinBits,
		preferred: GexPreferredBits,
		max:       GexMaxBits,
	}
}

func (d *GroupExchangeDH) Start() ([]byte, error) {
	if d.started {
		return nil, ErrExchangeState
	}
	d.started = true
	w := wire.NewWriter(wire.MsgKexDHGexRequest)
	w.Uint32(d.min)
	w.Uint32(d.preferred)
	w.Uint32(d.max)
	return w.Bytes(), nil
}

func (d *GroupExchangeDH) Handle(payload []byte) ([]byte, bool, error) {
	if !d.started || d.done {
		return nil, false, ErrExchangeState
	}
	r := wire.NewReader(payload)
	t, err := r.Byte()
	if err != nil {
		return nil, false, err
	}

	switch {
	case t == wire.MsgKexDHGexGroup && !d.haveGroup:
		p, err := r.MPInt()
		if err != nil {
			return nil, false, err
		}
		g, err := r.MPInt()
		if err != nil {
			return nil, false, err
		}
		if err := r.End(); err != nil {
			return nil, false, err
		}
		bits := uint32(p.BitLen())
		if bits < d.min || bits > d.max {
			return nil, false, ErrGroupOutOfRange
		}
		two := big.NewInt(2)
		pMinus2 := new(big.Int).Sub(p, two)
		if g.Cmp(two) < 0 || g.Cmp(pMinus2) > 0 {
			return nil, false, ErrInvalidServerPublic
		}
		d.group = &DHGroup{P: p, G: g}
		if d.x, d.e, err = dhGenerate(d.rand, d.group); err != nil {
			return nil, false, err
		}
		d.haveGroup = true

		w := wire.NewWriter(wire.MsgKexDHGexInit)
		w.MPInt(d.e)
		return w.Bytes(), false, nil

	case t == wire.MsgKexDHGexReply && d.haveGroup:
		hostKey, f, sig, err := parseKexReplyBody(r)
		if err != nil {
			return nil, false, err
		}
		k, err := dhSharedSecret(d.group, d.x, f)
		if err != nil {
			return nil, false, err
		}
		d.hostKey, d.f, d.sig, d.k = hostKey, f, sig, k
		d.done = true
		return nil, true, nil

	default:
		return nil, false, ErrUnexpectedKexMessage
	}
}

func (d *GroupExchangeDH) SharedSecret() *big.Int { return d.k }
func (d *GroupExchangeDH) HostKeyBlob() []byte    { return d.hostKey }
func (d *GroupExchangeDH) Signature() []byte      { return d.sig }

func (d *GroupExchangeDH) WriteExchangeValues(w *HashWriter) {
	w.WriteUint32(d.min)
	w.WriteUint32(d.preferred)
	w.WriteUint32(d.max)
	w.WriteMPInt(d.group.P)
	w.WriteMPInt(d.group.G)
	w.WriteMPInt(d.e)
	w.WriteMPInt(d.f)
}

func (d *GroupExchangeDH) NewHash() func() hash.Hash { return d.newHash }

// dhGenerate picks the client secret x in [2, p-2] and computes e = g^x mod p.
func dhGenerate(rnd io.Reader, group *DHGroup) (x, e *big.Int, err error) {
	pMinus3 := new(big.Int).Sub(group.P, big.NewInt(3))
	x, err = rand.Int(rnd, pMinus3)
	if err != nil {
		return nil, nil, err
	}
	x.Add(x, big.NewInt(2))
	e = new(big.Int).Exp(group.G, x, group.P)
	return x, e, nil
}

// dhSharedSecret validates the server public value and computes K = f^x mod p.
// f outside [2, p-2] would let a hostile server force a predictable secret.
func dhSharedSecret(group *DHGroup, x, f *big.Int) (*big.Int, error) {
	two := big.NewInt(2)
	pMinus2 := new(big.Int).Sub(group.P, two)
	if f.Cmp(two) < 0 || f.Cmp(pMinus2) > 0 {
		return nil, ErrInvalidServerPublic
	}
	return new(big.Int).Exp(f, x, group.P), nil
}

// parseKexReplyBody reads the host-key/mpint-f/signature reply layout shared
// by KEXDH_REPLY and GEX_REPLY. Trailing bytes are rejected: padding past the
// signature has historically meant a confused or hostile peer.
func parseKexReplyBody(r *wire.Reader) (hostKey []byte, f *big.Int, sig []byte, err error) {
	if hostKey, err = r.String(); err != nil {
		return nil, nil, nil, err
	}
	if f, err = r.MPInt(); err != nil {
		return nil, nil, nil, err
	}
	if sig, err = r.String(); err != nil {
		return nil, nil, nil, err
	}
	if err = r.End(); err != nil {
		return nil, nil, nil, err
	}
	return hostKey, f, sig, nil
}
