// Elliptic-curve Diffie-Hellman key exchange over the NIST curves,
// RFC 5656 Section 4. Public values travel as uncompressed curve points in
// string framing; the shared secret K is the x coordinate of the agreed
// point, treated as a positive integer.

package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"
	"io"
	"math/big"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// ErrUnknownCurve is returned for ECDH method names outside nistp256/384/521.
var ErrUnknownCurve = errors.New("ecdh: unknown curve")

// ECDH runs KEX_ECDH_INIT / KEX_ECDH_REPLY over one NIST curve.
type ECDH struct {
	curve   ecdh.Curve
	newHash func() hash.Hash
	rand    io.Reader

	priv *ecdh.PrivateKey
	qc   []byte
	qs   []byte
	k    *big.Int

	hostKey []byte
	sig     []byte

	started, done bool
}

// NewECDH creates an exchange for one of the ecdh-sha2-nistp* methods. The
// digest is bound to the curve size per RFC 5656 Section 6.2.1.
func NewECDH(curveName string, rnd io.Reader) (*ECDH, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	e := &ECDH{rand: rnd}
	switch curveName {
	case "nistp256":
		e.curve, e.newHash = ecdh.P256(), sha256.New
	case "nistp384":
		e.curve, e.newHash = ecdh.P384(), sha512.New384
	case "nistp521":
		e.curve, e.newHash = ecdh.P521(), sha512.New
	default:
		return nil, ErrUnknownCurve
	}
	return e, nil
}

func (e *ECDH) Start() ([]byte, error) {
	if e.started {
		return nil, ErrExchangeState
	}
	priv, err := e.curve.GenerateKey(e.rand)
	if err != nil {
		return nil, err
	}
	e.priv = priv
	e.qc = priv.PublicKey().Bytes()
	e.started = true

	w := wire.NewWriter(wire.MsgKexECDHInit)
	w.String(e.qc)
	return w.Bytes(), nil
}

func (e *ECDH) Handle(payload []byte) ([]byte, bool, error) {
	if !e.started || e.done {
		return nil, false, ErrExchangeState
	}
	r := wire.NewReader(payload)
	t, err := r.Byte()
	if err != nil {
		return nil, false, err
	}
	if t != wire.MsgKexECDHReply {
		return nil, false, ErrUnexpectedKexMessage
	}
	hostKey, err := r.String()
	if err != nil {
		return nil, false, err
	}
	qs, err := r.String()
	if err != nil {
		return nil, false, err
	}
	sig, err := r.String()
	if err != nil {
		return nil, false, err
	}
	if err := r.End(); err != nil {
		return nil, false, err
	}

	// NewPublicKey rejects points off the curve and the point at infinity.
	serverPub, err := e.curve.NewPublicKey(qs)
	if err != nil {
		return nil, false, ErrInvalidServerPublic
	}
	shared, err := e.priv.ECDH(serverPub)
	if err != nil {
		return nil, false, ErrInvalidServerPublic
	}

	e.hostKey, e.qs, e.sig = hostKey, qs, sig
	e.k = new(big.Int).SetBytes(shared)
	e.done = true
	return nil, true, nil
}

func (e *ECDH) SharedSecret() *big.Int { return e.k }
func (e *ECDH) HostKeyBlob() []byte    { return e.hostKey }
func (e *ECDH) Signature() []byte      { return e.sig }

func (e *ECDH) WriteExchangeValues(w *HashWriter) {
	w.WriteString(e.qc)
	w.WriteString(e.qs)
}

func (e *ECDH) NewHash() func() hash.Hash { return e.newHash }
