// curve25519-sha256 key exchange, RFC 8731. Same message flow as the NIST
// ECDH methods; public values are the 32-byte X25519 points and the hash is
// always SHA-256.

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"hash"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// Curve25519 runs KEX_ECDH_INIT / KEX_ECDH_REPLY with X25519.
type Curve25519 struct {
	rand io.Reader

	priv [32]byte
	qc   []byte
	qs   []byte
	k    *big.Int

	hostKey []byte
	sig     []byte

	started, done bool
}

// NewCurve25519 creates a curve25519-sha256 exchange.
func NewCurve25519(rnd io.Reader) *Curve25519 {
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Curve25519{rand: rnd}
}

func (c *Curve25519) Start() ([]byte, error) {
	if c.started {
		return nil, ErrExchangeState
	}
	if _, err := io.ReadFull(c.rand, c.priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(c.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	c.qc = pub
	c.started = true

	w := wire.NewWriter(wire.MsgKexECDHInit)
	w.String(c.qc)
	return w.Bytes(), nil
}

func (c *Curve25519) Handle(payload []byte) ([]byte, bool, error) {
	if !c.started || c.done {
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

	// RFC 8731 Section 3: the server value must be exactly 32 bytes, and
	// an all-zero agreement output (small-order point) must abort.
	if len(qs) != 32 {
		return nil, false, ErrInvalidServerPublic
	}
	shared, err := curve25519.X25519(c.priv[:], qs)
	if err != nil {
		return nil, false, ErrInvalidServerPublic
	}

	c.hostKey, c.qs, c.sig = hostKey, qs, sig
	c.k = new(big.Int).SetBytes(shared)
	c.done = true
	return nil, true, nil
}

func (c *Curve25519) SharedSecret() *big.Int { return c.k }
func (c *Curve25519) HostKeyBlob() []byte    { return c.hostKey }
func (c *Curve25519) Signature() []byte      { return c.sig }

func (c *Curve25519) WriteExchangeValues(w *HashWriter) {
	w.WriteString(c.qc)
	w.WriteString(c.qs)
}

func (c *Curve25519) NewHash() func() hash.Hash { return sha256.New }
