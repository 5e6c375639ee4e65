// Session key derivation as defined in RFC 4253 Section 7.2.
//
// Each key is produced by iterated hashing of the shared secret K, the
// exchange hash H and a single-letter label:
//
//	K1 = HASH(K || H || X || session_id)
//	Kn = HASH(K || H || K1 || ... || K(n-1))
//	key = K1 || K2 || ... truncated to the needed length
//
// K is encoded as an mpint, everything else is hashed raw. The hash is the
// one negotiated by the key exchange method, not a fixed algorithm.

package crypto

import (
	"errors"
	"hash"
	"math/big"
)

// Key derivation labels from RFC 4253 Section 7.2. Each direction of the
// connection gets its own IV, encryption key and integrity key.
const (
	KeyLabelIVClientServer  = 'A'
	KeyLabelIVServerClient  = 'B'
	KeyLabelEncClientServer = 'C'
	KeyLabelEncServerClient = 'D'
	KeyLabelMACClientServer = 'E'
	KeyLabelMACServerClient = 'F'
)

// ErrKDFBadLabel is returned for labels outside 'A'..'F'.
var ErrKDFBadLabel = errors.New("kdf: label must be in 'A'..'F'")

// KeySizes states how much key material each direction needs.
type KeySizes struct {
	IVLen  int
	EncLen int
	MACLen int
}

// Keys holds the six derived key material blobs for one completed exchange.
type Keys struct {
	IVClientServer  []byte
	IVServerClient  []byte
	EncClientServer []byte
	EncServerClient []byte
	MACClientServer []byte
	MACServerClient []byte
}

// DeriveKey derives length bytes of key material for one label.
func DeriveKey(newHash func() hash.Hash, k *big.Int, h, sessionID []byte, label byte, length int) ([]byte, error) {
	if label < 'A' || label > 'F' {
		return nil, ErrKDFBadLabel
	}

	kBytes := encodeMPInt(k)

	d := newHash()
	d.Write(kBytes)
	d.Write(h)
	d.Write([]byte{label})
	d.Write(sessionID)
	out := d.Sum(nil)

	// Chain additional rounds until enough material accumulated.
	for len(out) < length {
		d = newHash()
		d.Write(kBytes)
		d.Write(h)
		d.Write(out)
		out = d.Sum(out)
	}

	return out[:length], nil
}

// DeriveKeys derives the full six-blob key set for both directions.
func DeriveKeys(newHash func() hash.Hash, k *big.Int, h, sessionID []byte, clientServer, serverClient KeySizes) (*Keys, error) {
	keys := &Keys{}
	for _, d := range []struct {
		dst    *[]byte
		label  byte
		length int
	}{
		{&keys.IVClientServer, KeyLabelIVClientServer, clientServer.IVLen},
		{&keys.IVServerClient, KeyLabelIVServerClient, serverClient.IVLen},
		{&keys.EncClientServer, KeyLabelEncClientServer, clientServer.EncLen},
		{&keys.EncServerClient, KeyLabelEncServerClient, serverClient.EncLen},
		{&keys.MACClientServer, KeyLabelMACClientServer, clientServer.MACLen},
		{&keys.MACServerClient, KeyLabelMACServerClient, serverClient.MACLen},
	} {
		out, err := DeriveKey(newHash, k, h, sessionID, d.label, d.length)
		if err != nil {
			return nil, err
		}
		*d.dst = out
	}
	return keys, nil
}

// encodeMPInt produces the RFC 4251 mpint encoding of a non-negative integer,
// length prefix included.
func encodeMPInt(v *big.Int) []byte {
	b := v.Bytes()
	pad := 0
	if len(b) > 0 && b[0]&0x80 != 0 {
		pad = 1
	}
	out := make([]byte, 4+pad+len(b))
	n := pad + len(b)
	out[0] = byte(n >> 24)
	out[1] = byte(n >> 16)
	out[2] = byte(n >> 8)
	out[3] = byte(n)
	copy(out[4+pad:], b)
	return out
}
