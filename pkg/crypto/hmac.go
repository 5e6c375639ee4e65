// HMAC integrity schemes for the SSH transport, RFC 4253 Section 6.4 and the
// SHA-2 variants of RFC 6668. The MAC is computed over the packet sequence
// number concatenated with the unencrypted packet. Truncated variants
// (hmac-sha1-96, hmac-md5-96) keep only the leading bytes of the digest but
// are keyed with the full-length key.

package crypto

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"hash"
)

// ErrMACKeySize is returned when a MAC is keyed with the wrong key length.
var ErrMACKeySize = errors.New("hmac: wrong key length")

// MAC computes per-packet integrity tags for one direction of a connection.
// It is stateful (the underlying HMAC is reset per packet) and must not be
// shared between goroutines.
type MAC struct {
	mac  hash.Hash
	size int
	buf  []byte
}

// NewMAC creates a MAC from a digest constructor, a derived integrity key and
// the advertised tag size. keyLen is the required key length; size may be
// smaller than the digest size for truncated schemes.
func NewMAC(newHash func() hash.Hash, key []byte, keyLen, size int) (*MAC, error) {
	if len(key) != keyLen {
		return nil, ErrMACKeySize
	}
	return &MAC{mac: hmac.New(newHash, key), size: size}, nil
}

// Size returns the on-wire tag length in bytes.
func (m *MAC) Size() int {
	return m.size
}

// Sum computes the tag over seq || packet. The returned slice is reused by
// the next call.
func (m *MAC) Sum(seq uint32, packet []byte) []byte {
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], seq)

	m.mac.Reset()
	m.mac.Write(seqBuf[:])
	m.mac.Write(packet)
	m.buf = m.mac.Sum(m.buf[:0])
	return m.buf[:m.size]
}

// MACEqual compares two tags in constant time.
func MACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
