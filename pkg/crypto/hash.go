// Package crypto provides the cryptographic primitives of the SSH2 transport
// layer: session key derivation, the key exchange methods, packet ciphers,
// integrity MACs and the zlib packet compressor.
package crypto

import (
	"encoding/binary"
	"hash"
	"math/big"
)

// HashWriter feeds SSH-framed values into a digest. The exchange hash H of
// RFC 4253 Section 8 is a hash over a sequence of strings, mpints and plain
// integers; the framing, not just the content, is part of the hash input.
type HashWriter struct {
	h hash.Hash
}

// NewHashWriter creates a HashWriter over a fresh digest.
func NewHashWriter(newHash func() hash.Hash) *HashWriter {
	return &HashWriter{h: newHash()}
}

// WriteString hashes a length-prefixed byte string.
func (w *HashWriter) WriteString(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.h.Write(b)
}

// WriteText hashes a length-prefixed string.
func (w *HashWriter) WriteText(s string) {
	w.WriteUint32(uint32(len(s)))
	w.h.Write([]byte(s))
}

// WriteMPInt hashes an mpint with its length prefix and sign-padding byte.
func (w *HashWriter) WriteMPInt(v *big.Int) {
	w.h.Write(encodeMPInt(v))
}

// WriteUint32 hashes a big-endian 32-bit integer.
func (w *HashWriter) WriteUint32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	w.h.Write(buf[:])
}

// WriteRaw hashes bytes without framing.
func (w *HashWriter) WriteRaw(b []byte) {
	w.h.Write(b)
}

// Sum returns the digest of everything written so far.
func (w *HashWriter) Sum() []byte {
	return w.h.Sum(nil)
}
