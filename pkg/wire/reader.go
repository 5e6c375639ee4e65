package wire

import (
	"encoding/binary"
	"math/big"
	"strings"
)

// Reader decodes the primitive SSH data types of RFC 4251 Section 5 from a
// message payload. All multi-byte quantities are big-endian. A Reader never
// copies the underlying slice; returned byte strings alias the input.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a Reader over a complete message payload.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of unconsumed bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, ErrUnexpectedEOF
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// Bool reads a boolean encoded as a single byte. Any nonzero value is true.
func (r *Reader) Bool() (bool, error) {
	b, err := r.Byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// Uint32 reads a big-endian 32-bit unsigned integer.
func (r *Reader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// Uint64 reads a big-endian 64-bit unsigned integer.
func (r *Reader) Uint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// Bytes reads exactly n raw bytes without a length prefix.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrUnexpectedEOF
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// String reads a length-prefixed byte string.
func (r *Reader) String() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.Remaining()) {
		return nil, ErrStringTooLong
	}
	return r.Bytes(int(n))
}

// Text reads a length-prefixed string and returns it as a Go string.
func (r *Reader) Text() (string, error) {
	b, err := r.String()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NameList reads a comma-separated algorithm name list. An empty wire string
// yields a nil slice, not a slice holding one empty name.
func (r *Reader) NameList() ([]string, error) {
	s, err := r.Text()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}

// MPInt reads a multiple-precision integer. Negative values are rejected:
// every mpint exchanged by the key-exchange methods is non-negative, so a set
// sign bit can only mean a corrupt or hostile peer.
func (r *Reader) MPInt() (*big.Int, error) {
	b, err := r.String()
	if err != nil {
		return nil, err
	}
	if len(b) > 0 && b[0]&0x80 != 0 {
		return nil, ErrNegativeMPInt
	}
	return new(big.Int).SetBytes(b), nil
}

// End verifies that the message has been fully consumed. Several messages,
// the KEXDH replies among them, must not carry trailing garbage.
func (r *Reader) End() error {
	if r.Remaining() != 0 {
		return ErrTrailingBytes
	}
	return nil
}
