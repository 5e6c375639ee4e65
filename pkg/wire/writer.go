package wire

import (
	"encoding/binary"
	"math/big"
	"strings"
)

// Writer encodes the primitive SSH data types of RFC 4251 Section 5 into a
// growing buffer. The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer, optionally seeded with a message type byte.
func NewWriter(msgType byte) *Writer {
	w := &Writer{buf: make([]byte, 0, 64)}
	w.Byte(msgType)
	return w
}

// Bytes returns the encoded message. The slice is owned by the Writer and
// valid until the next mutating call.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes encoded so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Byte appends a single byte.
func (w *Writer) Byte(b byte) {
	w.buf = append(w.buf, b)
}

// Bool appends a boolean as a single byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// Uint32 appends a big-endian 32-bit unsigned integer.
func (w *Writer) Uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// Uint64 appends a big-endian 64-bit unsigned integer.
func (w *Writer) Uint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// Raw appends bytes without a length prefix.
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// String appends a length-prefixed byte string.
func (w *Writer) String(b []byte) {
	w.Uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Text appends a length-prefixed string.
func (w *Writer) Text(s string) {
	w.Uint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// NameList appends a comma-separated algorithm name list.
func (w *Writer) NameList(names []string) {
	w.Text(strings.Join(names, ","))
}

// MPInt appends a multiple-precision integer. Since all values we emit are
// non-negative, the encoding prepends a zero byte whenever the most
// significant bit of the magnitude is set, per RFC 4251 Section 5.
func (w *Writer) MPInt(v *big.Int) {
	b := v.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		w.Uint32(uint32(len(b) + 1))
		w.Byte(0)
		w.buf = append(w.buf, b...)
		return
	}
	w.String(b)
}
