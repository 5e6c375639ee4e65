// Packet compression per RFC 4253 Section 6.2. Both zlib methods compress
// all payloads of one direction as a single never-ending zlib stream that is
// flushed at every packet boundary, so the per-packet output of one side can
// reference up to 32 KiB of history from earlier packets. The inflate side
// cannot hand the stream to a stream-oriented reader that expects an EOF;
// instead each packet is closed off with a synthetic final stored block and
// inflated against a sliding dictionary carried between packets.

package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Errors returned by the compression streams.
var (
	ErrZlibHeader      = errors.New("compress: bad zlib stream header")
	ErrDecompressLimit = errors.New("compress: decompressed packet exceeds limit")
)

// historySize is the deflate window: the furthest back-reference either side
// may emit, and therefore the dictionary the inflate side must retain.
const historySize = 32 * 1024

// packetTail is a final stored block of length zero. Every packet from a
// conforming peer ends with a sync flush, which is byte aligned, so appending
// this tail turns the packet into a complete deflate stream.
var packetTail = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// zlibHeader is the stream header for deflate with a 32 KiB window and no
// preset dictionary. It is sent once, in front of the first packet.
var zlibHeader = []byte{0x78, 0x9c}

// Compressor deflates the payloads of one direction into a single zlib
// stream. Instances carry window state between packets and are not safe for
// concurrent use.
type Compressor struct {
	fw      *flate.Writer
	buf     bytes.Buffer
	started bool
}

// NewCompressor creates the outbound side of a zlib compression stream.
func NewCompressor() (*Compressor, error) {
	c := &Compressor{}
	fw, err := flate.NewWriter(&c.buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	c.fw = fw
	return c, nil
}

// Compress deflates one packet payload and flushes the stream so the peer
// can inflate it without waiting for later packets. The returned slice is
// reused by the next call.
func (c *Compressor) Compress(payload []byte) ([]byte, error) {
	c.buf.Reset()
	if !c.started {
		c.buf.Write(zlibHeader)
		c.started = true
	}
	if _, err := c.fw.Write(payload); err != nil {
		return nil, fmt.Errorf("compress: deflate: %w", err)
	}
	if err := c.fw.Flush(); err != nil {
		return nil, fmt.Errorf("compress: deflate: %w", err)
	}
	return c.buf.Bytes(), nil
}

// Decompressor inflates the payloads of one direction. It keeps the last
// 32 KiB of inflated output as the dictionary for the next packet. Instances
// are not safe for concurrent use.
type Decompressor struct {
	fr      io.ReadCloser
	dict    []byte
	started bool
}

// NewDecompressor creates the inbound side of a zlib compression stream.
func NewDecompressor() *Decompressor {
	return &Decompressor{fr: flate.NewReader(nil)}
}

// Decompress inflates one packet payload. maxSize bounds the inflated size;
// exceeding it returns ErrDecompressLimit so a hostile peer cannot blow up
// memory with a tiny packet.
func (d *Decompressor) Decompress(payload []byte, maxSize int) ([]byte, error) {
	if !d.started {
		if len(payload) < len(zlibHeader) {
			return nil, ErrZlibHeader
		}
		cmf, flg := payload[0], payload[1]
		if cmf&0x0f != 8 || (uint16(cmf)<<8|uint16(flg))%31 != 0 || flg&0x20 != 0 {
			return nil, ErrZlibHeader
		}
		payload = payload[len(zlibHeader):]
		d.started = true
	}

	src := io.MultiReader(bytes.NewReader(payload), bytes.NewReader(packetTail))
	if err := d.fr.(flate.Resetter).Reset(src, d.dict); err != nil {
		return nil, fmt.Errorf("compress: inflate: %w", err)
	}
	out, err := io.ReadAll(io.LimitReader(d.fr, int64(maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("compress: inflate: %w", err)
	}
	if len(out) > maxSize {
		return nil, ErrDecompressLimit
	}

	d.dict = append(d.dict, out...)
	if n := len(d.dict); n > historySize {
		copy(d.dict, d.dict[n-historySize:])
		d.dict = d.dict[:historySize]
	}
	return out, nil
}
