// Binary packet protocol framing per RFC 4253 Section 6: compression, random
// padding, encryption and an integrity tag over the sequence number and the
// plaintext packet. The codec owns the per-direction crypto contexts and the
// NEWKEYS swap points; callers serialize reads and writes.

package transport

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/telegraphy/sshwire/pkg/crypto"
	"github.com/telegraphy/sshwire/pkg/wire"
)

const (
	// MaxPacketSize bounds the packet length field before it is trusted
	// for allocation. Larger packets are a protocol violation.
	MaxPacketSize = 256 * 1024

	minBlockSize   = 8
	minPaddingSize = 4
	maxPaddingSize = 255

	// minPacketSize is the smallest on-wire packet RFC 4253 permits:
	// length field plus twelve bytes.
	minPacketSize = 16
)

// Codec frames packets over a byte stream. Reads and writes each have
// sequence numbers and crypto state of their own; the codec is not safe for
// concurrent use of the same direction, the Conn above it serializes access.
type Codec struct {
	br   *bufio.Reader
	w    io.Writer
	rand io.Reader

	in         *CryptoContext
	out        *CryptoContext
	pendingIn  *CryptoContext
	pendingOut *CryptoContext

	// Sequence numbers run for the lifetime of the connection and are
	// not reset by key exchanges. They wrap at 2^32 by construction.
	seqIn  uint32
	seqOut uint32

	// lastReadSeq is the sequence number of the most recently returned
	// packet, for SSH_MSG_UNIMPLEMENTED replies.
	lastReadSeq uint32

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	writeBuf []byte
}

// NewCodec wraps a byte stream in packet framing, starting in the plaintext
// state that precedes the first key exchange. rnd supplies padding bytes and
// defaults to crypto/rand.
func NewCodec(rw io.ReadWriter, rnd io.Reader) *Codec {
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Codec{
		br:   bufio.NewReader(rw),
		w:    rw,
		rand: rnd,
		in:   newPlaintextContext(),
		out:  newPlaintextContext(),
	}
}

// ExchangeVersions runs the RFC 4253 Section 4.2 identification exchange:
// it sends clientVersion and returns the server's identification line, both
// without terminators. Must be called before any packet I/O.
func (c *Codec) ExchangeVersions(clientVersion string) (string, error) {
	if err := writeVersion(c.w, clientVersion); err != nil {
		return "", err
	}
	return readVersion(c.br)
}

// StageInbound sets the crypto context applied after the peer's NEWKEYS.
func (c *Codec) StageInbound(cc *CryptoContext) {
	c.pendingIn = cc
}

// StageOutbound sets the crypto context applied after our NEWKEYS.
func (c *Codec) StageOutbound(cc *CryptoContext) {
	c.pendingOut = cc
}

// WriteNewKeys sends SSH_MSG_NEWKEYS under the old keys and installs the
// staged outbound context, so the next packet written is the first one under
// the new keys.
func (c *Codec) WriteNewKeys() error {
	if c.pendingOut == nil {
		return ErrNoPendingKeys
	}
	if err := c.WritePacket([]byte{wire.MsgNewKeys}); err != nil {
		return err
	}
	c.out = c.pendingOut
	c.pendingOut = nil
	return nil
}

// ActivateCompression turns on delayed compression streams in both
// directions. The caller must hold whatever serializes reads and writes.
func (c *Codec) ActivateCompression() {
	c.in.activateCompression()
	c.out.activateCompression()
}

// BytesIn returns the total bytes received, for rekey accounting.
func (c *Codec) BytesIn() uint64 { return c.bytesIn.Load() }

// BytesOut returns the total bytes sent, for rekey accounting.
func (c *Codec) BytesOut() uint64 { return c.bytesOut.Load() }

// LastReadSeq returns the sequence number of the most recently decoded
// packet.
func (c *Codec) LastReadSeq() uint32 { return c.lastReadSeq }

// ReadPacket decodes the next packet and returns its payload in a fresh
// slice the caller may retain. A NEWKEYS packet installs the staged inbound
// context before it is returned. Any error is fatal for the connection: once
// framing or integrity is broken nothing later in the stream can be trusted.
func (c *Codec) ReadPacket() ([]byte, error) {
	cc := c.in

	// The length field is encrypted, so a whole first block must be read
	// and decrypted before the packet size is known.
	first := make([]byte, cc.blockSize)
	if _, err := io.ReadFull(c.br, first); err != nil {
		return nil, err
	}
	if cc.cipher != nil {
		cc.cipher.Transform(first)
	}

	length := binary.BigEndian.Uint32(first[:4])
	if length > MaxPacketSize {
		return nil, fmt.Errorf("%w: length %d", ErrPacketTooLarge, length)
	}
	if length < minPaddingSize+1 {
		return nil, fmt.Errorf("%w: packet length %d below minimum", ErrProtocol, length)
	}
	if (4+int(length))%cc.blockSize != 0 {
		return nil, fmt.Errorf("%w: packet length %d not a multiple of the cipher block", ErrProtocol, length)
	}

	packet := make([]byte, 4+int(length))
	copy(packet, first)
	if _, err := io.ReadFull(c.br, packet[cc.blockSize:]); err != nil {
		return nil, err
	}
	if cc.cipher != nil {
		cc.cipher.Transform(packet[cc.blockSize:])
	}

	if cc.mac != nil {
		tag := make([]byte, cc.mac.Size())
		if _, err := io.ReadFull(c.br, tag); err != nil {
			return nil, err
		}
		if !crypto.MACEqual(tag, cc.mac.Sum(c.seqIn, packet)) {
			return nil, fmt.Errorf("%w: packet %d", ErrIntegrity, c.seqIn)
		}
	}

	padding := int(packet[4])
	if padding < minPaddingSize || padding+1 > int(length) {
		return nil, fmt.Errorf("%w: bad padding length %d", ErrProtocol, padding)
	}
	payload := packet[5 : 4+int(length)-padding]

	if cc.compressionOn && cc.decomp != nil {
		inflated, err := cc.decomp.Decompress(payload, MaxPacketSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		payload = inflated
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrProtocol)
	}

	c.lastReadSeq = c.seqIn
	c.seqIn++
	c.bytesIn.Add(uint64(4 + int(length) + cc.macSize()))

	if payload[0] == wire.MsgNewKeys {
		if c.pendingIn == nil {
			return nil, ErrNoPendingKeys
		}
		c.in = c.pendingIn
		c.pendingIn = nil
	}
	return payload, nil
}

// WritePacket encodes one payload and writes it as a single packet. The
// payload is copied; the caller keeps ownership.
func (c *Codec) WritePacket(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty packet", ErrProtocol)
	}
	if len(payload) > MaxPacketSize {
		return fmt.Errorf("%w: payload length %d", ErrPacketTooLarge, len(payload))
	}
	cc := c.out

	if cc.compressionOn && cc.comp != nil {
		deflated, err := cc.comp.Compress(payload)
		if err != nil {
			return err
		}
		payload = deflated
	}

	padding, err := c.paddingLen(len(payload), cc.blockSize)
	if err != nil {
		return err
	}
	packetLen := 4 + 1 + len(payload) + padding
	macSize := cc.macSize()

	if cap(c.writeBuf) < packetLen+macSize {
		c.writeBuf = make([]byte, packetLen+macSize)
	}
	buf := c.writeBuf[:packetLen+macSize]
	binary.BigEndian.PutUint32(buf[:4], uint32(packetLen-4))
	buf[4] = byte(padding)
	copy(buf[5:], payload)
	if _, err := io.ReadFull(c.rand, buf[5+len(payload):packetLen]); err != nil {
		return err
	}

	if cc.mac != nil {
		copy(buf[packetLen:], cc.mac.Sum(c.seqOut, buf[:packetLen]))
	}
	if cc.cipher != nil {
		cc.cipher.Transform(buf[:packetLen])
	}

	if _, err := c.w.Write(buf); err != nil {
		return err
	}
	c.seqOut++
	c.bytesOut.Add(uint64(packetLen + macSize))
	return nil
}

// paddingLen picks the padding for a payload: enough to align the packet to
// the cipher block and reach the minimum packet size, plus a random number
// of extra blocks so payload sizes do not map one-to-one to packet sizes.
func (c *Codec) paddingLen(payloadLen, blockSize int) (int, error) {
	padding := blockSize - (5+payloadLen)%blockSize
	if padding < minPaddingSize {
		padding += blockSize
	}
	for 5+payloadLen+padding < minPacketSize {
		padding += blockSize
	}

	var b [1]byte
	if _, err := io.ReadFull(c.rand, b[:]); err != nil {
		return 0, err
	}
	if extra := int(b[0]%4) * blockSize; padding+extra <= maxPaddingSize {
		padding += extra
	}
	return padding, nil
}
