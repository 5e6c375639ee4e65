// Per-direction crypto state. Each key exchange produces a fresh pair of
// contexts; the codec swaps them in at the NEWKEYS boundary so that exactly
// the packets after NEWKEYS use the new keys.

package transport

import (
	"github.com/telegraphy/sshwire/pkg/algorithms"
	"github.com/telegraphy/sshwire/pkg/crypto"
)

// KeySet is the derived key material for one direction.
type KeySet struct {
	IV  []byte
	Enc []byte
	MAC []byte
}

// CryptoContext holds the cipher, MAC and compression state of one direction
// of a connection. The zero state before the first NEWKEYS is plaintext with
// no MAC. Contexts are owned by the codec and are not safe for concurrent
// use.
type CryptoContext struct {
	cipher    crypto.PacketCipher // nil means plaintext
	blockSize int
	mac       *crypto.MAC // nil means no integrity tag

	// Exactly one of comp/decomp is set, by direction. compressionOn is
	// false for method "none" and for delayed methods until
	// authentication completes.
	comp          *crypto.Compressor
	decomp        *crypto.Decompressor
	compressionOn bool
	delayed       bool
}

func newPlaintextContext() *CryptoContext {
	return &CryptoContext{blockSize: minBlockSize}
}

// NewOutboundContext assembles the encode-side state for one direction from
// negotiated algorithm names and derived keys. authDone selects whether a
// delayed compression method starts active.
func NewOutboundContext(cipherName, macName, compName string, keys KeySet, authDone bool) (*CryptoContext, error) {
	cc, err := newContext(cipherName, macName, keys, true)
	if err != nil {
		return nil, err
	}
	active, delayed, err := algorithms.Compression(compName)
	if err != nil {
		return nil, err
	}
	if active {
		if cc.comp, err = crypto.NewCompressor(); err != nil {
			return nil, err
		}
		cc.compressionOn = !delayed || authDone
		cc.delayed = delayed
	}
	return cc, nil
}

// NewInboundContext assembles the decode-side state for one direction.
func NewInboundContext(cipherName, macName, compName string, keys KeySet, authDone bool) (*CryptoContext, error) {
	cc, err := newContext(cipherName, macName, keys, false)
	if err != nil {
		return nil, err
	}
	active, delayed, err := algorithms.Compression(compName)
	if err != nil {
		return nil, err
	}
	if active {
		cc.decomp = crypto.NewDecompressor()
		cc.compressionOn = !delayed || authDone
		cc.delayed = delayed
	}
	return cc, nil
}

func newContext(cipherName, macName string, keys KeySet, encrypt bool) (*CryptoContext, error) {
	spec, err := algorithms.CipherInfo(cipherName)
	if err != nil {
		return nil, err
	}
	cipher, err := algorithms.NewCipher(cipherName, keys.Enc, keys.IV, encrypt)
	if err != nil {
		return nil, err
	}
	mac, err := algorithms.NewMAC(macName, keys.MAC)
	if err != nil {
		return nil, err
	}
	blockSize := spec.BlockLen
	if blockSize < minBlockSize {
		blockSize = minBlockSize
	}
	return &CryptoContext{cipher: cipher, blockSize: blockSize, mac: mac}, nil
}

// activateCompression turns on a delayed compression stream. No-op for
// contexts whose method is immediate or "none".
func (cc *CryptoContext) activateCompression() {
	if cc.delayed && (cc.comp != nil || cc.decomp != nil) {
		cc.compressionOn = true
	}
}

func (cc *CryptoContext) macSize() int {
	if cc.mac == nil {
		return 0
	}
	return cc.mac.Size()
}
