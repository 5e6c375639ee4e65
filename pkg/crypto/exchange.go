// Client-side key exchange methods. Each method is a small state machine:
// Start produces the opening method-specific message, Handle consumes server
// replies until the shared secret, host key blob and signature are known. The
// method-range message numbers (30..49) are method-relative, so only the
// active Exchange can interpret them.

package crypto

import (
	"errors"
	"hash"
	"math/big"
)

// Errors returned by the key exchange methods.
var (
	ErrExchangeState        = errors.New("exchange: operation invalid in current state")
	ErrUnexpectedKexMessage = errors.New("exchange: unexpected key exchange message")
	ErrInvalidServerPublic  = errors.New("exchange: server public value out of range")
	ErrGroupOutOfRange      = errors.New("exchange: server group size outside requested bounds")
)

// Exchange is the client side of one key exchange method's cryptography.
// Implementations are single-use: one Exchange per (re)key exchange.
type Exchange interface {
	// Start returns the payload of the method's opening message.
	Start() ([]byte, error)

	// Handle processes a method-range (30..49) message payload. reply is
	// non-nil when the method requires another message to be sent; done
	// reports that the exchange completed and the accessors are valid.
	Handle(payload []byte) (reply []byte, done bool, err error)

	// SharedSecret returns K. Valid once done.
	SharedSecret() *big.Int

	// HostKeyBlob returns the server host key K_S exactly as received.
	HostKeyBlob() []byte

	// Signature returns the server's signature over the exchange hash.
	Signature() []byte

	// WriteExchangeValues writes the method-specific middle section of the
	// exchange hash: the public values of both sides, preceded by the
	// group parameters for the group exchange methods. The caller writes
	// the version strings, KEXINIT payloads and K_S before, and K after.
	WriteExchangeValues(w *HashWriter)

	// NewHash returns the digest tied to the method name, used for the
	// exchange hash and for key derivation.
	NewHash() func() hash.Hash
}
