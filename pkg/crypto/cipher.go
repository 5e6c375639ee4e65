// Packet ciphers for the SSH transport: AES in CTR mode (RFC 4344) and the
// CBC modes of RFC 4253 Section 6.3. Every instance is bound to one direction
// of one connection; CTR instances keep counter state and CBC instances chain
// IVs across packets, so they must never be shared or reused.

package crypto

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/des"
	"errors"
)

// Errors returned by cipher constructors.
var (
	ErrCipherKeySize = errors.New("cipher: wrong key length")
	ErrCipherIVSize  = errors.New("cipher: wrong IV length")
)

// PacketCipher transforms whole cipher blocks in place. Depending on
// construction it either encrypts or decrypts; the transport owns one
// instance per direction.
type PacketCipher interface {
	Transform(b []byte)
}

type streamCipher struct {
	s stdcipher.Stream
}

func (c *streamCipher) Transform(b []byte) {
	c.s.XORKeyStream(b, b)
}

type blockModeCipher struct {
	m stdcipher.BlockMode
}

func (c *blockModeCipher) Transform(b []byte) {
	c.m.CryptBlocks(b, b)
}

// NewAESCTR creates an AES-CTR packet cipher. Encryption and decryption are
// the same keystream XOR, so the encrypt flag of the CBC constructors has no
// counterpart here. Key must be 16, 24 or 32 bytes; IV must be one block.
func NewAESCTR(key, iv []byte) (PacketCipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrCipherKeySize
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrCipherIVSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &streamCipher{s: stdcipher.NewCTR(block, iv)}, nil
}

// NewAESCBC creates an AES-CBC packet cipher for one direction.
func NewAESCBC(key, iv []byte, encrypt bool) (PacketCipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrCipherKeySize
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrCipherIVSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return newCBC(block, iv, encrypt), nil
}

// NewTripleDESCBC creates a 3des-cbc packet cipher for one direction.
// The key is 24 bytes, the block and IV are 8 bytes.
func NewTripleDESCBC(key, iv []byte, encrypt bool) (PacketCipher, error) {
	if len(key) != 24 {
		return nil, ErrCipherKeySize
	}
	if len(iv) != des.BlockSize {
		return nil, ErrCipherIVSize
	}
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, err
	}
	return newCBC(block, iv, encrypt), nil
}

func newCBC(block stdcipher.Block, iv []byte, encrypt bool) PacketCipher {
	if encrypt {
		return &blockModeCipher{m: stdcipher.NewCBCEncrypter(block, iv)}
	}
	return &blockModeCipher{m: stdcipher.NewCBCDecrypter(block, iv)}
}
