// Package algorithms holds the static tables of supported key exchange,
// host key, cipher, MAC and compression algorithm names, the default client
// preference orders, and the RFC 4253 Section 7.1 negotiation over them.
// Every name a KEXINIT may carry resolves through these tables; nothing is
// instantiated from a name that is not listed here.

package algorithms

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/telegraphy/sshwire/pkg/crypto"
)

// Errors returned by table lookups and negotiation.
var (
	ErrUnknownAlgorithm  = errors.New("algorithms: unknown algorithm name")
	ErrEmptyAlgorithmSet = errors.New("algorithms: empty algorithm list")
	ErrNoCommonAlgorithm = errors.New("algorithms: no common algorithm")
)

// kexRecord binds a key exchange method name to its constructor. The digest
// is part of the method and comes with the constructed exchange.
type kexRecord struct {
	newExchange func(rnd io.Reader) (crypto.Exchange, error)
}

var kexAlgorithms = map[string]kexRecord{
	"curve25519-sha256":                    {newCurve25519},
	"curve25519-sha256@libssh.org":         {newCurve25519},
	"ecdh-sha2-nistp256":                   {newECDH("nistp256")},
	"ecdh-sha2-nistp384":                   {newECDH("nistp384")},
	"ecdh-sha2-nistp521":                   {newECDH("nistp521")},
	"diffie-hellman-group-exchange-sha256": {newGexDH(sha256.New)},
	"diffie-hellman-group-exchange-sha1":   {newGexDH(sha1.New)},
	"diffie-hellman-group14-sha256":        {newClassicDH(crypto.Group14, sha256.New)},
	"diffie-hellman-group14-sha1":          {newClassicDH(crypto.Group14, sha1.New)},
	"diffie-hellman-group1-sha1":           {newClassicDH(crypto.Group1, sha1.New)},
}

func newCurve25519(rnd io.Reader) (crypto.Exchange, error) {
	return crypto.NewCurve25519(rnd), nil
}

func newECDH(curve string) func(io.Reader) (crypto.Exchange, error) {
	return func(rnd io.Reader) (crypto.Exchange, error) {
		return crypto.NewECDH(curve, rnd)
	}
}

func newClassicDH(group *crypto.DHGroup, newHash func() hash.Hash) func(io.Reader) (crypto.Exchange, error) {
	return func(rnd io.Reader) (crypto.Exchange, error) {
		return crypto.NewClassicDH(group, newHash, rnd), nil
	}
}

func newGexDH(newHash func() hash.Hash) func(io.Reader) (crypto.Exchange, error) {
	return func(rnd io.Reader) (crypto.Exchange, error) {
		return crypto.NewGroupExchangeDH(newHash, rnd), nil
	}
}

// Host key algorithm names the signature layer can verify. The table only
// gates negotiation; parsing and verification live with the signatures.
var hostKeyAlgorithms = map[string]struct{}{
	"ssh-ed25519":         {},
	"ecdsa-sha2-nistp256": {},
	"ecdsa-sha2-nistp384": {},
	"ecdsa-sha2-nistp521": {},
	"rsa-sha2-512":        {},
	"rsa-sha2-256":        {},
	"ssh-rsa":             {},
}

// CipherSpec describes the key material demands of one cipher name.
type CipherSpec struct {
	KeyLen   int
	BlockLen int
	IVLen    int
}

type cipherRecord struct {
	spec CipherSpec
	new  func(key, iv []byte, encrypt bool) (crypto.PacketCipher, error)
}

var cipherAlgorithms = map[string]cipherRecord{
	"aes128-ctr": {CipherSpec{KeyLen: 16, BlockLen: 16, IVLen: 16}, newCTR},
	"aes192-ctr": {CipherSpec{KeyLen: 24, BlockLen: 16, IVLen: 16}, newCTR},
	"aes256-ctr": {CipherSpec{KeyLen: 32, BlockLen: 16, IVLen: 16}, newCTR},
	"aes128-cbc": {CipherSpec{KeyLen: 16, BlockLen: 16, IVLen: 16}, crypto.NewAESCBC},
	"aes256-cbc": {CipherSpec{KeyLen: 32, BlockLen: 16, IVLen: 16}, crypto.NewAESCBC},
	"3des-cbc":   {CipherSpec{KeyLen: 24, BlockLen: 8, IVLen: 8}, crypto.NewTripleDESCBC},
}

func newCTR(key, iv []byte, _ bool) (crypto.PacketCipher, error) {
	return crypto.NewAESCTR(key, iv)
}

// macRecord holds the key demand, tag size and digest of one MAC name. The
// -96 variants are keyed at full digest length and truncated on the wire
// (RFC 2104 Section 5).
type macRecord struct {
	keyLen  int
	size    int
	newHash func() hash.Hash
}

var macAlgorithms = map[string]macRecord{
	"hmac-sha2-256": {keyLen: 32, size: 32, newHash: sha256.New},
	"hmac-sha2-512": {keyLen: 64, size: 64, newHash: sha512.New},
	"hmac-sha1":     {keyLen: 20, size: 20, newHash: sha1.New},
	"hmac-sha1-96":  {keyLen: 20, size: 12, newHash: sha1.New},
	"hmac-md5":      {keyLen: 16, size: 16, newHash: md5.New},
	"hmac-md5-96":   {keyLen: 16, size: 12, newHash: md5.New},
}

// compressionRecord: active is false for "none"; delayed streams start only
// after authentication succeeds instead of at NEWKEYS.
type compressionRecord struct {
	active  bool
	delayed bool
}

var compressionAlgorithms = map[string]compressionRecord{
	"none":             {},
	"zlib":             {active: true},
	"zlib@openssh.com": {active: true, delayed: true},
}

// DefaultKexAlgorithms returns the client preference order for key exchange
// methods, strongest first.
func DefaultKexAlgorithms() []string {
	return []string{
		"curve25519-sha256",
		"curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256",
		"ecdh-sha2-nistp384",
		"ecdh-sha2-nistp521",
		"diffie-hellman-group-exchange-sha256",
		"diffie-hellman-group14-sha256",
		"diffie-hellman-group-exchange-sha1",
		"diffie-hellman-group14-sha1",
		"diffie-hellman-group1-sha1",
	}
}

// DefaultHostKeyAlgorithms returns the client preference order for server
// host key types.
func DefaultHostKeyAlgorithms() []string {
	return []string{
		"ssh-ed25519",
		"ecdsa-sha2-nistp256",
		"ecdsa-sha2-nistp384",
		"ecdsa-sha2-nistp521",
		"rsa-sha2-512",
		"rsa-sha2-256",
		"ssh-rsa",
	}
}

// DefaultCiphers returns the client preference order for packet ciphers.
func DefaultCiphers() []string {
	return []string{
		"aes128-ctr",
		"aes192-ctr",
		"aes256-ctr",
		"aes128-cbc",
		"aes256-cbc",
		"3des-cbc",
	}
}

// DefaultMACs returns the client preference order for packet MACs.
func DefaultMACs() []string {
	return []string{
		"hmac-sha2-256",
		"hmac-sha2-512",
		"hmac-sha1-96",
		"hmac-sha1",
		"hmac-md5-96",
		"hmac-md5",
	}
}

// DefaultCompression returns the compression preference with compression
// effectively off: "none" wins against any server that allows it.
func DefaultCompression() []string {
	return []string{"none", "zlib@openssh.com", "zlib"}
}

// PreferCompression returns the compression preference with the zlib
// methods first, for configurations that ask for compression.
func PreferCompression() []string {
	return []string{"zlib@openssh.com", "zlib", "none"}
}

// NewKex instantiates the exchange for a negotiated method name.
func NewKex(name string, rnd io.Reader) (crypto.Exchange, error) {
	rec, ok := kexAlgorithms[name]
	if !ok {
		return nil, fmt.Errorf("%w: kex %q", ErrUnknownAlgorithm, name)
	}
	return rec.newExchange(rnd)
}

// CipherInfo returns the key material demands of a cipher name.
func CipherInfo(name string) (CipherSpec, error) {
	rec, ok := cipherAlgorithms[name]
	if !ok {
		return CipherSpec{}, fmt.Errorf("%w: cipher %q", ErrUnknownAlgorithm, name)
	}
	return rec.spec, nil
}

// NewCipher instantiates a negotiated cipher for one direction.
func NewCipher(name string, key, iv []byte, encrypt bool) (crypto.PacketCipher, error) {
	rec, ok := cipherAlgorithms[name]
	if !ok {
		return nil, fmt.Errorf("%w: cipher %q", ErrUnknownAlgorithm, name)
	}
	return rec.new(key, iv, encrypt)
}

// NewMAC instantiates a negotiated MAC for one direction.
func NewMAC(name string, key []byte) (*crypto.MAC, error) {
	rec, ok := macAlgorithms[name]
	if !ok {
		return nil, fmt.Errorf("%w: mac %q", ErrUnknownAlgorithm, name)
	}
	return crypto.NewMAC(rec.newHash, key, rec.keyLen, rec.size)
}

// KeySizes assembles the key derivation demands of a cipher/MAC pair for
// one direction.
func KeySizes(cipher, mac string) (crypto.KeySizes, error) {
	crec, ok := cipherAlgorithms[cipher]
	if !ok {
		return crypto.KeySizes{}, fmt.Errorf("%w: cipher %q", ErrUnknownAlgorithm, cipher)
	}
	mrec, ok := macAlgorithms[mac]
	if !ok {
		return crypto.KeySizes{}, fmt.Errorf("%w: mac %q", ErrUnknownAlgorithm, mac)
	}
	return crypto.KeySizes{
		IVLen:  crec.spec.IVLen,
		EncLen: crec.spec.KeyLen,
		MACLen: mrec.keyLen,
	}, nil
}

// Compression reports whether a negotiated compression name turns the
// streams on, and whether their start is delayed until after
// authentication.
func Compression(name string) (active, delayed bool, err error) {
	rec, ok := compressionAlgorithms[name]
	if !ok {
		return false, false, fmt.Errorf("%w: compression %q", ErrUnknownAlgorithm, name)
	}
	return rec.active, rec.delayed, nil
}

func validateNames(kind string, names []string, known func(string) bool) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyAlgorithmSet, kind)
	}
	for _, name := range names {
		if !known(name) {
			return fmt.Errorf("%w: %s %q", ErrUnknownAlgorithm, kind, name)
		}
	}
	return nil
}
