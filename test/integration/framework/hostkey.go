package framework

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// HostKey is a server host key the scripted server can present and sign
// with.
type HostKey struct {
	// Algorithm is the signature algorithm name advertised in KEXINIT.
	// For RSA keys this is one of the rsa-sha2-* names while the blob
	// keeps the "ssh-rsa" format, per RFC 8332.
	Algorithm string

	blob []byte
	sign func(data []byte) ([]byte, error)
}

// Blob returns the public key exactly as sent on the wire.
func (k *HostKey) Blob() []byte { return k.blob }

// Sign produces the name-prefixed signature blob over data.
func (k *HostKey) Sign(data []byte) ([]byte, error) { return k.sign(data) }

// NewEd25519HostKey generates an ssh-ed25519 host key.
func NewEd25519HostKey() (*HostKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var bw wire.Writer
	bw.Text("ssh-ed25519")
	bw.String(pub)
	blob := append([]byte(nil), bw.Bytes()...)

	return &HostKey{
		Algorithm: "ssh-ed25519",
		blob:      blob,
		sign: func(data []byte) ([]byte, error) {
			var sw wire.Writer
			sw.Text("ssh-ed25519")
			sw.String(ed25519.Sign(priv, data))
			return sw.Bytes(), nil
		},
	}, nil
}

// NewRSAHostKey generates an ssh-rsa key signing under the given rsa-sha2
// algorithm name ("rsa-sha2-256" or "rsa-sha2-512").
func NewRSAHostKey(algorithm string) (*HostKey, error) {
	var h crypto.Hash
	switch algorithm {
	case "rsa-sha2-256":
		h = crypto.SHA256
	case "rsa-sha2-512":
		h = crypto.SHA512
	default:
		return nil, fmt.Errorf("framework: unsupported RSA algorithm %q", algorithm)
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	var bw wire.Writer
	bw.Text("ssh-rsa")
	bw.MPInt(big.NewInt(int64(priv.E)))
	bw.MPInt(priv.N)
	blob := append([]byte(nil), bw.Bytes()...)

	return &HostKey{
		Algorithm: algorithm,
		blob:      blob,
		sign: func(data []byte) ([]byte, error) {
			digest := h.New()
			digest.Write(data)
			raw, err := rsa.SignPKCS1v15(rand.Reader, priv, h, digest.Sum(nil))
			if err != nil {
				return nil, err
			}
			var sw wire.Writer
			sw.Text(algorithm)
			sw.String(raw)
			return sw.Bytes(), nil
		},
	}, nil
}
