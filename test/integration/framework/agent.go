package framework

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/telegraphy/sshwire/pkg/auth"
	"github.com/telegraphy/sshwire/pkg/wire"
)

// KeyAgent is an in-memory auth.Agent over freshly generated keys. The
// Add methods return the public key blob, ready for the server's
// AuthorizedKeys list.
type KeyAgent struct {
	ids     []auth.PublicIdentity
	signers map[string]func(algorithm string, data []byte) ([]byte, error)
}

func NewKeyAgent() *KeyAgent {
	return &KeyAgent{
		signers: make(map[string]func(string, []byte) ([]byte, error)),
	}
}

// AddEd25519 generates an ssh-ed25519 identity under the given comment.
func (a *KeyAgent) AddEd25519(comment string) ([]byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var bw wire.Writer
	bw.Text("ssh-ed25519")
	bw.String(pub)
	blob := append([]byte(nil), bw.Bytes()...)

	a.ids = append(a.ids, auth.PublicIdentity{
		Algorithm: "ssh-ed25519",
		Blob:      blob,
		Comment:   comment,
	})
	a.signers[comment] = func(algorithm string, data []byte) ([]byte, error) {
		if algorithm != "ssh-ed25519" {
			return nil, fmt.Errorf("framework: ed25519 key asked to sign as %q", algorithm)
		}
		var sw wire.Writer
		sw.Text("ssh-ed25519")
		sw.String(ed25519.Sign(priv, data))
		return sw.Bytes(), nil
	}
	return blob, nil
}

// AddRSA generates an ssh-rsa identity under the given comment. The
// client decides at signing time whether to use the legacy SHA-1 name or
// an rsa-sha2 upgrade, so the signer accepts all three.
func (a *KeyAgent) AddRSA(comment string) ([]byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	var bw wire.Writer
	bw.Text("ssh-rsa")
	bw.MPInt(big.NewInt(int64(priv.E)))
	bw.MPInt(priv.N)
	blob := append([]byte(nil), bw.Bytes()...)

	a.ids = append(a.ids, auth.PublicIdentity{
		Algorithm: "ssh-rsa",
		Blob:      blob,
		Comment:   comment,
	})
	a.signers[comment] = func(algorithm string, data []byte) ([]byte, error) {
		var h crypto.Hash
		switch algorithm {
		case "ssh-rsa":
			h = crypto.SHA1
		case "rsa-sha2-256":
			h = crypto.SHA256
		case "rsa-sha2-512":
			h = crypto.SHA512
		default:
			return nil, fmt.Errorf("framework: RSA key asked to sign as %q", algorithm)
		}
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
	}
	return blob, nil
}

func (a *KeyAgent) ListIdentities() ([]auth.PublicIdentity, error) {
	return append([]auth.PublicIdentity(nil), a.ids...), nil
}

func (a *KeyAgent) Sign(id auth.PublicIdentity, data []byte) ([]byte, error) {
	signer, ok := a.signers[id.Comment]
	if !ok {
		return nil, fmt.Errorf("framework: no key named %q", id.Comment)
	}
	return signer(id.Algorithm, data)
}
