// Package signature parses SSH host key blobs and verifies server
// signatures over exchange hashes. Framings per RFC 4253 Section 6.6
// (ssh-rsa), RFC 5656 Section 3.1 (ecdsa-sha2-*), RFC 8709 (ssh-ed25519),
// RFC 8332 (rsa-sha2-*) and the OpenSSH sk-* authenticator key formats.
package signature

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// PublicKey is a parsed host or identity key. Exactly one of the key
// fields is set, matching Format.
type PublicKey struct {
	// Format is the blob's declared name ("ssh-rsa", "ssh-ed25519", ...).
	Format string

	RSA     *rsa.PublicKey
	Ed25519 ed25519.PublicKey
	ECDSA   *ecdsa.PublicKey

	// Curve is the nistp* name carried inside the ECDSA formats.
	Curve string

	// Application is the relying-party string of the sk-* key types.
	// Those keys are parsed for display and agent use; the server host
	// key negotiation never selects them.
	Application string

	blob []byte
}

// Blob returns the raw blob the key was parsed from.
func (k *PublicKey) Blob() []byte { return k.blob }

// KeyType returns the format name a key blob declares, without parsing the
// rest of it.
func KeyType(blob []byte) (string, error) {
	r := wire.NewReader(blob)
	format, err := r.Text()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}
	return format, nil
}

// ParsePublicKey parses a key blob. Trailing bytes after the key material
// are rejected; a padded blob has historically meant a confused encoder.
func ParsePublicKey(blob []byte) (*PublicKey, error) {
	r := wire.NewReader(blob)
	format, err := r.Text()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}

	k := &PublicKey{Format: format, blob: blob}
	switch format {
	case "ssh-rsa":
		err = parseRSA(r, k)
	case "ssh-ed25519":
		err = parseEd25519(r, k)
	case "ecdsa-sha2-nistp256", "ecdsa-sha2-nistp384", "ecdsa-sha2-nistp521":
		err = parseECDSA(r, k, format[len("ecdsa-sha2-"):])
	case "sk-ecdsa-sha2-nistp256@openssh.com":
		if err = parseECDSA(r, k, "nistp256"); err == nil {
			k.Application, err = r.Text()
		}
	case "sk-ssh-ed25519@openssh.com":
		if err = parseEd25519(r, k); err == nil {
			k.Application, err = r.Text()
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, format)
	}
	if err != nil {
		return nil, err
	}
	if err := r.End(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}
	return k, nil
}

func parseRSA(r *wire.Reader, k *PublicKey) error {
	e, err := r.MPInt()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}
	n, err := r.MPInt()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}
	// Exponents beyond 31 bits do not fit rsa.PublicKey, and even ones
	// are not RSA keys at all.
	if e.BitLen() > 31 {
		return fmt.Errorf("%w: oversized RSA exponent", ErrKeyFormat)
	}
	exp := int(e.Int64())
	if exp < 3 || exp%2 == 0 {
		return fmt.Errorf("%w: invalid RSA exponent %d", ErrKeyFormat, exp)
	}
	k.RSA = &rsa.PublicKey{N: n, E: exp}
	return nil
}

func parseEd25519(r *wire.Reader, k *PublicKey) error {
	pub, err := r.String()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: ed25519 key is %d bytes", ErrKeyFormat, len(pub))
	}
	k.Ed25519 = ed25519.PublicKey(append([]byte(nil), pub...))
	return nil
}

func parseECDSA(r *wire.Reader, k *PublicKey, wantCurve string) error {
	curveName, err := r.Text()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}
	// The curve inside the blob must agree with the format name.
	if curveName != wantCurve {
		return fmt.Errorf("%w: curve %q inside %q blob", ErrKeyFormat, curveName, k.Format)
	}
	point, err := r.String()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}
	curve, err := curveForName(curveName)
	if err != nil {
		return err
	}
	x, y, err := unmarshalPoint(curve, point)
	if err != nil {
		return err
	}
	k.Curve = curveName
	k.ECDSA = &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	return nil
}

func curveForName(name string) (elliptic.Curve, error) {
	switch name {
	case "nistp256":
		return elliptic.P256(), nil
	case "nistp384":
		return elliptic.P384(), nil
	case "nistp521":
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("%w: curve %q", ErrUnsupportedAlgorithm, name)
}

// unmarshalPoint decodes an uncompressed SEC 1 point (RFC 5656 requires the
// uncompressed form) and checks it lies on the curve.
func unmarshalPoint(curve elliptic.Curve, data []byte) (x, y *big.Int, err error) {
	byteLen := (curve.Params().BitSize + 7) / 8
	if len(data) != 1+2*byteLen || data[0] != 4 {
		return nil, nil, ErrInvalidPoint
	}
	x = new(big.Int).SetBytes(data[1 : 1+byteLen])
	y = new(big.Int).SetBytes(data[1+byteLen:])
	if !curve.IsOnCurve(x, y) {
		return nil, nil, ErrInvalidPoint
	}
	return x, y, nil
}
