package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"

	// Register the SHA-1/384/512 digests requested via crypto.Hash.New.
	_ "crypto/sha1"
	_ "crypto/sha512"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// Signature is a parsed signature blob: the declared format name and the
// format-specific signature bytes.
type Signature struct {
	Format string
	Blob   []byte
}

// ParseSignature splits a signature blob into its format name and inner
// bytes. Trailing bytes are rejected.
func ParseSignature(blob []byte) (*Signature, error) {
	r := wire.NewReader(blob)
	format, err := r.Text()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureFormat, err)
	}
	inner, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureFormat, err)
	}
	if len(inner) == 0 {
		return nil, fmt.Errorf("%w: empty signature", ErrSignatureFormat)
	}
	if err := r.End(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureFormat, err)
	}
	return &Signature{Format: format, Blob: inner}, nil
}

// Verify checks a server signature over data. algorithm is the negotiated
// host key algorithm name, which fixes both the digest and the expected
// signature format; the key blob format it requires may differ (the
// rsa-sha2-* algorithms sign with an "ssh-rsa" key).
func Verify(key *PublicKey, algorithm string, data, sigBlob []byte) error {
	sig, err := ParseSignature(sigBlob)
	if err != nil {
		return err
	}
	if sig.Format != algorithm {
		return fmt.Errorf("%w: got %q for algorithm %q", ErrSignatureFormat, sig.Format, algorithm)
	}

	switch algorithm {
	case "ssh-rsa":
		return verifyRSA(key, crypto.SHA1, data, sig.Blob)
	case "rsa-sha2-256":
		return verifyRSA(key, crypto.SHA256, data, sig.Blob)
	case "rsa-sha2-512":
		return verifyRSA(key, crypto.SHA512, data, sig.Blob)
	case "ssh-ed25519":
		if key.Ed25519 == nil {
			return ErrKeyTypeMismatch
		}
		if len(sig.Blob) != ed25519.SignatureSize {
			return fmt.Errorf("%w: ed25519 signature is %d bytes", ErrSignatureFormat, len(sig.Blob))
		}
		if !ed25519.Verify(key.Ed25519, data, sig.Blob) {
			return ErrVerificationFailed
		}
		return nil
	case "ecdsa-sha2-nistp256", "ecdsa-sha2-nistp384", "ecdsa-sha2-nistp521":
		return verifyECDSA(key, algorithm, data, sig.Blob)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
}

func verifyRSA(key *PublicKey, h crypto.Hash, data, sig []byte) error {
	if key.RSA == nil {
		return ErrKeyTypeMismatch
	}
	sig = unwrapRSASignature(sig)

	// Some servers strip leading zero bytes from the signature integer;
	// PKCS#1 verification wants exactly the modulus length back.
	k := (key.RSA.N.BitLen() + 7) / 8
	if len(sig) > k {
		return fmt.Errorf("%w: RSA signature longer than modulus", ErrSignatureFormat)
	}
	if len(sig) < k {
		padded := make([]byte, k)
		copy(padded[k-len(sig):], sig)
		sig = padded
	}

	digest := h.New()
	digest.Write(data)
	if err := rsa.VerifyPKCS1v15(key.RSA, h, digest.Sum(nil), sig); err != nil {
		return ErrVerificationFailed
	}
	return nil
}

// unwrapRSASignature handles a double-wrapped RSA signature: instead of
// the raw integer bytes, some historic servers send a second
// format-string + string pair. That shows up as a length prefix beginning
// with three zero bytes, which the raw integer of a real-world modulus
// never has. Unwrapped only when the nested layout parses exactly;
// anything else passes through untouched. Compatibility behavior, not
// something RFC 4253 asks for.
func unwrapRSASignature(sig []byte) []byte {
	if len(sig) < 4 || sig[0] != 0 || sig[1] != 0 || sig[2] != 0 {
		return sig
	}
	r := wire.NewReader(sig)
	if _, err := r.String(); err != nil {
		return sig
	}
	inner, err := r.String()
	if err != nil || len(inner) == 0 || r.End() != nil {
		return sig
	}
	return inner
}

func verifyECDSA(key *PublicKey, algorithm string, data, sig []byte) error {
	if key.ECDSA == nil {
		return ErrKeyTypeMismatch
	}
	curveName := algorithm[len("ecdsa-sha2-"):]
	if key.Curve != curveName {
		return ErrKeyTypeMismatch
	}

	// RFC 5656 Section 6.2.1 binds the digest to the curve size.
	var h crypto.Hash
	switch curveName {
	case "nistp256":
		h = crypto.SHA256
	case "nistp384":
		h = crypto.SHA384
	case "nistp521":
		h = crypto.SHA512
	default:
		return fmt.Errorf("%w: curve %q", ErrUnsupportedAlgorithm, curveName)
	}

	r := wire.NewReader(sig)
	sigR, err := r.MPInt()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureFormat, err)
	}
	sigS, err := r.MPInt()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureFormat, err)
	}
	if err := r.End(); err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureFormat, err)
	}

	digest := h.New()
	digest.Write(data)
	if !ecdsa.Verify(key.ECDSA, digest.Sum(nil), sigR, sigS) {
		return ErrVerificationFailed
	}
	return nil
}
