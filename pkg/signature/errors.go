package signature

import "errors"

// Host key and signature blob errors.
var (
	// ErrKeyFormat indicates a malformed host key blob.
	ErrKeyFormat = errors.New("malformed host key blob")

	// ErrSignatureFormat indicates a malformed signature blob, or a
	// signature whose declared format does not fit the algorithm being
	// verified.
	ErrSignatureFormat = errors.New("malformed signature blob")

	// ErrUnsupportedAlgorithm indicates a key or signature algorithm
	// outside the supported set.
	ErrUnsupportedAlgorithm = errors.New("unsupported public key algorithm")

	// ErrKeyTypeMismatch indicates a host key blob of a different type
	// than the negotiated algorithm requires.
	ErrKeyTypeMismatch = errors.New("host key type does not match algorithm")

	// ErrInvalidPoint indicates an ECDSA public key point that is not on
	// its named curve.
	ErrInvalidPoint = errors.New("public key point not on curve")

	// ErrVerificationFailed indicates a well-formed signature that does
	// not verify against the key and data.
	ErrVerificationFailed = errors.New("signature verification failed")
)
