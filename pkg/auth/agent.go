package auth

// PublicIdentity is one key an Agent can authenticate with.
type PublicIdentity struct {
	// Algorithm is the public key algorithm name, such as "ssh-ed25519".
	// For RSA keys the client may substitute an rsa-sha2 variant before
	// asking the Agent to sign (RFC 8332, Section 3).
	Algorithm string

	// Blob is the public key in SSH wire encoding.
	Blob []byte

	// Comment is free-form text for logs and prompts.
	Comment string
}

// Agent produces publickey signatures without exposing private key
// material, mirroring the ssh-agent contract. Implementations may talk
// to a real agent socket, a hardware token, or keys held in memory.
type Agent interface {
	// ListIdentities returns the keys available for authentication, in
	// preference order.
	ListIdentities() ([]PublicIdentity, error)

	// Sign signs data with the key matching identity and returns the
	// name-prefixed signature blob (RFC 4253, Section 6.6).
	// identity.Algorithm names the signature algorithm to produce.
	Sign(identity PublicIdentity, data []byte) ([]byte, error)
}

// Prompt is one field of a keyboard-interactive round. When Echo is
// false the answer must not be displayed while typed.
type Prompt struct {
	Text string
	Echo bool
}

// KeyboardInteractiveFunc answers one round of keyboard-interactive
// prompts (RFC 4256). Implementations return exactly one answer per
// prompt; a round may carry zero prompts and then expects zero answers.
type KeyboardInteractiveFunc func(name, instruction string, prompts []Prompt) ([]string, error)
