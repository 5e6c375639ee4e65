package algorithms

import (
	"fmt"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// Preferences is the client's algorithm preference, one ordered list per
// category. Both directions of a connection use the same cipher, MAC and
// compression lists.
type Preferences struct {
	Kex         []string
	HostKeys    []string
	Ciphers     []string
	MACs        []string
	Compression []string
}

// DefaultPreferences returns the default client preference.
func DefaultPreferences() Preferences {
	return Preferences{
		Kex:         DefaultKexAlgorithms(),
		HostKeys:    DefaultHostKeyAlgorithms(),
		Ciphers:     DefaultCiphers(),
		MACs:        DefaultMACs(),
		Compression: DefaultCompression(),
	}
}

// Validate rejects empty categories and names absent from the tables,
// before any of them can reach a KEXINIT.
func (p *Preferences) Validate() error {
	if err := validateNames("kex", p.Kex, func(n string) bool {
		_, ok := kexAlgorithms[n]
		return ok
	}); err != nil {
		return err
	}
	if err := validateNames("host key", p.HostKeys, func(n string) bool {
		_, ok := hostKeyAlgorithms[n]
		return ok
	}); err != nil {
		return err
	}
	if err := validateNames("cipher", p.Ciphers, func(n string) bool {
		_, ok := cipherAlgorithms[n]
		return ok
	}); err != nil {
		return err
	}
	if err := validateNames("mac", p.MACs, func(n string) bool {
		_, ok := macAlgorithms[n]
		return ok
	}); err != nil {
		return err
	}
	return validateNames("compression", p.Compression, func(n string) bool {
		_, ok := compressionAlgorithms[n]
		return ok
	})
}

// KexInit builds the client KEXINIT name lists from the preference. The
// cookie and flags are the caller's business.
func (p *Preferences) KexInit() *wire.KexInit {
	return &wire.KexInit{
		KexAlgorithms:           p.Kex,
		ServerHostKeyAlgorithms: p.HostKeys,
		CiphersClientServer:     p.Ciphers,
		CiphersServerClient:     p.Ciphers,
		MACsClientServer:        p.MACs,
		MACsServerClient:        p.MACs,
		CompressionClientServer: p.Compression,
		CompressionServerClient: p.Compression,
	}
}

// Negotiated is the outcome of one KEXINIT exchange: the chosen name per
// category and direction.
type Negotiated struct {
	Kex     string
	HostKey string

	CipherClientServer      string
	CipherServerClient      string
	MACClientServer         string
	MACServerClient         string
	CompressionClientServer string
	CompressionServerClient string

	// DiscardGuessed is set when the server announced a guessed first kex
	// packet and the guess lost the negotiation; the next method-range
	// message must be dropped (RFC 4253 Section 7).
	DiscardGuessed bool
}

// Negotiate picks, per RFC 4253 Section 7.1, the first name in each client
// list that the server also lists. Language lists are ignored.
func Negotiate(prefs Preferences, server *wire.KexInit) (*Negotiated, error) {
	n := &Negotiated{}
	picks := []struct {
		dst            *string
		kind           string
		client, server []string
	}{
		{&n.Kex, "kex", prefs.Kex, server.KexAlgorithms},
		{&n.HostKey, "host key", prefs.HostKeys, server.ServerHostKeyAlgorithms},
		{&n.CipherClientServer, "cipher client-to-server", prefs.Ciphers, server.CiphersClientServer},
		{&n.CipherServerClient, "cipher server-to-client", prefs.Ciphers, server.CiphersServerClient},
		{&n.MACClientServer, "mac client-to-server", prefs.MACs, server.MACsClientServer},
		{&n.MACServerClient, "mac server-to-client", prefs.MACs, server.MACsServerClient},
		{&n.CompressionClientServer, "compression client-to-server", prefs.Compression, server.CompressionClientServer},
		{&n.CompressionServerClient, "compression server-to-client", prefs.Compression, server.CompressionServerClient},
	}
	for _, pick := range picks {
		name, err := findFirstMatch(pick.client, pick.server)
		if err != nil {
			return nil, fmt.Errorf("%s: %w (client %v, server %v)", pick.kind, err, pick.client, pick.server)
		}
		*pick.dst = name
	}

	if server.FirstKexPacketFollows {
		n.DiscardGuessed = len(server.KexAlgorithms) == 0 || len(server.ServerHostKeyAlgorithms) == 0 ||
			server.KexAlgorithms[0] != prefs.Kex[0] ||
			server.ServerHostKeyAlgorithms[0] != prefs.HostKeys[0]
	}
	return n, nil
}

func findFirstMatch(client, server []string) (string, error) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, nil
			}
		}
	}
	return "", ErrNoCommonAlgorithm
}
