package wire

// CookieSize is the length of the random cookie in SSH_MSG_KEXINIT.
const CookieSize = 16

// KexInit is the SSH_MSG_KEXINIT payload (RFC 4253 Section 7.1). The raw
// marshaled form of both sides' KEXINIT feeds the exchange hash, so parsed
// messages keep no hidden state: marshal(unmarshal(p)) reproduces p.
type KexInit struct {
	Cookie                  [CookieSize]byte
	KexAlgorithms           []string
	ServerHostKeyAlgorithms []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexPacketFollows   bool
	Reserved                uint32
}

// Marshal encodes the message including its type byte.
func (k *KexInit) Marshal() []byte {
	w := NewWriter(MsgKexInit)
	w.Raw(k.Cookie[:])
	w.NameList(k.KexAlgorithms)
	w.NameList(k.ServerHostKeyAlgorithms)
	w.NameList(k.CiphersClientServer)
	w.NameList(k.CiphersServerClient)
	w.NameList(k.MACsClientServer)
	w.NameList(k.MACsServerClient)
	w.NameList(k.CompressionClientServer)
	w.NameList(k.CompressionServerClient)
	w.NameList(k.LanguagesClientServer)
	w.NameList(k.LanguagesServerClient)
	w.Bool(k.FirstKexPacketFollows)
	w.Uint32(k.Reserved)
	return w.Bytes()
}

// UnmarshalKexInit parses an SSH_MSG_KEXINIT payload (type byte included).
func UnmarshalKexInit(payload []byte) (*KexInit, error) {
	r := NewReader(payload)
	t, err := r.Byte()
	if err != nil {
		return nil, err
	}
	if t != MsgKexInit {
		return nil, ErrInvalidMessage
	}
	k := &KexInit{}
	cookie, err := r.Bytes(CookieSize)
	if err != nil {
		return nil, err
	}
	copy(k.Cookie[:], cookie)
	lists := []*[]string{
		&k.KexAlgorithms,
		&k.ServerHostKeyAlgorithms,
		&k.CiphersClientServer,
		&k.CiphersServerClient,
		&k.MACsClientServer,
		&k.MACsServerClient,
		&k.CompressionClientServer,
		&k.CompressionServerClient,
		&k.LanguagesClientServer,
		&k.LanguagesServerClient,
	}
	for _, l := range lists {
		if *l, err = r.NameList(); err != nil {
			return nil, err
		}
	}
	if k.FirstKexPacketFollows, err = r.Bool(); err != nil {
		return nil, err
	}
	if k.Reserved, err = r.Uint32(); err != nil {
		return nil, err
	}
	return k, nil
}
