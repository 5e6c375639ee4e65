package framework

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/telegraphy/sshwire/pkg/algorithms"
	"github.com/telegraphy/sshwire/pkg/crypto"
	"github.com/telegraphy/sshwire/pkg/transport"
	"github.com/telegraphy/sshwire/pkg/wire"
)

// kexState is one in-flight key exchange as the server sees it. The raw
// KEXINIT payloads of both sides feed the exchange hash.
type kexState struct {
	ourInit     []byte
	peerInit    []byte
	negotiated  *algorithms.Negotiated
	sentNewKeys bool
}

// TriggerRekey starts a server-initiated key exchange. The client answers
// with its own KEXINIT and the exchange runs as usual.
func (s *Server) TriggerRekey() error {
	s.mu.Lock()
	if s.rekeying {
		s.mu.Unlock()
		return nil
	}
	st := &kexState{ourInit: s.buildKexInit()}
	s.kex = st
	s.rekeying = true
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.codec.WritePacket(st.ourInit)
}

// buildKexInit marshals the server's KEXINIT from its preference lists.
func (s *Server) buildKexInit() []byte {
	init := s.prefs.KexInit()
	rand.Read(init.Cookie[:])
	return init.Marshal()
}

func (s *Server) handleKexInit(payload []byte) error {
	s.mu.Lock()
	st := s.kex
	if st == nil {
		// Client-initiated exchange; answer with our own KEXINIT.
		st = &kexState{ourInit: s.buildKexInit()}
		s.kex = st
		s.rekeying = true
		s.mu.Unlock()

		s.writeMu.Lock()
		err := s.codec.WritePacket(st.ourInit)
		s.writeMu.Unlock()
		if err != nil {
			return err
		}
	} else {
		s.mu.Unlock()
	}
	st.peerInit = payload

	clientInit, err := wire.UnmarshalKexInit(payload)
	if err != nil {
		return err
	}
	serverInit, err := wire.UnmarshalKexInit(st.ourInit)
	if err != nil {
		return err
	}

	// The client's lists drive the choice, exactly as the client
	// negotiates it.
	clientPrefs := algorithms.Preferences{
		Kex:         clientInit.KexAlgorithms,
		HostKeys:    clientInit.ServerHostKeyAlgorithms,
		Ciphers:     clientInit.CiphersClientServer,
		MACs:        clientInit.MACsClientServer,
		Compression: clientInit.CompressionClientServer,
	}
	negotiated, err := algorithms.Negotiate(clientPrefs, serverInit)
	if err != nil {
		return fmt.Errorf("framework: %w", err)
	}
	if negotiated.Kex != "curve25519-sha256" {
		return fmt.Errorf("framework: negotiated %q, server only implements curve25519-sha256", negotiated.Kex)
	}
	st.negotiated = negotiated
	return nil
}

func (s *Server) handleECDHInit(payload []byte) error {
	s.mu.Lock()
	st := s.kex
	s.mu.Unlock()
	if st == nil || st.negotiated == nil {
		return errors.New("framework: KEX_ECDH_INIT outside a key exchange")
	}

	r := wire.NewReader(payload)
	if _, err := r.Byte(); err != nil {
		return err
	}
	qc, err := r.String()
	if err != nil {
		return err
	}
	if len(qc) != 32 {
		return fmt.Errorf("framework: client public value is %d bytes", len(qc))
	}

	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return err
	}
	qs, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return err
	}
	shared, err := curve25519.X25519(priv[:], qc)
	if err != nil {
		return err
	}
	k := new(big.Int).SetBytes(shared)

	hostKeyBlob := s.cfg.HostKey.Blob()
	hw := crypto.NewHashWriter(sha256.New)
	hw.WriteText(s.clientVersion)
	hw.WriteText(s.serverVersion)
	hw.WriteString(st.peerInit)
	hw.WriteString(st.ourInit)
	hw.WriteString(hostKeyBlob)
	hw.WriteString(qc)
	hw.WriteString(qs)
	hw.WriteMPInt(k)
	h := hw.Sum()

	sig, err := s.cfg.HostKey.Sign(h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.sessionID == nil {
		s.sessionID = h
	}
	sessionID := s.sessionID
	authDone := s.authDone
	s.mu.Unlock()

	in, out, err := buildContexts(st.negotiated, k, h, sessionID, authDone)
	if err != nil {
		return err
	}

	reply := wire.NewWriter(wire.MsgKexECDHReply)
	reply.String(hostKeyBlob)
	reply.String(qs)
	reply.String(sig)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.codec.WritePacket(reply.Bytes()); err != nil {
		return err
	}
	s.codec.StageInbound(in)
	s.codec.StageOutbound(out)
	if err := s.codec.WriteNewKeys(); err != nil {
		return err
	}
	st.sentNewKeys = true
	return nil
}

// handleNewKeys finishes the exchange once the client's NEWKEYS arrived;
// the codec already installed the staged inbound context.
func (s *Server) handleNewKeys() error {
	s.mu.Lock()
	st := s.kex
	if st == nil || !st.sentNewKeys {
		s.mu.Unlock()
		return errors.New("framework: unexpected NEWKEYS")
	}
	s.negotiated = st.negotiated
	s.kex = nil
	s.rekeying = false
	s.kexCount++
	first := s.kexCount == 1
	s.mu.Unlock()

	if s.log != nil {
		s.log.Debugf("keys installed: %s", s.negotiated.Kex)
	}

	if first && len(s.cfg.ServerSigAlgs) > 0 {
		w := wire.NewWriter(wire.MsgExtInfo)
		w.Uint32(1)
		w.Text("server-sig-algs")
		w.Text(strings.Join(s.cfg.ServerSigAlgs, ","))
		if err := s.writePacket(w.Bytes()); err != nil {
			return err
		}
	}
	return s.flushPending()
}

// buildContexts derives the session keys and assembles the server's
// per-direction crypto state: it reads under the client-to-server keys and
// writes under the server-to-client keys.
func buildContexts(neg *algorithms.Negotiated, k *big.Int, h, sessionID []byte, authDone bool) (in, out *transport.CryptoContext, err error) {
	csSizes, err := algorithms.KeySizes(neg.CipherClientServer, neg.MACClientServer)
	if err != nil {
		return nil, nil, err
	}
	scSizes, err := algorithms.KeySizes(neg.CipherServerClient, neg.MACServerClient)
	if err != nil {
		return nil, nil, err
	}
	keys, err := crypto.DeriveKeys(sha256.New, k, h, sessionID, csSizes, scSizes)
	if err != nil {
		return nil, nil, err
	}

	in, err = transport.NewInboundContext(
		neg.CipherClientServer, neg.MACClientServer, neg.CompressionClientServer,
		transport.KeySet{IV: keys.IVClientServer, Enc: keys.EncClientServer, MAC: keys.MACClientServer},
		authDone)
	if err != nil {
		return nil, nil, err
	}
	out, err = transport.NewOutboundContext(
		neg.CipherServerClient, neg.MACServerClient, neg.CompressionServerClient,
		transport.KeySet{IV: keys.IVServerClient, Enc: keys.EncServerClient, MAC: keys.MACServerClient},
		authDone)
	if err != nil {
		return nil, nil, err
	}
	return in, out, nil
}
