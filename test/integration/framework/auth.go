package framework

import (
	"bytes"
	"fmt"

	"github.com/telegraphy/sshwire/pkg/signature"
	"github.com/telegraphy/sshwire/pkg/wire"
)

func (s *Server) handleServiceRequest(payload []byte) error {
	req, err := wire.UnmarshalServiceRequest(payload)
	if err != nil {
		return err
	}
	if req.Service != wire.ServiceUserAuth {
		return fmt.Errorf("framework: service %q requested", req.Service)
	}

	accept := wire.ServiceAccept{Service: wire.ServiceUserAuth}
	if err := s.writePacket(accept.Marshal()); err != nil {
		return err
	}
	if s.cfg.Banner != "" {
		banner := wire.UserauthBanner{Message: s.cfg.Banner}
		if err := s.writePacket(banner.Marshal()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleUserauthRequest(payload []byte) error {
	req, err := wire.UnmarshalUserauthRequest(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	done := s.authDone
	attempt := AuthAttempt{User: req.User, Method: req.Method}
	s.mu.Unlock()
	if done {
		// RFC 4252 Section 5.1: requests after success are ignored.
		return nil
	}
	if req.Service != wire.ServiceConnection {
		return fmt.Errorf("framework: auth for service %q", req.Service)
	}

	switch req.Method {
	case "none":
		s.recordAttempt(attempt)
		if s.openAccess() {
			return s.authSuccess()
		}
		return s.authFailure(false)

	case "password":
		r := wire.NewReader(req.MethodData)
		if _, err := r.Bool(); err != nil {
			return err
		}
		password, err := r.Text()
		if err != nil {
			return err
		}
		s.recordAttempt(attempt)
		if want, ok := s.cfg.Users[req.User]; ok && want == password {
			return s.methodPassed("password")
		}
		return s.authFailure(false)

	case "publickey":
		return s.handlePublickey(req, attempt)

	case "keyboard-interactive":
		s.recordAttempt(attempt)
		if len(s.cfg.KBIPrompts) == 0 {
			return s.authFailure(false)
		}
		s.mu.Lock()
		s.kbiPending = true
		s.mu.Unlock()
		return s.sendInfoRequest()

	default:
		s.recordAttempt(attempt)
		return s.authFailure(false)
	}
}

func (s *Server) handlePublickey(req *wire.UserauthRequest, attempt AuthAttempt) error {
	r := wire.NewReader(req.MethodData)
	hasSig, err := r.Bool()
	if err != nil {
		return err
	}
	algorithm, err := r.Text()
	if err != nil {
		return err
	}
	blob, err := r.String()
	if err != nil {
		return err
	}
	attempt.Algorithm = algorithm
	s.recordAttempt(attempt)

	if !hasSig {
		// Validity probe. The repo's client signs directly and never
		// sends one, but answer it the way a real server would.
		w := wire.NewWriter(wire.MsgUserauthPKOK)
		w.Text(algorithm)
		w.String(blob)
		return s.writePacket(w.Bytes())
	}
	sig, err := r.String()
	if err != nil {
		return err
	}

	if !s.keyAuthorized(blob) {
		return s.authFailure(false)
	}
	key, err := signature.ParsePublicKey(blob)
	if err != nil {
		return fmt.Errorf("framework: offered key: %w", err)
	}

	// The client signed the session identifier followed by the request
	// up to the signature field.
	var signed wire.Writer
	signed.String(s.SessionID())
	signed.Byte(wire.MsgUserauthRequest)
	signed.Text(req.User)
	signed.Text(req.Service)
	signed.Text("publickey")
	signed.Bool(true)
	signed.Text(algorithm)
	signed.String(blob)

	if err := signature.Verify(key, algorithm, signed.Bytes(), sig); err != nil {
		if s.log != nil {
			s.log.Warnf("publickey signature rejected: %v", err)
		}
		return s.authFailure(false)
	}
	return s.methodPassed("publickey")
}

func (s *Server) keyAuthorized(blob []byte) bool {
	for _, k := range s.cfg.AuthorizedKeys {
		if bytes.Equal(k, blob) {
			return true
		}
	}
	return false
}

func (s *Server) sendInfoRequest() error {
	w := wire.NewWriter(wire.MsgUserauthInfoRequest)
	w.Text("challenge")
	w.Text("")
	w.Text("")
	w.Uint32(uint32(len(s.cfg.KBIPrompts)))
	for _, prompt := range s.cfg.KBIPrompts {
		w.Text(prompt)
		w.Bool(false)
	}
	return s.writePacket(w.Bytes())
}

func (s *Server) handleInfoResponse(payload []byte) error {
	s.mu.Lock()
	pending := s.kbiPending
	s.kbiPending = false
	s.mu.Unlock()
	if !pending {
		return fmt.Errorf("framework: INFO_RESPONSE without a challenge")
	}

	r := wire.NewReader(payload)
	if _, err := r.Byte(); err != nil {
		return err
	}
	n, err := r.Uint32()
	if err != nil {
		return err
	}
	if int(n) != len(s.cfg.KBIAnswers) {
		return s.authFailure(false)
	}
	for _, want := range s.cfg.KBIAnswers {
		got, err := r.Text()
		if err != nil {
			return err
		}
		if got != want {
			return s.authFailure(false)
		}
	}
	return s.methodPassed("keyboard-interactive")
}

// openAccess reports whether the server has no authentication policy at
// all, in which case "none" succeeds.
func (s *Server) openAccess() bool {
	return len(s.cfg.Users) == 0 && len(s.cfg.AuthorizedKeys) == 0 &&
		len(s.cfg.KBIPrompts) == 0 && len(s.cfg.RequireMethods) == 0
}

// methodPassed records a verified method and decides between success and
// a partial-success failure that names the methods still owed.
func (s *Server) methodPassed(method string) error {
	s.mu.Lock()
	s.completed[method] = true
	remaining := s.remainingLocked()
	s.mu.Unlock()

	if len(remaining) > 0 {
		failure := wire.UserauthFailure{Continuations: remaining, PartialSuccess: true}
		return s.writePacket(failure.Marshal())
	}
	return s.authSuccess()
}

// remainingLocked returns the required methods not yet completed.
func (s *Server) remainingLocked() []string {
	var remaining []string
	for _, m := range s.cfg.RequireMethods {
		if !s.completed[m] {
			remaining = append(remaining, m)
		}
	}
	return remaining
}

func (s *Server) authSuccess() error {
	s.mu.Lock()
	s.authDone = true
	s.mu.Unlock()

	s.writeMu.Lock()
	err := s.codec.WritePacket([]byte{wire.MsgUserauthSuccess})
	if err == nil {
		// Delayed compression engages on both directions with the
		// success packet itself still uncompressed.
		s.codec.ActivateCompression()
	}
	s.writeMu.Unlock()
	return err
}

func (s *Server) authFailure(partial bool) error {
	failure := wire.UserauthFailure{
		Continuations:  s.availableMethods(),
		PartialSuccess: partial,
	}
	return s.writePacket(failure.Marshal())
}

// availableMethods lists what the config can verify: the required chain's
// outstanding methods when one is set, every configured method otherwise.
func (s *Server) availableMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cfg.RequireMethods) > 0 {
		return s.remainingLocked()
	}
	var methods []string
	if len(s.cfg.AuthorizedKeys) > 0 {
		methods = append(methods, "publickey")
	}
	if len(s.cfg.Users) > 0 {
		methods = append(methods, "password")
	}
	if len(s.cfg.KBIPrompts) > 0 {
		methods = append(methods, "keyboard-interactive")
	}
	return methods
}

func (s *Server) recordAttempt(a AuthAttempt) {
	s.mu.Lock()
	s.attempts = append(s.attempts, a)
	s.mu.Unlock()
}
