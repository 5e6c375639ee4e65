package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telegraphy/sshwire/pkg/wire"
)

var testSessionID = []byte("exchange-hash-of-the-first-kex")

type fakeTransport struct {
	mu      sync.Mutex
	packets [][]byte
	next    int
	err     error
}

func (f *fakeTransport) WritePacket(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.packets = append(f.packets, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) waitPacket(t *testing.T) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if f.next < len(f.packets) {
			p := f.packets[f.next]
			f.next++
			f.mu.Unlock()
			return p
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a packet")
	return nil
}

func (f *fakeTransport) pendingPackets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets) - f.next
}

// fakeAgent signs with held ed25519 keys, keyed by identity comment.
// Identities without a key get a placeholder signature blob, enough for
// scripts that never verify.
type fakeAgent struct {
	mu       sync.Mutex
	ids      []PublicIdentity
	keys     map[string]ed25519.PrivateKey
	listErr  error
	failFor  string
	signAlgs []string
}

func (a *fakeAgent) ListIdentities() ([]PublicIdentity, error) {
	if a.listErr != nil {
		return nil, a.listErr
	}
	return a.ids, nil
}

func (a *fakeAgent) Sign(id PublicIdentity, data []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signAlgs = append(a.signAlgs, id.Algorithm)
	if id.Comment == a.failFor {
		return nil, errors.New("token declined the operation")
	}
	var w wire.Writer
	key, ok := a.keys[id.Comment]
	if !ok {
		w.Text(id.Algorithm)
		w.String([]byte("placeholder-signature"))
		return w.Bytes(), nil
	}
	w.Text("ssh-ed25519")
	w.String(ed25519.Sign(key, data))
	return w.Bytes(), nil
}

func (a *fakeAgent) signedAlgorithms() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.signAlgs...)
}

func newEd25519Identity(t *testing.T, comment string) (PublicIdentity, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var w wire.Writer
	w.Text("ssh-ed25519")
	w.String(pub)
	return PublicIdentity{Algorithm: "ssh-ed25519", Blob: w.Bytes(), Comment: comment}, pub, priv
}

// session drives one scripted Authenticate run. The server side is the
// test itself: it inspects the packets the client wrote and feeds
// replies through HandlePacket.
type session struct {
	t      *testing.T
	client *Client
	ft     *fakeTransport
	done   chan error
}

func startAuth(t *testing.T, mutate func(*Config)) *session {
	t.Helper()
	ft := &fakeTransport{}
	config := Config{Transport: ft, User: "nova"}
	if mutate != nil {
		mutate(&config)
	}
	c, err := NewClient(config)
	require.NoError(t, err)
	s := &session{t: t, client: c, ft: ft, done: make(chan error, 1)}
	go func() {
		s.done <- c.Authenticate(context.Background(), testSessionID)
	}()
	return s
}

// acceptService consumes the leading SERVICE_REQUEST and grants it.
func (s *session) acceptService() {
	s.t.Helper()
	p := s.ft.waitPacket(s.t)
	require.Equal(s.t, wire.MsgServiceRequest, p[0])
	req, err := wire.UnmarshalServiceRequest(p)
	require.NoError(s.t, err)
	require.Equal(s.t, wire.ServiceUserAuth, req.Service)
	accept := &wire.ServiceAccept{Service: wire.ServiceUserAuth}
	require.NoError(s.t, s.client.HandlePacket(accept.Marshal()))
}

// expectRequest consumes one USERAUTH_REQUEST and checks its method.
func (s *session) expectRequest(method string) *wire.UserauthRequest {
	s.t.Helper()
	p := s.ft.waitPacket(s.t)
	require.Equal(s.t, wire.MsgUserauthRequest, p[0])
	req, err := wire.UnmarshalUserauthRequest(p)
	require.NoError(s.t, err)
	assert.Equal(s.t, "nova", req.User)
	assert.Equal(s.t, wire.ServiceConnection, req.Service)
	require.Equal(s.t, method, req.Method)
	return req
}

func (s *session) sendFailure(partial bool, methods ...string) {
	s.t.Helper()
	f := &wire.UserauthFailure{Continuations: methods, PartialSuccess: partial}
	require.NoError(s.t, s.client.HandlePacket(f.Marshal()))
}

func (s *session) sendSuccess() {
	s.t.Helper()
	require.NoError(s.t, s.client.HandlePacket([]byte{wire.MsgUserauthSuccess}))
}

func (s *session) wait() error {
	s.t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(2 * time.Second):
		s.t.Fatal("authenticate did not return")
		return nil
	}
}

func TestClientValidation(t *testing.T) {
	_, err := NewClient(Config{User: "nova"})
	if !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
	_, err = NewClient(Config{Transport: &fakeTransport{}})
	if !errors.Is(err, ErrNoUser) {
		t.Fatalf("expected ErrNoUser, got %v", err)
	}
}

func TestNoneProbeCanSucceed(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	s := startAuth(t, nil)
	s.acceptService()

	req := s.expectRequest("none")
	assert.Empty(t, req.MethodData, "none carries no method data")
	s.sendSuccess()

	require.NoError(t, s.wait())
	assert.True(t, s.client.Authenticated())

	require.NoError(t, s.client.Authenticate(context.Background(), testSessionID),
		"a second call after success is a no-op")
	assert.Zero(t, s.ft.pendingPackets())
}

func TestWrongServiceAcceptedIsFatal(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	s := startAuth(t, nil)
	p := s.ft.waitPacket(t)
	require.Equal(t, wire.MsgServiceRequest, p[0])
	accept := &wire.ServiceAccept{Service: wire.ServiceConnection}
	require.NoError(t, s.client.HandlePacket(accept.Marshal()))

	err := s.wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepted service")
}

func TestPasswordAuthentication(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	s := startAuth(t, func(c *Config) {
		c.Password = func() (string, error) { return "hunter2", nil }
	})
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "password")

	req := s.expectRequest("password")
	r := wire.NewReader(req.MethodData)
	change, err := r.Bool()
	require.NoError(t, err)
	assert.False(t, change)
	password, err := r.Text()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)
	require.NoError(t, r.End())
	s.sendSuccess()

	require.NoError(t, s.wait())
}

func TestPasswordChangeRequired(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	s := startAuth(t, func(c *Config) {
		c.Password = func() (string, error) { return "hunter2", nil }
	})
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "password")
	s.expectRequest("password")

	changeReq := wire.NewWriter(wire.MsgUserauthPasswdChangeReq)
	changeReq.Text("pick a longer passphrase")
	changeReq.Text("")
	require.NoError(t, s.client.HandlePacket(changeReq.Bytes()))

	err := s.wait()
	require.ErrorIs(t, err, ErrPasswordChangeRequired)
	assert.Contains(t, err.Error(), "pick a longer passphrase")
}

func TestPublickeySignsSessionBoundRequest(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	id, pub, priv := newEd25519Identity(t, "laptop")
	agent := &fakeAgent{
		ids:  []PublicIdentity{id},
		keys: map[string]ed25519.PrivateKey{"laptop": priv},
	}
	s := startAuth(t, func(c *Config) { c.Agent = agent })
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "publickey")

	req := s.expectRequest("publickey")
	r := wire.NewReader(req.MethodData)
	hasSig, err := r.Bool()
	require.NoError(t, err)
	require.True(t, hasSig, "the client signs directly instead of probing")
	alg, err := r.Text()
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", alg)
	blob, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, id.Blob, blob)
	sigBlob, err := r.String()
	require.NoError(t, err)
	require.NoError(t, r.End())

	sr := wire.NewReader(sigBlob)
	format, err := sr.Text()
	require.NoError(t, err)
	require.Equal(t, "ssh-ed25519", format)
	rawSig, err := sr.String()
	require.NoError(t, err)
	require.NoError(t, sr.End())

	var signed wire.Writer
	signed.String(testSessionID)
	signed.Byte(wire.MsgUserauthRequest)
	signed.Text("nova")
	signed.Text(wire.ServiceConnection)
	signed.Text("publickey")
	signed.Bool(true)
	signed.Text("ssh-ed25519")
	signed.String(id.Blob)
	assert.True(t, ed25519.Verify(pub, signed.Bytes(), rawSig),
		"signature must cover the session id and the request body")

	s.sendSuccess()
	require.NoError(t, s.wait())
}

func TestPublickeyTriesEachIdentity(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	first, _, firstKey := newEd25519Identity(t, "old")
	second, _, secondKey := newEd25519Identity(t, "new")
	agent := &fakeAgent{
		ids:  []PublicIdentity{first, second},
		keys: map[string]ed25519.PrivateKey{"old": firstKey, "new": secondKey},
	}
	s := startAuth(t, func(c *Config) { c.Agent = agent })
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "publickey")

	req := s.expectRequest("publickey")
	assert.Contains(t, string(req.MethodData), string(first.Blob))
	s.sendFailure(false, "publickey")

	req = s.expectRequest("publickey")
	assert.Contains(t, string(req.MethodData), string(second.Blob))
	s.sendSuccess()

	require.NoError(t, s.wait())
}

func TestPublickeySignFailureSkipsIdentity(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	flaky, _, _ := newEd25519Identity(t, "token")
	good, _, goodKey := newEd25519Identity(t, "file")
	agent := &fakeAgent{
		ids:     []PublicIdentity{flaky, good},
		keys:    map[string]ed25519.PrivateKey{"file": goodKey},
		failFor: "token",
	}
	s := startAuth(t, func(c *Config) { c.Agent = agent })
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "publickey")

	// Only the signable identity goes on the wire.
	req := s.expectRequest("publickey")
	assert.Contains(t, string(req.MethodData), string(good.Blob))
	s.sendSuccess()

	require.NoError(t, s.wait())
	assert.Len(t, agent.signedAlgorithms(), 2, "both identities were asked to sign")
}

func TestBrokenAgentDisablesPublickey(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	agent := &fakeAgent{listErr: errors.New("agent socket gone")}
	s := startAuth(t, func(c *Config) {
		c.Agent = agent
		c.Password = func() (string, error) { return "hunter2", nil }
	})
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "publickey", "password")

	// publickey produced nothing; password runs next.
	s.expectRequest("password")
	s.sendSuccess()
	require.NoError(t, s.wait())
}

func TestRSASignatureUpgrade(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	var blob wire.Writer
	blob.Text("ssh-rsa")
	blob.String([]byte{0x01, 0x00, 0x01})
	blob.String([]byte("modulus-placeholder"))
	id := PublicIdentity{Algorithm: "ssh-rsa", Blob: blob.Bytes(), Comment: "rsa-key"}
	agent := &fakeAgent{ids: []PublicIdentity{id}}

	s := startAuth(t, func(c *Config) { c.Agent = agent })
	s.client.SetServerSigAlgs([]string{"ssh-ed25519", "rsa-sha2-256", "rsa-sha2-512"})
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "publickey")

	req := s.expectRequest("publickey")
	r := wire.NewReader(req.MethodData)
	_, err := r.Bool()
	require.NoError(t, err)
	alg, err := r.Text()
	require.NoError(t, err)
	assert.Equal(t, "rsa-sha2-512", alg, "strongest advertised hash wins")
	sent, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, id.Blob, sent, "the key blob keeps its ssh-rsa format")

	assert.Equal(t, []string{"rsa-sha2-512"}, agent.signedAlgorithms())
	s.sendSuccess()
	require.NoError(t, s.wait())
}

func TestRSAWithoutExtInfoStaysPlain(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	var blob wire.Writer
	blob.Text("ssh-rsa")
	blob.String([]byte{0x01, 0x00, 0x01})
	blob.String([]byte("modulus-placeholder"))
	id := PublicIdentity{Algorithm: "ssh-rsa", Blob: blob.Bytes(), Comment: "rsa-key"}
	agent := &fakeAgent{ids: []PublicIdentity{id}}

	s := startAuth(t, func(c *Config) { c.Agent = agent })
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "publickey")

	req := s.expectRequest("publickey")
	r := wire.NewReader(req.MethodData)
	_, err := r.Bool()
	require.NoError(t, err)
	alg, err := r.Text()
	require.NoError(t, err)
	assert.Equal(t, "ssh-rsa", alg)
	s.sendSuccess()
	require.NoError(t, s.wait())
}

func TestKeyboardInteractive(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	var gotName, gotInstruction string
	var gotPrompts []Prompt
	rounds := 0
	s := startAuth(t, func(c *Config) {
		c.KeyboardInteractive = func(name, instruction string, prompts []Prompt) ([]string, error) {
			rounds++
			gotName, gotInstruction, gotPrompts = name, instruction, prompts
			answers := make([]string, len(prompts))
			for i := range prompts {
				answers[i] = "answer-" + prompts[i].Text
			}
			return answers, nil
		}
	})
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "keyboard-interactive")

	req := s.expectRequest("keyboard-interactive")
	r := wire.NewReader(req.MethodData)
	lang, err := r.Text()
	require.NoError(t, err)
	assert.Empty(t, lang)
	submethods, err := r.Text()
	require.NoError(t, err)
	assert.Empty(t, submethods)
	require.NoError(t, r.End())

	info := wire.NewWriter(wire.MsgUserauthInfoRequest)
	info.Text("Second factor")
	info.Text("Check your device")
	info.Text("")
	info.Uint32(2)
	info.Text("Password: ")
	info.Bool(false)
	info.Text("Token: ")
	info.Bool(true)
	require.NoError(t, s.client.HandlePacket(info.Bytes()))

	resp := s.ft.waitPacket(t)
	require.Equal(t, wire.MsgUserauthInfoResponse, resp[0])
	rr := wire.NewReader(resp[1:])
	count, err := rr.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)
	a1, err := rr.Text()
	require.NoError(t, err)
	assert.Equal(t, "answer-Password: ", a1)
	a2, err := rr.Text()
	require.NoError(t, err)
	assert.Equal(t, "answer-Token: ", a2)
	require.NoError(t, rr.End())

	assert.Equal(t, "Second factor", gotName)
	assert.Equal(t, "Check your device", gotInstruction)
	require.Len(t, gotPrompts, 2)
	assert.False(t, gotPrompts[0].Echo)
	assert.True(t, gotPrompts[1].Echo)

	// A zero-prompt round is legal and still needs an answer packet.
	empty := wire.NewWriter(wire.MsgUserauthInfoRequest)
	empty.Text("")
	empty.Text("")
	empty.Text("")
	empty.Uint32(0)
	require.NoError(t, s.client.HandlePacket(empty.Bytes()))

	resp = s.ft.waitPacket(t)
	require.Equal(t, wire.MsgUserauthInfoResponse, resp[0])
	rr = wire.NewReader(resp[1:])
	count, err = rr.Uint32()
	require.NoError(t, err)
	assert.Zero(t, count)

	s.sendSuccess()
	require.NoError(t, s.wait())
	assert.Equal(t, 2, rounds)
}

func TestKeyboardInteractiveAnswerMismatch(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	s := startAuth(t, func(c *Config) {
		c.KeyboardInteractive = func(name, instruction string, prompts []Prompt) ([]string, error) {
			return []string{"only-one"}, nil
		}
	})
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "keyboard-interactive")
	s.expectRequest("keyboard-interactive")

	info := wire.NewWriter(wire.MsgUserauthInfoRequest)
	info.Text("")
	info.Text("")
	info.Text("")
	info.Uint32(2)
	info.Text("First: ")
	info.Bool(true)
	info.Text("Second: ")
	info.Bool(true)
	require.NoError(t, s.client.HandlePacket(info.Bytes()))

	err := s.wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "answers")
}

func TestPartialSuccessChainsMethods(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	id, _, key := newEd25519Identity(t, "laptop")
	agent := &fakeAgent{
		ids:  []PublicIdentity{id},
		keys: map[string]ed25519.PrivateKey{"laptop": key},
	}
	s := startAuth(t, func(c *Config) {
		c.Agent = agent
		c.Password = func() (string, error) { return "hunter2", nil }
	})
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "publickey")

	s.expectRequest("publickey")
	s.sendFailure(true, "password")

	s.expectRequest("password")
	s.sendSuccess()

	require.NoError(t, s.wait())
}

func TestNoUsableMethodFails(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	s := startAuth(t, func(c *Config) {
		c.Password = func() (string, error) { return "hunter2", nil }
	})
	s.acceptService()
	s.expectRequest("none")
	s.sendFailure(false, "hostbased")

	err := s.wait()
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "hostbased")
}

func TestBannerReachesCallback(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	var banners []string
	s := startAuth(t, func(c *Config) {
		c.OnBanner = func(message string) { banners = append(banners, message) }
	})
	s.acceptService()
	s.expectRequest("none")

	banner := &wire.UserauthBanner{Message: "maintenance window at 02:00 UTC"}
	require.NoError(t, s.client.HandlePacket(banner.Marshal()))
	s.sendSuccess()

	require.NoError(t, s.wait())
	assert.Equal(t, []string{"maintenance window at 02:00 UTC"}, banners)
}

func TestConnectionLostUnblocksAuthenticate(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	s := startAuth(t, nil)
	s.acceptService()
	s.expectRequest("none")

	cause := errors.New("socket reset")
	s.client.ConnectionLost(cause)
	require.ErrorIs(t, s.wait(), cause)

	// Later attempts fail without touching the wire.
	require.ErrorIs(t, s.client.Authenticate(context.Background(), testSessionID), cause)
	assert.Zero(t, s.ft.pendingPackets())
}

func TestConcurrentAuthenticateRejected(t *testing.T) {
	report := test.CheckRoutines(t)
	t.Cleanup(report)

	s := startAuth(t, nil)
	s.acceptService()
	s.expectRequest("none")

	err := s.client.Authenticate(context.Background(), testSessionID)
	require.ErrorIs(t, err, ErrState)

	s.client.ConnectionLost(nil)
	require.ErrorIs(t, s.wait(), ErrClosed)
}

func TestUnexpectedMessagesRejected(t *testing.T) {
	c, err := NewClient(Config{Transport: &fakeTransport{}, User: "nova"})
	require.NoError(t, err)

	require.ErrorIs(t, c.HandlePacket(nil), wire.ErrInvalidMessage)

	err = c.HandlePacket([]byte{90})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected message")
}

func TestUnsolicitedFloodIsFatal(t *testing.T) {
	c, err := NewClient(Config{Transport: &fakeTransport{}, User: "nova"})
	require.NoError(t, err)

	failure := (&wire.UserauthFailure{Continuations: []string{"password"}}).Marshal()
	for i := 0; i < 8; i++ {
		require.NoError(t, c.HandlePacket(failure))
	}
	err = c.HandlePacket(failure)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flooded")
}
