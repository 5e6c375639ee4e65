// Package auth implements the client side of SSH user authentication
// (RFC 4252): the none probe, the password and publickey methods, and
// keyboard-interactive (RFC 4256).
//
// The Client does not own the socket. Inbound userauth messages are fed
// to HandlePacket by the connection's dispatcher; Authenticate runs on
// the caller's goroutine and consumes them through a small queue, so
// the method state machines never block the packet pump.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/logging"

	"github.com/telegraphy/sshwire/pkg/wire"
)

const (
	methodNone                = "none"
	methodPublicKey           = "publickey"
	methodPassword            = "password"
	methodKeyboardInteractive = "keyboard-interactive"
)

// methodPreference is the order methods are attempted in once the server
// names its continuations.
var methodPreference = []string{methodPublicKey, methodPassword, methodKeyboardInteractive}

// maxAttempts bounds the method attempts of one Authenticate call, so a
// server that keeps answering with partial successes cannot spin us
// forever.
const maxAttempts = 8

// maxPrompts bounds one keyboard-interactive round.
const maxPrompts = 64

// PacketWriter sends one userauth packet. *transport.Conn satisfies it.
type PacketWriter interface {
	WritePacket(payload []byte) error
}

// Config configures a Client.
type Config struct {
	// Transport carries the client's packets. Required.
	Transport PacketWriter

	// User is the account name presented to the server. Required.
	User string

	// Password, if set, enables the password method. It is called once
	// per attempt, so implementations may prompt interactively.
	Password func() (string, error)

	// Agent, if set, enables the publickey method with the identities it
	// lists.
	Agent Agent

	// KeyboardInteractive, if set, enables the keyboard-interactive
	// method.
	KeyboardInteractive KeyboardInteractiveFunc

	// OnBanner, if set, receives server banner messages. It is called on
	// the connection's reader goroutine and must not block.
	OnBanner func(message string)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// reply is one queued server message, handed from the reader goroutine
// to Authenticate.
type reply struct {
	msgType byte
	payload []byte
}

// attemptResult is the server's verdict on one method attempt.
type attemptResult struct {
	success        bool
	continuations  []string
	partialSuccess bool
}

// Client authenticates one connection. HandlePacket runs on the
// connection's reader goroutine; the other methods are safe from any
// goroutine, though only one Authenticate may run at a time.
type Client struct {
	transport PacketWriter
	user      string
	password  func() (string, error)
	agent     Agent
	ki        KeyboardInteractiveFunc
	onBanner  func(string)
	log       logging.LeveledLogger

	replies chan reply

	mu         sync.Mutex
	serverAlgs []string
	success    bool
	closed     bool
	closeErr   error
	closeCh    chan struct{}
	running    bool
}

// NewClient creates a client. Nothing is sent until Authenticate.
func NewClient(config Config) (*Client, error) {
	if config.Transport == nil {
		return nil, ErrNoTransport
	}
	if config.User == "" {
		return nil, ErrNoUser
	}

	c := &Client{
		transport: config.Transport,
		user:      config.User,
		password:  config.Password,
		agent:     config.Agent,
		ki:        config.KeyboardInteractive,
		onBanner:  config.OnBanner,
		replies:   make(chan reply, 8),
		closeCh:   make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("auth")
	}
	return c, nil
}

// SetServerSigAlgs records the server-sig-algs extension list from the
// server's EXT_INFO. ssh-rsa identities are then offered with an
// rsa-sha2 signature when the server accepts one (RFC 8332 Section 3.3).
func (c *Client) SetServerSigAlgs(algs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverAlgs = append([]string(nil), algs...)
}

// Authenticated reports whether the server accepted the authentication.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.success
}

// ConnectionLost fails the running and any future Authenticate call with
// err. Idempotent.
func (c *Client) ConnectionLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err == nil {
		err = ErrClosed
	}
	c.closeErr = err
	close(c.closeCh)
}

func (c *Client) closeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}

// HandlePacket consumes one inbound userauth-range message. Banners are
// surfaced through the OnBanner callback; everything else is queued for
// the Authenticate goroutine. A returned error is terminal for the
// connection.
func (c *Client) HandlePacket(payload []byte) error {
	if len(payload) == 0 {
		return wire.ErrInvalidMessage
	}
	t := payload[0]

	if t == wire.MsgUserauthBanner {
		banner, err := wire.UnmarshalUserauthBanner(payload)
		if err != nil {
			return err
		}
		if c.log != nil {
			c.log.Debugf("server banner: %q", banner.Message)
		}
		if c.onBanner != nil {
			c.onBanner(banner.Message)
		}
		return nil
	}

	switch t {
	case wire.MsgServiceAccept, wire.MsgUserauthFailure, wire.MsgUserauthSuccess, wire.MsgUserauthInfoRequest:
		// 60 is also PK_OK and PASSWD_CHANGEREQ; the meaning depends on
		// the method in flight, so the waiter interprets it.
	default:
		return fmt.Errorf("auth: unexpected message %s", wire.MessageName(t))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.success {
		c.mu.Unlock()
		return fmt.Errorf("auth: unexpected %s after success", wire.MessageName(t))
	}
	c.mu.Unlock()

	// The dispatcher reuses its read buffer, so the payload must be
	// copied before it crosses goroutines.
	select {
	case c.replies <- reply{msgType: t, payload: append([]byte(nil), payload...)}:
		return nil
	default:
		return fmt.Errorf("auth: server flooded %s messages", wire.MessageName(t))
	}
}

// Authenticate requests the ssh-userauth service and runs methods until
// the server accepts, no usable method remains, or ctx expires. The
// method order is none (a probe that also learns what the server
// allows), then publickey, password and keyboard-interactive as
// configured and permitted.
func (c *Client) Authenticate(ctx context.Context, sessionID []byte) error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	if c.success {
		c.mu.Unlock()
		return nil
	}
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("%w: authenticate already running", ErrState)
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	// Drop verdicts a previously abandoned attempt left behind.
drain:
	for {
		select {
		case <-c.replies:
		default:
			break drain
		}
	}

	req := &wire.ServiceRequest{Service: wire.ServiceUserAuth}
	if err := c.transport.WritePacket(req.Marshal()); err != nil {
		return err
	}
	r, err := c.await(ctx)
	if err != nil {
		return err
	}
	if r.msgType != wire.MsgServiceAccept {
		return fmt.Errorf("auth: expected SERVICE_ACCEPT, got %s", wire.MessageName(r.msgType))
	}
	accept, err := wire.UnmarshalServiceAccept(r.payload)
	if err != nil {
		return err
	}
	if accept.Service != wire.ServiceUserAuth {
		return fmt.Errorf("auth: server accepted service %q, not %q", accept.Service, wire.ServiceUserAuth)
	}

	res, err := c.tryNone(ctx)
	if err != nil {
		return err
	}
	if res.success {
		c.markSuccess(methodNone)
		return nil
	}
	allowed := res.continuations

	tried := make(map[string]bool)
	for attempts := 0; attempts < maxAttempts; attempts++ {
		method := c.nextMethod(allowed, tried)
		if method == "" {
			return fmt.Errorf("%w: no usable methods remain (server allows: %s)",
				ErrAuthenticationFailed, strings.Join(allowed, ","))
		}
		tried[method] = true
		if c.log != nil {
			c.log.Debugf("trying method %s for %q", method, c.user)
		}

		switch method {
		case methodPublicKey:
			res, err = c.tryPublickey(ctx, sessionID)
		case methodPassword:
			res, err = c.tryPassword(ctx)
		case methodKeyboardInteractive:
			res, err = c.tryKeyboardInteractive(ctx)
		}
		if err != nil {
			return err
		}
		if res.success {
			c.markSuccess(method)
			return nil
		}
		if len(res.continuations) > 0 {
			allowed = res.continuations
		}
		if res.partialSuccess {
			// A stage passed. The server wants another method on top, and
			// an already tried one may count again.
			if c.log != nil {
				c.log.Infof("partial success with %s, server still wants: %s",
					method, strings.Join(allowed, ","))
			}
			tried = make(map[string]bool)
		}
	}
	return fmt.Errorf("%w: attempt limit reached", ErrAuthenticationFailed)
}

func (c *Client) markSuccess(method string) {
	c.mu.Lock()
	c.success = true
	c.mu.Unlock()
	if c.log != nil {
		c.log.Infof("authenticated as %q via %s", c.user, method)
	}
}

// nextMethod picks the preferred configured method the server allows and
// we have not tried this round. Empty means nothing usable remains.
func (c *Client) nextMethod(allowed []string, tried map[string]bool) string {
	for _, m := range methodPreference {
		if tried[m] || !c.methodConfigured(m) {
			continue
		}
		if containsName(allowed, m) {
			return m
		}
	}
	return ""
}

func (c *Client) methodConfigured(method string) bool {
	switch method {
	case methodPublicKey:
		return c.agent != nil
	case methodPassword:
		return c.password != nil
	case methodKeyboardInteractive:
		return c.ki != nil
	}
	return false
}

// await blocks for the next queued server message.
func (c *Client) await(ctx context.Context) (reply, error) {
	select {
	case r := <-c.replies:
		return r, nil
	case <-c.closeCh:
		return reply{}, c.closeError()
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// waitVerdict blocks until the server answers the attempt in flight with
// SUCCESS or FAILURE. Method-specific messages (type 60) in between go
// to onMethodSpecific, which may write a response and return nil to keep
// waiting; with no handler they are a protocol violation.
func (c *Client) waitVerdict(ctx context.Context, onMethodSpecific func(payload []byte) error) (*attemptResult, error) {
	for {
		r, err := c.await(ctx)
		if err != nil {
			return nil, err
		}
		switch r.msgType {
		case wire.MsgUserauthSuccess:
			return &attemptResult{success: true}, nil
		case wire.MsgUserauthFailure:
			f, err := wire.UnmarshalUserauthFailure(r.payload)
			if err != nil {
				return nil, err
			}
			return &attemptResult{continuations: f.Continuations, partialSuccess: f.PartialSuccess}, nil
		case wire.MsgUserauthInfoRequest:
			if onMethodSpecific == nil {
				return nil, fmt.Errorf("auth: unexpected method-specific message for the method in flight")
			}
			if err := onMethodSpecific(r.payload); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("auth: expected an authentication verdict, got %s", wire.MessageName(r.msgType))
		}
	}
}

func (c *Client) tryNone(ctx context.Context) (*attemptResult, error) {
	req := &wire.UserauthRequest{
		User:    c.user,
		Service: wire.ServiceConnection,
		Method:  methodNone,
	}
	if err := c.transport.WritePacket(req.Marshal()); err != nil {
		return nil, err
	}
	return c.waitVerdict(ctx, nil)
}

func (c *Client) tryPassword(ctx context.Context) (*attemptResult, error) {
	password, err := c.password()
	if err != nil {
		return nil, fmt.Errorf("auth: password callback: %w", err)
	}
	var md wire.Writer
	md.Bool(false)
	md.Text(password)
	req := &wire.UserauthRequest{
		User:       c.user,
		Service:    wire.ServiceConnection,
		Method:     methodPassword,
		MethodData: md.Bytes(),
	}
	if err := c.transport.WritePacket(req.Marshal()); err != nil {
		return nil, err
	}
	return c.waitVerdict(ctx, func(payload []byte) error {
		// PASSWD_CHANGEREQ. Changing passwords in-protocol is not
		// supported; surface the server's prompt instead.
		r := wire.NewReader(payload)
		if _, err := r.Byte(); err != nil {
			return err
		}
		prompt, err := r.Text()
		if err != nil {
			return err
		}
		if prompt == "" {
			return ErrPasswordChangeRequired
		}
		return fmt.Errorf("%w: %s", ErrPasswordChangeRequired, prompt)
	})
}

// tryPublickey offers each agent identity in turn, signing directly
// rather than probing with PK_OK first. A broken agent disables the
// method instead of killing the connection.
func (c *Client) tryPublickey(ctx context.Context, sessionID []byte) (*attemptResult, error) {
	ids, err := c.agent.ListIdentities()
	if err != nil {
		if c.log != nil {
			c.log.Warnf("agent listing failed, skipping publickey: %v", err)
		}
		return &attemptResult{}, nil
	}

	last := &attemptResult{}
	for _, id := range ids {
		res, err := c.offerIdentity(ctx, sessionID, id)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue // identity skipped
		}
		if res.success || res.partialSuccess {
			return res, nil
		}
		last = res
	}
	return last, nil
}

// offerIdentity signs the session-bound request blob with one identity
// and sends it. A nil, nil return means the identity could not sign and
// was skipped.
func (c *Client) offerIdentity(ctx context.Context, sessionID []byte, id PublicIdentity) (*attemptResult, error) {
	algorithm := id.Algorithm
	if algorithm == "ssh-rsa" {
		if upgraded := c.rsaSignatureAlgorithm(); upgraded != "" {
			algorithm = upgraded
		}
	}

	// The signature covers the session identifier and the request as it
	// goes on the wire (RFC 4252 Section 7), binding it to this
	// connection.
	var signed wire.Writer
	signed.String(sessionID)
	signed.Byte(wire.MsgUserauthRequest)
	signed.Text(c.user)
	signed.Text(wire.ServiceConnection)
	signed.Text(methodPublicKey)
	signed.Bool(true)
	signed.Text(algorithm)
	signed.String(id.Blob)

	signAs := id
	signAs.Algorithm = algorithm
	sig, err := c.agent.Sign(signAs, signed.Bytes())
	if err != nil {
		if c.log != nil {
			c.log.Warnf("agent would not sign with %q: %v", id.Comment, err)
		}
		return nil, nil
	}

	var md wire.Writer
	md.Bool(true)
	md.Text(algorithm)
	md.String(id.Blob)
	md.String(sig)
	req := &wire.UserauthRequest{
		User:       c.user,
		Service:    wire.ServiceConnection,
		Method:     methodPublicKey,
		MethodData: md.Bytes(),
	}
	if err := c.transport.WritePacket(req.Marshal()); err != nil {
		return nil, err
	}
	return c.waitVerdict(ctx, func([]byte) error {
		// PK_OK answers probe requests, and we never probe.
		return fmt.Errorf("auth: unsolicited PK_OK")
	})
}

// rsaSignatureAlgorithm returns the rsa-sha2 algorithm to sign with, or
// empty when the server never advertised one. OpenSSH's preference
// order, strongest hash first.
func (c *Client) rsaSignatureAlgorithm() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if containsName(c.serverAlgs, "rsa-sha2-512") {
		return "rsa-sha2-512"
	}
	if containsName(c.serverAlgs, "rsa-sha2-256") {
		return "rsa-sha2-256"
	}
	return ""
}

func (c *Client) tryKeyboardInteractive(ctx context.Context) (*attemptResult, error) {
	var md wire.Writer
	md.Text("") // language, deprecated
	md.Text("") // submethods
	req := &wire.UserauthRequest{
		User:       c.user,
		Service:    wire.ServiceConnection,
		Method:     methodKeyboardInteractive,
		MethodData: md.Bytes(),
	}
	if err := c.transport.WritePacket(req.Marshal()); err != nil {
		return nil, err
	}
	return c.waitVerdict(ctx, c.answerInfoRequest)
}

// answerInfoRequest runs one prompt round: parse INFO_REQUEST, ask the
// callback, send INFO_RESPONSE. The server may follow with another
// round.
func (c *Client) answerInfoRequest(payload []byte) error {
	r := wire.NewReader(payload)
	if _, err := r.Byte(); err != nil {
		return err
	}
	name, err := r.Text()
	if err != nil {
		return err
	}
	instruction, err := r.Text()
	if err != nil {
		return err
	}
	if _, err := r.Text(); err != nil { // language, deprecated
		return err
	}
	n, err := r.Uint32()
	if err != nil {
		return err
	}
	if n > maxPrompts {
		return fmt.Errorf("auth: info request carries %d prompts", n)
	}
	prompts := make([]Prompt, 0, n)
	for i := uint32(0); i < n; i++ {
		text, err := r.Text()
		if err != nil {
			return err
		}
		echo, err := r.Bool()
		if err != nil {
			return err
		}
		prompts = append(prompts, Prompt{Text: text, Echo: echo})
	}

	answers, err := c.ki(name, instruction, prompts)
	if err != nil {
		return fmt.Errorf("auth: keyboard-interactive callback: %w", err)
	}
	if len(answers) != len(prompts) {
		return fmt.Errorf("auth: %d answers for %d prompts", len(answers), len(prompts))
	}

	resp := wire.NewWriter(wire.MsgUserauthInfoResponse)
	resp.Uint32(uint32(len(answers)))
	for _, a := range answers {
		resp.Text(a)
	}
	return c.transport.WritePacket(resp.Bytes())
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
