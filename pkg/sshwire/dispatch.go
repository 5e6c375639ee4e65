package sshwire

import (
	"github.com/telegraphy/sshwire/pkg/wire"
)

// dispatch routes one inbound packet to the owning subsystem. It runs on
// the connection's reader goroutine; a returned error tears the connection
// down with a disconnect.
//
// The transport consumes the 1..4 range (disconnect, ignore, debug,
// unimplemented) itself, so those never arrive here.
func (c *Client) dispatch(payload []byte) error {
	switch t := payload[0]; {
	case t == wire.MsgKexInit || t == wire.MsgNewKeys || (t >= 30 && t <= 49):
		return c.engine.HandlePacket(payload)

	case t == wire.MsgExtInfo:
		return c.handleExtInfo(payload)

	case t == wire.MsgServiceAccept || (t >= wire.MsgUserauthRequest && t <= wire.MsgUserauthInfoResponse):
		if c.auth == nil {
			return c.conn.SendUnimplemented()
		}
		if err := c.auth.HandlePacket(payload); err != nil {
			return err
		}
		// Delayed compression engages on USERAUTH_SUCCESS. The
		// switch must happen here, on the reader goroutine, before
		// the next packet is decoded.
		if t == wire.MsgUserauthSuccess {
			c.completeAuth()
		}
		return nil

	case t >= wire.MsgGlobalRequest && t <= wire.MsgChannelFailure:
		return c.channels.HandlePacket(payload)

	default:
		if c.log != nil {
			c.log.Warnf("no handler for %s", wire.MessageName(t))
		}
		return c.conn.SendUnimplemented()
	}
}

// handleExtInfo records the server's accepted signature algorithms
// (RFC 8308) for publickey authentication.
func (c *Client) handleExtInfo(payload []byte) error {
	info, err := wire.UnmarshalExtInfo(payload)
	if err != nil {
		return err
	}
	if c.auth != nil && len(info.ServerSigAlgs) > 0 {
		c.auth.SetServerSigAlgs(info.ServerSigAlgs)
	}
	return nil
}

// completeAuth flips the post-authentication switches exactly once:
// zlib@openssh.com compression becomes active on the current contexts, and
// contexts built by later rekeys start with it already active.
func (c *Client) completeAuth() {
	c.mu.Lock()
	if c.authDone {
		c.mu.Unlock()
		return
	}
	c.authDone = true
	c.mu.Unlock()

	c.conn.ActivateDelayedCompression()
	c.engine.SetAuthenticated()
}
