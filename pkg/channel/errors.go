package channel

import (
	"errors"
	"fmt"

	"github.com/telegraphy/sshwire/pkg/wire"
)

var (
	// ErrNoTransport is returned by NewManager when no packet writer is given.
	ErrNoTransport = errors.New("channel: no transport given")

	// ErrChannelClosed is returned by stream operations on a channel that has
	// been closed by either side.
	ErrChannelClosed = errors.New("channel: channel closed")

	// ErrConnectionLost is delivered to every blocked or future channel
	// operation when the underlying connection dies.
	ErrConnectionLost = errors.New("channel: connection lost")

	// ErrWindowExceeded reports a peer that sent more data than the local
	// window allowed. It is fatal to the connection.
	ErrWindowExceeded = errors.New("channel: peer exceeded local window")

	// ErrUnknownChannel reports a channel message whose recipient id matches
	// no live channel. Packets are processed in arrival order, so a
	// conforming peer cannot trigger this.
	ErrUnknownChannel = errors.New("channel: unknown channel id")

	// ErrRequestDenied is returned when the peer answers a channel request
	// with SSH_MSG_CHANNEL_FAILURE.
	ErrRequestDenied = errors.New("channel: request denied by peer")
)

// OpenError is returned from open calls when the peer rejects the
// SSH_MSG_CHANNEL_OPEN. It is recoverable: the connection stays usable.
type OpenError struct {
	// Reason is the RFC 4254 Section 5.1 reason code.
	Reason uint32
	// Message is the human-readable description sent by the peer, if any.
	Message string
}

func (e *OpenError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("channel: open rejected: %s: %s", wire.OpenFailureReasonName(e.Reason), e.Message)
	}
	return fmt.Sprintf("channel: open rejected: %s", wire.OpenFailureReasonName(e.Reason))
}
