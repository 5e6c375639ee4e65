package transport

import (
	"errors"
	"fmt"

	"github.com/telegraphy/sshwire/pkg/wire"
)

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed
	// connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrProtocol indicates a violation of the binary packet protocol.
	// Protocol errors are fatal for the connection.
	ErrProtocol = errors.New("transport: protocol error")

	// ErrIntegrity indicates a packet whose MAC did not verify. Always
	// fatal; nothing after the failing packet can be trusted.
	ErrIntegrity = errors.New("transport: message integrity check failed")

	// ErrPacketTooLarge is a protocol error for packets beyond the size
	// ceiling, caught before the length is trusted for allocation.
	ErrPacketTooLarge = fmt.Errorf("%w: packet exceeds size limit", ErrProtocol)

	// ErrVersionExchange is a protocol error in the identification string
	// exchange.
	ErrVersionExchange = fmt.Errorf("%w: identification exchange failed", ErrProtocol)

	// ErrNoPendingKeys is returned when NEWKEYS arrives or is sent with
	// no staged crypto state.
	ErrNoPendingKeys = fmt.Errorf("%w: NEWKEYS without negotiated keys", ErrProtocol)

	// ErrConnectionLost is returned for operations on a connection whose
	// peer or underlying socket is gone.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrNoConn is returned when a Conn is created without an underlying
	// connection.
	ErrNoConn = errors.New("transport: no underlying connection")

	// ErrNoHandler is returned when a Conn is created without a packet
	// handler.
	ErrNoHandler = errors.New("transport: no packet handler")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("transport: already started")
)

// DisconnectError reports an SSH_MSG_DISCONNECT received from the peer.
type DisconnectError struct {
	Reason  uint32
	Message string
}

func (e *DisconnectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: peer disconnected (%s)", wire.DisconnectReasonName(e.Reason))
	}
	return fmt.Sprintf("transport: peer disconnected (%s): %s", wire.DisconnectReasonName(e.Reason), e.Message)
}

// Unwrap makes a peer disconnect match ErrConnectionLost checks: either
// way the connection is gone.
func (e *DisconnectError) Unwrap() error { return ErrConnectionLost }
