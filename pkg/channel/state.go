package channel

// State describes where a channel is in its lifecycle.
type State int

const (
	// StateOpening means CHANNEL_OPEN was sent and no reply has arrived.
	StateOpening State = iota

	// StateOpen means the peer confirmed the open and both directions flow.
	StateOpen

	// StateEOFSent means we signalled end of outbound data but still receive.
	StateEOFSent

	// StateEOFReceived means the peer signalled end of its data.
	StateEOFReceived

	// StateClosing means a CLOSE has been sent or received but not both.
	StateClosing

	// StateClosed means the close handshake finished and the id is freed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateEOFSent:
		return "EOFSent"
	case StateEOFReceived:
		return "EOFReceived"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
