package kex

// State is the engine's position in the key exchange protocol.
type State int

const (
	// StateInit is the state before Start.
	StateInit State = iota
	// StateKexInitSent means our KEXINIT is out, waiting for the peer's.
	StateKexInitSent
	// StateWaitKexReply means the negotiated method is running.
	StateWaitKexReply
	// StateWaitNewKeys means our NEWKEYS is out, waiting for the peer's.
	StateWaitNewKeys
	// StateEstablished means keys are installed and application traffic
	// may flow.
	StateEstablished
	// StateRekeying is reported instead of the mid-exchange states when a
	// session was already established and a new exchange is replacing its
	// keys.
	StateRekeying
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateKexInitSent:
		return "KexInitSent"
	case StateWaitKexReply:
		return "WaitKexReply"
	case StateWaitNewKeys:
		return "WaitNewKeys"
	case StateEstablished:
		return "Established"
	case StateRekeying:
		return "Rekeying"
	default:
		return "Unknown"
	}
}
