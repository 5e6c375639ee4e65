// Package wire implements the SSH2 wire encoding: the primitive data types of
// RFC 4251 Section 5 and the transport, authentication and connection protocol
// messages built from them (RFC 4253, RFC 4252, RFC 4254).
package wire

import "fmt"

// Transport layer message numbers (RFC 4253 Section 12, RFC 8308).
const (
	MsgDisconnect     byte = 1
	MsgIgnore         byte = 2
	MsgUnimplemented  byte = 3
	MsgDebug          byte = 4
	MsgServiceRequest byte = 5
	MsgServiceAccept  byte = 6
	MsgExtInfo        byte = 7
	MsgKexInit        byte = 20
	MsgNewKeys        byte = 21
)

// Key exchange method specific message numbers. The 30..49 range is reused by
// each method, so the same number means different packets under different
// negotiated methods.
const (
	MsgKexDHInit  byte = 30
	MsgKexDHReply byte = 31

	MsgKexDHGexRequestOld byte = 30
	MsgKexDHGexGroup      byte = 31
	MsgKexDHGexInit       byte = 32
	MsgKexDHGexReply      byte = 33
	MsgKexDHGexRequest    byte = 34

	MsgKexECDHInit  byte = 30
	MsgKexECDHReply byte = 31
)

// Authentication protocol message numbers (RFC 4252, RFC 4256).
const (
	MsgUserauthRequest byte = 50
	MsgUserauthFailure byte = 51
	MsgUserauthSuccess byte = 52
	MsgUserauthBanner  byte = 53

	MsgUserauthPKOK            byte = 60
	MsgUserauthPasswdChangeReq byte = 60
	MsgUserauthInfoRequest     byte = 60
	MsgUserauthInfoResponse    byte = 61
)

// Connection protocol message numbers (RFC 4254 Section 9).
const (
	MsgGlobalRequest           byte = 80
	MsgRequestSuccess          byte = 81
	MsgRequestFailure          byte = 82
	MsgChannelOpen             byte = 90
	MsgChannelOpenConfirmation byte = 91
	MsgChannelOpenFailure      byte = 92
	MsgChannelWindowAdjust     byte = 93
	MsgChannelData             byte = 94
	MsgChannelExtendedData     byte = 95
	MsgChannelEOF              byte = 96
	MsgChannelClose            byte = 97
	MsgChannelRequest          byte = 98
	MsgChannelSuccess          byte = 99
	MsgChannelFailure          byte = 100
)

// Disconnect reason codes (RFC 4253 Section 11.1).
const (
	DisconnectHostNotAllowedToConnect     uint32 = 1
	DisconnectProtocolError               uint32 = 2
	DisconnectKeyExchangeFailed           uint32 = 3
	DisconnectReserved                    uint32 = 4
	DisconnectMACError                    uint32 = 5
	DisconnectCompressionError            uint32 = 6
	DisconnectServiceNotAvailable         uint32 = 7
	DisconnectProtocolVersionNotSupported uint32 = 8
	DisconnectHostKeyNotVerifiable        uint32 = 9
	DisconnectConnectionLost              uint32 = 10
	DisconnectByApplication               uint32 = 11
	DisconnectTooManyConnections          uint32 = 12
	DisconnectAuthCancelledByUser         uint32 = 13
	DisconnectNoMoreAuthMethodsAvailable  uint32 = 14
	DisconnectIllegalUserName             uint32 = 15
)

// Channel open failure reason codes (RFC 4254 Section 5.1).
const (
	OpenAdministrativelyProhibited uint32 = 1
	OpenConnectFailed              uint32 = 2
	OpenUnknownChannelType         uint32 = 3
	OpenResourceShortage           uint32 = 4
)

// ExtendedDataStderr is the only extended data type defined by RFC 4254.
const ExtendedDataStderr uint32 = 1

// MessageName returns a human-readable name for a message number, for logs.
// KEX-range numbers are ambiguous without the negotiated method and are
// reported generically.
func MessageName(t byte) string {
	switch t {
	case MsgDisconnect:
		return "SSH_MSG_DISCONNECT"
	case MsgIgnore:
		return "SSH_MSG_IGNORE"
	case MsgUnimplemented:
		return "SSH_MSG_UNIMPLEMENTED"
	case MsgDebug:
		return "SSH_MSG_DEBUG"
	case MsgServiceRequest:
		return "SSH_MSG_SERVICE_REQUEST"
	case MsgServiceAccept:
		return "SSH_MSG_SERVICE_ACCEPT"
	case MsgExtInfo:
		return "SSH_MSG_EXT_INFO"
	case MsgKexInit:
		return "SSH_MSG_KEXINIT"
	case MsgNewKeys:
		return "SSH_MSG_NEWKEYS"
	case MsgUserauthRequest:
		return "SSH_MSG_USERAUTH_REQUEST"
	case MsgUserauthFailure:
		return "SSH_MSG_USERAUTH_FAILURE"
	case MsgUserauthSuccess:
		return "SSH_MSG_USERAUTH_SUCCESS"
	case MsgUserauthBanner:
		return "SSH_MSG_USERAUTH_BANNER"
	case MsgGlobalRequest:
		return "SSH_MSG_GLOBAL_REQUEST"
	case MsgRequestSuccess:
		return "SSH_MSG_REQUEST_SUCCESS"
	case MsgRequestFailure:
		return "SSH_MSG_REQUEST_FAILURE"
	case MsgChannelOpen:
		return "SSH_MSG_CHANNEL_OPEN"
	case MsgChannelOpenConfirmation:
		return "SSH_MSG_CHANNEL_OPEN_CONFIRMATION"
	case MsgChannelOpenFailure:
		return "SSH_MSG_CHANNEL_OPEN_FAILURE"
	case MsgChannelWindowAdjust:
		return "SSH_MSG_CHANNEL_WINDOW_ADJUST"
	case MsgChannelData:
		return "SSH_MSG_CHANNEL_DATA"
	case MsgChannelExtendedData:
		return "SSH_MSG_CHANNEL_EXTENDED_DATA"
	case MsgChannelEOF:
		return "SSH_MSG_CHANNEL_EOF"
	case MsgChannelClose:
		return "SSH_MSG_CHANNEL_CLOSE"
	case MsgChannelRequest:
		return "SSH_MSG_CHANNEL_REQUEST"
	case MsgChannelSuccess:
		return "SSH_MSG_CHANNEL_SUCCESS"
	case MsgChannelFailure:
		return "SSH_MSG_CHANNEL_FAILURE"
	default:
		if t >= 30 && t <= 49 {
			return fmt.Sprintf("SSH_MSG_KEX_%d", t)
		}
		return fmt.Sprintf("SSH_MSG_%d", t)
	}
}

// DisconnectReasonName returns a human-readable name for a disconnect
// reason code, for logs and error text.
func DisconnectReasonName(reason uint32) string {
	switch reason {
	case DisconnectHostNotAllowedToConnect:
		return "host not allowed to connect"
	case DisconnectProtocolError:
		return "protocol error"
	case DisconnectKeyExchangeFailed:
		return "key exchange failed"
	case DisconnectMACError:
		return "mac error"
	case DisconnectCompressionError:
		return "compression error"
	case DisconnectServiceNotAvailable:
		return "service not available"
	case DisconnectProtocolVersionNotSupported:
		return "protocol version not supported"
	case DisconnectHostKeyNotVerifiable:
		return "host key not verifiable"
	case DisconnectConnectionLost:
		return "connection lost"
	case DisconnectByApplication:
		return "disconnect by application"
	case DisconnectTooManyConnections:
		return "too many connections"
	case DisconnectAuthCancelledByUser:
		return "auth cancelled by user"
	case DisconnectNoMoreAuthMethodsAvailable:
		return "no more auth methods available"
	case DisconnectIllegalUserName:
		return "illegal user name"
	default:
		return fmt.Sprintf("reason %d", reason)
	}
}

// OpenFailureReasonName returns a human-readable name for a channel open
// failure reason code.
func OpenFailureReasonName(reason uint32) string {
	switch reason {
	case OpenAdministrativelyProhibited:
		return "administratively prohibited"
	case OpenConnectFailed:
		return "connect failed"
	case OpenUnknownChannelType:
		return "unknown channel type"
	case OpenResourceShortage:
		return "resource shortage"
	default:
		return fmt.Sprintf("reason %d", reason)
	}
}

// Disconnect is the SSH_MSG_DISCONNECT payload.
type Disconnect struct {
	Reason   uint32
	Message  string
	Language string
}

// Marshal encodes the message including its type byte.
func (d *Disconnect) Marshal() []byte {
	w := NewWriter(MsgDisconnect)
	w.Uint32(d.Reason)
	w.Text(d.Message)
	w.Text(d.Language)
	return w.Bytes()
}

// UnmarshalDisconnect parses an SSH_MSG_DISCONNECT payload (type byte included).
func UnmarshalDisconnect(payload []byte) (*Disconnect, error) {
	r := NewReader(payload)
	t, err := r.Byte()
	if err != nil {
		return nil, err
	}
	if t != MsgDisconnect {
		return nil, ErrInvalidMessage
	}
	d := &Disconnect{}
	if d.Reason, err = r.Uint32(); err != nil {
		return nil, err
	}
	// Some servers omit the description and language fields outright.
	if r.Remaining() > 0 {
		if d.Message, err = r.Text(); err != nil {
			return nil, err
		}
	}
	if r.Remaining() > 0 {
		if d.Language, err = r.Text(); err != nil {
			return nil, err
		}
	}
	return d, nil
}
