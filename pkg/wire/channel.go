package wire

// ChannelOpen is the SSH_MSG_CHANNEL_OPEN payload (RFC 4254 Section 5.1).
// TypeData carries the channel-type specific trailing fields, already encoded.
type ChannelOpen struct {
	ChannelType   string
	SenderChannel uint32
	InitialWindow uint32
	MaxPacketSize uint32
	TypeData      []byte
}

func (m *ChannelOpen) Marshal() []byte {
	w := NewWriter(MsgChannelOpen)
	w.Text(m.ChannelType)
	w.Uint32(m.SenderChannel)
	w.Uint32(m.InitialWindow)
	w.Uint32(m.MaxPacketSize)
	w.Raw(m.TypeData)
	return w.Bytes()
}

func UnmarshalChannelOpen(payload []byte) (*ChannelOpen, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgChannelOpen); err != nil {
		return nil, err
	}
	m := &ChannelOpen{}
	var err error
	if m.ChannelType, err = r.Text(); err != nil {
		return nil, err
	}
	if m.SenderChannel, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.InitialWindow, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.MaxPacketSize, err = r.Uint32(); err != nil {
		return nil, err
	}
	m.TypeData, _ = r.Bytes(r.Remaining())
	return m, nil
}

// ChannelOpenConfirmation is the SSH_MSG_CHANNEL_OPEN_CONFIRMATION payload.
type ChannelOpenConfirmation struct {
	RecipientChannel uint32
	SenderChannel    uint32
	InitialWindow    uint32
	MaxPacketSize    uint32
}

func (m *ChannelOpenConfirmation) Marshal() []byte {
	w := NewWriter(MsgChannelOpenConfirmation)
	w.Uint32(m.RecipientChannel)
	w.Uint32(m.SenderChannel)
	w.Uint32(m.InitialWindow)
	w.Uint32(m.MaxPacketSize)
	return w.Bytes()
}

func UnmarshalChannelOpenConfirmation(payload []byte) (*ChannelOpenConfirmation, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgChannelOpenConfirmation); err != nil {
		return nil, err
	}
	m := &ChannelOpenConfirmation{}
	var err error
	if m.RecipientChannel, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.SenderChannel, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.InitialWindow, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.MaxPacketSize, err = r.Uint32(); err != nil {
		return nil, err
	}
	return m, nil
}

// ChannelOpenFailure is the SSH_MSG_CHANNEL_OPEN_FAILURE payload.
type ChannelOpenFailure struct {
	RecipientChannel uint32
	Reason           uint32
	Description      string
	Language         string
}

func (m *ChannelOpenFailure) Marshal() []byte {
	w := NewWriter(MsgChannelOpenFailure)
	w.Uint32(m.RecipientChannel)
	w.Uint32(m.Reason)
	w.Text(m.Description)
	w.Text(m.Language)
	return w.Bytes()
}

func UnmarshalChannelOpenFailure(payload []byte) (*ChannelOpenFailure, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgChannelOpenFailure); err != nil {
		return nil, err
	}
	m := &ChannelOpenFailure{}
	var err error
	if m.RecipientChannel, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.Reason, err = r.Uint32(); err != nil {
		return nil, err
	}
	// Pre-RFC servers sometimes send the failure without the text fields.
	if r.Remaining() > 0 {
		if m.Description, err = r.Text(); err != nil {
			return nil, err
		}
	}
	if r.Remaining() > 0 {
		if m.Language, err = r.Text(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ChannelWindowAdjust is the SSH_MSG_CHANNEL_WINDOW_ADJUST payload.
type ChannelWindowAdjust struct {
	RecipientChannel uint32
	AdditionalBytes  uint32
}

func (m *ChannelWindowAdjust) Marshal() []byte {
	w := NewWriter(MsgChannelWindowAdjust)
	w.Uint32(m.RecipientChannel)
	w.Uint32(m.AdditionalBytes)
	return w.Bytes()
}

func UnmarshalChannelWindowAdjust(payload []byte) (*ChannelWindowAdjust, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgChannelWindowAdjust); err != nil {
		return nil, err
	}
	m := &ChannelWindowAdjust{}
	var err error
	if m.RecipientChannel, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.AdditionalBytes, err = r.Uint32(); err != nil {
		return nil, err
	}
	return m, nil
}

// ChannelData is the SSH_MSG_CHANNEL_DATA payload. Data aliases the decoded
// packet buffer; consumers must copy before the next packet is read.
type ChannelData struct {
	RecipientChannel uint32
	Data             []byte
}

func (m *ChannelData) Marshal() []byte {
	w := NewWriter(MsgChannelData)
	w.Uint32(m.RecipientChannel)
	w.String(m.Data)
	return w.Bytes()
}

func UnmarshalChannelData(payload []byte) (*ChannelData, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgChannelData); err != nil {
		return nil, err
	}
	m := &ChannelData{}
	var err error
	if m.RecipientChannel, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.Data, err = r.String(); err != nil {
		return nil, err
	}
	return m, nil
}

// ChannelExtendedData is the SSH_MSG_CHANNEL_EXTENDED_DATA payload.
type ChannelExtendedData struct {
	RecipientChannel uint32
	DataType         uint32
	Data             []byte
}

func (m *ChannelExtendedData) Marshal() []byte {
	w := NewWriter(MsgChannelExtendedData)
	w.Uint32(m.RecipientChannel)
	w.Uint32(m.DataType)
	w.String(m.Data)
	return w.Bytes()
}

func UnmarshalChannelExtendedData(payload []byte) (*ChannelExtendedData, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgChannelExtendedData); err != nil {
		return nil, err
	}
	m := &ChannelExtendedData{}
	var err error
	if m.RecipientChannel, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.DataType, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.Data, err = r.String(); err != nil {
		return nil, err
	}
	return m, nil
}

// ChannelRequest is the SSH_MSG_CHANNEL_REQUEST payload. RequestData carries
// the request-type specific trailing fields, already encoded.
type ChannelRequest struct {
	RecipientChannel uint32
	RequestType      string
	WantReply        bool
	RequestData      []byte
}

func (m *ChannelRequest) Marshal() []byte {
	w := NewWriter(MsgChannelRequest)
	w.Uint32(m.RecipientChannel)
	w.Text(m.RequestType)
	w.Bool(m.WantReply)
	w.Raw(m.RequestData)
	return w.Bytes()
}

func UnmarshalChannelRequest(payload []byte) (*ChannelRequest, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgChannelRequest); err != nil {
		return nil, err
	}
	m := &ChannelRequest{}
	var err error
	if m.RecipientChannel, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.RequestType, err = r.Text(); err != nil {
		return nil, err
	}
	if m.WantReply, err = r.Bool(); err != nil {
		return nil, err
	}
	m.RequestData, _ = r.Bytes(r.Remaining())
	return m, nil
}

// GlobalRequest is the SSH_MSG_GLOBAL_REQUEST payload.
type GlobalRequest struct {
	RequestType string
	WantReply   bool
	RequestData []byte
}

func (m *GlobalRequest) Marshal() []byte {
	w := NewWriter(MsgGlobalRequest)
	w.Text(m.RequestType)
	w.Bool(m.WantReply)
	w.Raw(m.RequestData)
	return w.Bytes()
}

func UnmarshalGlobalRequest(payload []byte) (*GlobalRequest, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgGlobalRequest); err != nil {
		return nil, err
	}
	m := &GlobalRequest{}
	var err error
	if m.RequestType, err = r.Text(); err != nil {
		return nil, err
	}
	if m.WantReply, err = r.Bool(); err != nil {
		return nil, err
	}
	m.RequestData, _ = r.Bytes(r.Remaining())
	return m, nil
}

// UnmarshalChannelID reads the single recipient-channel field shared by the
// EOF, CLOSE, SUCCESS and FAILURE messages.
func UnmarshalChannelID(payload []byte, msgType byte) (uint32, error) {
	r := NewReader(payload)
	if err := expectType(r, msgType); err != nil {
		return 0, err
	}
	return r.Uint32()
}

// MarshalChannelID encodes one of the recipient-channel-only messages
// (EOF, CLOSE, SUCCESS, FAILURE).
func MarshalChannelID(msgType byte, recipient uint32) []byte {
	w := NewWriter(msgType)
	w.Uint32(recipient)
	return w.Bytes()
}

func expectType(r *Reader, want byte) error {
	t, err := r.Byte()
	if err != nil {
		return err
	}
	if t != want {
		return ErrInvalidMessage
	}
	return nil
}
