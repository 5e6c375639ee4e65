package wire

// ServiceNames used during connection setup (RFC 4253 Section 10).
const (
	ServiceUserAuth   = "ssh-userauth"
	ServiceConnection = "ssh-connection"
)

// ServiceRequest is the SSH_MSG_SERVICE_REQUEST payload.
type ServiceRequest struct {
	Service string
}

func (m *ServiceRequest) Marshal() []byte {
	w := NewWriter(MsgServiceRequest)
	w.Text(m.Service)
	return w.Bytes()
}

func UnmarshalServiceRequest(payload []byte) (*ServiceRequest, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgServiceRequest); err != nil {
		return nil, err
	}
	s, err := r.Text()
	if err != nil {
		return nil, err
	}
	return &ServiceRequest{Service: s}, nil
}

// ServiceAccept is the SSH_MSG_SERVICE_ACCEPT payload.
type ServiceAccept struct {
	Service string
}

func (m *ServiceAccept) Marshal() []byte {
	w := NewWriter(MsgServiceAccept)
	w.Text(m.Service)
	return w.Bytes()
}

func UnmarshalServiceAccept(payload []byte) (*ServiceAccept, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgServiceAccept); err != nil {
		return nil, err
	}
	s, err := r.Text()
	if err != nil {
		return nil, err
	}
	return &ServiceAccept{Service: s}, nil
}

// UserauthRequest is the SSH_MSG_USERAUTH_REQUEST payload. MethodData carries
// the method-specific trailing fields, already encoded.
type UserauthRequest struct {
	User       string
	Service    string
	Method     string
	MethodData []byte
}

func (m *UserauthRequest) Marshal() []byte {
	w := NewWriter(MsgUserauthRequest)
	w.Text(m.User)
	w.Text(m.Service)
	w.Text(m.Method)
	w.Raw(m.MethodData)
	return w.Bytes()
}

func UnmarshalUserauthRequest(payload []byte) (*UserauthRequest, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgUserauthRequest); err != nil {
		return nil, err
	}
	m := &UserauthRequest{}
	var err error
	if m.User, err = r.Text(); err != nil {
		return nil, err
	}
	if m.Service, err = r.Text(); err != nil {
		return nil, err
	}
	if m.Method, err = r.Text(); err != nil {
		return nil, err
	}
	m.MethodData, _ = r.Bytes(r.Remaining())
	return m, nil
}

// UserauthFailure is the SSH_MSG_USERAUTH_FAILURE payload.
type UserauthFailure struct {
	Continuations  []string
	PartialSuccess bool
}

func (m *UserauthFailure) Marshal() []byte {
	w := NewWriter(MsgUserauthFailure)
	w.NameList(m.Continuations)
	w.Bool(m.PartialSuccess)
	return w.Bytes()
}

func UnmarshalUserauthFailure(payload []byte) (*UserauthFailure, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgUserauthFailure); err != nil {
		return nil, err
	}
	m := &UserauthFailure{}
	var err error
	if m.Continuations, err = r.NameList(); err != nil {
		return nil, err
	}
	if m.PartialSuccess, err = r.Bool(); err != nil {
		return nil, err
	}
	return m, nil
}

// UserauthBanner is the SSH_MSG_USERAUTH_BANNER payload.
type UserauthBanner struct {
	Message  string
	Language string
}

func (m *UserauthBanner) Marshal() []byte {
	w := NewWriter(MsgUserauthBanner)
	w.Text(m.Message)
	w.Text(m.Language)
	return w.Bytes()
}

func UnmarshalUserauthBanner(payload []byte) (*UserauthBanner, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgUserauthBanner); err != nil {
		return nil, err
	}
	m := &UserauthBanner{}
	var err error
	if m.Message, err = r.Text(); err != nil {
		return nil, err
	}
	if r.Remaining() > 0 {
		if m.Language, err = r.Text(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ExtInfo is the SSH_MSG_EXT_INFO payload (RFC 8308). Only extensions we
// recognize are retained; unknown ones are skipped.
type ExtInfo struct {
	ServerSigAlgs []string
}

func UnmarshalExtInfo(payload []byte) (*ExtInfo, error) {
	r := NewReader(payload)
	if err := expectType(r, MsgExtInfo); err != nil {
		return nil, err
	}
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	m := &ExtInfo{}
	for i := uint32(0); i < count; i++ {
		name, err := r.Text()
		if err != nil {
			return nil, err
		}
		switch name {
		case "server-sig-algs":
			if m.ServerSigAlgs, err = r.NameList(); err != nil {
				return nil, err
			}
		default:
			if _, err = r.String(); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}
