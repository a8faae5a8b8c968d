package netbroker

import "encoding/json"

// Message shapes on the wire (spec.md §6). Each Go type marshals to
// exactly one of the five JSON shapes; inbound bytes are first decoded
// into rawFrame so the router can classify the shape before committing
// to one of these concrete types. Constructors follow the teacher's
// packet.go one-constructor-per-shape convention (MakeRequestPacket
// there, NewRequestFrame here).

// RequestFrame is sent Client→Manager (service=="Manager") or
// Client→Service.
type RequestFrame struct {
	Error     bool                   `json:"error"`
	Service   string                 `json:"service"`
	Attribute string                 `json:"attribute"`
	Args      []interface{}          `json:"args"`
	Kwargs    map[string]interface{} `json:"kwargs"`
	UID       string                 `json:"uid"`
	// Requester is stamped by the router when forwarding a Client
	// request to a Service; absent on the wire from the Client itself.
	Requester string `json:"requester,omitempty"`
}

func NewRequestFrame(service, attribute string, args []interface{}, kwargs map[string]interface{}, uid string) *RequestFrame {
	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	return &RequestFrame{Service: service, Attribute: attribute, Args: args, Kwargs: kwargs, UID: uid}
}

// ReplyFrame is sent Service→Manager→Client.
type ReplyFrame struct {
	Error     bool        `json:"error"`
	Result    interface{} `json:"result"`
	Requester string      `json:"requester"`
	UID       string      `json:"uid"`
}

func NewReplyFrame(result interface{}, requester, uid string) *ReplyFrame {
	return &ReplyFrame{Result: result, Requester: requester, UID: uid}
}

// ErrorFrame is sent Manager→either-peer or Service→Manager→Client.
type ErrorFrame struct {
	Error     bool        `json:"error"`
	Message   string      `json:"message"`
	Traceback []string    `json:"traceback"`
	Result    interface{} `json:"result"`
	Requester string      `json:"requester"`
	UID       string      `json:"uid"`
}

func NewErrorFrame(be *BrokerError, requester, uid string) *ErrorFrame {
	return &ErrorFrame{
		Error:     true,
		Message:   be.Error(),
		Traceback: be.Traceback,
		Result:    nil,
		Requester: requester,
		UID:       uid,
	}
}

// NotificationFrame is sent Service→Manager→every linked Client.
type NotificationFrame struct {
	Error   bool        `json:"error"`
	Service string      `json:"service"`
	Result  interface{} `json:"result"`
	UID     string      `json:"uid"`
}

func NewNotificationFrame(service string, result interface{}) *NotificationFrame {
	return &NotificationFrame{Service: service, Result: result, UID: NotificationUID}
}

// IdentityFrame is the Manager's handshake probe (spec.md §4.2). The
// peer's answer is decoded as a rawFrame, not as an IdentityFrame.
type IdentityFrame struct {
	Error     bool                   `json:"error"`
	Service   string                 `json:"service"`
	Attribute string                 `json:"attribute"`
	Args      []interface{}          `json:"args"`
	Kwargs    map[string]interface{} `json:"kwargs"`
	Requester string                 `json:"requester"`
	UID       string                 `json:"uid"`
}

func NewIdentityRequestFrame(managerAddress string) *IdentityFrame {
	return &IdentityFrame{
		Service:   ManagerService,
		Attribute: "identity",
		Args:      []interface{}{},
		Kwargs:    map[string]interface{}{},
		Requester: managerAddress,
		UID:       "",
	}
}

// IdentityReplyFrame is what a peer sends back in response to an
// identity probe during the long-form handshake: {"result": <identity>}.
type IdentityReplyFrame struct {
	Result interface{} `json:"result"`
}

// rawFrameFromRequest lifts a RequestFrame parsed out of terminal-mode
// line grammar (terminal.go) into the same classification envelope a
// JSON request decodes into, so it can flow through Router.Dispatch
// unchanged. terminal is marked true so forwardToService knows to
// exempt it from the link check (spec.md §4.5 item 2: "unless the
// shortcut terminal form is used"), mirroring the original Manager's
// handle_requests, which forwards to the named Service directly
// without consulting client_service_link at all.
func rawFrameFromRequest(req *RequestFrame) *rawFrame {
	service := req.Service
	attribute := req.Attribute
	uid := req.UID
	return &rawFrame{
		Service:   &service,
		Attribute: &attribute,
		Args:      req.Args,
		Kwargs:    req.Kwargs,
		UID:       &uid,
		terminal:  true,
	}
}

// rawFrame is the classification envelope: every field is a pointer or
// a RawMessage so presence/absence on the wire is distinguishable from
// a zero value. The router decodes into this once per inbound frame,
// classifies the shape, then re-decodes Args/Kwargs/Result as needed.
type rawFrame struct {
	Error     *bool                  `json:"error"`
	Service   *string                `json:"service"`
	Attribute *string                `json:"attribute"`
	Args      []interface{}          `json:"args"`
	Kwargs    map[string]interface{} `json:"kwargs"`
	Result    json.RawMessage        `json:"result"`
	Requester *string                `json:"requester"`
	UID       *string                `json:"uid"`
	Message   *string                `json:"message"`
	Traceback []string               `json:"traceback"`

	// terminal is never set by JSON decoding (unexported); it is true
	// only for frames rawFrameFromRequest built out of terminal-mode
	// line grammar.
	terminal bool
}

// FrameKind classifies a decoded rawFrame per spec.md §4.5.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameRequest
	FrameReply
	FrameError
	FrameNotification
	FrameIdentityReply
)

func (f *rawFrame) Classify() FrameKind {
	if f.Error != nil && *f.Error && f.Message != nil {
		return FrameError
	}
	if f.UID != nil && *f.UID == NotificationUID && f.Service != nil && len(f.Result) > 0 {
		return FrameNotification
	}
	if f.Attribute != nil {
		return FrameRequest
	}
	if len(f.Result) > 0 && f.Requester != nil && f.UID != nil {
		return FrameReply
	}
	if len(f.Result) > 0 {
		return FrameIdentityReply
	}
	return FrameUnknown
}

// Identity is the tagged-variant self-description exchanged during the
// handshake (spec.md §6, design notes §9 "Identity as a polymorphic
// value"). The same struct serializes all three variants; unused
// fields for a given Type are simply omitted.
type Identity struct {
	Type       string            `json:"type"`
	Language   string            `json:"language"`
	OS         string            `json:"os"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	MaxClients *int              `json:"max_clients,omitempty"`
	Hostname   string            `json:"hostname,omitempty"`
	Port       int               `json:"port,omitempty"`
	Clients    map[string]string `json:"clients,omitempty"`
	Services   map[string]*Identity `json:"services,omitempty"`
}

func intPtr(v int) *int { return &v }

func NewManagerIdentity(hostname string, port int, clients map[string]string, services map[string]*Identity) *Identity {
	return &Identity{Type: "manager", Language: goLanguage(), OS: goOS(), Hostname: hostname, Port: port, Clients: clients, Services: services}
}

func NewClientIdentity(name string) *Identity {
	return &Identity{Type: "client", Name: name, Language: goLanguage(), OS: goOS()}
}

func NewServiceIdentity(name string, attributes map[string]string, maxClients int) *Identity {
	return &Identity{Type: "service", Name: name, Language: goLanguage(), OS: goOS(), Attributes: attributes, MaxClients: intPtr(maxClients)}
}
