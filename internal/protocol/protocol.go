// ABOUTME: Wire protocol frames exchanged between the gateway and clients
// ABOUTME: Defines request/response/event shapes, scopes, roles, and limits

package protocol

import "encoding/json"

// Protocol constants shared by the gateway and its clients.
const (
	// Version is the frame protocol version negotiated during connect.
	Version = 1

	// TickIntervalMs is how often the gateway emits "tick" events.
	TickIntervalMs = 30_000

	// HandshakeTimeoutMs bounds how long a connection may sit between the
	// WebSocket upgrade and its connect request.
	HandshakeTimeoutMs = 10_000

	// MaxPayloadBytes is the largest inbound frame the gateway accepts.
	MaxPayloadBytes = 512 * 1024

	// ClientBufferSize is the per-client outbound frame buffer. A client
	// that falls this many frames behind is subject to the broadcast
	// drop/evict policy.
	ClientBufferSize = 64
)

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Roles a connecting client may declare.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// Scopes gate access to methods and broadcast events. Admin implies all
// other scopes.
const (
	ScopeAdmin     = "operator.admin"
	ScopeRead      = "operator.read"
	ScopeWrite     = "operator.write"
	ScopeApprovals = "operator.approvals"
	ScopePairing   = "operator.pairing"
)

// AllScopes returns the full scope set granted to fully trusted clients.
func AllScopes() []string {
	return []string{ScopeAdmin, ScopeRead, ScopeWrite, ScopeApprovals, ScopePairing}
}

// RequestFrame is a client → gateway method invocation.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorShape is the wire form of a method failure.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorShape) Error() string {
	return e.Message
}

// Error codes used in ErrorShape.Code.
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeUnavailable    = "unavailable"
	CodeTimeout        = "timeout"
	CodeInternal       = "internal"
)

// NewError builds an ErrorShape with the given code and message.
func NewError(code, message string) *ErrorShape {
	return &ErrorShape{Code: code, Message: message}
}

// ResponseFrame is a gateway → client reply to a RequestFrame.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// OKResponse builds a successful response for the given request ID.
func OKResponse(id string, payload any) *ResponseFrame {
	return &ResponseFrame{Type: TypeResponse, ID: id, OK: true, Payload: payload}
}

// ErrResponse builds a failed response for the given request ID.
func ErrResponse(id string, shape *ErrorShape) *ResponseFrame {
	return &ResponseFrame{Type: TypeResponse, ID: id, OK: false, Error: shape}
}

// EventFrame is a gateway → client server-push event. Payload is omitted
// (not null) when the event carries no data; Seq is present on every
// broadcast; StateVersion only when the event reflects a versioned
// domain snapshot.
type EventFrame struct {
	Type         string  `json:"type"` // always "event"
	Event        string  `json:"event"`
	Payload      any     `json:"payload,omitempty"`
	Seq          *uint64 `json:"seq,omitempty"`
	StateVersion *uint64 `json:"state_version,omitempty"`
}

// NewEvent builds an EventFrame carrying the given payload and sequence
// number.
func NewEvent(event string, payload any, seq uint64) *EventFrame {
	return &EventFrame{
		Type:    TypeEvent,
		Event:   event,
		Payload: payload,
		Seq:     &seq,
	}
}

// ConnectParams are the parameters of the initial "connect" request.
type ConnectParams struct {
	MinProtocol int            `json:"min_protocol"`
	MaxProtocol int            `json:"max_protocol"`
	Client      ClientInfo     `json:"client"`
	Role        string         `json:"role,omitempty"`
	Auth        *ConnectAuth   `json:"auth,omitempty"`
	Caps        []string       `json:"caps,omitempty"`
	Commands    []string       `json:"commands,omitempty"`
	Permissions map[string]any `json:"permissions,omitempty"`
	PathEnv     string         `json:"path_env,omitempty"`
}

// ClientInfo identifies the connecting program and device.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Platform    string `json:"platform"`
	Version     string `json:"version"`
}

// ConnectAuth carries the credentials offered during connect.
type ConnectAuth struct {
	Token       string `json:"token,omitempty"`
	Password    string `json:"password,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
}

// HelloOK is the payload of a successful connect response.
type HelloOK struct {
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Auth     HelloAuth  `json:"auth"`
}

// ServerInfo describes the gateway instance during the handshake.
type ServerInfo struct {
	Version string `json:"version"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"conn_id"`
}

// Features advertises the methods and events this gateway supports.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// HelloAuth reports the role and scopes resolved for the connection.
type HelloAuth struct {
	Role       string   `json:"role"`
	Scopes     []string `json:"scopes"`
	IssuedAtMs uint64   `json:"issued_at_ms,omitempty"`
}

// EventNames lists every event the gateway may push, for the handshake
// feature advertisement.
func EventNames() []string {
	return []string{
		"tick",
		"shutdown",
		"chat",
		"presence",
		"health",
		"exec.approval.requested",
		"exec.approval.resolved",
		"device.pair.requested",
		"device.pair.resolved",
		"node.pair.requested",
		"node.pair.resolved",
		"node.invoke.request",
	}
}
