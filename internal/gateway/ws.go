// ABOUTME: WebSocket transport adapter: handshake, auth, read loop, write pump
// ABOUTME: Bridges coder/websocket connections onto the gateway Client interface

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/auth"
	"github.com/2389/loom-gateway/internal/node"
	"github.com/2389/loom-gateway/internal/protocol"
)

// AuthOptions is the credential surface the handshake accepts.
type AuthOptions struct {
	// Verifier checks JWT credentials. Nil disables JWT auth.
	Verifier *auth.JWTVerifier
	// PasswordHash is a bcrypt hash; empty disables password auth.
	PasswordHash string
	// StaticToken is a shared dev token; empty disables it.
	StaticToken string
	// AllowLoopback grants full scopes to credential-less loopback
	// connections.
	AllowLoopback bool
}

// WSHandler upgrades HTTP requests to gateway WebSocket connections.
type WSHandler struct {
	state      *State
	dispatcher *Dispatcher
	authOpts   AuthOptions
	names      NameStore
	handshake  time.Duration
	version    string
	logger     *slog.Logger
}

// NewWSHandler creates the /ws endpoint handler. names may be nil; zero
// handshake timeout uses the protocol default.
func NewWSHandler(state *State, dispatcher *Dispatcher, authOpts AuthOptions, names NameStore, handshake time.Duration, version string, logger *slog.Logger) *WSHandler {
	if handshake <= 0 {
		handshake = protocol.HandshakeTimeoutMs * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		state:      state,
		dispatcher: dispatcher,
		authOpts:   authOpts,
		names:      names,
		handshake:  handshake,
		version:    version,
		logger:     logger.With("component", "ws"),
	}
}

// wsClient adapts one WebSocket connection to the Client interface. Writes
// go through a bounded channel drained by a dedicated pump goroutine, so
// TrySend never blocks the broadcaster.
type wsClient struct {
	connID string
	role   string
	nodeID string
	scopes []string

	out    chan []byte
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func (c *wsClient) ConnID() string   { return c.connID }
func (c *wsClient) Scopes() []string { return c.scopes }

// TrySend enqueues a pre-serialized frame, reporting false when the
// buffer is full or the connection is closing.
func (c *wsClient) TrySend(frame []byte) bool {
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Kick tears the connection down from outside the read loop.
func (c *wsClient) Kick(reason string) {
	_ = c.conn.Close(websocket.StatusPolicyViolation, reason)
	c.cancel()
}

// ServeHTTP runs the connection lifecycle: handshake, registration, read
// loop, cleanup.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(protocol.MaxPayloadBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client, connectReq, err := h.performHandshake(ctx, conn, r.RemoteAddr, cancel)
	if err != nil {
		h.logger.Info("handshake failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	h.state.AddClient(client)
	isNode := h.registerNode(client, connectReq, r.RemoteAddr)

	go h.writePump(ctx, client)

	h.logger.Info("client connected",
		"conn_id", client.connID, "role", client.role, "remote", r.RemoteAddr)

	h.readLoop(ctx, conn, client)

	h.state.RemoveClient(client.connID)
	if isNode {
		h.broadcastPresence()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	h.logger.Info("client disconnected", "conn_id", client.connID)
}

// performHandshake waits for the connect request, authenticates it, and
// replies hello-ok. The wait is bounded by the handshake timeout.
func (h *WSHandler) performHandshake(ctx context.Context, conn *websocket.Conn, remoteAddr string, cancel context.CancelFunc) (*wsClient, *protocol.ConnectParams, error) {
	hsCtx, hsCancel := context.WithTimeout(ctx, h.handshake)
	defer hsCancel()

	_, data, err := conn.Read(hsCtx)
	if err != nil {
		return nil, nil, errHandshake("reading connect frame", err)
	}

	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.TypeRequest || req.Method != "connect" {
		return nil, nil, errHandshake("first frame must be a connect request", nil)
	}
	var params protocol.ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, nil, errHandshake("parsing connect params", err)
	}
	if params.MinProtocol > protocol.Version || (params.MaxProtocol > 0 && params.MaxProtocol < protocol.Version) {
		return nil, nil, errHandshake("unsupported protocol range", nil)
	}

	scopes, err := h.resolveScopes(remoteAddr, params.Auth)
	if err != nil {
		return nil, nil, err
	}

	role := params.Role
	if role == "" {
		role = protocol.RoleOperator
	}

	client := &wsClient{
		connID: uuid.New().String(),
		role:   role,
		nodeID: params.Client.ID,
		scopes: scopes,
		out:    make(chan []byte, protocol.ClientBufferSize),
		conn:   conn,
		cancel: cancel,
	}

	hello := protocol.OKResponse(req.ID, protocol.HelloOK{
		Protocol: protocol.Version,
		Server: protocol.ServerInfo{
			Version: h.version,
			ConnID:  client.connID,
		},
		Features: protocol.Features{
			Methods: h.dispatcher.MethodNames(),
			Events:  protocol.EventNames(),
		},
		Auth: protocol.HelloAuth{
			Role:       role,
			Scopes:     scopes,
			IssuedAtMs: uint64(time.Now().UnixMilli()),
		},
	})
	helloData, err := json.Marshal(hello)
	if err != nil {
		return nil, nil, errHandshake("encoding hello", err)
	}
	if err := conn.Write(hsCtx, websocket.MessageText, helloData); err != nil {
		return nil, nil, errHandshake("writing hello", err)
	}
	return client, &params, nil
}

// resolveScopes derives the connection's scope set from its credentials.
// Order: device token, static token, JWT, password, loopback.
func (h *WSHandler) resolveScopes(remoteAddr string, cred *protocol.ConnectAuth) ([]string, error) {
	if cred != nil {
		if cred.DeviceToken != "" {
			if tok, ok := h.state.Pairing().VerifyToken(cred.DeviceToken); ok {
				return tok.Scopes, nil
			}
			return nil, errHandshake("unknown or revoked device token", nil)
		}
		if cred.Token != "" {
			if h.authOpts.StaticToken != "" && cred.Token == h.authOpts.StaticToken {
				return protocol.AllScopes(), nil
			}
			if h.authOpts.Verifier != nil {
				if _, scopes, err := h.authOpts.Verifier.Verify(cred.Token); err == nil {
					return scopes, nil
				}
			}
			return nil, errHandshake("invalid token", nil)
		}
		if cred.Password != "" {
			if h.authOpts.PasswordHash != "" && auth.VerifyPassword(h.authOpts.PasswordHash, cred.Password) {
				return protocol.AllScopes(), nil
			}
			return nil, errHandshake("invalid password", nil)
		}
	}
	if h.authOpts.AllowLoopback && auth.IsLoopback(remoteAddr) {
		return protocol.AllScopes(), nil
	}
	return nil, errHandshake("credentials required", nil)
}

// registerNode records a NodeSession for node-role connections and
// announces the new presence. Returns false for operator connections.
func (h *WSHandler) registerNode(client *wsClient, params *protocol.ConnectParams, remoteAddr string) bool {
	if client.role != protocol.RoleNode || params.Client.ID == "" {
		return false
	}

	displayName := params.Client.DisplayName
	if h.names != nil {
		if saved, err := h.names.GetNodeName(params.Client.ID); err == nil && saved != "" {
			displayName = saved
		}
	}

	permissions := make(map[string]bool, len(params.Permissions))
	for name, v := range params.Permissions {
		granted, ok := v.(bool)
		permissions[name] = ok && granted
	}

	host := remoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}

	h.state.Nodes().Register(&node.Session{
		NodeID:       params.Client.ID,
		ConnID:       client.connID,
		DisplayName:  displayName,
		Platform:     params.Client.Platform,
		Version:      params.Client.Version,
		Capabilities: params.Caps,
		Commands:     params.Commands,
		Permissions:  permissions,
		PathEnv:      params.PathEnv,
		RemoteIP:     host,
		ConnectedAt:  time.Now(),
	})
	h.broadcastPresence()
	return true
}

// broadcastPresence announces the current node set with a fresh state
// version so clients can discard stale snapshots.
func (h *WSHandler) broadcastPresence() {
	version := h.state.NextStateVersion()
	h.state.Broadcast("presence", h.dispatcher.presencePayload(), BroadcastOpts{StateVersion: &version})
}

// readLoop consumes request frames until the connection drops. Each
// request runs in its own goroutine so a blocking method (node.invoke,
// exec.approval.request) cannot stall the connection.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *wsClient) {
	caller := Caller{
		ConnID: client.connID,
		Role:   client.role,
		NodeID: client.nodeID,
		Scopes: client.scopes,
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.TypeRequest || req.ID == "" {
			h.sendResponse(client, protocol.ErrResponse(req.ID,
				protocol.NewError(protocol.CodeInvalidRequest, "malformed request frame")))
			continue
		}

		go func(req protocol.RequestFrame) {
			resp := h.dispatcher.Dispatch(ctx, caller, &req)
			h.sendResponse(client, resp)
		}(req)
	}
}

// sendResponse enqueues a response frame on the client's outbound buffer.
// Responses share the buffer with broadcasts; a full buffer drops the
// response and the client recovers via its request timeout.
func (h *WSHandler) sendResponse(client *wsClient, resp *protocol.ResponseFrame) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("encoding response failed", "conn_id", client.connID, "error", err)
		return
	}
	if !client.TrySend(data) {
		h.logger.Warn("response dropped, client buffer full", "conn_id", client.connID)
	}
}

// writePump drains the outbound buffer onto the socket. It is the only
// goroutine that writes after the handshake.
func (h *WSHandler) writePump(ctx context.Context, client *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-client.out:
			if err := client.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				h.logger.Debug("write failed, closing", "conn_id", client.connID, "error", err)
				client.cancel()
				return
			}
		}
	}
}

// handshakeError wraps handshake failures with a stable prefix for close
// reasons.
type handshakeError struct {
	msg   string
	cause error
}

func (e *handshakeError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *handshakeError) Unwrap() error { return e.cause }

func errHandshake(msg string, cause error) error {
	return &handshakeError{msg: msg, cause: cause}
}
