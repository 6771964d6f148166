// ABOUTME: Scope-gated method dispatch for client requests over the WebSocket
// ABOUTME: Covers status, node.*, device.pair.*, and exec.approval.* operations

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/dedupe"
	"github.com/2389/loom-gateway/internal/node"
	"github.com/2389/loom-gateway/internal/pairing"
	"github.com/2389/loom-gateway/internal/protocol"
)

// defaultInvokeTimeout bounds how long node.invoke waits for the target
// node to answer.
const defaultInvokeTimeout = 30 * time.Second

// Caller identifies the connection a request arrived on.
type Caller struct {
	ConnID string
	Role   string
	NodeID string
	Scopes []string
}

// NameStore persists node display-name overrides. Implemented by the
// SQLite store; nil disables persistence.
type NameStore interface {
	SaveNodeName(nodeID, displayName string) error
	GetNodeName(nodeID string) (string, error)
}

// handlerFunc executes one method. A nil ErrorShape means success.
type handlerFunc func(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.ErrorShape)

// methodSpec pairs a handler with its access requirements.
type methodSpec struct {
	// scopes a caller must intersect (admin always passes). Nil means any
	// authenticated connection may call the method.
	scopes []string
	// nodeOnly restricts the method to connections that registered as a
	// node during connect.
	nodeOnly bool
	handler  handlerFunc
}

// Dispatcher routes request frames to method handlers.
type Dispatcher struct {
	state      *State
	names      NameStore
	methods    map[string]methodSpec
	pairDedupe *dedupe.Cache
	started    time.Time
	logger     *slog.Logger
}

// NewDispatcher builds the method table over the given state. names may
// be nil when display-name persistence is disabled.
func NewDispatcher(state *State, names NameStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		state:      state,
		names:      names,
		pairDedupe: dedupe.New(state.Pairing().TTL(), 1024),
		started:    time.Now(),
		logger:     logger.With("component", "methods"),
	}
	d.methods = map[string]methodSpec{
		"status":    {scopes: []string{protocol.ScopeRead}, handler: d.handleStatus},
		"node.list": {scopes: []string{protocol.ScopeRead}, handler: d.handleNodeList},
		"node.describe": {
			scopes:  []string{protocol.ScopeRead},
			handler: d.handleNodeDescribe,
		},
		"node.rename": {
			scopes:  []string{protocol.ScopeWrite},
			handler: d.handleNodeRename,
		},
		"node.invoke": {
			scopes:  []string{protocol.ScopeWrite},
			handler: d.handleNodeInvoke,
		},
		"node.invoke.result": {nodeOnly: true, handler: d.handleNodeInvokeResult},
		"node.event":         {nodeOnly: true, handler: d.handleNodeEvent},

		"device.pair.request": {handler: d.handlePairRequest},
		"device.pair.list": {
			scopes:  []string{protocol.ScopePairing},
			handler: d.handlePairList,
		},
		"device.pair.approve": {
			scopes:  []string{protocol.ScopePairing},
			handler: d.handlePairApprove,
		},
		"device.pair.reject": {
			scopes:  []string{protocol.ScopePairing},
			handler: d.handlePairReject,
		},
		"device.list": {
			scopes:  []string{protocol.ScopePairing},
			handler: d.handleDeviceList,
		},
		"device.token.rotate": {
			scopes:  []string{protocol.ScopePairing},
			handler: d.handleTokenRotate,
		},
		"device.token.revoke": {
			scopes:  []string{protocol.ScopePairing},
			handler: d.handleTokenRevoke,
		},

		"exec.approval.request": {
			scopes:  []string{protocol.ScopeWrite},
			handler: d.handleApprovalRequest,
		},
		"exec.approval.resolve": {
			scopes:  []string{protocol.ScopeApprovals},
			handler: d.handleApprovalResolve,
		},
		"exec.approval.list": {
			scopes:  []string{protocol.ScopeApprovals},
			handler: d.handleApprovalList,
		},

		"admin.disconnect_all": {
			scopes:  []string{protocol.ScopeAdmin},
			handler: d.handleDisconnectAll,
		},
	}
	return d
}

// MethodNames lists every dispatchable method, sorted, for the handshake
// feature advertisement.
func (d *Dispatcher) MethodNames() []string {
	out := make([]string, 0, len(d.methods))
	for name := range d.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close stops the pair-request dedupe cache. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.pairDedupe.Close()
}

// Dispatch runs one request and builds its response frame.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, req *protocol.RequestFrame) *protocol.ResponseFrame {
	spec, ok := d.methods[req.Method]
	if !ok {
		return protocol.ErrResponse(req.ID,
			protocol.NewError(protocol.CodeInvalidRequest, fmt.Sprintf("unknown method %q", req.Method)))
	}
	if spec.nodeOnly && caller.Role != protocol.RoleNode {
		return protocol.ErrResponse(req.ID,
			protocol.NewError(protocol.CodeForbidden, fmt.Sprintf("%s is node-only", req.Method)))
	}
	if !scopesSatisfy(caller.Scopes, spec.scopes) {
		d.logger.Warn("method denied, missing scope",
			"method", req.Method, "conn_id", caller.ConnID, "required", spec.scopes)
		return protocol.ErrResponse(req.ID,
			protocol.NewError(protocol.CodeForbidden, fmt.Sprintf("missing scope for %s", req.Method)))
	}

	payload, shape := spec.handler(ctx, caller, req.Params)
	if shape != nil {
		return protocol.ErrResponse(req.ID, shape)
	}
	return protocol.OKResponse(req.ID, payload)
}

// nodeView is the wire form of a registered node.
type nodeView struct {
	NodeID       string          `json:"node_id"`
	DisplayName  string          `json:"display_name,omitempty"`
	Platform     string          `json:"platform"`
	Version      string          `json:"version"`
	Capabilities []string        `json:"caps,omitempty"`
	Commands     []string        `json:"commands,omitempty"`
	Permissions  map[string]bool `json:"permissions,omitempty"`
	PathEnv      string          `json:"path_env,omitempty"`
	RemoteIP     string          `json:"remote_ip,omitempty"`
	ConnectedAt  int64           `json:"connected_at_ms"`
}

func viewOf(s *node.Session) nodeView {
	return nodeView{
		NodeID:       s.NodeID,
		DisplayName:  s.DisplayName,
		Platform:     s.Platform,
		Version:      s.Version,
		Capabilities: s.Capabilities,
		Commands:     s.Commands,
		Permissions:  s.Permissions,
		PathEnv:      s.PathEnv,
		RemoteIP:     s.RemoteIP,
		ConnectedAt:  s.ConnectedAt.UnixMilli(),
	}
}

func (d *Dispatcher) handleStatus(_ context.Context, _ Caller, _ json.RawMessage) (any, *protocol.ErrorShape) {
	return map[string]any{
		"clients":    d.state.ClientCount(),
		"nodes":      d.state.Nodes().Count(),
		"has_mobile": d.state.Nodes().HasMobileNode(),
		"uptime_ms":  time.Since(d.started).Milliseconds(),
	}, nil
}

func (d *Dispatcher) handleNodeList(_ context.Context, _ Caller, _ json.RawMessage) (any, *protocol.ErrorShape) {
	sessions := d.state.Nodes().List()
	views := make([]nodeView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].NodeID < views[j].NodeID })
	return map[string]any{"nodes": views}, nil
}

func (d *Dispatcher) handleNodeDescribe(_ context.Context, _ Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		NodeID string `json:"node_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "node_id required")
	}
	s, ok := d.state.Nodes().Get(p.NodeID)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, node.ErrNodeNotFound.Error())
	}
	return viewOf(s), nil
}

func (d *Dispatcher) handleNodeRename(_ context.Context, _ Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		NodeID      string `json:"node_id"`
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "node_id required")
	}
	if err := d.state.Nodes().Rename(p.NodeID, p.DisplayName); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	}
	if d.names != nil {
		if err := d.names.SaveNodeName(p.NodeID, p.DisplayName); err != nil {
			d.logger.Warn("persisting node name failed", "node_id", p.NodeID, "error", err)
		}
	}
	version := d.state.NextStateVersion()
	d.state.Broadcast("presence", d.presencePayload(), BroadcastOpts{StateVersion: &version})
	return map[string]any{"node_id": p.NodeID, "display_name": p.DisplayName}, nil
}

func (d *Dispatcher) handleNodeInvoke(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		NodeID    string          `json:"node_id"`
		Command   string          `json:"command"`
		Params    json.RawMessage `json:"params,omitempty"`
		TimeoutMs int64           `json:"timeout_ms,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" || p.Command == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "node_id and command required")
	}

	session, ok := d.state.Nodes().Get(p.NodeID)
	if !ok {
		return nil, protocol.NewError(protocol.CodeUnavailable, node.ErrNodeNotFound.Error())
	}
	target, ok := d.state.clientByConn(session.ConnID)
	if !ok {
		return nil, protocol.NewError(protocol.CodeUnavailable, "node connection gone")
	}

	invokeID := uuid.New().String()
	waiter := d.state.registerInvoke(invokeID)
	defer d.state.dropInvoke(invokeID)

	frame := &protocol.EventFrame{
		Type:  protocol.TypeEvent,
		Event: "node.invoke.request",
		Payload: map[string]any{
			"invoke_id": invokeID,
			"command":   p.Command,
			"params":    p.Params,
			"from":      caller.ConnID,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "encoding invoke frame")
	}
	if !target.TrySend(data) {
		return nil, protocol.NewError(protocol.CodeUnavailable, "node not accepting requests")
	}

	timeout := defaultInvokeTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		if !res.OK {
			return nil, protocol.NewError(protocol.CodeInternal, res.Error)
		}
		return map[string]any{"invoke_id": invokeID, "payload": res.Payload}, nil
	case <-timer.C:
		return nil, protocol.NewError(protocol.CodeTimeout, "node did not answer in time")
	case <-ctx.Done():
		return nil, protocol.NewError(protocol.CodeUnavailable, "caller disconnected")
	}
}

func (d *Dispatcher) handleNodeInvokeResult(_ context.Context, caller Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		InvokeID string `json:"invoke_id"`
		OK       bool   `json:"ok"`
		Payload  any    `json:"payload,omitempty"`
		Error    string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.InvokeID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "invoke_id required")
	}
	if !d.state.resolveInvoke(p.InvokeID, &InvokeResult{OK: p.OK, Payload: p.Payload, Error: p.Error}) {
		d.logger.Debug("invoke result for unknown id", "invoke_id", p.InvokeID, "node_id", caller.NodeID)
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "unknown invoke_id")
	}
	return map[string]any{"accepted": true}, nil
}

func (d *Dispatcher) handleNodeEvent(_ context.Context, caller Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		Event   string `json:"event"`
		Payload any    `json:"payload,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Event == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "event required")
	}
	d.state.Broadcast(p.Event, map[string]any{
		"node_id": caller.NodeID,
		"data":    p.Payload,
	}, BroadcastOpts{})
	return map[string]any{"published": true}, nil
}

func (d *Dispatcher) handlePairRequest(_ context.Context, _ Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		DeviceID    string `json:"device_id"`
		DisplayName string `json:"display_name,omitempty"`
		Platform    string `json:"platform,omitempty"`
		PublicKey   string `json:"public_key,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "device_id required")
	}

	// A device retrying within the TTL gets its existing pending request
	// back rather than a duplicate entry and broadcast.
	if d.pairDedupe.CheckAndMark(p.DeviceID) {
		for _, r := range d.state.Pairing().ListPending() {
			if r.DeviceID == p.DeviceID {
				return map[string]any{
					"pair_id":    r.ID,
					"nonce":      r.Nonce,
					"expires_at": r.ExpiresAt.UnixMilli(),
				}, nil
			}
		}
		// Prior request was already resolved or evicted, fall through.
	}

	req := d.state.Pairing().RequestPair(p.DeviceID, p.DisplayName, p.Platform, p.PublicKey)
	d.state.Broadcast("device.pair.requested", map[string]any{
		"pair_id":      req.ID,
		"device_id":    req.DeviceID,
		"display_name": req.DisplayName,
		"platform":     req.Platform,
		"expires_at":   req.ExpiresAt.UnixMilli(),
	}, BroadcastOpts{})
	return map[string]any{
		"pair_id":    req.ID,
		"nonce":      req.Nonce,
		"expires_at": req.ExpiresAt.UnixMilli(),
	}, nil
}

func (d *Dispatcher) handlePairList(_ context.Context, _ Caller, _ json.RawMessage) (any, *protocol.ErrorShape) {
	pendings := d.state.Pairing().ListPending()
	items := make([]map[string]any, 0, len(pendings))
	for _, r := range pendings {
		items = append(items, map[string]any{
			"pair_id":      r.ID,
			"device_id":    r.DeviceID,
			"display_name": r.DisplayName,
			"platform":     r.Platform,
			"created_at":   r.CreatedAt.UnixMilli(),
			"expires_at":   r.ExpiresAt.UnixMilli(),
		})
	}
	return map[string]any{"pending": items}, nil
}

func (d *Dispatcher) handlePairApprove(_ context.Context, _ Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		PairID string `json:"pair_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.PairID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "pair_id required")
	}
	tok, err := d.state.Pairing().Approve(p.PairID)
	if err != nil {
		return nil, pairShape(err)
	}
	d.state.Broadcast("device.pair.resolved", map[string]any{
		"pair_id":   p.PairID,
		"device_id": tok.DeviceID,
		"approved":  true,
	}, BroadcastOpts{})
	return map[string]any{
		"device_id":    tok.DeviceID,
		"device_token": tok.Token,
		"scopes":       tok.Scopes,
	}, nil
}

func (d *Dispatcher) handlePairReject(_ context.Context, _ Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		PairID string `json:"pair_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.PairID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "pair_id required")
	}
	if err := d.state.Pairing().Reject(p.PairID); err != nil {
		return nil, pairShape(err)
	}
	d.state.Broadcast("device.pair.resolved", map[string]any{
		"pair_id":  p.PairID,
		"approved": false,
	}, BroadcastOpts{})
	return map[string]any{"rejected": true}, nil
}

func (d *Dispatcher) handleDeviceList(_ context.Context, _ Caller, _ json.RawMessage) (any, *protocol.ErrorShape) {
	devices := d.state.Pairing().ListDevices()
	items := make([]map[string]any, 0, len(devices))
	for _, tok := range devices {
		items = append(items, map[string]any{
			"device_id":    tok.DeviceID,
			"scopes":       tok.Scopes,
			"issued_at_ms": tok.IssuedAtMs,
		})
	}
	return map[string]any{"devices": items}, nil
}

func (d *Dispatcher) handleTokenRotate(_ context.Context, _ Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "device_id required")
	}
	tok, err := d.state.Pairing().RotateToken(p.DeviceID)
	if err != nil {
		return nil, pairShape(err)
	}
	return map[string]any{"device_id": tok.DeviceID, "device_token": tok.Token}, nil
}

func (d *Dispatcher) handleTokenRevoke(_ context.Context, _ Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "device_id required")
	}
	if err := d.state.Pairing().RevokeToken(p.DeviceID); err != nil {
		return nil, pairShape(err)
	}
	return map[string]any{"revoked": true}, nil
}

func (d *Dispatcher) handleApprovalRequest(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Command == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "command required")
	}

	req, decided := d.state.Approvals().Request(p.Command)
	d.state.Broadcast("exec.approval.requested", map[string]any{
		"approval_id": req.ID,
		"command":     req.Command,
		"from":        caller.ConnID,
		"created_at":  req.CreatedAt.UnixMilli(),
	}, BroadcastOpts{})

	select {
	case approved := <-decided:
		d.state.Broadcast("exec.approval.resolved", map[string]any{
			"approval_id": req.ID,
			"approved":    approved,
		}, BroadcastOpts{})
		return map[string]any{"approval_id": req.ID, "approved": approved}, nil
	case <-ctx.Done():
		return nil, protocol.NewError(protocol.CodeUnavailable, "caller disconnected")
	}
}

func (d *Dispatcher) handleApprovalResolve(_ context.Context, _ Caller, params json.RawMessage) (any, *protocol.ErrorShape) {
	var p struct {
		ApprovalID string `json:"approval_id"`
		Approved   bool   `json:"approved"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ApprovalID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "approval_id required")
	}
	if err := d.state.Approvals().Resolve(p.ApprovalID, p.Approved); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	}
	return map[string]any{"resolved": true}, nil
}

func (d *Dispatcher) handleApprovalList(_ context.Context, _ Caller, _ json.RawMessage) (any, *protocol.ErrorShape) {
	pendings := d.state.Approvals().Pending()
	items := make([]map[string]any, 0, len(pendings))
	for _, r := range pendings {
		items = append(items, map[string]any{
			"approval_id": r.ID,
			"command":     r.Command,
			"created_at":  r.CreatedAt.UnixMilli(),
		})
	}
	return map[string]any{"pending": items}, nil
}

func (d *Dispatcher) handleDisconnectAll(_ context.Context, caller Caller, _ json.RawMessage) (any, *protocol.ErrorShape) {
	count := d.state.KickAll("administrative disconnect")
	d.logger.Info("admin.disconnect_all", "by", caller.ConnID, "disconnected", count)
	return map[string]any{"disconnected": count}, nil
}

// presencePayload snapshots the node list for presence broadcasts.
func (d *Dispatcher) presencePayload() map[string]any {
	sessions := d.state.Nodes().List()
	views := make([]nodeView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].NodeID < views[j].NodeID })
	return map[string]any{"nodes": views}
}

// pairShape converts pairing errors into wire error shapes.
func pairShape(err error) *protocol.ErrorShape {
	var notPending *pairing.NotPendingError
	switch {
	case errors.Is(err, pairing.ErrPairRequestNotFound),
		errors.Is(err, pairing.ErrDeviceNotFound):
		return protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	case errors.Is(err, pairing.ErrPairRequestExpired):
		return protocol.NewError(protocol.CodeTimeout, err.Error())
	case errors.As(err, &notPending):
		return protocol.NewError(protocol.CodeInvalidRequest, err.Error())
	default:
		return protocol.NewError(protocol.CodeInternal, err.Error())
	}
}
