// Package gateway orchestrates the loom-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the loom-gateway
// server. It owns the shared connection state, the event broadcaster, the
// method dispatcher, the WebSocket handshake, and the HTTP server that
// carries them.
//
// # State
//
// State is the hub every other piece hangs off:
//
//	type State struct {
//	    clients   map[string]Client   // conn_id -> attached client
//	    seq       atomic.Uint64       // broadcast sequence allocator
//	    nodes     *node.Registry
//	    pairing   *pairing.State
//	    approvals *approval.Manager
//	    // ... and more
//	}
//
// Clients attach after a successful handshake and detach when their socket
// closes or they are evicted for falling behind.
//
// # Broadcasting
//
// Broadcast serializes an event frame once, stamps it with the next
// sequence number, and offers it to every connected client whose scopes
// pass the event's guard. Delivery never blocks: a client whose send
// buffer is full is either skipped (DropIfSlow, used for the periodic
// tick) or evicted and kicked so it can reconnect with a clean slate.
//
// # Method Dispatch
//
// The Dispatcher routes request frames to handlers by method name:
//
//   - status, node.list, node.describe - read scope
//   - node.rename, node.invoke - write scope
//   - node.invoke.result, node.event - node connections only
//   - device.pair.* / device.list / device.token.* - pairing scope
//     (device.pair.request is open to any connection)
//   - exec.approval.request - write scope; resolve/list - approvals scope
//   - admin.disconnect_all - admin scope
//
// Each request runs in its own goroutine, so blocking methods like
// node.invoke and exec.approval.request never stall their connection.
//
// # WebSocket Handshake
//
// New connections must send a connect request as their first frame within
// the handshake timeout. The handler negotiates a protocol version,
// resolves credentials (device token, static token, JWT, password, or
// loopback) into a role and scope set, and answers with a hello-ok frame
// advertising the available methods and events.
//
// # HTTP Endpoints
//
//   - GET /ws - WebSocket attach point for nodes and operators
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (200 once a node is attached)
//
// # Server Lifecycle
//
// New(cfg, logger) wires the store, registries, and handlers. Run(ctx)
// brings up the listener (TCP or Tailscale), starts the tick and
// pair-sweep loops, and blocks until ctx is cancelled, then performs a
// graceful shutdown: broadcast a shutdown event, drain the HTTP server,
// kick remaining clients, and close the store.
package gateway
