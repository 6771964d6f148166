// ABOUTME: Shared gateway state: client map, sequence and state-version counters
// ABOUTME: Owns the Client abstraction used by the broadcaster for fan-out

package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/loom-gateway/internal/approval"
	"github.com/2389/loom-gateway/internal/node"
	"github.com/2389/loom-gateway/internal/pairing"
)

// Client is one live transport connection from the broadcaster's point of
// view. TrySend must enqueue into a bounded per-client buffer and return
// immediately; it never blocks. Kick asks the transport to close the
// connection.
type Client interface {
	ConnID() string
	Scopes() []string
	TrySend(frame []byte) bool
	Kick(reason string)
}

// State is the single shared handle passed to every task that touches the
// client set, the counters, or the registries. It is safe for concurrent
// use.
type State struct {
	mu      sync.RWMutex
	clients map[string]Client // conn_id → client

	seq          atomic.Uint64
	stateVersion atomic.Uint64

	nodes     *node.Registry
	pairing   *pairing.State
	approvals *approval.Manager

	invokeMu sync.Mutex
	invokes  map[string]chan *InvokeResult // invoke_id → waiter

	logger *slog.Logger
}

// InvokeResult is a node's reply to a forwarded invoke request.
type InvokeResult struct {
	OK      bool
	Payload any
	Error   string
}

// NewState creates gateway state with empty client and invoke maps. Pass
// nil logger for the default.
func NewState(nodes *node.Registry, pair *pairing.State, approvals *approval.Manager, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		clients:   make(map[string]Client),
		nodes:     nodes,
		pairing:   pair,
		approvals: approvals,
		invokes:   make(map[string]chan *InvokeResult),
		logger:    logger.With("component", "gateway-state"),
	}
}

// NextSeq allocates the next broadcast sequence number. The first value is
// 1 and the counter never resets while the process runs.
func (s *State) NextSeq() uint64 {
	return s.seq.Add(1)
}

// NextStateVersion allocates the next domain snapshot version.
func (s *State) NextStateVersion() uint64 {
	return s.stateVersion.Add(1)
}

// AddClient registers a connected client under its conn_id.
func (s *State) AddClient(c Client) {
	s.mu.Lock()
	s.clients[c.ConnID()] = c
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Debug("client added", "conn_id", c.ConnID(), "total_clients", total)
}

// RemoveClient drops a client from the map and unregisters any node bound
// to its connection, returning the removed node session (nil if the
// connection carried no node). Removing an unknown conn_id is a no-op.
func (s *State) RemoveClient(connID string) *node.Session {
	s.mu.Lock()
	_, ok := s.clients[connID]
	delete(s.clients, connID)
	total := len(s.clients)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	s.logger.Debug("client removed", "conn_id", connID, "total_clients", total)
	return s.nodes.UnregisterByConn(connID)
}

// ClientCount returns the number of connected clients.
func (s *State) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// snapshotClients copies the current client set. Broadcasts iterate the
// copy so sends happen outside the lock.
func (s *State) snapshotClients() []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// clientByConn looks up one connected client by conn_id.
func (s *State) clientByConn(connID string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[connID]
	return c, ok
}

// KickAll evicts every connected client and clears the node registry.
// Used by the administrative disconnect-all operation.
func (s *State) KickAll(reason string) int {
	s.mu.Lock()
	victims := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		victims = append(victims, c)
	}
	s.clients = make(map[string]Client)
	s.mu.Unlock()

	s.nodes.Clear()
	for _, c := range victims {
		c.Kick(reason)
	}
	s.logger.Info("disconnected all clients", "count", len(victims), "reason", reason)
	return len(victims)
}

// Nodes exposes the node registry to method handlers.
func (s *State) Nodes() *node.Registry {
	return s.nodes
}

// Pairing exposes the pairing state to method handlers.
func (s *State) Pairing() *pairing.State {
	return s.pairing
}

// Approvals exposes the approval manager to method handlers.
func (s *State) Approvals() *approval.Manager {
	return s.approvals
}

// registerInvoke creates a waiter for a forwarded invoke id.
func (s *State) registerInvoke(invokeID string) chan *InvokeResult {
	ch := make(chan *InvokeResult, 1)
	s.invokeMu.Lock()
	s.invokes[invokeID] = ch
	s.invokeMu.Unlock()
	return ch
}

// resolveInvoke delivers a node's invoke result to its waiter. Returns
// false if the invoke id is unknown or already resolved.
func (s *State) resolveInvoke(invokeID string, res *InvokeResult) bool {
	s.invokeMu.Lock()
	ch, ok := s.invokes[invokeID]
	if ok {
		delete(s.invokes, invokeID)
	}
	s.invokeMu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// dropInvoke abandons a waiter (timeout or caller disconnect).
func (s *State) dropInvoke(invokeID string) {
	s.invokeMu.Lock()
	delete(s.invokes, invokeID)
	s.invokeMu.Unlock()
}
