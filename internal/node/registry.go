// ABOUTME: Tracks connected device nodes and their capabilities.
// ABOUTME: Maintains a conn_id reverse index for O(1) cleanup on disconnect.

package node

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNodeNotFound indicates the specified node is not registered.
var ErrNodeNotFound = errors.New("node not found")

// Session represents a logical device attached to the gateway. A node is
// an addressable, capability-bearing peer (desktop or mobile agent), as
// opposed to a raw transport connection.
type Session struct {
	NodeID       string
	ConnID       string
	DisplayName  string
	Platform     string
	Version      string
	Capabilities []string
	Commands     []string
	Permissions  map[string]bool
	PathEnv      string
	RemoteIP     string
	ConnectedAt  time.Time
}

// Registry tracks live device nodes. At most one Session exists per
// node_id; re-registering a node_id replaces the prior session.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*Session // node_id → session
	byConn map[string]string   // conn_id → node_id
	logger *slog.Logger
}

// NewRegistry creates an empty node registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:  make(map[string]*Session),
		byConn: make(map[string]string),
		logger: logger.With("component", "node-registry"),
	}
}

// Register inserts or replaces the session keyed by its node_id and
// records the conn_id → node_id reverse entry. A conn_id collision
// overwrites the reverse entry; the previously mapped node stays
// discoverable by its own node_id until separately removed.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byConn[s.ConnID] = s.NodeID
	r.nodes[s.NodeID] = s

	r.logger.Info("node registered",
		"node_id", s.NodeID,
		"conn_id", s.ConnID,
		"platform", s.Platform,
		"total_nodes", len(r.nodes),
	)
}

// UnregisterByConn removes the node registered under the given conn_id
// and returns its session. Returns nil if the connection was never
// registered; unregistering twice is not an error.
func (r *Registry) UnregisterByConn(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodeID, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)

	s, ok := r.nodes[nodeID]
	if !ok {
		return nil
	}
	delete(r.nodes, nodeID)

	r.logger.Info("node unregistered",
		"node_id", nodeID,
		"conn_id", connID,
		"total_nodes", len(r.nodes),
	)
	return s
}

// Get returns the session for a node_id, or false if not registered.
func (r *Registry) Get(nodeID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.nodes[nodeID]
	return s, ok
}

// List returns all registered sessions in no particular order.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.nodes))
	for _, s := range r.nodes {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// HasMobileNode reports whether any registered node runs on a mobile
// platform. Routing uses this to decide whether mobile-only UI features
// (canvas rendering) are available.
func (r *Registry) HasMobileNode() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.nodes {
		if s.Platform == "ios" || s.Platform == "android" {
			return true
		}
	}
	return false
}

// Rename sets the display name of a registered node. Returns
// ErrNodeNotFound if no such node is connected.
func (r *Registry) Rename(nodeID, displayName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	s.DisplayName = displayName
	return nil
}

// Clear removes every node. Used when disconnecting all clients.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make(map[string]*Session)
	r.byConn = make(map[string]string)
	r.logger.Debug("node registry cleared")
}
