// ABOUTME: In-memory manager for exec command approval requests
// ABOUTME: Pending approvals resolve via operator decision or timeout-deny

package approval

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrApprovalNotFound indicates no pending approval matches the id.
var ErrApprovalNotFound = errors.New("approval not found")

// DefaultTimeout is how long an unanswered approval waits before it is
// denied.
const DefaultTimeout = 60 * time.Second

// Request is a pending ask to run a command.
type Request struct {
	ID        string
	Command   string
	CreatedAt time.Time

	decided chan bool
	once    sync.Once
}

// resolve delivers the decision exactly once.
func (r *Request) resolve(approved bool) {
	r.once.Do(func() {
		r.decided <- approved
		close(r.decided)
	})
}

// Manager tracks pending approval requests.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Request
	timeout time.Duration
	logger  *slog.Logger
}

// NewManager creates an approval manager. Pass zero timeout for the
// default; nil logger for the default logger.
func NewManager(timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pending: make(map[string]*Request),
		timeout: timeout,
		logger:  logger.With("component", "approvals"),
	}
}

// Request registers a pending approval for the given command and returns
// it together with a channel that yields the decision. The request is
// denied automatically when the timeout elapses.
func (m *Manager) Request(command string) (*Request, <-chan bool) {
	req := &Request{
		ID:        uuid.New().String(),
		Command:   command,
		CreatedAt: time.Now(),
		decided:   make(chan bool, 1),
	}

	m.mu.Lock()
	m.pending[req.ID] = req
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(m.timeout)
		defer timer.Stop()
		<-timer.C
		if m.remove(req.ID) != nil {
			m.logger.Warn("approval timed out, denying", "approval_id", req.ID, "command", command)
			req.resolve(false)
		}
	}()

	return req, req.decided
}

// Resolve decides a pending approval. Returns ErrApprovalNotFound if the
// id is unknown or already resolved.
func (m *Manager) Resolve(id string, approved bool) error {
	req := m.remove(id)
	if req == nil {
		return ErrApprovalNotFound
	}
	req.resolve(approved)
	m.logger.Info("approval resolved", "approval_id", id, "approved", approved)
	return nil
}

// Pending lists the currently unresolved requests.
func (m *Manager) Pending() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Request, 0, len(m.pending))
	for _, r := range m.pending {
		out = append(out, r)
	}
	return out
}

// remove detaches a pending request, returning nil when absent.
func (m *Manager) remove(id string) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	return req
}
