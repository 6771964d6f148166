// ABOUTME: Device pairing state machine and device token management
// ABOUTME: Tracks pending pair requests with TTL and issued device tokens

package pairing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/protocol"
)

// Pairing errors returned to method callers.
var (
	ErrPairRequestNotFound = errors.New("pair request not found")
	ErrPairRequestExpired  = errors.New("pair request expired")
	ErrDeviceNotFound      = errors.New("device not found")
)

// NotPendingError indicates a pair request was already resolved.
type NotPendingError struct {
	Status Status
}

func (e *NotPendingError) Error() string {
	return fmt.Sprintf("pair request already %s", e.Status)
}

// Status is the lifecycle state of a pair request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// DefaultTTL is how long a pair request stays approvable.
const DefaultTTL = 5 * time.Minute

// Request is a device's pending ask to join the gateway.
type Request struct {
	ID          string
	DeviceID    string
	DisplayName string
	Platform    string
	PublicKey   string
	Nonce       string
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// DeviceToken is a long-lived credential issued to an approved device.
type DeviceToken struct {
	Token      string
	DeviceID   string
	Scopes     []string
	IssuedAtMs uint64
	Revoked    bool
}

// TokenStore persists issued device tokens across restarts. Implemented
// by the SQLite store; may be nil for a purely in-memory gateway.
type TokenStore interface {
	SaveDeviceToken(tok *DeviceToken) error
	ListDeviceTokens() ([]*DeviceToken, error)
}

// State tracks pending pair requests and issued device tokens.
type State struct {
	mu      sync.Mutex
	pending map[string]*Request
	devices map[string]*DeviceToken // device_id → token
	ttl     time.Duration
	store   TokenStore
}

// New creates pairing state. Zero or negative ttl uses DefaultTTL.
// Previously issued tokens are loaded from store when it is non-nil.
func New(store TokenStore, ttl time.Duration) (*State, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &State{
		pending: make(map[string]*Request),
		devices: make(map[string]*DeviceToken),
		ttl:     ttl,
		store:   store,
	}
	if store != nil {
		toks, err := store.ListDeviceTokens()
		if err != nil {
			return nil, fmt.Errorf("loading device tokens: %w", err)
		}
		for _, tok := range toks {
			s.devices[tok.DeviceID] = tok
		}
	}
	return s, nil
}

// TTL reports how long pair requests stay approvable.
func (s *State) TTL() time.Duration {
	return s.ttl
}

// RequestPair submits a new pairing request and returns it with a fresh
// id and nonce.
func (s *State) RequestPair(deviceID, displayName, platform, publicKey string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	req := &Request{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		DisplayName: displayName,
		Platform:    platform,
		PublicKey:   publicKey,
		Nonce:       uuid.New().String(),
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.pending[req.ID] = req
	return req
}

// ListPending returns all pending, non-expired requests.
func (s *State) ListPending() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]*Request, 0, len(s.pending))
	for _, r := range s.pending {
		if r.Status == StatusPending && now.Before(r.ExpiresAt) {
			out = append(out, r)
		}
	}
	return out
}

// Approve resolves a pending request and issues a device token carrying
// the read/write/approvals scopes.
func (s *State) Approve(pairID string) (*DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[pairID]
	if !ok {
		return nil, ErrPairRequestNotFound
	}
	if req.Status != StatusPending {
		return nil, &NotPendingError{Status: req.Status}
	}
	if time.Now().After(req.ExpiresAt) {
		req.Status = StatusExpired
		return nil, ErrPairRequestExpired
	}
	req.Status = StatusApproved

	tok := &DeviceToken{
		Token:      uuid.New().String(),
		DeviceID:   req.DeviceID,
		Scopes:     []string{protocol.ScopeRead, protocol.ScopeWrite, protocol.ScopeApprovals},
		IssuedAtMs: uint64(time.Now().UnixMilli()),
	}
	s.devices[req.DeviceID] = tok
	if err := s.persist(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// Reject resolves a pending request without issuing a token.
func (s *State) Reject(pairID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[pairID]
	if !ok {
		return ErrPairRequestNotFound
	}
	if req.Status != StatusPending {
		return &NotPendingError{Status: req.Status}
	}
	req.Status = StatusRejected
	return nil
}

// VerifyToken checks a presented device token, returning the matching
// entry if it is known and not revoked.
func (s *State) VerifyToken(token string) (*DeviceToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tok := range s.devices {
		if tok.Token == token && !tok.Revoked {
			return tok, true
		}
	}
	return nil, false
}

// ListDevices returns all approved, non-revoked devices.
func (s *State) ListDevices() []*DeviceToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*DeviceToken, 0, len(s.devices))
	for _, tok := range s.devices {
		if !tok.Revoked {
			out = append(out, tok)
		}
	}
	return out
}

// RotateToken revokes a device's current token and issues a new one with
// the same scopes.
func (s *State) RotateToken(deviceID string) (*DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	existing.Revoked = true

	tok := &DeviceToken{
		Token:      uuid.New().String(),
		DeviceID:   deviceID,
		Scopes:     existing.Scopes,
		IssuedAtMs: uint64(time.Now().UnixMilli()),
	}
	s.devices[deviceID] = tok
	if err := s.persist(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// RevokeToken permanently revokes a device's token.
func (s *State) RevokeToken(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	existing.Revoked = true
	return s.persist(existing)
}

// EvictExpired drops pending requests past their TTL.
func (s *State) EvictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, r := range s.pending {
		if r.Status == StatusPending && now.After(r.ExpiresAt) {
			delete(s.pending, id)
		}
	}
}

// persist saves a token if a store is configured. Must be called with mu
// held.
func (s *State) persist(tok *DeviceToken) error {
	if s.store == nil {
		return nil
	}
	return s.store.SaveDeviceToken(tok)
}
